package node

import (
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// OrderGenerator creates random orders around 10000 for simulated trading.
// One uniform draw drives delay, price and amount together.
type OrderGenerator struct {
	rng      *rand.Rand
	minDelay time.Duration
	jitter   time.Duration
}

func NewOrderGenerator(seed int64, minDelay, jitter time.Duration) *OrderGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &OrderGenerator{
		rng:      rand.New(rand.NewSource(seed)),
		minDelay: minDelay,
		jitter:   jitter,
	}
}

// GeneratedOrder is one simulated submission and how long to wait before it.
type GeneratedOrder struct {
	Delay  time.Duration
	Price  decimal.Decimal
	Amount decimal.Decimal
}

func (g *OrderGenerator) Next() GeneratedOrder {
	return generate(g.rng.Float64(), g.minDelay, g.jitter)
}

// amountStep is the smallest generated order size.
var amountStep = decimal.New(1, -4)

// generate maps r in [0,1) to an order: sells for r < 0.5, buys otherwise,
// both rounded to 4 decimal places. Sells that round to zero are clamped to
// one step so every generated order is valid.
func generate(r float64, minDelay, jitter time.Duration) GeneratedOrder {
	amount := decimal.NewFromFloat(r / 2).Round(4)
	if r < 0.5 {
		amount = decimal.NewFromFloat(-r).Round(4)
		if amount.IsZero() {
			amount = amountStep.Neg()
		}
	}
	return GeneratedOrder{
		Delay:  minDelay + time.Duration(r*float64(jitter)),
		Price:  decimal.NewFromFloat(10000 + r*100).Round(4),
		Amount: amount,
	}
}
