package book

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// PriceLevel aggregates resting quantity at one price.
type PriceLevel struct {
	Price  decimal.Decimal
	Amount decimal.Decimal // total magnitude at this level
	Orders int
}

// MatchResult is the outcome of resolving one incoming order.
//
// Fulfilled holds every resting order fully consumed by the call, followed by
// the incoming order itself when nothing of it remains. A maker that was only
// partially consumed stays in the book and is not listed.
type MatchResult struct {
	Fulfilled []*Order
	Remaining decimal.Decimal
	Fills     []Fill
	// Resting is the number of orders in the book once the call returned.
	Resting int
}

func (r MatchResult) IsFulfilled() bool { return len(r.Fulfilled) > 0 }

// bookSide is one side of the book: a heap of populated prices and a FIFO
// queue per price. Arrival order is preserved within a level.
type bookSide struct {
	prices priceHeap
	levels map[string][]*Order
	count  int
	better func(a, b decimal.Decimal) bool
}

func newBids() *bookSide {
	h := &MaxPriceHeap{}
	heap.Init(h)
	return &bookSide{
		prices: h,
		levels: make(map[string][]*Order),
		better: func(a, b decimal.Decimal) bool { return a.GreaterThan(b) },
	}
}

func newAsks() *bookSide {
	h := &MinPriceHeap{}
	heap.Init(h)
	return &bookSide{
		prices: h,
		levels: make(map[string][]*Order),
		better: func(a, b decimal.Decimal) bool { return a.LessThan(b) },
	}
}

func levelKey(p decimal.Decimal) string { return p.String() }

// front returns the oldest order at the best price.
func (s *bookSide) front() (*Order, bool) {
	if s.prices.Len() == 0 {
		return nil, false
	}
	level := s.levels[levelKey(s.prices.Peek())]
	if len(level) == 0 {
		return nil, false
	}
	return level[0], true
}

// popFront removes the oldest order at the best price.
func (s *bookSide) popFront() {
	key := levelKey(s.prices.Peek())
	level := s.levels[key]
	level[0] = nil
	level = level[1:]
	s.count--
	if len(level) == 0 {
		delete(s.levels, key)
		heap.Pop(s.prices)
		return
	}
	s.levels[key] = level
}

// insert appends o after every order already resting at its price.
func (s *bookSide) insert(o *Order) {
	key := levelKey(o.Price)
	level, ok := s.levels[key]
	if !ok || len(level) == 0 {
		heap.Push(s.prices, o.Price)
	}
	s.levels[key] = append(level, o)
	s.count++
}

// walk visits resting orders best price first, oldest first within a price.
func (s *bookSide) walk(fn func(lvl decimal.Decimal, o *Order)) {
	prices := s.prices.Prices()
	sort.Slice(prices, func(i, j int) bool { return s.better(prices[i], prices[j]) })
	for _, p := range prices {
		for _, o := range s.levels[levelKey(p)] {
			fn(p, o)
		}
	}
}

func (s *bookSide) depth() []PriceLevel {
	var out []PriceLevel
	s.walk(func(p decimal.Decimal, o *Order) {
		if n := len(out); n > 0 && out[n-1].Price.Equal(p) {
			out[n-1].Amount = out[n-1].Amount.Add(o.Amount.Abs())
			out[n-1].Orders++
			return
		}
		out = append(out, PriceLevel{Price: p, Amount: o.Amount.Abs(), Orders: 1})
	})
	return out
}

type OrderBook struct {
	mu sync.RWMutex

	bids *bookSide
	asks *bookSide

	lastPrice decimal.Decimal // most recent fill price
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		bids: newBids(),
		asks: newAsks(),
	}
}

// Submit resolves o against the opposite side of the book. Consumed makers are
// removed and a partially consumed maker keeps its place at the front of its
// level. The unmatched remainder is reported but not rested.
func (ob *OrderBook) Submit(o *Order) MatchResult {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	res := ob.match(o)
	res.Resting = ob.bids.count + ob.asks.count
	return res
}

// Place is Submit followed by resting any remainder on the order's own side.
func (ob *OrderBook) Place(o *Order) MatchResult {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	res := ob.match(o)
	if !res.Remaining.IsZero() {
		o.Amount = res.Remaining
		ob.sideOf(o).insert(o)
	}
	res.Resting = ob.bids.count + ob.asks.count
	return res
}

// PlaceMarketOrder matches o, rests the remainder and reports whether anything
// was resolved by the call.
func (ob *OrderBook) PlaceMarketOrder(o *Order) bool {
	return ob.Place(o).IsFulfilled()
}

func (ob *OrderBook) sideOf(o *Order) *bookSide {
	if o.Amount.IsPositive() {
		return ob.bids
	}
	return ob.asks
}

func (ob *OrderBook) match(o *Order) MatchResult {
	res := MatchResult{Remaining: o.Amount}
	if o.Amount.IsZero() {
		return res
	}

	buy := o.Amount.IsPositive()
	opposite := ob.asks
	if !buy {
		opposite = ob.bids
	}
	takerSide := o.Side()

	for !res.Remaining.IsZero() {
		maker, ok := opposite.front()
		if !ok {
			break
		}
		if buy && o.Price.LessThan(maker.Price) {
			break
		}
		if !buy && o.Price.GreaterThan(maker.Price) {
			break
		}

		need := res.Remaining.Abs()
		avail := maker.Amount.Abs()
		fill := Fill{TakerID: o.ID, MakerID: maker.ID, Side: takerSide, Price: maker.Price}

		switch need.Cmp(avail) {
		case 0:
			opposite.popFront()
			res.Fulfilled = append(res.Fulfilled, maker)
			fill.Amount = avail
			res.Remaining = decimal.Zero
		case -1:
			// maker keeps its slot with the residual amount
			maker.Amount = maker.Amount.Add(res.Remaining)
			fill.Amount = need
			res.Remaining = decimal.Zero
		default:
			opposite.popFront()
			res.Fulfilled = append(res.Fulfilled, maker)
			fill.Amount = avail
			res.Remaining = res.Remaining.Add(maker.Amount)
		}
		res.Fills = append(res.Fills, fill)
		ob.lastPrice = maker.Price
	}

	if res.Remaining.IsZero() {
		res.Fulfilled = append(res.Fulfilled, o)
	}
	return res
}

// LoadSnapshot replaces the book contents with orders, inserted in the given
// order without matching. The snapshot is expected to be non-crossing.
func (ob *OrderBook) LoadSnapshot(orders []*Order) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.bids = newBids()
	ob.asks = newAsks()
	for _, o := range orders {
		if o == nil || o.Amount.IsZero() {
			continue
		}
		ob.sideOf(o).insert(o.Clone())
	}
}

// Size returns the number of resting orders on both sides.
func (ob *OrderBook) Size() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.bids.count + ob.asks.count
}

// AllOrders returns copies of every resting order, bids then asks, each side
// in priority order.
func (ob *OrderBook) AllOrders() []*Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	out := make([]*Order, 0, ob.bids.count+ob.asks.count)
	collect := func(_ decimal.Decimal, o *Order) { out = append(out, o.Clone()) }
	ob.bids.walk(collect)
	ob.asks.walk(collect)
	return out
}

func (ob *OrderBook) Bids() []*Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	var out []*Order
	ob.bids.walk(func(_ decimal.Decimal, o *Order) { out = append(out, o.Clone()) })
	return out
}

func (ob *OrderBook) Asks() []*Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	var out []*Order
	ob.asks.walk(func(_ decimal.Decimal, o *Order) { out = append(out, o.Clone()) })
	return out
}

// BidLevels returns aggregated bid depth, highest price first.
func (ob *OrderBook) BidLevels() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.bids.depth()
}

// AskLevels returns aggregated ask depth, lowest price first.
func (ob *OrderBook) AskLevels() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.asks.depth()
}

// BestBid returns the highest bid price
func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if ob.bids.prices.Len() == 0 {
		return decimal.Zero, false
	}
	return ob.bids.prices.Peek(), true
}

// BestAsk returns the lowest ask price
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if ob.asks.prices.Len() == 0 {
		return decimal.Zero, false
	}
	return ob.asks.prices.Peek(), true
}

// LastPrice returns the price of the most recent fill, zero if none.
func (ob *OrderBook) LastPrice() decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastPrice
}
