package book

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Order is a resting or incoming order. The sign of Amount encodes the side
// (positive = bid, negative = ask) and its magnitude is the remaining quantity.
type Order struct {
	ID     string
	Price  decimal.Decimal
	Amount decimal.Decimal
}

func (o *Order) Side() Side {
	if o.Amount.IsPositive() {
		return Buy
	}
	return Sell
}

func (o *Order) Clone() *Order {
	cp := *o
	return &cp
}

func (o *Order) String() string {
	return fmt.Sprintf("%s %s@%s", o.ID, o.Amount.String(), o.Price.String())
}

// Fill records one maker order being (partially) consumed by a taker.
// Amount is the matched quantity and is always positive.
type Fill struct {
	TakerID string
	MakerID string
	Side    Side // taker side
	Price   decimal.Decimal
	Amount  decimal.Decimal
}

var (
	ErrInvalidPrice = errors.New("book: price must be positive")
	ErrZeroAmount   = errors.New("book: amount must be nonzero")
)

// ValidateOrder rejects input the matching engine does not accept.
// Callers must run it before handing an order to the book.
func ValidateOrder(price, amount decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidPrice, price.String())
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}
	return nil
}
