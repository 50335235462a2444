package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/bookpeer/pkg/book"
)

// FillRecord is one journaled fill. Seq is assigned by the store and is
// strictly increasing across restarts.
type FillRecord struct {
	Seq     uint64          `json:"seq"`
	TakerID string          `json:"taker_id"`
	MakerID string          `json:"maker_id"`
	Side    string          `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Amount  decimal.Decimal `json:"amount"`
	Time    time.Time       `json:"time"`
}

func recordFromFill(seq uint64, f book.Fill, at time.Time) FillRecord {
	return FillRecord{
		Seq:     seq,
		TakerID: f.TakerID,
		MakerID: f.MakerID,
		Side:    f.Side.String(),
		Price:   f.Price,
		Amount:  f.Amount,
		Time:    at.UTC(),
	}
}
