package book

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func drawOrder(t *rapid.T, i int) *Order {
	price := rapid.IntRange(95, 105).Draw(t, "price")
	amount := rapid.IntRange(1, 20).Draw(t, "amount")
	if rapid.Bool().Draw(t, "sell") {
		amount = -amount
	}
	// quarter ticks exercise non-integer decimals
	frac := rapid.IntRange(0, 3).Draw(t, "frac")
	p := decimal.NewFromInt(int64(price)).Add(decimal.New(int64(frac*25), -2))
	return &Order{ID: fmt.Sprintf("o%d", i), Price: p, Amount: decimal.NewFromInt(int64(amount))}
}

func signedSum(orders []*Order) decimal.Decimal {
	sum := decimal.Zero
	for _, o := range orders {
		sum = sum.Add(o.Amount)
	}
	return sum
}

func grossSum(orders []*Order) decimal.Decimal {
	sum := decimal.Zero
	for _, o := range orders {
		sum = sum.Add(o.Amount.Abs())
	}
	return sum
}

func checkSorted(t require.TestingT, ob *OrderBook) {
	bids, asks := ob.Bids(), ob.Asks()
	for i := 1; i < len(bids); i++ {
		require.False(t, bids[i].Price.GreaterThan(bids[i-1].Price), "bids out of order")
	}
	for i := 1; i < len(asks); i++ {
		require.False(t, asks[i].Price.LessThan(asks[i-1].Price), "asks out of order")
	}
	for _, o := range bids {
		require.True(t, o.Amount.IsPositive())
	}
	for _, o := range asks {
		require.True(t, o.Amount.IsNegative())
	}
	if len(bids) > 0 && len(asks) > 0 {
		require.True(t, bids[0].Price.LessThan(asks[0].Price), "book crossed: bid %s ask %s", bids[0].Price, asks[0].Price)
	}
}

func TestBookNeverCrosses(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ob := NewOrderBook()
		n := rapid.IntRange(1, 60).Draw(t, "n")
		for i := 0; i < n; i++ {
			ob.PlaceMarketOrder(drawOrder(t, i))
			checkSorted(t, ob)
		}
	})
}

func TestMatchingConservesQuantity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ob := NewOrderBook()
		n := rapid.IntRange(1, 60).Draw(t, "n")
		for i := 0; i < n; i++ {
			o := drawOrder(t, i)
			incoming := o.Amount

			var opposite []*Order
			if incoming.IsPositive() {
				opposite = ob.Asks()
			} else {
				opposite = ob.Bids()
			}
			beforeSigned := signedSum(ob.AllOrders())
			beforeOpposite := grossSum(opposite)

			res := ob.Place(o)

			matched := decimal.Zero
			for _, f := range res.Fills {
				require.True(t, f.Amount.IsPositive())
				matched = matched.Add(f.Amount)
			}

			if incoming.IsPositive() {
				opposite = ob.Asks()
			} else {
				opposite = ob.Bids()
			}
			// every matched unit left the opposite side
			require.True(t, beforeOpposite.Sub(grossSum(opposite)).Equal(matched))
			// and the same units were taken from the incoming order
			require.True(t, incoming.Abs().Sub(res.Remaining.Abs()).Equal(matched))
			// buys and sells cancel pairwise, so the signed total moves by the incoming amount
			require.True(t, signedSum(ob.AllOrders()).Equal(beforeSigned.Add(incoming)))
		}
	})
}

func TestSnapshotRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ob := NewOrderBook()
		n := rapid.IntRange(0, 40).Draw(t, "n")
		for i := 0; i < n; i++ {
			ob.PlaceMarketOrder(drawOrder(t, i))
		}

		snap := ob.AllOrders()
		replica := NewOrderBook()
		replica.LoadSnapshot(snap)

		got := replica.AllOrders()
		require.Len(t, got, len(snap))
		for i := range snap {
			require.Equal(t, snap[i].ID, got[i].ID)
			require.True(t, snap[i].Price.Equal(got[i].Price))
			require.True(t, snap[i].Amount.Equal(got[i].Amount))
		}
		require.Equal(t, ob.Size(), replica.Size())
	})
}
