package book

import "github.com/shopspring/decimal"

// priceHeap tracks the populated price levels of one side of the book.
type priceHeap interface {
	Len() int
	Less(i, j int) bool
	Swap(i, j int)
	Push(x interface{})
	Pop() interface{}
	Peek() decimal.Decimal
	Prices() []decimal.Decimal
}

// MaxPriceHeap implements heap.Interface for bid prices (highest price on top)
// Use container/heap package to manipulate this heap (Init, Push, Pop, Remove)
type MaxPriceHeap []decimal.Decimal

func (h MaxPriceHeap) Len() int           { return len(h) }
func (h MaxPriceHeap) Less(i, j int) bool { return h[i].GreaterThan(h[j]) }
func (h MaxPriceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *MaxPriceHeap) Push(x interface{}) {
	*h = append(*h, x.(decimal.Decimal))
}

func (h *MaxPriceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// Peek returns the top element without removing it
func (h MaxPriceHeap) Peek() decimal.Decimal {
	if len(h) == 0 {
		return decimal.Zero
	}
	return h[0]
}

func (h MaxPriceHeap) Prices() []decimal.Decimal { return append([]decimal.Decimal(nil), h...) }

// MinPriceHeap implements heap.Interface for ask prices (lowest price on top)
type MinPriceHeap []decimal.Decimal

func (h MinPriceHeap) Len() int           { return len(h) }
func (h MinPriceHeap) Less(i, j int) bool { return h[i].LessThan(h[j]) }
func (h MinPriceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *MinPriceHeap) Push(x interface{}) {
	*h = append(*h, x.(decimal.Decimal))
}

func (h *MinPriceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// Peek returns the top element without removing it
func (h MinPriceHeap) Peek() decimal.Decimal {
	if len(h) == 0 {
		return decimal.Zero
	}
	return h[0]
}

func (h MinPriceHeap) Prices() []decimal.Decimal { return append([]decimal.Decimal(nil), h...) }
