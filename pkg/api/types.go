package api

import "github.com/shopspring/decimal"

// API response types for REST endpoints and WebSocket messages.
// Decimal quantities are rendered as strings.

// ==============================
// REST Response Types
// ==============================

// BookSnapshot is the aggregated depth of the local book
type BookSnapshot struct {
	Bids      []PriceLevel `json:"bids"` // Sorted high to low
	Asks      []PriceLevel `json:"asks"` // Sorted low to high
	Size      int          `json:"size"` // Resting order count
	BestBid   string       `json:"bestBid,omitempty"`
	BestAsk   string       `json:"bestAsk,omitempty"`
	LastPrice string       `json:"lastPrice"`
	Timestamp int64        `json:"timestamp"` // Unix milliseconds
}

type PriceLevel struct {
	Price  string `json:"price"`
	Size   string `json:"size"`   // Total remaining quantity, unsigned
	Orders int    `json:"orders"` // Resting orders at this price
}

// OrderInfo is one resting order
type OrderInfo struct {
	ID     string `json:"id"`
	Side   string `json:"side"`
	Price  string `json:"price"`
	Amount string `json:"amount"` // Signed: positive bid, negative ask
}

// TradeInfo is one journaled fill
type TradeInfo struct {
	Seq       uint64 `json:"seq"`
	TakerID   string `json:"takerId"`
	MakerID   string `json:"makerId"`
	Side      string `json:"side"` // taker side
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest subscribes to or unsubscribes from channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // "book", "trades"
}

// BookUpdate is pushed on the "book" channel after every applied order
type BookUpdate struct {
	Type      string       `json:"type"` // "book"
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Size      int          `json:"size"`
	Timestamp int64        `json:"timestamp"`
}

// TradeUpdate is pushed on the "trades" channel for every fill
type TradeUpdate struct {
	Type string `json:"type"` // "trade"
	TradeInfo
}

// ==============================
// Request Types
// ==============================

// SubmitOrderRequest places an order through the local peer. Price and
// amount accept JSON numbers or strings.
type SubmitOrderRequest struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

type SubmitOrderResponse struct {
	Status     string `json:"status"` // "accepted"
	OrderID    string `json:"orderId"`
	Peers      int    `json:"peers"`
	Fulfilled  bool   `json:"fulfilled"`
	OrderCount int    `json:"orderCount"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
