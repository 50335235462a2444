package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/bookpeer/pkg/book"
	"github.com/uhyunpark/bookpeer/pkg/node"
	"github.com/uhyunpark/bookpeer/pkg/storage"
	"github.com/uhyunpark/bookpeer/pkg/util"
)

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 1000
)

// Backend is the peer the API serves. *node.Node implements it.
type Backend interface {
	Status() node.Status
	Book() *book.OrderBook
	SubmitOrder(ctx context.Context, price, amount decimal.Decimal) (node.Submission, error)
	OnOrderApplied(fn func(node.OrderApplied))
}

// TradeSource serves recent fills, newest first.
type TradeSource interface {
	RecentFills(limit int) ([]storage.FillRecord, error)
}

// Server handles REST API and WebSocket connections
type Server struct {
	backend Backend
	trades  TradeSource
	router  *mux.Router
	hub     *Hub
	log     *zap.SugaredLogger
	http    *http.Server
}

// NewServer creates a new API server and subscribes it to order events.
// trades may be nil, in which case /trades is always empty.
func NewServer(backend Backend, trades TradeSource, log *zap.SugaredLogger) *Server {
	log = util.OrNop(log)
	s := &Server{
		backend: backend,
		trades:  trades,
		router:  mux.NewRouter(),
		hub:     NewHub(log),
		log:     log,
	}
	s.setupRoutes()
	backend.OnOrderApplied(s.publishApplied)
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")
	api.HandleFunc("/book", s.handleGetBook).Methods("GET")
	api.HandleFunc("/book/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start runs the hub and serves on addr until Shutdown.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Infow("api_listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.backend.Status())
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	ob := s.backend.Book()
	snap := BookSnapshot{
		Bids:      toLevels(ob.BidLevels()),
		Asks:      toLevels(ob.AskLevels()),
		Size:      ob.Size(),
		LastPrice: ob.LastPrice().String(),
		Timestamp: time.Now().UnixMilli(),
	}
	if p, ok := ob.BestBid(); ok {
		snap.BestBid = p.String()
	}
	if p, ok := ob.BestAsk(); ok {
		snap.BestAsk = p.String()
	}
	respondJSON(w, snap)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.backend.Book().AllOrders()
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = OrderInfo{
			ID:     o.ID,
			Side:   o.Side().String(),
			Price:  o.Price.String(),
			Amount: o.Amount.String(),
		}
	}
	respondJSON(w, out)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = min(n, maxTradeLimit)
	}

	out := []TradeInfo{}
	if s.trades != nil {
		recs, err := s.trades.RecentFills(limit)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to load trades", err.Error())
			return
		}
		for _, rec := range recs {
			out = append(out, toTrade(rec))
		}
	}
	respondJSON(w, out)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	sub, err := s.backend.SubmitOrder(r.Context(), req.Price, req.Amount)
	switch {
	case errors.Is(err, book.ErrInvalidPrice), errors.Is(err, book.ErrZeroAmount):
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	case errors.Is(err, node.ErrNotTrading):
		respondError(w, http.StatusServiceUnavailable, "peer not trading", err.Error())
		return
	case err != nil:
		s.log.Warnw("api_submit_failed", "price", req.Price, "amount", req.Amount, "err", err)
		respondError(w, http.StatusBadGateway, "submission failed", err.Error())
		return
	}

	respondJSON(w, SubmitOrderResponse{
		Status:     "accepted",
		OrderID:    sub.OrderID,
		Peers:      sub.Peers,
		Fulfilled:  sub.Fulfilled,
		OrderCount: sub.OrderCount,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// WebSocket Broadcasting
// ==============================

// publishApplied pushes the fills and the new depth after an applied order.
func (s *Server) publishApplied(ev node.OrderApplied) {
	for _, rec := range ev.Fills {
		s.hub.BroadcastToChannel("trades", TradeUpdate{Type: "trade", TradeInfo: toTrade(rec)})
	}

	ob := s.backend.Book()
	s.hub.BroadcastToChannel("book", BookUpdate{
		Type:      "book",
		Bids:      toLevels(ob.BidLevels()),
		Asks:      toLevels(ob.AskLevels()),
		Size:      ev.BookSize,
		Timestamp: time.Now().UnixMilli(),
	})
}

// ==============================
// Helper Functions
// ==============================

func toLevels(levels []book.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: l.Price.String(), Size: l.Amount.String(), Orders: l.Orders}
	}
	return out
}

func toTrade(rec storage.FillRecord) TradeInfo {
	return TradeInfo{
		Seq:       rec.Seq,
		TakerID:   rec.TakerID,
		MakerID:   rec.MakerID,
		Side:      rec.Side,
		Price:     rec.Price.String(),
		Size:      rec.Amount.String(),
		Timestamp: rec.Time.UnixMilli(),
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
