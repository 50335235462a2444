// Package node runs one trading peer: it joins the network by quiescing and
// copying an existing peer's book, answers the four peer services, and
// submits orders once it is trading.
package node

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/bookpeer/pkg/book"
	"github.com/uhyunpark/bookpeer/pkg/gate"
	"github.com/uhyunpark/bookpeer/pkg/metrics"
	"github.com/uhyunpark/bookpeer/pkg/p2p"
	"github.com/uhyunpark/bookpeer/pkg/storage"
	"github.com/uhyunpark/bookpeer/pkg/util"
)

type Config struct {
	GateLease time.Duration // zero keeps suspends until resumed
	GatePoll  time.Duration

	VisibilityInitial  time.Duration
	VisibilityMax      time.Duration
	VisibilityAttempts int
}

func DefaultConfig() Config {
	return Config{
		GateLease:          time.Minute,
		GatePoll:           100 * time.Millisecond,
		VisibilityInitial:  500 * time.Millisecond,
		VisibilityMax:      10 * time.Second,
		VisibilityAttempts: 100,
	}
}

// FillJournal persists the fills produced by the local engine.
type FillJournal interface {
	RecordFills(fills []book.Fill, at time.Time) ([]storage.FillRecord, error)
}

// OrderApplied describes one order:new request applied to the local book.
type OrderApplied struct {
	Order     *book.Order // as received, before matching
	Fulfilled bool
	Fills     []storage.FillRecord
	BookSize  int
}

type Node struct {
	cfg     Config
	net     p2p.Substrate
	book    *book.OrderBook
	gate    *gate.Gate
	journal FillJournal
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
	clock   util.Clock

	state atomic.Int32

	muHooks   sync.RWMutex
	onApplied []func(OrderApplied)
}

// New builds a peer on net and registers its request handler. The node
// answers requests as soon as it announces; call Join to do so.
func New(cfg Config, net p2p.Substrate, journal FillJournal, m *metrics.Metrics, log *zap.SugaredLogger) *Node {
	if m == nil {
		m = metrics.NopMetrics()
	}
	n := &Node{
		cfg:     cfg,
		net:     net,
		book:    book.NewOrderBook(),
		journal: journal,
		metrics: m,
		log:     util.OrNop(log),
		clock:   util.RealClock{},
	}
	n.gate = gate.New(cfg.GateLease, n.clock)
	n.state.Store(int32(Idle))
	net.SetHandler(n.handle)
	return n
}

func (n *Node) Self() p2p.PeerID         { return n.net.Self() }
func (n *Node) Book() *book.OrderBook    { return n.book }
func (n *Node) Gate() *gate.Gate         { return n.gate }
func (n *Node) State() JoinState         { return JoinState(n.state.Load()) }
func (n *Node) Substrate() p2p.Substrate { return n.net }

// OnOrderApplied registers fn to run after every applied order:new request.
func (n *Node) OnOrderApplied(fn func(OrderApplied)) {
	n.muHooks.Lock()
	n.onApplied = append(n.onApplied, fn)
	n.muHooks.Unlock()
}

func (n *Node) emitApplied(ev OrderApplied) {
	n.muHooks.RLock()
	hooks := n.onApplied
	n.muHooks.RUnlock()
	for _, fn := range hooks {
		fn(ev)
	}
}

type Status struct {
	PeerID      string           `json:"peer_id"`
	State       string           `json:"state"`
	BookSize    int              `json:"book_size"`
	GateHolders []string         `json:"gate_holders"`
	BestBid     *decimal.Decimal `json:"best_bid,omitempty"`
	BestAsk     *decimal.Decimal `json:"best_ask,omitempty"`
	LastPrice   decimal.Decimal  `json:"last_price"`
}

func (n *Node) Status() Status {
	st := Status{
		PeerID:      string(n.net.Self()),
		State:       n.State().String(),
		BookSize:    n.book.Size(),
		GateHolders: n.gate.Holders(),
		LastPrice:   n.book.LastPrice(),
	}
	if p, ok := n.book.BestBid(); ok {
		st.BestBid = &p
	}
	if p, ok := n.book.BestAsk(); ok {
		st.BestAsk = &p
	}
	return st
}
