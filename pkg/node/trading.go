package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/bookpeer/pkg/book"
	"github.com/uhyunpark/bookpeer/pkg/p2p"
	"github.com/uhyunpark/bookpeer/pkg/util"
	"github.com/uhyunpark/bookpeer/pkg/wire"
)

// Submission summarizes one broadcast order.
type Submission struct {
	OrderID    string `json:"order_id"`
	Peers      int    `json:"peers"`
	Fulfilled  bool   `json:"fulfilled"`
	OrderCount int    `json:"order_count"`
}

// SubmitOrder waits for the gate to clear and then broadcasts the order to
// every order:new responder, this peer included. The returned Submission
// reports this peer's own reply when present.
func (n *Node) SubmitOrder(ctx context.Context, price, amount decimal.Decimal) (Submission, error) {
	if err := book.ValidateOrder(price, amount); err != nil {
		return Submission{}, err
	}
	if s := n.State(); s != Trading {
		return Submission{}, fmt.Errorf("%w: %s", ErrNotTrading, s)
	}

	err := n.gate.Wait(ctx, n.cfg.GatePoll, func(holders []string) {
		n.log.Debugw("waiting_for_gate", "holders", holders)
	})
	if err != nil {
		return Submission{}, err
	}

	results, err := n.net.Broadcast(ctx, wire.ServiceOrderNew, wire.SubmitRequest{Price: price, Amount: amount})
	sub := summarize(n.net.Self(), results)
	if err != nil {
		outcome := "failed"
		if errors.Is(err, p2p.ErrLookupEmpty) {
			outcome = "no_peers"
		}
		n.metrics.Submissions.With("outcome", outcome).Add(1)
		n.metrics.RPCErrors.With("service", string(wire.ServiceOrderNew)).Add(1)
		return sub, fmt.Errorf("%s: %w", wire.ServiceOrderNew, err)
	}
	n.metrics.Submissions.With("outcome", "ok").Add(1)
	n.log.Infow("order_submitted", "id", sub.OrderID, "price", price, "amount", amount, "peers", sub.Peers, "fulfilled", sub.Fulfilled)
	return sub, nil
}

func summarize(self p2p.PeerID, results []p2p.Result) Submission {
	var sub Submission
	for _, r := range results {
		rep, ok := r.Reply.(wire.SubmitReply)
		if r.Err != nil || !ok {
			continue
		}
		sub.Peers++
		if sub.OrderID == "" {
			sub.OrderID = rep.OrderID
		}
		if r.Peer == self {
			sub.Fulfilled = rep.IsFulfilled
			sub.OrderCount = rep.OrderCount
		}
	}
	return sub
}

// RunTrading submits generated orders until ctx ends. Failed submissions are
// logged and the loop carries on.
func (n *Node) RunTrading(ctx context.Context, gen *OrderGenerator) {
	n.log.Infow("trading_started")
	defer n.log.Infow("trading_stopped")

	for {
		o := gen.Next()
		if err := util.Sleep(ctx, n.clock, o.Delay); err != nil {
			return
		}
		if _, err := n.SubmitOrder(ctx, o.Price, o.Amount); err != nil {
			if ctx.Err() != nil {
				return
			}
			n.log.Warnw("submit_failed", "price", o.Price, "amount", o.Amount, "err", err)
		}
	}
}
