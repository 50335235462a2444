package node

import (
	"context"
	"errors"

	"github.com/uhyunpark/bookpeer/pkg/book"
	"github.com/uhyunpark/bookpeer/pkg/storage"
	"github.com/uhyunpark/bookpeer/pkg/wire"
)

// handle answers inbound requests. It is registered before the node announces
// anything and never consults the gate: a suspend only pauses this peer's own
// submissions, it does not stop it from applying orders other peers send.
func (n *Node) handle(ctx context.Context, req wire.Request) (wire.Message, error) {
	if err := wire.Validate(req.Service, req.Body); err != nil {
		if errors.Is(err, wire.ErrUnknownService) {
			n.log.Warnw("unknown_service", "service", req.Service, "from", req.From)
		} else {
			n.log.Warnw("malformed_request", "service", req.Service, "from", req.From, "err", err)
		}
		return nil, nil
	}

	switch body := req.Body.(type) {
	case wire.Lock:
		n.gate.Suspend(body.PeerID)
		n.metrics.GateHolders.Set(float64(len(n.gate.Holders())))
		n.log.Infow("gate_suspended", "holder", body.PeerID)
		return wire.Ack{Success: true}, nil

	case wire.Unlock:
		n.gate.Resume(body.PeerID)
		n.metrics.GateHolders.Set(float64(len(n.gate.Holders())))
		n.log.Infow("gate_resumed", "holder", body.PeerID)
		return wire.Ack{Success: true}, nil

	case wire.SyncRequest:
		orders := n.book.AllOrders()
		n.log.Infow("book_sync_served", "to", body.PeerID, "orders", len(orders))
		return wire.SyncReply{Orders: wire.FromOrders(orders)}, nil

	case wire.SubmitRequest:
		return n.applyOrder(req.ID, body)
	}
	return nil, nil
}

func (n *Node) applyOrder(id string, req wire.SubmitRequest) (wire.Message, error) {
	if err := book.ValidateOrder(req.Price, req.Amount); err != nil {
		n.log.Warnw("order_rejected", "id", id, "price", req.Price, "amount", req.Amount, "err", err)
		return nil, err
	}

	o := &book.Order{ID: id, Price: req.Price, Amount: req.Amount}
	received := o.Clone()
	res := n.book.Place(o)
	size := res.Resting

	var records []storage.FillRecord
	if len(res.Fills) > 0 && n.journal != nil {
		recs, err := n.journal.RecordFills(res.Fills, n.clock.Now())
		if err != nil {
			n.log.Errorw("journal_failed", "id", id, "fills", len(res.Fills), "err", err)
		}
		records = recs
	}

	n.metrics.OrdersApplied.Add(1)
	n.metrics.Fills.Add(float64(len(res.Fills)))
	n.metrics.BookSize.Set(float64(size))
	n.log.Debugw("order_applied",
		"id", id, "price", req.Price, "amount", req.Amount,
		"fulfilled", res.IsFulfilled(), "fills", len(res.Fills), "book_size", size)

	n.emitApplied(OrderApplied{Order: received, Fulfilled: res.IsFulfilled(), Fills: records, BookSize: size})

	return wire.SubmitReply{Success: true, IsFulfilled: res.IsFulfilled(), OrderCount: size, OrderID: id}, nil
}
