package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/uhyunpark/bookpeer/pkg/p2p"
	"github.com/uhyunpark/bookpeer/pkg/wire"
)

var (
	// ErrNotVisible means this peer's own order:new announcement never showed
	// up in lookups within the retry budget.
	ErrNotVisible = errors.New("node: registration not visible")
	ErrNotTrading = errors.New("node: not trading")
	errNotYet     = errors.New("self not in lookup")
)

type JoinState int32

const (
	Idle JoinState = iota
	RequestingSuspend
	Syncing
	RequestingResume
	Announcing
	AwaitingVisibility
	Trading
	Failed
	Stopped
)

func (s JoinState) String() string {
	switch s {
	case Idle:
		return "idle"
	case RequestingSuspend:
		return "requesting_suspend"
	case Syncing:
		return "syncing"
	case RequestingResume:
		return "requesting_resume"
	case Announcing:
		return "announcing"
	case AwaitingVisibility:
		return "awaiting_visibility"
	case Trading:
		return "trading"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("JoinState(%d)", int32(s))
	}
}

func (n *Node) setState(s JoinState) {
	n.state.Store(int32(s))
	n.metrics.JoinState.Set(float64(s))
	n.log.Infow("join_state", "state", s.String())
}

// Join runs the bootstrap sequence: suspend every running peer, copy a book,
// resume them, announce, then wait until this peer shows up in lookups. On
// any error the node is left in Failed and the error is returned; the caller
// is expected to exit.
func (n *Node) Join(ctx context.Context) error {
	self := string(n.net.Self())

	n.setState(RequestingSuspend)
	if err := n.broadcastAck(ctx, wire.ServiceLock, wire.Lock{PeerID: self}); err != nil {
		return n.fail(err)
	}

	n.setState(Syncing)
	if err := n.syncBook(ctx); err != nil {
		return n.fail(err)
	}
	n.log.Infow("book_synced", "orders", n.book.Size())

	n.setState(RequestingResume)
	if err := n.broadcastAck(ctx, wire.ServiceUnlock, wire.Unlock{PeerID: self}); err != nil {
		return n.fail(err)
	}

	n.setState(Announcing)
	for _, svc := range wire.Services {
		if err := n.net.Announce(ctx, svc); err != nil {
			return n.fail(fmt.Errorf("announce %s: %w", svc, err))
		}
	}

	n.setState(AwaitingVisibility)
	if err := n.waitVisible(ctx); err != nil {
		return n.fail(err)
	}

	n.setState(Trading)
	return nil
}

func (n *Node) fail(err error) error {
	n.state.Store(int32(Failed))
	n.metrics.JoinState.Set(float64(Failed))
	n.log.Errorw("join_failed", "err", err)
	return err
}

// broadcastAck fans out a lock or unlock. No responders means this is the
// first peer, which is fine; any per-peer failure fails the call.
func (n *Node) broadcastAck(ctx context.Context, service wire.Service, body wire.Message) error {
	results, err := n.net.Broadcast(ctx, service, body)
	if errors.Is(err, p2p.ErrLookupEmpty) {
		n.log.Infow("no_peers", "service", service)
		return nil
	}
	if err != nil {
		n.metrics.RPCErrors.With("service", string(service)).Add(1)
		return fmt.Errorf("%s: %w", service, err)
	}
	for _, r := range results {
		ack, ok := r.Reply.(wire.Ack)
		if !ok || !ack.Success {
			return fmt.Errorf("%s: %w: peer %s replied %T", service, wire.ErrMalformed, r.Peer, r.Reply)
		}
	}
	n.log.Infow("broadcast_acked", "service", service, "peers", len(results))
	return nil
}

func (n *Node) syncBook(ctx context.Context) error {
	reply, err := n.net.Request(ctx, wire.ServiceSync, wire.SyncRequest{PeerID: string(n.net.Self())})
	if errors.Is(err, p2p.ErrLookupEmpty) {
		n.log.Infow("no_peers", "service", wire.ServiceSync)
		return nil
	}
	if err != nil {
		n.metrics.RPCErrors.With("service", string(wire.ServiceSync)).Add(1)
		return fmt.Errorf("%s: %w", wire.ServiceSync, err)
	}
	snap, ok := reply.(wire.SyncReply)
	if !ok {
		return fmt.Errorf("%s: %w: reply %T", wire.ServiceSync, wire.ErrMalformed, reply)
	}
	n.book.LoadSnapshot(wire.ToOrders(snap.Orders))
	n.metrics.BookSize.Set(float64(n.book.Size()))
	return nil
}

func (n *Node) waitVisible(ctx context.Context) error {
	self := n.net.Self()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = n.cfg.VisibilityInitial
	eb.MaxInterval = n.cfg.VisibilityMax
	eb.MaxElapsedTime = 0

	attempts := n.cfg.VisibilityAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	try := 0
	op := func() error {
		try++
		peers, err := n.net.Lookup(ctx, wire.ServiceOrderNew)
		if err != nil && !errors.Is(err, p2p.ErrLookupEmpty) {
			return err
		}
		for _, p := range peers {
			if p == self {
				return nil
			}
		}
		return errNotYet
	}
	notify := func(err error, d time.Duration) {
		n.log.Debugw("visibility_retry", "attempt", try, "next", d, "err", err)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %d attempts: %v", ErrNotVisible, try, err)
	}
	n.log.Infow("registration_visible", "attempts", try)
	return nil
}

// Shutdown withdraws every announcement so other peers stop routing here.
func (n *Node) Shutdown(ctx context.Context) error {
	var errs []error
	for _, svc := range wire.Services {
		if err := n.net.Unannounce(ctx, svc); err != nil {
			errs = append(errs, fmt.Errorf("unannounce %s: %w", svc, err))
		}
	}
	n.state.Store(int32(Stopped))
	n.metrics.JoinState.Set(float64(Stopped))
	n.log.Infow("services_withdrawn", "count", len(wire.Services))
	return errors.Join(errs...)
}
