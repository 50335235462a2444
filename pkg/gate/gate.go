// Package gate tracks which remote peers have asked this peer to suspend
// order admission while they copy the book.
//
// The gate only throttles this peer's own outgoing submissions. It is not a
// distributed lock: inbound matching requests are never checked against it.
package gate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/uhyunpark/bookpeer/pkg/util"
)

// Gate holds one lease per suspending peer. A repeated Suspend from the same
// peer refreshes its lease, so a single Resume always releases it. Leases
// expire after the configured timeout so a peer that died mid-join cannot
// block admission forever.
type Gate struct {
	mu      sync.Mutex
	holders map[string]time.Time // peer -> lease deadline
	lease   time.Duration        // zero disables expiry
	clock   util.Clock
}

func New(lease time.Duration, clock util.Clock) *Gate {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Gate{
		holders: make(map[string]time.Time),
		lease:   lease,
		clock:   clock,
	}
}

func (g *Gate) Suspend(peerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var deadline time.Time
	if g.lease > 0 {
		deadline = g.clock.Now().Add(g.lease)
	}
	g.holders[peerID] = deadline
}

func (g *Gate) Resume(peerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.holders, peerID)
}

func (g *Gate) IsSuspended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expireLocked()
	return len(g.holders) > 0
}

// Holders returns the ids of peers currently holding a suspend, sorted.
func (g *Gate) Holders() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expireLocked()

	out := make([]string, 0, len(g.holders))
	for id := range g.holders {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (g *Gate) expireLocked() {
	if g.lease <= 0 {
		return
	}
	now := g.clock.Now()
	for id, deadline := range g.holders {
		if !now.Before(deadline) {
			delete(g.holders, id)
		}
	}
}

// Wait polls IsSuspended every interval until the gate is clear or ctx ends.
// onWait, if set, is called before each sleep.
func (g *Gate) Wait(ctx context.Context, interval time.Duration, onWait func(holders []string)) error {
	for g.IsSuspended() {
		if onWait != nil {
			onWait(g.Holders())
		}
		if err := util.Sleep(ctx, g.clock, interval); err != nil {
			return err
		}
	}
	return nil
}
