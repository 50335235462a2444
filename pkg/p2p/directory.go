package p2p

import (
	"sort"
	"sync"
	"time"

	"github.com/uhyunpark/bookpeer/pkg/wire"
)

// directory indexes service announcements heard on the gossip topic. Entries
// expire unless refreshed, so a peer that vanished without withdrawing drops
// out after one TTL.
type directory struct {
	mu      sync.Mutex
	entries map[wire.Service]map[PeerID]time.Time
	now     func() time.Time
}

func newDirectory(now func() time.Time) *directory {
	return &directory{
		entries: make(map[wire.Service]map[PeerID]time.Time),
		now:     now,
	}
}

func (d *directory) put(service wire.Service, p PeerID, ttl time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.entries[service] == nil {
		d.entries[service] = make(map[PeerID]time.Time)
	}
	d.entries[service][p] = d.now().Add(ttl)
}

func (d *directory) remove(service wire.Service, p PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries[service], p)
}

// dropPeer forgets every announcement of p, used when its connection closes.
func (d *directory) dropPeer(p PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, peers := range d.entries {
		delete(peers, p)
	}
}

func (d *directory) lookup(service wire.Service) []PeerID {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var out []PeerID
	for p, exp := range d.entries[service] {
		if now.After(exp) {
			delete(d.entries[service], p)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
