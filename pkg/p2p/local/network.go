// Package local is an in-process Substrate used by tests and single-binary
// simulations. Payloads are gob round-tripped so peers never share memory.
package local

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uhyunpark/bookpeer/pkg/p2p"
	"github.com/uhyunpark/bookpeer/pkg/wire"
)

var ErrPeerDown = errors.New("local: peer down")

// Network is a local network implementation.
type Network struct {
	mu       sync.Mutex
	nodes    map[p2p.PeerID]*Node
	services map[wire.Service]map[p2p.PeerID]bool
	down     map[p2p.PeerID]bool
	hidden   map[p2p.PeerID]bool
	timeout  time.Duration
}

func NewNetwork() *Network {
	return &Network{
		nodes:    make(map[p2p.PeerID]*Node),
		services: make(map[wire.Service]map[p2p.PeerID]bool),
		down:     make(map[p2p.PeerID]bool),
		hidden:   make(map[p2p.PeerID]bool),
		timeout:  10 * time.Second,
	}
}

// SetTimeout bounds every request, default 10s.
func (n *Network) SetTimeout(d time.Duration) {
	n.mu.Lock()
	n.timeout = d
	n.mu.Unlock()
}

// Join registers a peer under id. Joining an existing id returns that node.
func (n *Network) Join(id string) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	pid := p2p.PeerID(id)
	if nd, ok := n.nodes[pid]; ok {
		return nd
	}
	nd := &Node{net: n, id: pid}
	n.nodes[pid] = nd
	return nd
}

// SetDown makes every request addressed to id fail while its announcements
// stay visible, like a crashed process whose entries have not expired yet.
func (n *Network) SetDown(id string, down bool) {
	n.mu.Lock()
	n.down[p2p.PeerID(id)] = down
	n.mu.Unlock()
}

// SetIndexing controls whether id's announcements are visible to lookups,
// modelling a slow directory.
func (n *Network) SetIndexing(id string, on bool) {
	n.mu.Lock()
	n.hidden[p2p.PeerID(id)] = !on
	n.mu.Unlock()
}

func (n *Network) lookup(service wire.Service) []p2p.PeerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []p2p.PeerID
	for p := range n.services[service] {
		if !n.hidden[p] {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (n *Network) deliver(ctx context.Context, to p2p.PeerID, req wire.Request) (wire.Message, error) {
	n.mu.Lock()
	nd := n.nodes[to]
	down := n.down[to]
	timeout := n.timeout
	n.mu.Unlock()

	if nd == nil || down {
		return nil, fmt.Errorf("%w: %s", ErrPeerDown, to)
	}
	h := nd.handler()
	if h == nil {
		return nil, p2p.ErrNoHandler
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// copy the request the way a real transport would
	b, err := wire.Encode(&req)
	if err != nil {
		return nil, err
	}
	var in wire.Request
	if err := wire.Decode(b, &in); err != nil {
		return nil, err
	}

	type outcome struct {
		rep wire.Reply
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		msg, err := h(ctx, in)
		rep := wire.Reply{ID: in.ID, Body: msg}
		switch {
		case err != nil:
			rep.Body, rep.Err = nil, err.Error()
		case msg == nil:
			done <- outcome{err: fmt.Errorf("local: no reply from %s", to)}
			return
		}
		b, err := wire.Encode(&rep)
		if err != nil {
			done <- outcome{err: err}
			return
		}
		var out wire.Reply
		err = wire.Decode(b, &out)
		done <- outcome{rep: out, err: err}
	}()

	var o outcome
	select {
	case <-ctx.Done():
	case o = <-done:
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s to %s", p2p.ErrTimeout, req.Service, to)
		}
		return nil, err
	}
	if o.err != nil {
		return nil, o.err
	}
	if o.rep.Err != "" {
		return nil, fmt.Errorf("p2p: remote: %s", o.rep.Err)
	}
	return o.rep.Body, nil
}

// Node is one peer's view of a Network.
type Node struct {
	net *Network
	id  p2p.PeerID

	mu sync.RWMutex
	h  p2p.Handler
}

func (nd *Node) handler() p2p.Handler {
	nd.mu.RLock()
	defer nd.mu.RUnlock()
	return nd.h
}

func (nd *Node) Self() p2p.PeerID { return nd.id }

func (nd *Node) SetHandler(h p2p.Handler) {
	nd.mu.Lock()
	nd.h = h
	nd.mu.Unlock()
}

func (nd *Node) Announce(_ context.Context, service wire.Service) error {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()
	if nd.net.services[service] == nil {
		nd.net.services[service] = make(map[p2p.PeerID]bool)
	}
	nd.net.services[service][nd.id] = true
	return nil
}

func (nd *Node) Unannounce(_ context.Context, service wire.Service) error {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()
	delete(nd.net.services[service], nd.id)
	return nil
}

func (nd *Node) Lookup(_ context.Context, service wire.Service) ([]p2p.PeerID, error) {
	peers := nd.net.lookup(service)
	if len(peers) == 0 {
		return nil, p2p.ErrLookupEmpty
	}
	return peers, nil
}

func (nd *Node) Request(ctx context.Context, service wire.Service, body wire.Message) (wire.Message, error) {
	peers, err := nd.Lookup(ctx, service)
	if err != nil {
		return nil, err
	}
	return nd.net.deliver(ctx, p2p.PickResponder(nd.id, peers), nd.request(service, body))
}

func (nd *Node) Broadcast(ctx context.Context, service wire.Service, body wire.Message) ([]p2p.Result, error) {
	peers, err := nd.Lookup(ctx, service)
	if err != nil {
		return nil, err
	}
	req := nd.request(service, body)

	results := make([]p2p.Result, len(peers))
	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := nd.net.deliver(ctx, p, req)
			results[i] = p2p.Result{Peer: p, Reply: reply, Err: err}
		}()
	}
	wg.Wait()
	return p2p.Collect(service, results)
}

func (nd *Node) request(service wire.Service, body wire.Message) wire.Request {
	return wire.Request{ID: uuid.NewString(), Service: service, From: string(nd.id), Body: body}
}

var _ p2p.Substrate = (*Node)(nil)
