package p2p

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/bookpeer/pkg/util"
	"github.com/uhyunpark/bookpeer/pkg/wire"
)

const (
	topicAnnounce = "bookpeer-announce"
	protocolRPC   = protocol.ID("/bookpeer/rpc/1.0.0")
	mdnsTag       = "bookpeer"
)

// Libp2pNet implements Substrate on a libp2p host. Service announcements are
// gossiped and indexed per peer with a TTL; requests use one stream per call.
type Libp2pNet struct {
	h    host.Host
	ps   *pubsub.PubSub
	log  *zap.SugaredLogger
	cfg  Libp2pConfig
	self PeerID

	tAnnounce   *pubsub.Topic
	subAnnounce *pubsub.Subscription
	dir         *directory

	muA       sync.Mutex
	announced map[wire.Service]bool

	muH     sync.RWMutex
	handler Handler

	readyAt       time.Time
	lastConnected atomic.Int64 // unix nanos of the latest connection inside the warm-up window
	mdns          mdns.Service
	cancel  context.CancelFunc
}

type Libp2pConfig struct {
	ListenAddr       string
	Bootstrap        []string
	MDNS             bool
	RequestTimeout   time.Duration
	AnnounceInterval time.Duration // republish period
	AnnounceTTL      time.Duration // directory entry lifetime
	// WarmUp delays the first lookups after start so peers found by mDNS or
	// bootstrap get their periodic announcements through.
	WarmUp time.Duration
	Logger *zap.SugaredLogger
}

func (c *Libp2pConfig) defaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = 2 * time.Second
	}
	if c.AnnounceTTL <= 0 {
		c.AnnounceTTL = 3 * c.AnnounceInterval
	}
	if c.WarmUp <= 0 {
		c.WarmUp = 2 * c.AnnounceInterval
	}
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	cfg.defaults()
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	net := &Libp2pNet{
		h: h, ps: ps, log: util.OrNop(cfg.Logger), cfg: cfg,
		self:      PeerID(h.ID().String()),
		dir:       newDirectory(time.Now),
		announced: make(map[wire.Service]bool),
		readyAt:   time.Now().Add(cfg.WarmUp),
		cancel:    cancel,
	}

	if err := net.joinTopics(); err != nil {
		net.Close()
		return nil, err
	}

	h.SetStreamHandler(protocolRPC, net.handleRPCStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, _ network.Conn) {
			if now := time.Now(); now.Before(net.readyAt) {
				net.lastConnected.Store(now.UnixNano())
			}
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			p := c.RemotePeer()
			if h.Network().Connectedness(p) != network.Connected {
				net.dir.dropPeer(PeerID(p.String()))
			}
		},
	})

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			net.log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if cfg.MDNS {
		net.mdns = mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{net: net, ctx: runCtx})
		if err := net.mdns.Start(); err != nil {
			net.Close()
			return nil, fmt.Errorf("mdns start: %w", err)
		}
	}

	go net.handleAnnounce(runCtx)
	go net.republish(runCtx)

	net.log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "addrs", net.Addrs())
	return net, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

type mdnsNotifee struct {
	net *Libp2pNet
	ctx context.Context
}

func (m *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == m.net.h.ID() {
		return
	}
	if err := m.net.h.Connect(m.ctx, info); err != nil {
		m.net.log.Debugw("mdns_connect_failed", "peer", info.ID.String(), "err", err)
		return
	}
	m.net.log.Infow("mdns_peer_connected", "peer", info.ID.String())
}

func (n *Libp2pNet) joinTopics() error {
	var err error
	if n.tAnnounce, err = n.ps.Join(topicAnnounce); err != nil {
		return err
	}
	if n.subAnnounce, err = n.tAnnounce.Subscribe(); err != nil {
		return err
	}
	return nil
}

func (n *Libp2pNet) Host() host.Host { return n.h }

// Addrs returns this host's dialable multiaddrs including the /p2p component.
func (n *Libp2pNet) Addrs() []string {
	info := peer.AddrInfo{ID: n.h.ID(), Addrs: n.h.Addrs()}
	maddrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, len(maddrs))
	for i, m := range maddrs {
		out[i] = m.String()
	}
	return out
}

// Connect dials a peer given its full multiaddr.
func (n *Libp2pNet) Connect(ctx context.Context, addr string) error {
	return connectMultiaddr(ctx, n.h, addr)
}

func (n *Libp2pNet) Close() error {
	n.cancel()
	if n.mdns != nil {
		n.mdns.Close()
	}
	if n.subAnnounce != nil {
		n.subAnnounce.Cancel()
	}
	if n.tAnnounce != nil {
		n.tAnnounce.Close()
	}
	return n.h.Close()
}

// implement Substrate

func (n *Libp2pNet) Self() PeerID { return n.self }

func (n *Libp2pNet) SetHandler(h Handler) { n.muH.Lock(); n.handler = h; n.muH.Unlock() }

func (n *Libp2pNet) Announce(ctx context.Context, service wire.Service) error {
	n.muA.Lock()
	n.announced[service] = true
	n.muA.Unlock()
	return n.publish(ctx, AnnounceWire{Services: []wire.Service{service}, TTLMillis: n.cfg.AnnounceTTL.Milliseconds()})
}

func (n *Libp2pNet) Unannounce(ctx context.Context, service wire.Service) error {
	n.muA.Lock()
	delete(n.announced, service)
	n.muA.Unlock()
	return n.publish(ctx, AnnounceWire{Services: []wire.Service{service}, Withdraw: true})
}

func (n *Libp2pNet) publish(ctx context.Context, a AnnounceWire) error {
	data, err := wire.Encode(a)
	if err != nil {
		return err
	}
	return n.tAnnounce.Publish(ctx, data)
}

func (n *Libp2pNet) Lookup(ctx context.Context, service wire.Service) ([]PeerID, error) {
	if err := n.warmUp(ctx); err != nil {
		return nil, err
	}
	peers := n.dir.lookup(service)
	if len(peers) == 0 {
		return nil, ErrLookupEmpty
	}
	return peers, nil
}

// warmUp blocks lookups made during the warm-up window. With mDNS on, peers
// connect asynchronously after start, so an empty peer set proves nothing and
// the whole window is waited out. A connection made inside the window pushes
// the deadline out by two republish rounds.
func (n *Libp2pNet) warmUp(ctx context.Context) error {
	var lastConn time.Time
	if ns := n.lastConnected.Load(); ns != 0 {
		lastConn = time.Unix(0, ns)
	}
	now := time.Now()
	deadline, wait := warmUpDeadline(now, n.readyAt, lastConn, 2*n.cfg.AnnounceInterval,
		n.cfg.MDNS, len(n.h.Network().Peers()) > 0)
	if !wait {
		return nil
	}
	n.log.Debugw("lookup_warmup", "wait", deadline.Sub(now))
	return util.Sleep(ctx, util.RealClock{}, deadline.Sub(now))
}

// warmUpDeadline reports until when a lookup at now must wait. lastConn is
// zero when no connection was made during the window.
func warmUpDeadline(now, readyAt, lastConn time.Time, settle time.Duration, viaMDNS, connected bool) (time.Time, bool) {
	if !viaMDNS && !connected {
		return time.Time{}, false
	}
	deadline := readyAt
	if !lastConn.IsZero() && lastConn.Add(settle).After(deadline) {
		deadline = lastConn.Add(settle)
	}
	return deadline, deadline.After(now)
}

func (n *Libp2pNet) Request(ctx context.Context, service wire.Service, body wire.Message) (wire.Message, error) {
	peers, err := n.Lookup(ctx, service)
	if err != nil {
		return nil, err
	}
	req := wire.Request{ID: uuid.NewString(), Service: service, From: string(n.self), Body: body}
	return n.call(ctx, PickResponder(n.self, peers), req)
}

func (n *Libp2pNet) Broadcast(ctx context.Context, service wire.Service, body wire.Message) ([]Result, error) {
	peers, err := n.Lookup(ctx, service)
	if err != nil {
		return nil, err
	}
	req := wire.Request{ID: uuid.NewString(), Service: service, From: string(n.self), Body: body}

	results := make([]Result, len(peers))
	var g errgroup.Group
	for i, p := range peers {
		g.Go(func() error {
			reply, err := n.call(ctx, p, req)
			results[i] = Result{Peer: p, Reply: reply, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return Collect(service, results)
}

func (n *Libp2pNet) call(ctx context.Context, to PeerID, req wire.Request) (wire.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.RequestTimeout)
	defer cancel()

	msg, err := n.roundTrip(ctx, to, req)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s to %s", ErrTimeout, req.Service, to)
	}
	return msg, err
}

func (n *Libp2pNet) roundTrip(ctx context.Context, to PeerID, req wire.Request) (wire.Message, error) {
	if to == n.self {
		return n.dispatch(ctx, req)
	}

	pid, err := peer.Decode(string(to))
	if err != nil {
		return nil, fmt.Errorf("p2p: bad peer id %q: %w", to, err)
	}
	s, err := n.h.NewStream(ctx, pid, protocolRPC)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if dl, ok := ctx.Deadline(); ok {
		s.SetDeadline(dl)
	}

	if err := gob.NewEncoder(s).Encode(&req); err != nil {
		s.Reset()
		return nil, err
	}
	if err := s.CloseWrite(); err != nil {
		s.Reset()
		return nil, err
	}

	var rep wire.Reply
	if err := gob.NewDecoder(s).Decode(&rep); err != nil {
		return nil, fmt.Errorf("p2p: no reply from %s: %w", to, err)
	}
	if err := replyError(rep); err != nil {
		return nil, err
	}
	return rep.Body, nil
}

// dispatch runs the local handler, used for requests addressed to self.
func (n *Libp2pNet) dispatch(ctx context.Context, req wire.Request) (wire.Message, error) {
	n.muH.RLock()
	h := n.handler
	n.muH.RUnlock()
	if h == nil {
		return nil, ErrNoHandler
	}
	msg, err := h(ctx, req)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, errors.New("p2p: no reply")
	}
	return msg, nil
}

// inbound

func (n *Libp2pNet) handleRPCStream(s network.Stream) {
	defer s.Close()
	s.SetDeadline(time.Now().Add(n.cfg.RequestTimeout))

	var req wire.Request
	if err := gob.NewDecoder(s).Decode(&req); err != nil {
		n.log.Warnw("rpc_decode_failed", "peer", s.Conn().RemotePeer().String(), "err", err)
		s.Reset()
		return
	}

	n.muH.RLock()
	h := n.handler
	n.muH.RUnlock()
	if h == nil {
		s.Reset()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RequestTimeout)
	defer cancel()

	msg, err := h(ctx, req)
	rep := wire.Reply{ID: req.ID, Body: msg}
	if err != nil {
		rep.Body, rep.Err = nil, err.Error()
	} else if msg == nil {
		s.Reset()
		return
	}
	if err := gob.NewEncoder(s).Encode(&rep); err != nil {
		n.log.Warnw("rpc_reply_failed", "peer", s.Conn().RemotePeer().String(), "service", req.Service, "err", err)
		s.Reset()
	}
}

func (n *Libp2pNet) handleAnnounce(ctx context.Context) {
	for {
		msg, err := n.subAnnounce.Next(ctx)
		if err != nil {
			return
		}
		from := PeerID(msg.GetFrom().String())
		var a AnnounceWire
		if err := wire.Decode(msg.Data, &a); err != nil {
			n.log.Debugw("announce_decode_failed", "peer", from, "err", err)
			continue
		}
		ttl := time.Duration(a.TTLMillis) * time.Millisecond
		for _, svc := range a.Services {
			if a.Withdraw {
				n.dir.remove(svc, from)
			} else {
				n.dir.put(svc, from, ttl)
			}
		}
	}
}

func (n *Libp2pNet) republish(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.muA.Lock()
			services := make([]wire.Service, 0, len(n.announced))
			for s := range n.announced {
				services = append(services, s)
			}
			n.muA.Unlock()
			if len(services) == 0 {
				continue
			}
			a := AnnounceWire{Services: services, TTLMillis: n.cfg.AnnounceTTL.Milliseconds()}
			if err := n.publish(ctx, a); err != nil && ctx.Err() == nil {
				n.log.Warnw("announce_publish_failed", "err", err)
			}
		}
	}
}

var _ Substrate = (*Libp2pNet)(nil)
