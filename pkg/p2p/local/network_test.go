package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/bookpeer/pkg/p2p"
	"github.com/uhyunpark/bookpeer/pkg/wire"
)

func ackHandler(ctx context.Context, req wire.Request) (wire.Message, error) {
	return wire.Ack{Success: true}, nil
}

func TestLookupEmpty(t *testing.T) {
	n := NewNetwork()
	a := n.Join("a")

	_, err := a.Lookup(context.Background(), wire.ServiceSync)
	assert.ErrorIs(t, err, p2p.ErrLookupEmpty)

	_, err = a.Request(context.Background(), wire.ServiceSync, wire.SyncRequest{PeerID: "a"})
	assert.ErrorIs(t, err, p2p.ErrLookupEmpty)
}

func TestRequestPrefersRemote(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()
	a, b := n.Join("a"), n.Join("b")

	var served []string
	a.SetHandler(func(ctx context.Context, req wire.Request) (wire.Message, error) {
		served = append(served, "a")
		return wire.Ack{Success: true}, nil
	})
	b.SetHandler(func(ctx context.Context, req wire.Request) (wire.Message, error) {
		served = append(served, "b")
		return wire.Ack{Success: true}, nil
	})
	require.NoError(t, a.Announce(ctx, wire.ServiceSync))
	require.NoError(t, b.Announce(ctx, wire.ServiceSync))

	_, err := a.Request(ctx, wire.ServiceSync, wire.SyncRequest{PeerID: "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, served)
}

func TestBroadcastReportsFailures(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()
	peers := []*Node{n.Join("a"), n.Join("b"), n.Join("c")}
	for _, p := range peers {
		p.SetHandler(ackHandler)
		require.NoError(t, p.Announce(ctx, wire.ServiceLock))
	}
	n.SetDown("c", true)

	results, err := peers[0].Broadcast(ctx, wire.ServiceLock, wire.Lock{PeerID: "a"})
	require.Error(t, err)
	require.Len(t, results, 3)

	var be *p2p.BroadcastError
	require.True(t, errors.As(err, &be))
	require.Len(t, be.Failed, 1)
	assert.Equal(t, p2p.PeerID("c"), be.Failed[0].Peer)
	assert.ErrorIs(t, err, ErrPeerDown)

	n.SetDown("c", false)
	_, err = peers[0].Broadcast(ctx, wire.ServiceLock, wire.Lock{PeerID: "a"})
	assert.NoError(t, err)
}

func TestRemoteErrorAndNoReply(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()
	a, b := n.Join("a"), n.Join("b")
	b.SetHandler(func(ctx context.Context, req wire.Request) (wire.Message, error) {
		if req.Service == wire.ServiceLock {
			return nil, errors.New("refused")
		}
		return nil, nil
	})
	require.NoError(t, b.Announce(ctx, wire.ServiceLock))
	require.NoError(t, b.Announce(ctx, wire.ServiceSync))

	_, err := a.Request(ctx, wire.ServiceLock, wire.Lock{PeerID: "a"})
	assert.ErrorContains(t, err, "refused")

	_, err = a.Request(ctx, wire.ServiceSync, wire.SyncRequest{PeerID: "a"})
	assert.ErrorContains(t, err, "no reply")
}

func TestRequestTimeout(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()
	n.SetTimeout(20 * time.Millisecond)
	a, b := n.Join("a"), n.Join("b")
	b.SetHandler(func(ctx context.Context, req wire.Request) (wire.Message, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, b.Announce(ctx, wire.ServiceSync))

	_, err := a.Request(ctx, wire.ServiceSync, wire.SyncRequest{PeerID: "a"})
	assert.ErrorIs(t, err, p2p.ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIndexingAndUnannounce(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()
	a := n.Join("a")
	require.NoError(t, a.Announce(ctx, wire.ServiceOrderNew))

	n.SetIndexing("a", false)
	_, err := a.Lookup(ctx, wire.ServiceOrderNew)
	assert.ErrorIs(t, err, p2p.ErrLookupEmpty)

	n.SetIndexing("a", true)
	peers, err := a.Lookup(ctx, wire.ServiceOrderNew)
	require.NoError(t, err)
	assert.Equal(t, []p2p.PeerID{"a"}, peers)

	require.NoError(t, a.Unannounce(ctx, wire.ServiceOrderNew))
	_, err = a.Lookup(ctx, wire.ServiceOrderNew)
	assert.ErrorIs(t, err, p2p.ErrLookupEmpty)
}

func TestBroadcastSharesRequestID(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()
	ids := make(chan string, 2)
	for _, id := range []string{"a", "b"} {
		nd := n.Join(id)
		nd.SetHandler(func(ctx context.Context, req wire.Request) (wire.Message, error) {
			ids <- req.ID
			return wire.Ack{Success: true}, nil
		})
		require.NoError(t, nd.Announce(ctx, wire.ServiceOrderNew))
	}

	_, err := n.Join("a").Broadcast(ctx, wire.ServiceOrderNew, wire.SubmitRequest{})
	require.NoError(t, err)
	first, second := <-ids, <-ids
	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)
}
