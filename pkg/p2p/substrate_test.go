package p2p

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/bookpeer/pkg/wire"
)

func TestPickResponder(t *testing.T) {
	assert.Equal(t, PeerID("b"), PickResponder("a", []PeerID{"a", "b"}))
	assert.Equal(t, PeerID("a"), PickResponder("a", []PeerID{"a"}))
}

func TestCollect(t *testing.T) {
	ok := []Result{{Peer: "a", Reply: wire.Ack{Success: true}}}
	_, err := Collect(wire.ServiceLock, ok)
	require.NoError(t, err)

	boom := errors.New("boom")
	mixed := append(ok, Result{Peer: "b", Err: boom})
	res, err := Collect(wire.ServiceLock, mixed)
	require.Len(t, res, 2)
	var be *BroadcastError
	require.ErrorAs(t, err, &be)
	assert.Len(t, be.Failed, 1)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "lockManager:lock")
}

func TestReplyError(t *testing.T) {
	assert.Error(t, replyError(wire.Reply{Err: "nope"}))
	assert.Error(t, replyError(wire.Reply{}))
	assert.NoError(t, replyError(wire.Reply{Body: wire.Ack{}}))
}

func TestDirectoryExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	d := newDirectory(func() time.Time { return now })

	d.put(wire.ServiceSync, "b", time.Second)
	d.put(wire.ServiceSync, "a", 3*time.Second)
	assert.Equal(t, []PeerID{"a", "b"}, d.lookup(wire.ServiceSync))

	now = now.Add(2 * time.Second)
	assert.Equal(t, []PeerID{"a"}, d.lookup(wire.ServiceSync))

	d.put(wire.ServiceLock, "a", time.Minute)
	d.dropPeer("a")
	assert.Empty(t, d.lookup(wire.ServiceSync))
	assert.Empty(t, d.lookup(wire.ServiceLock))

	d.put(wire.ServiceSync, "c", time.Minute)
	d.remove(wire.ServiceSync, "c")
	assert.Empty(t, d.lookup(wire.ServiceSync))
}

func TestWarmUpDeadline(t *testing.T) {
	start := time.Unix(1000, 0)
	readyAt := start.Add(4 * time.Second)
	settle := 4 * time.Second

	// no mdns and nobody connected: nothing can be learned by waiting
	_, wait := warmUpDeadline(start, readyAt, time.Time{}, settle, false, false)
	assert.False(t, wait)

	// mdns peers connect after start, so an empty peer set still waits
	d, wait := warmUpDeadline(start, readyAt, time.Time{}, settle, true, false)
	assert.True(t, wait)
	assert.Equal(t, readyAt, d)

	d, wait = warmUpDeadline(start, readyAt, time.Time{}, settle, false, true)
	assert.True(t, wait)
	assert.Equal(t, readyAt, d)

	// a late connection inside the window extends it
	conn := start.Add(3 * time.Second)
	d, wait = warmUpDeadline(readyAt, readyAt, conn, settle, true, true)
	assert.True(t, wait)
	assert.Equal(t, conn.Add(settle), d)

	_, wait = warmUpDeadline(conn.Add(settle), readyAt, conn, settle, true, true)
	assert.False(t, wait)
}
