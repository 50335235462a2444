package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/bookpeer/pkg/util"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) After(d time.Duration) <-chan time.Time { return time.After(time.Millisecond) }

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSuspendResume(t *testing.T) {
	g := New(0, nil)
	assert.False(t, g.IsSuspended())

	g.Suspend("peer-a")
	assert.True(t, g.IsSuspended())
	assert.Equal(t, []string{"peer-a"}, g.Holders())

	g.Suspend("peer-b")
	g.Resume("peer-a")
	assert.True(t, g.IsSuspended())

	g.Resume("peer-b")
	assert.False(t, g.IsSuspended())
	assert.Empty(t, g.Holders())
}

func TestResumeUnknownPeerIsNoop(t *testing.T) {
	g := New(0, nil)
	g.Resume("ghost")
	assert.False(t, g.IsSuspended())

	g.Suspend("peer-a")
	g.Resume("ghost")
	assert.Equal(t, []string{"peer-a"}, g.Holders())
}

func TestRepeatedSuspendReleasedBySingleResume(t *testing.T) {
	g := New(0, nil)
	g.Suspend("peer-a")
	g.Suspend("peer-a")
	g.Resume("peer-a")

	assert.False(t, g.IsSuspended())
}

func TestLeaseExpires(t *testing.T) {
	clock := &manualClock{now: time.Unix(1000, 0)}
	g := New(10*time.Second, clock)

	g.Suspend("peer-a")
	clock.advance(5 * time.Second)
	g.Suspend("peer-b")
	assert.True(t, g.IsSuspended())

	clock.advance(5 * time.Second)
	assert.Equal(t, []string{"peer-b"}, g.Holders())

	// refresh extends peer-b past its first deadline
	g.Suspend("peer-b")
	clock.advance(9 * time.Second)
	assert.True(t, g.IsSuspended())

	clock.advance(time.Second)
	assert.False(t, g.IsSuspended())
}

func TestWaitReturnsOnceCleared(t *testing.T) {
	g := New(0, util.RealClock{})
	g.Suspend("peer-a")

	go func() {
		time.Sleep(30 * time.Millisecond)
		g.Resume("peer-a")
	}()

	waits := 0
	err := g.Wait(context.Background(), 5*time.Millisecond, func([]string) { waits++ })
	require.NoError(t, err)
	assert.False(t, g.IsSuspended())
	assert.Greater(t, waits, 0)
}

func TestWaitHonoursContext(t *testing.T) {
	g := New(0, util.RealClock{})
	g.Suspend("peer-a")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := g.Wait(ctx, 5*time.Millisecond, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
