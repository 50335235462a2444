package broadcaster

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/bookpeer/pkg/book"
	"github.com/uhyunpark/bookpeer/pkg/storage"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func newJournal(t *testing.T, fills int) *storage.PebbleStore {
	t.Helper()
	s, err := storage.NewPebbleStore("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	batch := make([]book.Fill, fills)
	for i := range batch {
		batch[i] = book.Fill{
			TakerID: "taker",
			MakerID: "maker",
			Side:    book.Sell,
			Price:   decimal.NewFromInt(100),
			Amount:  decimal.NewFromInt(int64(i + 1)),
		}
	}
	_, err = s.RecordFills(batch, time.Now())
	require.NoError(t, err)
	return s
}

func TestFlushPublishesInBatches(t *testing.T) {
	journal := newJournal(t, 5)
	w := &fakeWriter{}
	b := New(Config{PeerID: "p1", BatchSize: 2}, journal, w, nil, nil)

	sent, err := b.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, sent)
	require.Len(t, w.msgs, 5)

	var ev FillEvent
	require.NoError(t, json.Unmarshal(w.msgs[4].Value, &ev))
	assert.Equal(t, "p1", ev.Peer)
	assert.Equal(t, uint64(5), ev.Seq)
	assert.Equal(t, "sell", ev.Side)
	assert.True(t, ev.Amount.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, []byte("taker"), w.msgs[0].Key)

	pending, err := journal.PendingFills(10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	sent, err = b.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestFlushKeepsPendingOnWriteError(t *testing.T) {
	journal := newJournal(t, 3)
	w := &fakeWriter{fail: errors.New("broker down")}
	b := New(Config{}, journal, w, nil, nil)

	_, err := b.Flush(context.Background())
	assert.ErrorContains(t, err, "broker down")

	pending, err := journal.PendingFills(10)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	w.mu.Lock()
	w.fail = nil
	w.mu.Unlock()
	sent, err := b.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
}

func TestRunDrainsAndCloses(t *testing.T) {
	journal := newJournal(t, 2)
	w := &fakeWriter{}
	b := New(Config{Interval: 5 * time.Millisecond}, journal, w, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()

	require.Eventually(t, func() bool { return w.count() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.True(t, w.closed)
}
