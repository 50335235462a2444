package storage

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/bookpeer/pkg/book"
)

func fill(taker, maker string, price, amount string) book.Fill {
	return book.Fill{
		TakerID: taker,
		MakerID: maker,
		Side:    book.Buy,
		Price:   decimal.RequireFromString(price),
		Amount:  decimal.RequireFromString(amount),
	}
}

func TestRecordAndRecent(t *testing.T) {
	s, err := NewPebbleStore("")
	require.NoError(t, err)
	defer s.Close()

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	recs, err := s.RecordFills([]book.Fill{
		fill("t1", "m1", "100", "1"),
		fill("t1", "m2", "101", "0.5"),
	}, at)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(1), recs[0].Seq)
	assert.Equal(t, uint64(2), recs[1].Seq)

	_, err = s.RecordFills([]book.Fill{fill("t2", "m3", "102", "2")}, at)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), s.LastSeq())

	recent, err := s.RecentFills(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "m3", recent[0].MakerID)
	assert.Equal(t, "m2", recent[1].MakerID)
	assert.True(t, recent[1].Price.Equal(decimal.RequireFromString("101")))
	assert.Equal(t, "buy", recent[0].Side)
	assert.True(t, recent[0].Time.Equal(at))
}

func TestRecordEmptyIsNoop(t *testing.T) {
	s, err := NewPebbleStore("")
	require.NoError(t, err)
	defer s.Close()

	recs, err := s.RecordFills(nil, time.Now())
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Zero(t, s.LastSeq())
}

func TestPendingLifecycle(t *testing.T) {
	s, err := NewPebbleStore("")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.RecordFills([]book.Fill{
		fill("t1", "m1", "100", "1"),
		fill("t1", "m2", "100", "1"),
		fill("t1", "m3", "100", "1"),
	}, time.Now())
	require.NoError(t, err)

	pending, err := s.PendingFills(2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, uint64(1), pending[0].Seq)

	require.NoError(t, s.MarkPublished(pending[0].Seq, pending[1].Seq))

	pending, err = s.PendingFills(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "m3", pending[0].MakerID)

	// published records stay queryable
	rec, err := s.GetFill(1)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "m1", rec.MakerID)

	missing, err := s.GetFill(99)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSeqSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewPebbleStore(dir)
	require.NoError(t, err)
	_, err = s.RecordFills([]book.Fill{fill("t1", "m1", "100", "1"), fill("t1", "m2", "100", "1")}, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewPebbleStore(dir)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, uint64(2), s.LastSeq())

	recs, err := s.RecordFills([]book.Fill{fill("t2", "m3", "100", "1")}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), recs[0].Seq)
}

func TestKeyUpperBound(t *testing.T) {
	assert.Equal(t, []byte("f;"), keyUpperBound([]byte("f:")))
	seq, ok := seqFromKey(fillKey(42), prefixFill)
	require.True(t, ok)
	assert.Equal(t, uint64(42), seq)
	_, ok = seqFromKey([]byte("f:short"), prefixFill)
	assert.False(t, ok)
}
