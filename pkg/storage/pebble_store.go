// Package storage journals the fills produced by this peer's matching engine
// in pebble. Records are kept until the process deletes the data dir; a
// pending marker tracks which records the broadcaster has not shipped yet.
package storage

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/uhyunpark/bookpeer/pkg/book"
)

type PebbleStore struct {
	db *pebble.DB

	mu  sync.Mutex
	seq uint64
}

// NewPebbleStore opens the journal at path. An empty path keeps everything
// in memory.
func NewPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{}
	if path == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}
	s := &PebbleStore{db: db}
	if err := s.recoverSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) recoverSeq() error {
	prefix := []byte(prefixFill)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	if iter.Last() {
		if seq, ok := seqFromKey(iter.Key(), prefixFill); ok {
			s.seq = seq
		}
	}
	return iter.Error()
}

// LastSeq returns the sequence number of the newest record, 0 if empty.
func (s *PebbleStore) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// RecordFills appends fills in one batch and marks them pending.
func (s *PebbleStore) RecordFills(fills []book.Fill, at time.Time) ([]FillRecord, error) {
	if len(fills) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	seq := s.seq
	out := make([]FillRecord, 0, len(fills))
	for _, f := range fills {
		seq++
		rec := recordFromFill(seq, f, at)
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal fill: %w", err)
		}
		if err := b.Set(fillKey(seq), data, nil); err != nil {
			return nil, err
		}
		if err := b.Set(pendingKey(seq), nil, nil); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := b.Commit(pebble.NoSync); err != nil {
		return nil, fmt.Errorf("failed to save fills: %w", err)
	}
	s.seq = seq
	return out, nil
}

// GetFill loads one record. Returns nil if it doesn't exist.
func (s *PebbleStore) GetFill(seq uint64) (*FillRecord, error) {
	data, closer, err := s.db.Get(fillKey(seq))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fill: %w", err)
	}
	defer closer.Close()

	var rec FillRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fill: %w", err)
	}
	return &rec, nil
}

// RecentFills loads the most recent N fills, newest first.
func (s *PebbleStore) RecentFills(limit int) ([]FillRecord, error) {
	prefix := []byte(prefixFill)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []FillRecord
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		var rec FillRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

// PendingFills returns up to limit unpublished fills, oldest first.
func (s *PebbleStore) PendingFills(limit int) ([]FillRecord, error) {
	prefix := []byte(prefixPending)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []FillRecord
	for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
		seq, ok := seqFromKey(iter.Key(), prefixPending)
		if !ok {
			continue
		}
		rec, err := s.GetFill(seq)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, *rec)
		}
	}
	return out, iter.Error()
}

// MarkPublished clears the pending marker of each seq.
func (s *PebbleStore) MarkPublished(seqs ...uint64) error {
	if len(seqs) == 0 {
		return nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	for _, seq := range seqs {
		if err := b.Delete(pendingKey(seq), nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}
