// Package broadcaster ships journaled fills to Kafka. It drains the journal's
// pending set on a ticker, so fills recorded while the broker is unreachable
// are sent once it comes back.
package broadcaster

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/bookpeer/pkg/metrics"
	"github.com/uhyunpark/bookpeer/pkg/storage"
	"github.com/uhyunpark/bookpeer/pkg/util"
)

// Journal is the pending-fill view of the fill store.
type Journal interface {
	PendingFills(limit int) ([]storage.FillRecord, error)
	MarkPublished(seqs ...uint64) error
}

type Config struct {
	PeerID    string
	Interval  time.Duration
	BatchSize int
}

// FillEvent is the JSON value of every published message, keyed by taker id.
type FillEvent struct {
	Peer string `json:"peer"`
	storage.FillRecord
}

type Broadcaster struct {
	cfg     Config
	journal Journal
	writer  MessageWriter
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
}

func New(cfg Config, journal Journal, writer MessageWriter, m *metrics.Metrics, log *zap.SugaredLogger) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if m == nil {
		m = metrics.NopMetrics()
	}
	return &Broadcaster{cfg: cfg, journal: journal, writer: writer, metrics: m, log: util.OrNop(log)}
}

// Run flushes pending fills every interval until ctx ends, then closes the
// writer.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	defer func() {
		if err := b.writer.Close(); err != nil {
			b.log.Warnw("kafka_close_failed", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.Flush(ctx); err != nil && ctx.Err() == nil {
				b.log.Warnw("fill_publish_failed", "err", err)
			}
		}
	}
}

// Flush publishes pending fills in batches until none are left and returns
// how many were sent.
func (b *Broadcaster) Flush(ctx context.Context) (int, error) {
	sent := 0
	for {
		recs, err := b.journal.PendingFills(b.cfg.BatchSize)
		if err != nil {
			return sent, err
		}
		if len(recs) == 0 {
			return sent, nil
		}

		msgs := make([]kafka.Message, len(recs))
		seqs := make([]uint64, len(recs))
		for i, rec := range recs {
			val, err := json.Marshal(FillEvent{Peer: b.cfg.PeerID, FillRecord: rec})
			if err != nil {
				return sent, err
			}
			msgs[i] = kafka.Message{
				Key:   []byte(rec.TakerID),
				Value: val,
				Headers: []kafka.Header{
					{Key: "seq", Value: []byte(strconv.FormatUint(rec.Seq, 10))},
				},
			}
			seqs[i] = rec.Seq
		}

		if err := b.writer.WriteMessages(ctx, msgs...); err != nil {
			return sent, err
		}
		if err := b.journal.MarkPublished(seqs...); err != nil {
			return sent, err
		}
		sent += len(recs)
		b.metrics.FillsPublished.Add(float64(len(recs)))
		b.log.Debugw("fills_published", "count", len(recs), "last_seq", seqs[len(seqs)-1])
	}
}
