package buffer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetwatch/usage-mon/pkg/types"
)

// Flusher drains the Redis buffer into Postgres in batches.
type Flusher struct {
	buffer   *SnapshotBuffer
	pool     *pgxpool.Pool
	logger   *slog.Logger
	interval time.Duration
	batch    int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewFlusher creates a buffer flusher.
func NewFlusher(buffer *SnapshotBuffer, pool *pgxpool.Pool, logger *slog.Logger) *Flusher {
	return &Flusher{
		buffer:   buffer,
		pool:     pool,
		logger:   logger.With("component", "buffer_flusher"),
		interval: DefaultFlushInterval,
		batch:    DefaultBatchSize,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background flushing loop.
func (f *Flusher) Start() {
	f.wg.Add(1)
	go f.run()
	f.logger.Info("buffer flusher started", "interval", f.interval, "batch_size", f.batch)
}

// Stop stops the flusher and waits for a final flush.
func (f *Flusher) Stop() {
	close(f.stopCh)
	f.wg.Wait()
	f.logger.Info("buffer flusher stopped")
}

func (f *Flusher) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			f.flush()
			return
		case <-ticker.C:
			f.flush()
		}
	}
}

func (f *Flusher) flush() {
	ctx := context.Background()

	size, err := f.buffer.Len(ctx)
	if err != nil {
		f.logger.Error("failed to get buffer size", "error", err)
		return
	}
	if size == 0 {
		return
	}

	snaps, err := f.buffer.Pop(ctx, f.batch)
	if err != nil {
		f.logger.Error("failed to pop from buffer", "error", err)
		return
	}
	if len(snaps) == 0 {
		return
	}

	start := time.Now()

	if err := f.copySnapshots(ctx, snaps); err != nil {
		f.logger.Error("failed to copy snapshots to database",
			"error", err,
			"count", len(snaps),
		)
		return
	}

	f.logger.Info("flushed snapshots to database",
		"count", len(snaps),
		"remaining", size-int64(len(snaps)),
		"duration", time.Since(start),
	)
}

// copySnapshots bulk-inserts via COPY. The history table is append-only
// with no uniqueness constraint, so no staging table is needed.
func (f *Flusher) copySnapshots(ctx context.Context, snaps []types.HistoricalSnapshot) error {
	rows := make([][]any, 0, len(snaps))
	for _, s := range snaps {
		payload, err := json.Marshal(s.Snapshot)
		if err != nil {
			f.logger.Warn("failed to marshal snapshot payload", "peer", s.PeerID, "error", err)
			continue
		}
		rows = append(rows, []any{s.CapturedAt, s.PeerID, s.Department, payload})
	}
	if len(rows) == 0 {
		return nil
	}

	_, err := f.pool.CopyFrom(ctx,
		pgx.Identifier{"historical_snapshots"},
		[]string{"captured_at", "peer_id", "department", "snapshot"},
		pgx.CopyFromRows(rows),
	)
	return err
}
