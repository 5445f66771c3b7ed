// Package buffer provides a Redis-backed write-ahead buffer for historical
// usage snapshots. Aggregation passes append here instead of writing to
// Postgres directly, so a slow or briefly unavailable database never stalls
// the scan loop.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetwatch/usage-mon/pkg/types"
)

const (
	// Redis key for the snapshot queue.
	keySnapshots = "usagemon:snapshots"

	// DefaultBatchSize is how many snapshots a single flush drains.
	DefaultBatchSize = 500

	// DefaultFlushInterval between flushes.
	DefaultFlushInterval = 10 * time.Second
)

// SnapshotBuffer provides Redis-backed buffering for historical snapshots.
type SnapshotBuffer struct {
	client *redis.Client
	logger *slog.Logger
}

// NewSnapshotBuffer connects to Redis and verifies the connection.
func NewSnapshotBuffer(redisURL string, logger *slog.Logger) (*SnapshotBuffer, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &SnapshotBuffer{
		client: client,
		logger: logger,
	}, nil
}

// AppendHistoricalSnapshot buffers a single snapshot. This is the write
// path the aggregator uses.
func (b *SnapshotBuffer) AppendHistoricalSnapshot(ctx context.Context, snap types.HistoricalSnapshot) error {
	return b.Push(ctx, []types.HistoricalSnapshot{snap})
}

// Push adds snapshots to the buffer. Snapshots are JSON-encoded and pushed
// to a Redis list.
func (b *SnapshotBuffer) Push(ctx context.Context, snaps []types.HistoricalSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	values := make([]interface{}, len(snaps))
	for i, s := range snaps {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot: %w", err)
		}
		values[i] = data
	}

	if err := b.client.LPush(ctx, keySnapshots, values...).Err(); err != nil {
		return fmt.Errorf("failed to push snapshots to redis: %w", err)
	}

	return nil
}

// Pop retrieves and removes up to maxSnaps from the buffer, oldest first.
func (b *SnapshotBuffer) Pop(ctx context.Context, maxSnaps int) ([]types.HistoricalSnapshot, error) {
	pipe := b.client.Pipeline()
	cmds := make([]*redis.StringCmd, maxSnaps)

	for i := 0; i < maxSnaps; i++ {
		cmds[i] = pipe.RPop(ctx, keySnapshots)
	}

	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to pop snapshots from redis: %w", err)
	}

	snaps := make([]types.HistoricalSnapshot, 0, maxSnaps)
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			continue
		}

		var s types.HistoricalSnapshot
		if err := json.Unmarshal(data, &s); err != nil {
			b.logger.Warn("failed to unmarshal buffered snapshot", "error", err)
			continue
		}
		snaps = append(snaps, s)
	}

	return snaps, nil
}

// Len returns the number of buffered snapshots.
func (b *SnapshotBuffer) Len(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, keySnapshots).Result()
}

// Close closes the Redis connection.
func (b *SnapshotBuffer) Close() error {
	return b.client.Close()
}
