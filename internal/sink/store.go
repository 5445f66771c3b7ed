// Package sink provides database access for the aggregation engine.
//
// # Design
//
// The sink uses raw SQL with pgx. Historical snapshots are append-only;
// cost rollups are upserted per (month, department); alerts carry a
// partial uniqueness constraint so at most one unresolved alert exists per
// (peer, type, subject).
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetwatch/usage-mon/pkg/types"
)

// Store provides database operations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromURL creates a new store by connecting to the given database URL.
func NewStoreFromURL(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool for advanced operations.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// HISTORICAL SNAPSHOTS
// =============================================================================

// AppendHistoricalSnapshot writes one peer snapshot to the history table.
// The bulk path goes through the Redis buffer and flusher; this direct path
// serves deployments running without Redis.
func (s *Store) AppendHistoricalSnapshot(ctx context.Context, snap types.HistoricalSnapshot) error {
	payload, err := json.Marshal(snap.Snapshot)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO historical_snapshots (captured_at, peer_id, department, snapshot)
		VALUES ($1, $2, $3, $4)
	`, snap.CapturedAt, snap.PeerID, snap.Department, payload)
	if err != nil {
		return fmt.Errorf("inserting historical snapshot: %w", err)
	}
	return nil
}

// ListHistoricalSnapshots returns a peer's snapshots from the last N days,
// newest first.
func (s *Store) ListHistoricalSnapshots(ctx context.Context, peerID string, days int) ([]types.HistoricalSnapshot, error) {
	since := time.Now().AddDate(0, 0, -days)
	rows, err := s.pool.Query(ctx, `
		SELECT captured_at, peer_id, department, snapshot
		FROM historical_snapshots
		WHERE peer_id = $1 AND captured_at >= $2
		ORDER BY captured_at DESC
	`, peerID, since)
	if err != nil {
		return nil, fmt.Errorf("querying historical snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []types.HistoricalSnapshot
	for rows.Next() {
		var hs types.HistoricalSnapshot
		var payload []byte
		if err := rows.Scan(&hs.CapturedAt, &hs.PeerID, &hs.Department, &payload); err != nil {
			return nil, fmt.Errorf("scanning historical snapshot: %w", err)
		}
		var snap types.Snapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return nil, fmt.Errorf("unmarshaling snapshot payload: %w", err)
		}
		hs.Snapshot = &snap
		snaps = append(snaps, hs)
	}
	return snaps, rows.Err()
}

// =============================================================================
// COST ROLLUPS
// =============================================================================

// UpsertMonthlyCostRollup writes the (month, department) cost row. Months
// are "2006-01" strings; re-running an aggregation pass overwrites the row
// with fresher totals.
func (s *Store) UpsertMonthlyCostRollup(ctx context.Context, month, department string, totals types.CostTotals) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cost_rollups (month, department, active_cost, potential_savings, peer_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (month, department) DO UPDATE SET
			active_cost = EXCLUDED.active_cost,
			potential_savings = EXCLUDED.potential_savings,
			peer_count = EXCLUDED.peer_count,
			updated_at = NOW()
	`, month, department, totals.ActiveCost, totals.PotentialSavings, totals.PeerCount)
	if err != nil {
		return fmt.Errorf("upserting cost rollup: %w", err)
	}
	return nil
}

// ListCostRollups returns all department rollups for a month.
func (s *Store) ListCostRollups(ctx context.Context, month string) (map[string]types.CostTotals, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT department, active_cost, potential_savings, peer_count
		FROM cost_rollups
		WHERE month = $1
	`, month)
	if err != nil {
		return nil, fmt.Errorf("querying cost rollups: %w", err)
	}
	defer rows.Close()

	rollups := make(map[string]types.CostTotals)
	for rows.Next() {
		var dept string
		var totals types.CostTotals
		if err := rows.Scan(&dept, &totals.ActiveCost, &totals.PotentialSavings, &totals.PeerCount); err != nil {
			return nil, fmt.Errorf("scanning cost rollup: %w", err)
		}
		rollups[dept] = totals
	}
	return rollups, rows.Err()
}
