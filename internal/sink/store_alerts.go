package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fleetwatch/usage-mon/pkg/types"
)

// =============================================================================
// ALERTS
// =============================================================================

// InsertAlertIfAbsent inserts an alert unless an unresolved alert with the
// same (peer, type, subject) already exists. The check and insert run in
// one transaction; the partial unique index on the alerts table backstops
// concurrent passes. Returns whether a row was inserted.
func (s *Store) InsertAlertIfAbsent(ctx context.Context, peerID string, alertType types.AlertType, subject, message string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var existing string
	err = tx.QueryRow(ctx, `
		SELECT id FROM alerts
		WHERE peer_id = $1 AND alert_type = $2 AND subject = $3 AND NOT resolved
		LIMIT 1
	`, peerID, string(alertType), subject).Scan(&existing)
	if err == nil {
		return false, nil
	}
	if err != pgx.ErrNoRows {
		return false, fmt.Errorf("checking open alerts: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO alerts (id, peer_id, alert_type, subject, message, created_at, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
	`, uuid.NewString(), peerID, string(alertType), subject, message, time.Now())
	if err != nil {
		return false, fmt.Errorf("inserting alert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// ListOpenAlerts returns all unresolved alerts, newest first.
func (s *Store) ListOpenAlerts(ctx context.Context) ([]types.Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, peer_id, alert_type, message, created_at, resolved, resolved_at
		FROM alerts
		WHERE NOT resolved
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying open alerts: %w", err)
	}
	defer rows.Close()

	var alerts []types.Alert
	for rows.Next() {
		var a types.Alert
		var alertType string
		if err := rows.Scan(&a.ID, &a.PeerID, &alertType, &a.Message, &a.CreatedAt, &a.Resolved, &a.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		a.Type = types.AlertType(alertType)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ResolveAlert marks an alert resolved. Returns false if the alert does not
// exist or was already resolved.
func (s *Store) ResolveAlert(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts
		SET resolved = TRUE, resolved_at = NOW()
		WHERE id = $1 AND NOT resolved
	`, id)
	if err != nil {
		return false, fmt.Errorf("resolving alert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
