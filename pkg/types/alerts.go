package types

import "time"

// AlertType classifies the condition that raised an alert.
type AlertType string

const (
	// AlertTypeOffline fires when a peer has been unreachable for longer
	// than the offline threshold (default 30 minutes).
	AlertTypeOffline AlertType = "offline"

	// AlertTypeHighMemory fires when a peer reports memory usage above the
	// configured threshold (default 90%).
	AlertTypeHighMemory AlertType = "high_memory"

	// AlertTypeUnusedSoftware fires when software above the cost threshold
	// (default $100/month) has gone unused beyond the activity window.
	AlertTypeUnusedSoftware AlertType = "unused_software"
)

// Alert is one row in the append-only alert sink. At most one unresolved
// alert may exist per (peer, type); the sink enforces this on insert.
type Alert struct {
	ID         string     `json:"id"`
	PeerID     string     `json:"peer_id"`
	Type       AlertType  `json:"alert_type"`
	Message    string     `json:"message"`
	CreatedAt  time.Time  `json:"created_at"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}
