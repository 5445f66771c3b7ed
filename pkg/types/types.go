// Package types contains the shared data model for the usage-mon engine:
// discovered peers, telemetry snapshots, aggregated statistics, and alerts.
//
// These types cross package boundaries (registry, scanner, aggregation, sink,
// peer API) and are intentionally free of behavior beyond small derivations.
package types

import (
	"sort"
	"time"
)

// DefaultPeerPort is the port peers listen on for the discovery protocol.
const DefaultPeerPort = 9876

// LivenessWindow is how long after the last successful contact a peer is
// still considered online.
const LivenessWindow = 10 * time.Minute

// =============================================================================
// PEERS
// =============================================================================

// Peer is another running instance of this software discovered on the LAN.
// Peers are keyed by IP address in the registry; ClientID is peer-supplied
// identity and is not guaranteed unique across IPs.
type Peer struct {
	IP         string `json:"ip"`
	ClientID   string `json:"client_id"`
	Department string `json:"department,omitempty"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	// Manual is true for peers added by an operator without verification.
	Manual bool `json:"manual"`

	// Unreachable is set when the most recent contact attempt failed and
	// cleared on the next successful one. Online status derives from this
	// plus LastSeen freshness; it is never stored independently.
	Unreachable bool `json:"unreachable"`

	// Online is computed at snapshot time, not stored.
	Online bool `json:"online"`

	// LatestSnapshot is the last telemetry successfully pulled from the
	// peer. It is never nulled out on failure; stale data is retained for
	// reporting.
	LatestSnapshot *Snapshot `json:"latest_snapshot,omitempty"`
}

// OnlineAt reports whether the peer counts as online at the given time.
// A peer is online iff its last contact succeeded and LastSeen is within
// the liveness window.
func (p *Peer) OnlineAt(now time.Time, window time.Duration) bool {
	if p.Unreachable {
		return false
	}
	if p.LastSeen.IsZero() {
		return false
	}
	return now.Sub(p.LastSeen) <= window
}

// AlertKey returns the identity used for alert deduplication. Verified peers
// use their ClientID; manual peers that were never verified fall back to IP.
func (p *Peer) AlertKey() string {
	if p.ClientID != "" {
		return p.ClientID
	}
	return p.IP
}

// StatusResponse is the body of GET /status, used for peer verification.
// A response is accepted as a valid peer only if ClientID is present.
type StatusResponse struct {
	ClientID     string `json:"clientId"`
	Department   string `json:"department,omitempty"`
	IsMonitoring bool   `json:"isMonitoring"`
}

// =============================================================================
// TELEMETRY SNAPSHOTS
// =============================================================================

// Snapshot is the canonical shape of one peer's usage telemetry. Raw peer
// payloads arrive in two historical field-naming conventions; Normalize
// converts either into this form and nothing past that boundary sees the
// raw shape again.
type Snapshot struct {
	// Applications keyed by application name.
	Applications map[string]AppUsage `json:"applications"`

	// Plugins keyed by vendor, then product.
	Plugins map[string]map[string]PluginUsage `json:"plugins"`

	System    SystemInfo `json:"system_info"`
	Timestamp time.Time  `json:"timestamp"`
}

// AppUsage describes one application's usage on a peer.
type AppUsage struct {
	TotalUsage  float64   `json:"total_usage"` // cumulative hours
	LastUsed    time.Time `json:"last_used"`
	Sessions    int       `json:"sessions"`
	MonthlyCost float64   `json:"monthly_cost"`
}

// PluginUsage describes one plugin's usage on a peer.
type PluginUsage struct {
	TotalUsage  float64   `json:"total_usage"`
	LastUsed    time.Time `json:"last_used"`
	MonthlyCost float64   `json:"monthly_cost"`
}

// SystemInfo is host-level telemetry reported alongside usage data.
type SystemInfo struct {
	Hostname          string  `json:"hostname"`
	Platform          string  `json:"platform"`
	OS                string  `json:"os"`
	UptimeSeconds     uint64  `json:"uptime_seconds"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
}

// HistoricalSnapshot is one persisted rollup row: a peer's snapshot at a
// point in time, as written to the append-only sink.
type HistoricalSnapshot struct {
	PeerID     string    `json:"peer_id"`
	Department string    `json:"department"`
	Snapshot   *Snapshot `json:"snapshot"`
	CapturedAt time.Time `json:"captured_at"`
}

// =============================================================================
// AGGREGATION
// =============================================================================

// AggregatedStatistics is a fleet-wide view derived from the current peer
// set. It is recomputed on demand and never stored as authoritative state.
type AggregatedStatistics struct {
	TotalPeers         int       `json:"total_peers"`
	OnlinePeers        int       `json:"online_peers"`
	UniqueApplications int       `json:"unique_applications"`
	UniquePlugins      int       `json:"unique_plugins"`
	TotalMonthlyCost   float64   `json:"total_monthly_cost"`
	PotentialSavings   float64   `json:"potential_savings"`
	LastScan           time.Time `json:"last_scan"`

	Departments map[string]DepartmentRollup `json:"departments"`
}

// DepartmentRollup groups peers by department. Application and plugin
// membership uses name-based set semantics, not instance counts.
type DepartmentRollup struct {
	Peers            int      `json:"peers"`
	Online           int      `json:"online"`
	MonthlyCost      float64  `json:"monthly_cost"`
	PotentialSavings float64  `json:"potential_savings"`
	Applications     []string `json:"applications"`
	Plugins          []string `json:"plugins"`
}

// CostTotals is the payload for a monthly (month, department) cost rollup.
type CostTotals struct {
	ActiveCost       float64 `json:"active_cost"`
	PotentialSavings float64 `json:"potential_savings"`
	PeerCount        int     `json:"peer_count"`
}

// SortedNames returns the keys of a name set in stable order.
func SortedNames(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
