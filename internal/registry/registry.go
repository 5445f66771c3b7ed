// Package registry holds the authoritative in-memory set of discovered
// peers, keyed by IP address.
//
// The map is owned by the Registry and reached only through its methods, so
// every mutation is an atomic per-key upsert; concurrent aggregation reads
// never observe partial peer state. Full-registry locking is fine at the
// expected scale (tens to low hundreds of peers).
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fleetwatch/usage-mon/pkg/types"
)

// Registry is the authoritative peer store.
type Registry struct {
	mu     sync.Mutex
	peers  map[string]*types.Peer
	window time.Duration
	logger *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a registry with the given liveness window. A zero window
// uses types.LivenessWindow.
func New(window time.Duration, logger *slog.Logger) *Registry {
	if window <= 0 {
		window = types.LivenessWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		peers:  make(map[string]*types.Peer),
		window: window,
		logger: logger.With("component", "registry"),
		now:    time.Now,
	}
}

// UpsertDiscovered records a successful verification of the host at ip.
// Re-discovery of a known IP updates the entry in place; the registry never
// holds two entries for one IP.
func (r *Registry) UpsertDiscovered(ip, clientID, department string) *types.Peer {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[ip]
	if !ok {
		p = &types.Peer{IP: ip, FirstSeen: now}
		r.peers[ip] = p
		r.logger.Info("peer discovered", "ip", ip, "client_id", clientID)
	}

	p.ClientID = clientID
	if department != "" {
		p.Department = department
	}
	p.LastSeen = now
	p.Unreachable = false
	p.Manual = false

	return copyPeer(p, now, r.window)
}

// AddManual records a peer the operator added without verification.
// If the IP is already known the existing entry is kept as-is.
func (r *Registry) AddManual(ip, clientID, department string) *types.Peer {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[ip]; ok {
		return copyPeer(p, now, r.window)
	}

	p := &types.Peer{
		IP:          ip,
		ClientID:    clientID,
		Department:  department,
		FirstSeen:   now,
		Manual:      true,
		Unreachable: true, // not yet contacted
	}
	r.peers[ip] = p
	r.logger.Info("peer added manually", "ip", ip)

	return copyPeer(p, now, r.window)
}

// ApplyRefresh records a successful telemetry pull for the peer at ip.
func (r *Registry) ApplyRefresh(ip string, snap *types.Snapshot) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[ip]
	if !ok {
		return false
	}
	p.LatestSnapshot = snap
	p.LastSeen = now
	p.Unreachable = false
	return true
}

// MarkUnreachable records a failed contact attempt for the peer at ip.
// The last known snapshot is retained; stale data still informs reporting.
func (r *Registry) MarkUnreachable(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[ip]
	if !ok {
		return false
	}
	p.Unreachable = true
	return true
}

// Get returns a copy of the peer at ip.
func (r *Registry) Get(ip string) (*types.Peer, bool) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[ip]
	if !ok {
		return nil, false
	}
	return copyPeer(p, now, r.window), true
}

// GetByClientID looks a peer up by its self-reported identity. ClientIDs are
// not unique across IPs (a peer can resurface on a new DHCP lease before the
// old entry goes stale), so the most-recently-seen match wins.
func (r *Registry) GetByClientID(clientID string) (*types.Peer, bool) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var best *types.Peer
	for _, p := range r.peers {
		if p.ClientID != clientID {
			continue
		}
		if best == nil || p.LastSeen.After(best.LastSeen) {
			best = p
		}
	}
	if best == nil {
		return nil, false
	}
	return copyPeer(best, now, r.window), true
}

// Remove deletes the peer at ip. This is the only way a peer leaves the
// registry; peers that stop responding merely go offline.
func (r *Registry) Remove(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[ip]; !ok {
		return false
	}
	delete(r.peers, ip)
	r.logger.Info("peer removed", "ip", ip)
	return true
}

// Snapshot returns copies of all peers with Online computed, sorted by IP
// for stable output.
func (r *Registry) Snapshot() []types.Peer {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *copyPeer(p, now, r.window))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// IPs returns all registered peer addresses.
func (r *Registry) IPs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ips := make([]string, 0, len(r.peers))
	for ip := range r.peers {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// copyPeer returns a copy with Online derived from LastSeen freshness.
// The snapshot pointer is shared; snapshots are replaced wholesale on
// refresh and never mutated in place.
func copyPeer(p *types.Peer, now time.Time, window time.Duration) *types.Peer {
	c := *p
	c.Online = c.OnlineAt(now, window)
	return &c
}
