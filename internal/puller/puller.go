// Package puller re-contacts known peers to refresh their telemetry.
//
// A successful pull replaces the peer's snapshot and advances its liveness;
// a failed one marks the peer unreachable but keeps the last known snapshot
// so stale data still informs reporting. There is no retry inside a cycle;
// the next scheduled scan retries naturally.
package puller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/fleetwatch/usage-mon/internal/events"
	"github.com/fleetwatch/usage-mon/internal/registry"
	"github.com/fleetwatch/usage-mon/pkg/types"
)

// maxSnapshotBody caps how much telemetry one peer may send.
const maxSnapshotBody = 4 * 1024 * 1024

// Puller refreshes registry entries.
type Puller struct {
	port       int
	apiKey     string
	registry   *registry.Registry
	bus        *events.Bus
	httpClient *http.Client
	logger     *slog.Logger
}

// Config for the puller.
type Config struct {
	Port           int
	APIKey         string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Registry       *registry.Registry
	Bus            *events.Bus
	Logger         *slog.Logger
}

// New creates a puller.
func New(cfg Config) *Puller {
	if cfg.Port <= 0 {
		cfg.Port = types.DefaultPeerPort
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Puller{
		port:       cfg.Port,
		apiKey:     cfg.APIKey,
		registry:   cfg.Registry,
		bus:        cfg.Bus,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger.With("component", "puller"),
	}
}

// Refresh pulls the latest telemetry for the peer at ip and applies the
// outcome to the registry. Per-peer failures never propagate; they only
// flip the peer offline.
func (p *Puller) Refresh(ctx context.Context, ip string) {
	snap, err := p.fetchLatest(ctx, ip)
	if err != nil {
		p.logger.Debug("refresh failed", "ip", ip, "error", err)
		p.registry.MarkUnreachable(ip)
		p.publishUpdate(ip, false)
		return
	}

	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}

	if !p.registry.ApplyRefresh(ip, snap) {
		// Peer was removed while the pull was in flight.
		return
	}
	p.publishUpdate(ip, true)
}

func (p *Puller) publishUpdate(ip string, online bool) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.PeerUpdated{IP: ip, Online: online, At: time.Now()})
}

// fetchLatest retrieves and normalizes a peer's /latest payload.
func (p *Puller) fetchLatest(ctx context.Context, ip string) (*types.Snapshot, error) {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", p.port))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/latest", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-API-Key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting latest snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBody))
	if err != nil {
		return nil, fmt.Errorf("reading snapshot body: %w", err)
	}

	snap, err := types.NormalizeSnapshot(body)
	if err != nil {
		return nil, err
	}
	return snap, nil
}
