// Package probe determines whether a host is running a peer instance.
//
// A probe is a cheap TCP connect to the peer port followed by an HTTP GET
// of /status. Anything that is not a parseable peer response (refused
// connection, timeout, non-JSON body, missing clientId) means "not a
// peer", returned as false without error. Probing hundreds of dead
// addresses per cycle must stay silent.
//
// The prober never mutates the registry; on acceptance it reports the peer
// through a callback so it stays side-effect-free and testable on its own.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/fleetwatch/usage-mon/internal/events"
	"github.com/fleetwatch/usage-mon/pkg/types"
)

const (
	// DefaultConnectTimeout bounds the raw TCP connect.
	DefaultConnectTimeout = 2 * time.Second

	// DefaultRequestTimeout bounds the verification HTTP request.
	DefaultRequestTimeout = 5 * time.Second

	// maxStatusBody caps how much of a /status response is read. A real
	// peer's status is tiny; anything larger is not a peer.
	maxStatusBody = 64 * 1024
)

// DiscoveredFunc receives verified peers.
type DiscoveredFunc func(events.PeerDiscovered)

// Prober verifies peer candidates.
type Prober struct {
	port           int
	apiKey         string
	connectTimeout time.Duration
	httpClient     *http.Client
	onDiscovered   DiscoveredFunc
	logger         *slog.Logger
}

// Config for the prober.
type Config struct {
	Port           int            // peer port, default types.DefaultPeerPort
	APIKey         string         // discovery key sent as X-API-Key
	ConnectTimeout time.Duration  // TCP connect timeout
	RequestTimeout time.Duration  // HTTP request timeout
	HTTPClient     *http.Client   // optional, overrides RequestTimeout
	OnDiscovered   DiscoveredFunc // called for each verified peer
	Logger         *slog.Logger
}

// New creates a prober.
func New(cfg Config) *Prober {
	if cfg.Port <= 0 {
		cfg.Port = types.DefaultPeerPort
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Prober{
		port:           cfg.Port,
		apiKey:         cfg.APIKey,
		connectTimeout: cfg.ConnectTimeout,
		httpClient:     cfg.HTTPClient,
		onDiscovered:   cfg.OnDiscovered,
		logger:         cfg.Logger.With("component", "prober"),
	}
}

// CheckHost reports whether the host at ip answers as a peer. All failure
// modes return false; no error escapes this boundary.
func (p *Prober) CheckHost(ctx context.Context, ip string) bool {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", p.port))

	// Raw connect first: it fails fast on dead hosts and avoids paying
	// the HTTP timeout for every address in a sweep.
	dialer := net.Dialer{Timeout: p.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()

	status, ok := p.fetchStatus(ctx, addr)
	if !ok {
		return false
	}

	p.logger.Debug("peer verified", "ip", ip, "client_id", status.ClientID)

	if p.onDiscovered != nil {
		p.onDiscovered(events.PeerDiscovered{
			IP:         ip,
			ClientID:   status.ClientID,
			Department: status.Department,
			At:         time.Now(),
		})
	}
	return true
}

// fetchStatus performs the HTTP half of verification. A host is a peer only
// if /status returns 2xx JSON containing a clientId.
func (p *Prober) fetchStatus(ctx context.Context, addr string) (*types.StatusResponse, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return nil, false
	}
	req.Header.Set("X-API-Key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
	if err != nil {
		return nil, false
	}

	var status types.StatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, false
	}
	if status.ClientID == "" {
		return nil, false
	}

	return &status, true
}
