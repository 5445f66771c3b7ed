// Package engine wires the discovery and aggregation components together.
//
// # Lifecycle
//
//  1. Load configuration
//  2. Build the event bus, registry, prober, puller, scanner, aggregator
//  3. Start the scan and aggregation loops
//  4. Run until shutdown signal
//
// Persistence is injected: the engine runs identically with a full
// Postgres+Redis stack, a bare Postgres sink, or nothing at all.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetwatch/usage-mon/internal/aggregate"
	"github.com/fleetwatch/usage-mon/internal/config"
	"github.com/fleetwatch/usage-mon/internal/events"
	"github.com/fleetwatch/usage-mon/internal/probe"
	"github.com/fleetwatch/usage-mon/internal/puller"
	"github.com/fleetwatch/usage-mon/internal/registry"
	"github.com/fleetwatch/usage-mon/internal/scanner"
	"github.com/fleetwatch/usage-mon/pkg/types"
)

// Engine is the discovery and aggregation core.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	bus        *events.Bus
	registry   *registry.Registry
	prober     *probe.Prober
	puller     *puller.Puller
	scanner    *scanner.Scanner
	aggregator *aggregate.Aggregator
}

// New creates an engine. Sink and snapshots may be nil for in-memory
// operation.
func New(cfg *config.Config, sink aggregate.Sink, snapshots aggregate.SnapshotWriter, logger *slog.Logger) *Engine {
	bus := events.NewBus(logger)
	reg := registry.New(types.LivenessWindow, logger)

	prober := probe.New(probe.Config{
		Port:           cfg.Client.Port,
		APIKey:         cfg.Client.APIKey,
		ConnectTimeout: cfg.Scan.ConnectTimeout,
		RequestTimeout: cfg.Scan.RequestTimeout,
		OnDiscovered: func(e events.PeerDiscovered) {
			reg.UpsertDiscovered(e.IP, e.ClientID, e.Department)
			bus.Publish(e)
		},
		Logger: logger,
	})

	pull := puller.New(puller.Config{
		Port:           cfg.Client.Port,
		APIKey:         cfg.Client.APIKey,
		RequestTimeout: cfg.Scan.RequestTimeout,
		Registry:       reg,
		Bus:            bus,
		Logger:         logger,
	})

	scan := scanner.New(scanner.Config{
		Interval:      cfg.Scan.Interval,
		MaxConcurrent: int64(cfg.Scan.MaxConcurrentProbes),
		Checker:       prober,
		Refresher:     pull,
		Registry:      reg,
		Bus:           bus,
		Logger:        logger,
	})

	agg := aggregate.New(reg, sink, snapshots, bus, aggregate.Config{
		Interval:            cfg.Aggregation.Interval,
		ActivityWindow:      cfg.Aggregation.ActivityWindow,
		OfflineAfter:        cfg.Aggregation.OfflineAfter,
		MemoryAlertPercent:  cfg.Aggregation.MemoryAlertPercent,
		UnusedCostThreshold: cfg.Aggregation.UnusedCostThreshold,
	}, logger)

	return &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "engine"),
		bus:        bus,
		registry:   reg,
		prober:     prober,
		puller:     pull,
		scanner:    scan,
		aggregator: agg,
	}
}

// Run starts the scan and aggregation loops and blocks until the context is
// cancelled or a loop fails.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting",
		"client_id", e.cfg.Client.ID,
		"peer_port", e.cfg.Client.Port,
		"scan_interval", e.cfg.Scan.Interval)

	errCh := make(chan error, 2)

	go func() {
		errCh <- e.scanner.Run(ctx)
	}()

	go func() {
		errCh <- e.aggregator.Run(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals both loops to exit.
func (e *Engine) Stop() {
	e.scanner.Stop()
	e.aggregator.Stop()
}

// Bus exposes the event bus for subscribers (UI layers, tests).
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Peers returns the current peer set with liveness computed.
func (e *Engine) Peers() []types.Peer {
	return e.registry.Snapshot()
}

// Stats returns the most recent aggregation result.
func (e *Engine) Stats() types.AggregatedStatistics {
	return e.aggregator.Latest()
}

// PeerByClientID finds a peer by its reported client ID.
func (e *Engine) PeerByClientID(clientID string) (*types.Peer, bool) {
	return e.registry.GetByClientID(clientID)
}

// AddManualPeer registers a peer by IP without verification, then attempts
// an immediate refresh so a reachable peer comes online without waiting for
// the next scan cycle.
func (e *Engine) AddManualPeer(ctx context.Context, ip, clientID, department string) {
	e.registry.AddManual(ip, clientID, department)

	refreshCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if e.prober.CheckHost(refreshCtx, ip) {
		e.puller.Refresh(refreshCtx, ip)
	}
}

// RemovePeer drops a peer from the registry. Returns false if unknown.
func (e *Engine) RemovePeer(ip string) bool {
	return e.registry.Remove(ip)
}

// ScanNow triggers an immediate scan cycle outside the schedule.
func (e *Engine) ScanNow(ctx context.Context) {
	e.scanner.ScanOnce(ctx)
}
