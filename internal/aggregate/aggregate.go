// Package aggregate turns the current peer set into fleet-wide usage
// statistics, cost rollups, and alerts.
//
// Statistics are a pure function of the registry snapshot and are
// recomputed on every pass; nothing here is authoritative state. The alert
// pass is idempotent: re-running aggregation on an unchanged peer set never
// creates duplicate open alerts.
package aggregate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetwatch/usage-mon/internal/events"
	"github.com/fleetwatch/usage-mon/pkg/types"
)

const (
	// DefaultInterval between aggregation passes.
	DefaultInterval = 5 * time.Minute

	// DefaultActivityWindow is how recently software must have been used
	// to count its cost as active rather than potential savings.
	DefaultActivityWindow = 30 * 24 * time.Hour

	// DefaultOfflineAfter is how long a peer must be out of contact
	// before an offline alert fires.
	DefaultOfflineAfter = 30 * time.Minute

	// DefaultMemoryAlertPercent is the reported-memory alert threshold.
	DefaultMemoryAlertPercent = 90

	// DefaultUnusedCostThreshold is the monthly cost above which idle
	// software raises an unused_software alert.
	DefaultUnusedCostThreshold = 100

	// UnknownDepartment groups peers that report no department.
	UnknownDepartment = "Unknown"
)

// PeerSource provides the current peer set. Satisfied by the registry.
type PeerSource interface {
	Snapshot() []types.Peer
}

// Sink is the slice of the aggregation store this package writes to.
type Sink interface {
	// InsertAlertIfAbsent inserts an alert unless an unresolved alert of
	// the same (peer, type, subject) already exists. Subject discriminates
	// alerts of one type that may legitimately coexist (one per unused
	// software item); it is empty for offline and high_memory alerts.
	// Returns whether a row was inserted.
	InsertAlertIfAbsent(ctx context.Context, peerID string, alertType types.AlertType, subject, message string) (bool, error)

	// UpsertMonthlyCostRollup writes the (month, department) cost row.
	UpsertMonthlyCostRollup(ctx context.Context, month, department string, totals types.CostTotals) error
}

// SnapshotWriter receives append-only historical snapshots. Satisfied by
// both the Postgres sink and the Redis write-ahead buffer.
type SnapshotWriter interface {
	AppendHistoricalSnapshot(ctx context.Context, snap types.HistoricalSnapshot) error
}

// Config for the aggregator.
type Config struct {
	Interval            time.Duration
	ActivityWindow      time.Duration
	OfflineAfter        time.Duration
	MemoryAlertPercent  float64
	UnusedCostThreshold float64
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ActivityWindow <= 0 {
		c.ActivityWindow = DefaultActivityWindow
	}
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = DefaultOfflineAfter
	}
	if c.MemoryAlertPercent <= 0 {
		c.MemoryAlertPercent = DefaultMemoryAlertPercent
	}
	if c.UnusedCostThreshold <= 0 {
		c.UnusedCostThreshold = DefaultUnusedCostThreshold
	}
}

// Aggregator computes statistics and drives the periodic aggregation pass.
type Aggregator struct {
	peers     PeerSource
	sink      Sink
	snapshots SnapshotWriter
	bus       *events.Bus
	cfg       Config
	logger    *slog.Logger

	mu       sync.Mutex
	latest   types.AggregatedStatistics
	lastScan time.Time

	stopOnce sync.Once
	stopCh   chan struct{}

	// now is replaceable in tests.
	now func() time.Time
}

// New creates an aggregator. Sink and SnapshotWriter may be nil, in which
// case statistics are still computed but nothing is persisted.
func New(peers PeerSource, sink Sink, snapshots SnapshotWriter, bus *events.Bus, cfg Config, logger *slog.Logger) *Aggregator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		peers:     peers,
		sink:      sink,
		snapshots: snapshots,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With("component", "aggregator"),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Run drives periodic aggregation passes and tracks scan completions from
// the event bus. Blocks until the context is cancelled or Stop is called.
func (a *Aggregator) Run(ctx context.Context) error {
	a.logger.Info("aggregator started", "interval", a.cfg.Interval)

	var evCh <-chan events.Event
	if a.bus != nil {
		ch, cancel := a.bus.Subscribe(32)
		defer cancel()
		evCh = ch
	}

	a.RunOnce(ctx)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("aggregator stopping (context cancelled)")
			return ctx.Err()
		case <-a.stopCh:
			a.logger.Info("aggregator stopping (stop signal)")
			return nil
		case e := <-evCh:
			if sc, ok := e.(events.ScanCompleted); ok {
				a.mu.Lock()
				a.lastScan = sc.At
				a.mu.Unlock()
			}
		case <-ticker.C:
			a.RunOnce(ctx)
		}
	}
}

// Stop signals the run loop to exit.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// Latest returns the most recently computed statistics.
func (a *Aggregator) Latest() types.AggregatedStatistics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest
}

// RunOnce executes a single aggregation pass: recompute statistics, raise
// alerts, and flush rollups to the sink.
func (a *Aggregator) RunOnce(ctx context.Context) {
	start := a.now()
	peers := a.peers.Snapshot()

	stats := a.Compute(peers, start)

	a.mu.Lock()
	a.latest = stats
	a.mu.Unlock()

	raised := a.alertPass(ctx, peers, start)
	a.persist(ctx, peers, stats, start)

	a.logger.Debug("aggregation pass complete",
		"peers", stats.TotalPeers,
		"online", stats.OnlinePeers,
		"monthly_cost", stats.TotalMonthlyCost,
		"alerts_raised", raised,
		"duration", time.Since(start))
}

// Compute derives fleet statistics from a peer snapshot. Pure: no I/O, no
// stored state consulted beyond the last scan timestamp.
func (a *Aggregator) Compute(peers []types.Peer, now time.Time) types.AggregatedStatistics {
	stats := types.AggregatedStatistics{
		Departments: make(map[string]types.DepartmentRollup),
	}

	a.mu.Lock()
	stats.LastScan = a.lastScan
	a.mu.Unlock()

	fleetApps := make(map[string]struct{})
	fleetPlugins := make(map[string]struct{})
	deptApps := make(map[string]map[string]struct{})
	deptPlugins := make(map[string]map[string]struct{})

	for _, p := range peers {
		stats.TotalPeers++
		if p.Online {
			stats.OnlinePeers++
		}

		dept := p.Department
		if dept == "" {
			dept = UnknownDepartment
		}
		rollup := stats.Departments[dept]
		rollup.Peers++
		if p.Online {
			rollup.Online++
		}
		if deptApps[dept] == nil {
			deptApps[dept] = make(map[string]struct{})
			deptPlugins[dept] = make(map[string]struct{})
		}

		if p.LatestSnapshot != nil {
			cost, savings := a.peerCost(p.LatestSnapshot, now)
			stats.TotalMonthlyCost += cost
			stats.PotentialSavings += savings
			rollup.MonthlyCost += cost
			rollup.PotentialSavings += savings

			for name := range p.LatestSnapshot.Applications {
				fleetApps[name] = struct{}{}
				deptApps[dept][name] = struct{}{}
			}
			for vendor, products := range p.LatestSnapshot.Plugins {
				for product := range products {
					key := vendor + "/" + product
					fleetPlugins[key] = struct{}{}
					deptPlugins[dept][key] = struct{}{}
				}
			}
		}

		stats.Departments[dept] = rollup
	}

	for dept, rollup := range stats.Departments {
		rollup.Applications = types.SortedNames(deptApps[dept])
		rollup.Plugins = types.SortedNames(deptPlugins[dept])
		stats.Departments[dept] = rollup
	}

	stats.UniqueApplications = len(fleetApps)
	stats.UniquePlugins = len(fleetPlugins)

	return stats
}

// peerCost splits a peer's software spend into active cost and potential
// savings. Software used inside the activity window counts as active;
// anything idle longer (or never used) is savings.
func (a *Aggregator) peerCost(snap *types.Snapshot, now time.Time) (cost, savings float64) {
	cutoff := now.Add(-a.cfg.ActivityWindow)

	for _, app := range snap.Applications {
		if app.LastUsed.After(cutoff) {
			cost += app.MonthlyCost
		} else {
			savings += app.MonthlyCost
		}
	}
	for _, products := range snap.Plugins {
		for _, plugin := range products {
			if plugin.LastUsed.After(cutoff) {
				cost += plugin.MonthlyCost
			} else {
				savings += plugin.MonthlyCost
			}
		}
	}
	return cost, savings
}

// persist flushes historical snapshots and per-department cost rollups.
// Failures are logged and skipped; a slow sink must not stall aggregation.
func (a *Aggregator) persist(ctx context.Context, peers []types.Peer, stats types.AggregatedStatistics, now time.Time) {
	if a.snapshots != nil {
		for _, p := range peers {
			if p.LatestSnapshot == nil {
				continue
			}
			dept := p.Department
			if dept == "" {
				dept = UnknownDepartment
			}
			hs := types.HistoricalSnapshot{
				PeerID:     p.AlertKey(),
				Department: dept,
				Snapshot:   p.LatestSnapshot,
				CapturedAt: now,
			}
			if err := a.snapshots.AppendHistoricalSnapshot(ctx, hs); err != nil {
				a.logger.Error("failed to append historical snapshot", "peer", hs.PeerID, "error", err)
			}
		}
	}

	if a.sink != nil {
		month := now.Format("2006-01")
		for dept, rollup := range stats.Departments {
			totals := types.CostTotals{
				ActiveCost:       rollup.MonthlyCost,
				PotentialSavings: rollup.PotentialSavings,
				PeerCount:        rollup.Peers,
			}
			if err := a.sink.UpsertMonthlyCostRollup(ctx, month, dept, totals); err != nil {
				a.logger.Error("failed to upsert cost rollup", "month", month, "department", dept, "error", err)
			}
		}
	}
}
