package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetwatch/usage-mon/internal/events"
	"github.com/fleetwatch/usage-mon/pkg/types"
)

// alertPass checks every peer for alert conditions and inserts any that are
// not already open. The sink enforces one unresolved alert per
// (peer, type, subject), so running this pass twice on an unchanged peer
// set inserts nothing the second time.
func (a *Aggregator) alertPass(ctx context.Context, peers []types.Peer, now time.Time) int {
	if a.sink == nil {
		return 0
	}

	raised := 0
	for _, p := range peers {
		raised += a.checkOffline(ctx, &p, now)
		raised += a.checkHighMemory(ctx, &p)
		raised += a.checkUnusedSoftware(ctx, &p, now)
	}
	return raised
}

// checkOffline raises an alert when a peer has been out of contact longer
// than the offline threshold. Peers that were never contacted (manual adds
// pending their first probe) are skipped.
func (a *Aggregator) checkOffline(ctx context.Context, p *types.Peer, now time.Time) int {
	if p.Online || p.LastSeen.IsZero() {
		return 0
	}
	down := now.Sub(p.LastSeen)
	if down <= a.cfg.OfflineAfter {
		return 0
	}

	msg := fmt.Sprintf("Peer %s (%s) has been offline for %s.",
		p.AlertKey(), p.IP, down.Round(time.Minute))
	return a.raise(ctx, p, types.AlertTypeOffline, "", msg)
}

// checkHighMemory raises an alert when the peer's last snapshot reports
// memory usage above the threshold.
func (a *Aggregator) checkHighMemory(ctx context.Context, p *types.Peer) int {
	if p.LatestSnapshot == nil {
		return 0
	}
	used := p.LatestSnapshot.System.MemoryUsedPercent
	if used <= a.cfg.MemoryAlertPercent {
		return 0
	}

	msg := fmt.Sprintf("Peer %s reports %.1f%% memory usage.", p.AlertKey(), used)
	return a.raise(ctx, p, types.AlertTypeHighMemory, "", msg)
}

// checkUnusedSoftware raises one alert per application or plugin whose
// monthly cost exceeds the threshold and which has sat unused beyond the
// activity window.
func (a *Aggregator) checkUnusedSoftware(ctx context.Context, p *types.Peer, now time.Time) int {
	if p.LatestSnapshot == nil {
		return 0
	}
	cutoff := now.Add(-a.cfg.ActivityWindow)
	raised := 0

	for name, app := range p.LatestSnapshot.Applications {
		if app.MonthlyCost >= a.cfg.UnusedCostThreshold && !app.LastUsed.After(cutoff) {
			msg := fmt.Sprintf("%s ($%.2f/month) unused since %s on peer %s.",
				name, app.MonthlyCost, lastUsedLabel(app.LastUsed), p.AlertKey())
			raised += a.raise(ctx, p, types.AlertTypeUnusedSoftware, name, msg)
		}
	}
	for vendor, products := range p.LatestSnapshot.Plugins {
		for product, plugin := range products {
			if plugin.MonthlyCost >= a.cfg.UnusedCostThreshold && !plugin.LastUsed.After(cutoff) {
				msg := fmt.Sprintf("%s/%s ($%.2f/month) unused since %s on peer %s.",
					vendor, product, plugin.MonthlyCost, lastUsedLabel(plugin.LastUsed), p.AlertKey())
				raised += a.raise(ctx, p, types.AlertTypeUnusedSoftware, vendor+"/"+product, msg)
			}
		}
	}
	return raised
}

// raise inserts the alert unless an unresolved one of the same
// (peer, type, subject) already exists. Per-peer sink failures are logged
// and do not abort the pass.
func (a *Aggregator) raise(ctx context.Context, p *types.Peer, alertType types.AlertType, subject, msg string) int {
	inserted, err := a.sink.InsertAlertIfAbsent(ctx, p.AlertKey(), alertType, subject, msg)
	if err != nil {
		a.logger.Error("failed to insert alert",
			"peer", p.AlertKey(),
			"type", alertType,
			"error", err)
		return 0
	}
	if !inserted {
		return 0
	}

	a.logger.Info("alert raised", "peer", p.AlertKey(), "type", alertType)
	if a.bus != nil {
		a.bus.Publish(events.AlertRaised{
			PeerID:  p.AlertKey(),
			Type:    alertType,
			Message: msg,
			At:      time.Now(),
		})
	}
	return 1
}

func lastUsedLabel(t time.Time) string {
	if t.IsZero() {
		return "first install"
	}
	return t.Format("2006-01-02")
}
