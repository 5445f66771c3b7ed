// Package telemetry builds this host's own usage snapshot, served to other
// peers over the discovery protocol.
package telemetry

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/fleetwatch/usage-mon/pkg/types"
)

// systemInfoTTL bounds how often gopsutil is consulted. Peers refresh every
// scan cycle; host facts do not change faster than this.
const systemInfoTTL = 30 * time.Second

// Collector assembles the local snapshot from recorded software usage plus
// live host telemetry.
type Collector struct {
	mu      sync.RWMutex
	apps    map[string]types.AppUsage
	plugins map[string]map[string]types.PluginUsage

	sysMu     sync.Mutex
	cachedSys types.SystemInfo
	sysExpiry time.Time
}

// NewCollector creates an empty collector. Usage is recorded by the host
// application as software runs.
func NewCollector() *Collector {
	return &Collector{
		apps:    make(map[string]types.AppUsage),
		plugins: make(map[string]map[string]types.PluginUsage),
	}
}

// RecordAppUsage stores the current usage figures for an application,
// replacing any previous entry.
func (c *Collector) RecordAppUsage(name string, usage types.AppUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apps[name] = usage
}

// RecordPluginUsage stores the current usage figures for a plugin.
func (c *Collector) RecordPluginUsage(vendor, product string, usage types.PluginUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plugins[vendor] == nil {
		c.plugins[vendor] = make(map[string]types.PluginUsage)
	}
	c.plugins[vendor][product] = usage
}

// Snapshot builds the canonical snapshot of this host: recorded usage plus
// live system telemetry.
func (c *Collector) Snapshot(ctx context.Context) *types.Snapshot {
	snap := &types.Snapshot{
		Applications: make(map[string]types.AppUsage),
		Plugins:      make(map[string]map[string]types.PluginUsage),
		System:       c.systemInfo(ctx),
		Timestamp:    time.Now(),
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, u := range c.apps {
		snap.Applications[name] = u
	}
	for vendor, products := range c.plugins {
		out := make(map[string]types.PluginUsage, len(products))
		for product, u := range products {
			out[product] = u
		}
		snap.Plugins[vendor] = out
	}

	return snap
}

// systemInfo returns host telemetry, cached briefly. gopsutil failures
// degrade to whatever the Go runtime knows; a peer with no memory figures
// is better than no peer at all.
func (c *Collector) systemInfo(ctx context.Context) types.SystemInfo {
	c.sysMu.Lock()
	defer c.sysMu.Unlock()

	if time.Now().Before(c.sysExpiry) {
		return c.cachedSys
	}

	info := types.SystemInfo{
		Platform: runtime.GOOS,
	}

	if hi, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = hi.Hostname
		info.OS = hi.Platform + " " + hi.PlatformVersion
		info.UptimeSeconds = hi.Uptime
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryUsedPercent = vm.UsedPercent
	}

	c.cachedSys = info
	c.sysExpiry = time.Now().Add(systemInfoTTL)
	return info
}
