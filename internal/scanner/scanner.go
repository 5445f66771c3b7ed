// Package scanner orchestrates periodic LAN discovery.
//
// # Scan Cycle
//
// Each cycle, for every non-loopback IPv4 interface:
//
//  1. Compute the interface's subnet.
//  2. ARP phase: read the OS ARP table and probe every entry inside the
//     subnet.
//  3. Subnet phase: only if ARP produced zero candidates for the interface,
//     brute-force the /24 host range (.1–.254).
//
// After all interfaces are scanned, every registry entry is refreshed, not
// just newly discovered ones.
//
// # Concurrency
//
// All probe and refresh fan-out shares one weighted semaphore so a sweep
// never holds more than MaxConcurrent outbound attempts at once, and the
// brute-force path is additionally paced by a rate limiter. Unbounded
// socket creation across 254 hosts is exactly the failure mode this guards
// against.
//
// # Failure Isolation
//
// Individual probe failures are silent. Cycle-level failures (interface
// enumeration, ARP command missing, a panic mid-cycle) emit scan-error and
// return control to the timer; one broken cycle never kills the schedule.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/fleetwatch/usage-mon/internal/arp"
	"github.com/fleetwatch/usage-mon/internal/events"
	"github.com/fleetwatch/usage-mon/internal/netcalc"
	"github.com/fleetwatch/usage-mon/internal/registry"
)

const (
	// DefaultInterval between scan cycles.
	DefaultInterval = 5 * time.Minute

	// DefaultMaxConcurrent bounds simultaneous outbound probe attempts.
	DefaultMaxConcurrent = 50

	// defaultSweepRate paces brute-force probing (probes per second).
	defaultSweepRate = 100
)

// HostChecker verifies a single candidate address.
type HostChecker interface {
	CheckHost(ctx context.Context, ip string) bool
}

// Refresher re-pulls telemetry for a known peer.
type Refresher interface {
	Refresh(ctx context.Context, ip string)
}

// Interface is a local network interface eligible for scanning.
type Interface struct {
	Name    string
	Address string
	Netmask string
}

// Scanner drives periodic discovery.
type Scanner struct {
	interval time.Duration
	checker  HostChecker
	refresh  Refresher
	arp      arp.TableReader
	registry *registry.Registry
	bus      *events.Bus
	logger   *slog.Logger

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	// listInterfaces is replaceable in tests.
	listInterfaces func() ([]Interface, error)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Config for the scanner.
type Config struct {
	Interval      time.Duration
	MaxConcurrent int64
	SweepRate     rate.Limit // probes/sec during brute force, 0 = default
	Checker       HostChecker
	Refresher     Refresher
	ARP           arp.TableReader
	Registry      *registry.Registry
	Bus           *events.Bus
	Logger        *slog.Logger
}

// New creates a scanner.
func New(cfg Config) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.SweepRate <= 0 {
		cfg.SweepRate = defaultSweepRate
	}
	if cfg.ARP == nil {
		cfg.ARP = arp.NewTableReader()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scanner{
		interval:       cfg.Interval,
		checker:        cfg.Checker,
		refresh:        cfg.Refresher,
		arp:            cfg.ARP,
		registry:       cfg.Registry,
		bus:            cfg.Bus,
		logger:         cfg.Logger.With("component", "scanner"),
		sem:            semaphore.NewWeighted(cfg.MaxConcurrent),
		limiter:        rate.NewLimiter(cfg.SweepRate, int(cfg.MaxConcurrent)),
		listInterfaces: localInterfaces,
		stopCh:         make(chan struct{}),
	}
}

// Run starts the scan loop and blocks until the context is cancelled or
// Stop is called. The first cycle runs immediately.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info("scanner started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.ScanOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scanner stopping (context cancelled)")
			return ctx.Err()
		case <-s.stopCh:
			s.logger.Info("scanner stopping (stop signal)")
			return nil
		case <-ticker.C:
			s.ScanOnce(ctx)
		}
	}
}

// Stop halts the periodic timer. In-flight probes complete or time out
// naturally; no new cycle starts afterwards.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// ScanOnce executes a single discovery cycle. A panic or infrastructure
// failure inside the cycle becomes a scan-error event, never a crash.
func (s *Scanner) ScanOnce(ctx context.Context) {
	start := time.Now()
	s.publish(events.ScanStarted{At: start})

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scan cycle panicked", "panic", r)
			s.publish(events.ScanError{Err: fmt.Errorf("scan cycle panic: %v", r), At: time.Now()})
		}
	}()

	ifaces, err := s.listInterfaces()
	if err != nil {
		s.logger.Error("interface enumeration failed", "error", err)
		s.publish(events.ScanError{Err: err, At: time.Now()})
		return
	}

	arpIPs, err := s.arp.Entries(ctx)
	if err != nil {
		// The cycle continues: the subnet sweep still works without an
		// ARP table, but observers should know discovery is degraded.
		s.logger.Warn("arp table read failed", "error", err)
		s.publish(events.ScanError{Err: err, At: time.Now()})
		arpIPs = nil
	}

	for _, iface := range ifaces {
		if err := s.scanInterface(ctx, iface, arpIPs); err != nil {
			s.logger.Warn("interface scan skipped", "interface", iface.Name, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}

	s.refreshAll(ctx)

	done := events.ScanCompleted{
		PeerCount: s.registry.Len(),
		Duration:  time.Since(start),
		At:        time.Now(),
	}
	s.publish(done)
	s.logger.Info("scan cycle complete",
		"peers", done.PeerCount,
		"interfaces", len(ifaces),
		"duration", done.Duration)
}

// scanInterface runs the ARP phase and, when it yields nothing, the
// brute-force subnet phase for one interface.
func (s *Scanner) scanInterface(ctx context.Context, iface Interface, arpIPs []string) error {
	subnet, err := netcalc.Calculate(iface.Address, iface.Netmask)
	if err != nil {
		return fmt.Errorf("computing subnet for %s: %w", iface.Name, err)
	}

	var candidates []string
	for _, ip := range arpIPs {
		if ip == iface.Address || !subnet.Contains(ip) {
			continue
		}
		candidates = append(candidates, ip)
	}

	if len(candidates) > 0 {
		s.logger.Debug("arp phase",
			"interface", iface.Name,
			"subnet", subnet.CIDR(),
			"candidates", len(candidates))
		s.probeAll(ctx, candidates, false)
		return nil
	}

	// Fallback: nothing in the ARP table for this subnet, sweep the /24.
	s.logger.Debug("subnet sweep", "interface", iface.Name, "subnet", subnet.CIDR())

	var hosts []string
	for _, h := range subnet.Hosts() {
		if h == iface.Address {
			continue
		}
		hosts = append(hosts, h)
	}
	s.probeAll(ctx, hosts, true)
	return nil
}

// probeAll fans candidate probes out under the shared concurrency bound.
// Brute-force sweeps are additionally rate limited.
func (s *Scanner) probeAll(ctx context.Context, ips []string, paced bool) {
	var wg sync.WaitGroup
	for _, ip := range ips {
		if paced {
			if err := s.limiter.Wait(ctx); err != nil {
				break
			}
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(ip string) {
			defer wg.Done()
			defer s.sem.Release(1)
			s.checker.CheckHost(ctx, ip)
		}(ip)
	}
	wg.Wait()
}

// refreshAll re-pulls telemetry for every known peer, newly discovered or
// not. Failures are isolated per peer inside the Refresher.
func (s *Scanner) refreshAll(ctx context.Context) {
	ips := s.registry.IPs()
	if len(ips) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, ip := range ips {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(ip string) {
			defer wg.Done()
			defer s.sem.Release(1)
			s.refresh.Refresh(ctx, ip)
		}(ip)
	}
	wg.Wait()
}

func (s *Scanner) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

// localInterfaces enumerates non-loopback IPv4 interfaces that are up.
func localInterfaces() ([]Interface, error) {
	netIfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}

	var out []Interface
	for _, ni := range netIfaces {
		if ni.Flags&net.FlagUp == 0 || ni.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ni.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			mask := net.IP(ipnet.Mask).String()
			out = append(out, Interface{
				Name:    ni.Name,
				Address: ip4.String(),
				Netmask: mask,
			})
		}
	}
	return out, nil
}
