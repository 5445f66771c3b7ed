// Package events carries typed engine events between the discovery side
// (scanner, puller) and its consumers (aggregation, API layers). Producers
// and consumers never call each other directly; everything goes through
// the bus.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fleetwatch/usage-mon/pkg/types"
)

// Event is implemented by every event type published on the bus.
type Event interface {
	EventName() string
}

// PeerDiscovered is emitted by the prober when a host verifies as a peer.
type PeerDiscovered struct {
	IP         string
	ClientID   string
	Department string
	At         time.Time
}

func (PeerDiscovered) EventName() string { return "peer-discovered" }

// PeerUpdated is emitted by the puller after a refresh attempt.
type PeerUpdated struct {
	IP     string
	Online bool
	At     time.Time
}

func (PeerUpdated) EventName() string { return "peer-updated" }

// ScanStarted marks the beginning of a discovery cycle.
type ScanStarted struct {
	At time.Time
}

func (ScanStarted) EventName() string { return "scan-started" }

// ScanCompleted marks the end of a discovery cycle.
type ScanCompleted struct {
	PeerCount int
	Duration  time.Duration
	At        time.Time
}

func (ScanCompleted) EventName() string { return "scan-completed" }

// ScanError reports a cycle-level infrastructure failure. Per-peer probe
// failures are expected and never surface here.
type ScanError struct {
	Err error
	At  time.Time
}

func (ScanError) EventName() string { return "scan-error" }

// AlertRaised is emitted when aggregation inserts a new alert.
type AlertRaised struct {
	PeerID  string
	Type    types.AlertType
	Message string
	At      time.Time
}

func (AlertRaised) EventName() string { return "alert-raised" }

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose channel is full misses the event, which is acceptable because every
// consumer re-reads authoritative state (the registry) on its own schedule.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger.With("component", "event_bus"),
	}
}

// Subscribe registers a new subscriber with the given channel buffer.
// The returned cancel function removes the subscription and closes the
// channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}

	return ch, cancel
}

// Publish delivers the event to all subscribers without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Debug("subscriber channel full, dropping event", "event", e.EventName())
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
