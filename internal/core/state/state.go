// Package state holds the last known good snapshot and fans coordinator
// events out to consumers. Consumers read through accessors; there is no
// shared mutable snapshot.
package state

import (
	"log/slog"
	"sync"
	"time"

	"github.com/akulagin/lsrd/internal/core/model"
	"github.com/akulagin/lsrd/internal/core/reconcile"
)

// EventType identifies event categories.
type EventType string

const (
	// EventSnapshot carries a full new snapshot after a successful refresh.
	EventSnapshot EventType = "snapshot"
	// EventEntityDiff carries the diff events of one refresh cycle.
	EventEntityDiff EventType = "entity_diff"
	// EventAvailability signals the available/stale transition.
	EventAvailability EventType = "availability"
	// EventRefreshFailed reports one failed refresh cycle.
	EventRefreshFailed EventType = "refresh_failed"
)

// Event represents a coordinator-published state change.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	// Snapshot is set for EventSnapshot.
	Snapshot *model.Snapshot `json:"snapshot,omitempty"`
	// Diff is set for EventEntityDiff.
	Diff []reconcile.Event `json:"diff,omitempty"`
	// Available is set for EventAvailability.
	Available bool `json:"available,omitempty"`
	// Error is set for EventRefreshFailed.
	Error string `json:"error,omitempty"`
}

// Status describes the refresh pipeline health for consumers.
type Status struct {
	Available           bool      `json:"available"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastRefresh         time.Time `json:"last_refresh,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// SnapshotReader provides read-only access to the current state.
type SnapshotReader interface {
	Snapshot() (model.Snapshot, bool)
	Status() Status
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		// drain anything buffered so late senders never see a stuck reader
		for {
			select {
			case <-ch:
			default:
				return
			}
		}
	}
	return ch, unsub
}

// --- Store ---

// Store holds the last known good snapshot with thread-safe access. A failed
// refresh never clears it: stale-but-present data always beats no data.
type Store struct {
	mu        sync.RWMutex
	snapshot  *model.Snapshot
	available bool
	failures  int
	lastErr   string
	bus       *EventBus
	log       *slog.Logger
}

// NewStore creates a new store wired to the event bus.
func NewStore(bus *EventBus, log *slog.Logger) *Store {
	return &Store{bus: bus, available: true, log: log}
}

// Snapshot returns a copy of the last known good snapshot, and whether one
// exists yet.
func (s *Store) Snapshot() (model.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return model.Snapshot{}, false
	}
	return copySnapshot(s.snapshot), true
}

// Status returns the current pipeline health.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Available:           s.available,
		ConsecutiveFailures: s.failures,
		LastError:           s.lastErr,
	}
	if s.snapshot != nil {
		st.LastRefresh = s.snapshot.FetchedAt
	}
	return st
}

// SetSnapshot publishes a new snapshot and its diff after a successful
// refresh and resets the failure counter.
func (s *Store) SetSnapshot(snap *model.Snapshot, diff []reconcile.Event) {
	s.mu.Lock()
	s.snapshot = snap
	s.failures = 0
	s.lastErr = ""
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventSnapshot, Snapshot: snap})
	if len(diff) > 0 {
		s.bus.Publish(Event{Type: EventEntityDiff, Diff: diff})
	}
}

// RecordFailure increments the consecutive-failure counter and returns the
// new count. The snapshot is left untouched.
func (s *Store) RecordFailure(err error) int {
	s.mu.Lock()
	s.failures++
	s.lastErr = err.Error()
	n := s.failures
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventRefreshFailed, Error: err.Error()})
	return n
}

// SetAvailable updates the availability flag, publishing only on
// transitions so the degraded signal fires exactly once.
func (s *Store) SetAvailable(available bool) {
	s.mu.Lock()
	changed := s.available != available
	s.available = available
	s.mu.Unlock()

	if changed {
		s.bus.Publish(Event{Type: EventAvailability, Available: available})
	}
}

func copySnapshot(s *model.Snapshot) model.Snapshot {
	cp := model.Snapshot{
		Accounts:  make([]model.Account, len(s.Accounts)),
		FetchedAt: s.FetchedAt,
	}
	copy(cp.Accounts, s.Accounts)
	for i := range cp.Accounts {
		a := &cp.Accounts[i]
		a.Meters = append([]model.Meter(nil), a.Meters...)
		a.Cameras = append([]model.Camera(nil), a.Cameras...)
	}
	return cp
}
