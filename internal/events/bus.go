// Package events carries gateway notifications to observers over channels.
//
// Publishers never block: every subscriber owns a buffered channel and an
// event that does not fit is dropped and counted. Subscribers pick the kinds
// they care about at subscription time.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind names an event type.
type Kind string

const (
	JobCompleted    Kind = "job-completed"
	CircuitOpened   Kind = "circuit-opened"
	CircuitClosed   Kind = "circuit-closed"
	BudgetAlert     Kind = "budget-alert"
	ModeChanged     Kind = "mode-changed"
	CacheEviction   Kind = "cache-eviction"
	EarlyHint       Kind = "early-hint"
	HealthDegraded  Kind = "health-degraded"
	HealthRecovered Kind = "health-recovered"
)

// Event is one notification. Attrs holds kind-specific fields.
type Event struct {
	Kind      Kind
	Time      time.Time
	RequestID string
	Attrs     map[string]any
}

// Subscription receives events on C until it is closed or the bus shuts down.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	kinds   map[Kind]bool
	bus     *Bus
	dropped atomic.Uint64
	once    sync.Once
}

// Dropped returns how many events this subscriber missed because its buffer
// was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.bus.remove(s)
}

func (s *Subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

func (s *Subscription) closeChan() {
	s.once.Do(func() { close(s.ch) })
}

// Bus fans events out to subscribers. The zero value is not usable; call
// NewBus. A nil *Bus accepts Publish and ignores it.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	now    func() time.Time

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{}), now: time.Now}
}

// Subscribe registers a subscriber with the given buffer size. No kinds
// means all kinds.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closeChan()
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers e to every interested subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for s := range b.subs {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// Emit is shorthand for Publish with attributes.
func (b *Bus) Emit(kind Kind, requestID string, attrs map[string]any) {
	b.Publish(Event{Kind: kind, RequestID: requestID, Attrs: attrs})
}

// Stats reports totals across all subscribers.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

func (b *Bus) Stats() Stats {
	if b == nil {
		return Stats{}
	}
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{Subscribers: n, Published: b.published.Load(), Dropped: b.dropped.Load()}
}

// Close closes every subscription channel. Later publishes are ignored.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.closeChan()
	}
	b.subs = nil
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
	}
	s.closeChan()
}
