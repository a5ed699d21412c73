package pool

import (
	"sync"
	"time"
)

// State is the operational state of an instance's circuit breaker.
//
//	StateClosed   normal operation; all requests pass through.
//	StateOpen     instance is failing; requests are rejected immediately.
//	StateHalfOpen recovery probe; one request at a time tests the instance.
type State int

const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const (
	DefaultBreakerThreshold = 5
	DefaultBreakerTimeout   = 60 * time.Second
)

// BreakerConfig holds circuit breaker tuning parameters. Zero values fall
// back to the package defaults.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that trips the breaker.
	Threshold int

	// Timeout is how long after the last failure an open breaker waits
	// before letting a probe through.
	Timeout time.Duration
}

func (c BreakerConfig) threshold() int {
	if c.Threshold > 0 {
		return c.Threshold
	}
	return DefaultBreakerThreshold
}

func (c BreakerConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultBreakerTimeout
}

// BreakerSnapshot is a point-in-time copy of breaker state.
type BreakerSnapshot struct {
	State             State
	Failures          int
	LastFailure       time.Time
	HalfOpenSuccesses int
}

// Breaker is the circuit breaker for a single instance. It is safe for
// concurrent use. Open to HalfOpen is evaluated lazily whenever the breaker
// is consulted; no timer runs.
type Breaker struct {
	mu  sync.Mutex
	cfg BreakerConfig
	now func() time.Time

	state             State
	failures          int
	lastFailure       time.Time
	halfOpenSuccesses int
	probeInFlight     bool

	// onChange is called after the lock is released for every transition.
	onChange func(from, to State)
}

// NewBreaker returns a closed breaker. now == nil means time.Now.
func NewBreaker(cfg BreakerConfig, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{cfg: cfg, now: now}
}

type transition struct {
	from, to State
	ok       bool
}

func (b *Breaker) setLocked(to State) transition {
	if b.state == to {
		return transition{}
	}
	t := transition{from: b.state, to: to, ok: true}
	b.state = to
	return t
}

func (b *Breaker) notify(t transition) {
	if t.ok && b.onChange != nil {
		b.onChange(t.from, t.to)
	}
}

// evaluateLocked moves Open to HalfOpen once the timeout has elapsed.
func (b *Breaker) evaluateLocked() transition {
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.cfg.timeout() {
		b.probeInFlight = false
		return b.setLocked(StateHalfOpen)
	}
	return transition{}
}

// Available reports whether the instance may be selected. A half-open
// breaker whose probe is still in flight is not available.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	t := b.evaluateLocked()
	ok := b.state == StateClosed || (b.state == StateHalfOpen && !b.probeInFlight)
	b.mu.Unlock()
	b.notify(t)
	return ok
}

// Allow gates a single call. In HalfOpen it hands out the one probe slot;
// the caller must follow up with RecordSuccess, RecordFailure or Release.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	t := b.evaluateLocked()
	var ok bool
	switch b.state {
	case StateClosed:
		ok = true
	case StateHalfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			ok = true
		}
	}
	b.mu.Unlock()
	b.notify(t)
	return ok
}

// RecordSuccess closes a half-open breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var t transition
	switch b.state {
	case StateHalfOpen:
		b.halfOpenSuccesses++
		b.probeInFlight = false
		b.failures = 0
		t = b.setLocked(StateClosed)
	case StateClosed:
		b.failures = 0
	}
	b.mu.Unlock()
	b.notify(t)
}

// RecordFailure counts a consecutive failure. The breaker opens at the
// threshold, or immediately when the half-open probe fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var t transition
	b.failures++
	b.lastFailure = b.now()
	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		t = b.setLocked(StateOpen)
	case StateClosed:
		if b.failures >= b.cfg.threshold() {
			t = b.setLocked(StateOpen)
		}
	}
	b.mu.Unlock()
	b.notify(t)
}

// Release gives back a half-open probe slot without recording an outcome.
// Used when the caller cancelled the call.
func (b *Breaker) Release() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}
	b.mu.Unlock()
}

// State returns the current state after lazy timeout evaluation.
func (b *Breaker) State() State {
	b.mu.Lock()
	t := b.evaluateLocked()
	s := b.state
	b.mu.Unlock()
	b.notify(t)
	return s
}

func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:             b.state,
		Failures:          b.failures,
		LastFailure:       b.lastFailure,
		HalfOpenSuccesses: b.halfOpenSuccesses,
	}
}
