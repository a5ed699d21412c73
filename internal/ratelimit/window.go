// Package ratelimit implements the per-instance request windows used by the
// provider pool to keep each backend under its requests-per-minute quota.
//
// A window counts requests per key. The counter resets to zero and the
// window start advances once the window length has elapsed since the last
// reset. MemoryWindow keeps counters in process; RedisWindow shares them
// across gateway replicas using an atomic Lua script.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultWindow is the quota window length.
const DefaultWindow = time.Minute

// Window counts requests per key over a fixed-length window.
type Window interface {
	// Count returns the number of requests recorded for key in the current
	// window. An elapsed window reads as zero.
	Count(ctx context.Context, key string) (int, error)
	// Allow records one request for key when the current window holds fewer
	// than limit, in a single atomic step. It reports whether the request
	// was admitted. limit <= 0 admits everything.
	Allow(ctx context.Context, key string, limit int) (bool, error)
}

type counter struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// roll resets the counter when the window has elapsed. Caller holds c.mu.
func (c *counter) roll(now time.Time, window time.Duration) {
	if now.Sub(c.resetAt) >= window {
		c.count = 0
		c.resetAt = now
	}
}

// MemoryWindow is an in-process Window. Each key has its own lock so
// concurrent requests against different instances never contend.
type MemoryWindow struct {
	window time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	counters map[string]*counter
}

// NewMemoryWindow returns a MemoryWindow. window <= 0 means DefaultWindow;
// now == nil means time.Now.
func NewMemoryWindow(window time.Duration, now func() time.Time) *MemoryWindow {
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryWindow{window: window, now: now, counters: make(map[string]*counter)}
}

func (w *MemoryWindow) get(key string) *counter {
	w.mu.RLock()
	c, ok := w.counters[key]
	w.mu.RUnlock()
	if ok {
		return c
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok = w.counters[key]; !ok {
		c = &counter{resetAt: w.now()}
		w.counters[key] = c
	}
	return c
}

func (w *MemoryWindow) Count(_ context.Context, key string) (int, error) {
	c := w.get(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roll(w.now(), w.window)
	return c.count, nil
}

func (w *MemoryWindow) Allow(_ context.Context, key string, limit int) (bool, error) {
	c := w.get(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roll(w.now(), w.window)
	if limit > 0 && c.count >= limit {
		return false, nil
	}
	c.count++
	return true, nil
}

// ResetAt returns when key's current window started.
func (w *MemoryWindow) ResetAt(key string) time.Time {
	c := w.get(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetAt
}
