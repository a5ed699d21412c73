// Package admission gates low-priority requests behind a bounded FIFO queue
// so they cannot starve paying traffic of provider capacity.
package admission

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nulpointcorp/inference-gateway/internal/metrics"
)

// ErrQueueFull is returned immediately when every slot is busy and the
// waiting line is at its configured depth.
var ErrQueueFull = errors.New("admission: queue full")

const (
	DefaultSlots = 32
	DefaultDepth = 256
)

// Options configures a Queue.
type Options struct {
	// Slots is how many queued requests may be dispatched at once.
	Slots int
	// Depth is how many callers may wait for a slot. 0 means nobody waits.
	Depth int

	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// Queue hands out dispatch slots in arrival order. Arrival is the moment a
// caller takes mu: a caller that finds anyone waiting joins the back of the
// line even when a slot has just been freed.
type Queue struct {
	slots int64
	depth int64
	m     *metrics.Registry
	log   *slog.Logger

	mu   sync.Mutex
	busy int64
	line list.List // of chan struct{}, closed on handoff

	admitted  atomic.Uint64
	rejected  atomic.Uint64
	abandoned atomic.Uint64
}

// New returns a Queue. Slots defaults to DefaultSlots; a negative Depth
// defaults to DefaultDepth.
func New(opts Options) *Queue {
	if opts.Slots <= 0 {
		opts.Slots = DefaultSlots
	}
	if opts.Depth < 0 {
		opts.Depth = DefaultDepth
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Queue{
		slots: int64(opts.Slots),
		depth: int64(opts.Depth),
		m:     opts.Metrics,
		log:   opts.Logger,
	}
}

// Acquire blocks until a slot is free, ctx is done, or the queue is full.
// The returned release must be called exactly once; extra calls are no-ops.
func (q *Queue) Acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("admission: %w", err)
	}

	q.mu.Lock()
	if q.busy < q.slots && q.line.Len() == 0 {
		q.busy++
		q.mu.Unlock()
		return q.admit(), nil
	}
	if int64(q.line.Len()) >= q.depth {
		waiting := q.line.Len()
		q.mu.Unlock()
		q.rejected.Add(1)
		q.m.QueueRejected()
		q.log.Debug("admission_rejected",
			slog.Int("waiting", waiting),
			slog.Int64("depth", q.depth),
		)
		return nil, ErrQueueFull
	}
	ready := make(chan struct{})
	elem := q.line.PushBack(ready)
	q.m.SetQueueWaiting(q.line.Len())
	q.mu.Unlock()

	select {
	case <-ready:
		return q.admit(), nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	select {
	case <-ready:
		// The slot was handed over as ctx fired; pass it on.
		q.releaseLocked()
	default:
		q.line.Remove(elem)
		q.m.SetQueueWaiting(q.line.Len())
	}
	q.mu.Unlock()
	q.abandoned.Add(1)
	return nil, fmt.Errorf("admission: wait: %w", ctx.Err())
}

// releaseLocked gives the slot to the head of the line, or frees it.
func (q *Queue) releaseLocked() {
	front := q.line.Front()
	if front == nil {
		q.busy--
		return
	}
	q.line.Remove(front)
	q.m.SetQueueWaiting(q.line.Len())
	close(front.Value.(chan struct{}))
}

func (q *Queue) admit() func() {
	q.admitted.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			q.releaseLocked()
			q.mu.Unlock()
		})
	}
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Slots     int64  `json:"slots"`
	Depth     int64  `json:"depth"`
	Active    int64  `json:"active"`
	Waiting   int64  `json:"waiting"`
	Admitted  uint64 `json:"admitted"`
	Rejected  uint64 `json:"rejected"`
	Abandoned uint64 `json:"abandoned"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	active, waiting := q.busy, int64(q.line.Len())
	q.mu.Unlock()
	return Stats{
		Slots:     q.slots,
		Depth:     q.depth,
		Active:    active,
		Waiting:   waiting,
		Admitted:  q.admitted.Load(),
		Rejected:  q.rejected.Load(),
		Abandoned: q.abandoned.Load(),
	}
}

// Saturated reports whether every slot is taken and the line is full.
func (q *Queue) Saturated() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy >= q.slots && int64(q.line.Len()) >= q.depth
}
