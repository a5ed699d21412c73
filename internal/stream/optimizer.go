// Package stream reshapes provider token streams for delivery to clients.
//
// Raw provider deltas are often a few bytes each. The Optimizer regroups
// them into readable chunks on natural text boundaries, paces emission,
// adapts both to the client's bandwidth, and reports progress. Multiplex
// drives several streams at once with a single completion signal.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

const (
	DefaultChunkSize = 32
	DefaultDelay     = 20 * time.Millisecond

	outBuffer = 16
	// progressHalfBytes is where progress reaches 0.5 when the expected
	// length is unknown.
	progressHalfBytes = 1024
)

// Config holds the gateway-wide defaults.
type Config struct {
	// ChunkSize is the minimum chunk size in bytes. The maximum is four
	// times that.
	ChunkSize int
	// Delay is the minimum spacing between chunks. Negative disables
	// pacing.
	Delay time.Duration

	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// Options are per-stream overrides. Zero fields use the Config defaults.
type Options struct {
	MinChunk int
	MaxChunk int
	Delay    time.Duration
	// BandwidthKbps is the client's reported bandwidth, 0 if unknown.
	BandwidthKbps float64
	// ExpectedBytes, when known, makes Progress a real fraction.
	ExpectedBytes int
}

// Chunk is one paced piece of a stream. The last chunk has Done set; if
// the provider failed, it also carries Err.
type Chunk struct {
	Index    int     `json:"index"`
	Text     string  `json:"text"`
	Progress float64 `json:"progress"`
	Done     bool    `json:"done"`
	Err      error   `json:"-"`
}

type Optimizer struct {
	cfg     Config
	metrics *metrics.Registry
	log     *slog.Logger
}

func New(cfg Config) *Optimizer {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Delay == 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Optimizer{cfg: cfg, metrics: cfg.Metrics, log: cfg.Logger}
}

// resolved is Options with defaults and the bandwidth band applied.
type resolved struct {
	minChunk, maxChunk int
	delay              time.Duration
	band               Band
	expected           int
}

func (o *Optimizer) resolve(opts Options) resolved {
	r := resolved{
		minChunk: opts.MinChunk,
		maxChunk: opts.MaxChunk,
		delay:    opts.Delay,
		band:     ClassifyBandwidth(opts.BandwidthKbps),
		expected: opts.ExpectedBytes,
	}
	if r.minChunk <= 0 {
		r.minChunk = o.cfg.ChunkSize
	}
	if r.maxChunk <= 0 {
		r.maxChunk = r.minChunk * 4
	}
	if r.delay == 0 {
		r.delay = o.cfg.Delay
	}
	r.minChunk, r.maxChunk, r.delay = tune(r.band, r.minChunk, r.maxChunk, r.delay)
	return r
}

// progress tracks a monotonic completion fraction.
type progress struct {
	expected int
	sent     int
	last     float64
}

func (p *progress) next(n int, done bool) float64 {
	if done {
		p.last = 1
		return 1
	}
	p.sent += n
	var v float64
	if p.expected > 0 {
		v = math.Min(float64(p.sent)/float64(p.expected), 0.99)
	} else {
		v = 1 - 1/(1+float64(p.sent)/progressHalfBytes)
	}
	if v < p.last {
		v = p.last
	}
	p.last = v
	return v
}

// Optimize consumes src and returns the reshaped stream. The returned
// channel is closed after the Done chunk, or early if ctx is cancelled.
func (o *Optimizer) Optimize(ctx context.Context, src <-chan providers.StreamChunk, opts Options) <-chan Chunk {
	out := make(chan Chunk, outBuffer)
	go o.run(ctx, src, o.resolve(opts), out)
	return out
}

func (o *Optimizer) run(ctx context.Context, src <-chan providers.StreamChunk, r resolved, out chan<- Chunk) {
	defer close(out)

	var (
		chunker = NewChunker(r.minChunk, r.maxChunk)
		pacer   = NewPacer(r.delay)
		prog    = progress{expected: r.expected}
		index   int
	)

	emit := func(text string, done bool, err error) bool {
		if text != "" {
			if pacer.Wait(ctx) != nil {
				return false
			}
		}
		c := Chunk{Index: index, Text: text, Done: done, Err: err}
		if err != nil {
			c.Progress = prog.last
		} else {
			c.Progress = prog.next(len(text), done)
		}
		index++
		o.metrics.StreamChunk(string(r.band))
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	finish := func(err error) {
		tail := chunker.Flush()
		for i, piece := range tail {
			last := i == len(tail)-1 && err == nil
			if !emit(piece, last, nil) {
				return
			}
		}
		if err != nil || len(tail) == 0 {
			emit("", true, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case sc, ok := <-src:
			if !ok {
				finish(nil)
				return
			}
			if sc.FinishReason == providers.FinishReasonError {
				o.log.Warn("stream_upstream_error", slog.String("error", sc.Content), slog.Int("chunks_sent", index))
				finish(errors.New(sc.Content))
				return
			}
			for _, piece := range chunker.Write(sc.Content) {
				if !emit(piece, false, nil) {
					return
				}
			}
		}
	}
}

// MuxChunk is a chunk from one of several multiplexed streams.
type MuxChunk struct {
	Stream string `json:"stream"`
	Chunk
	// Overall is the mean progress across all streams.
	Overall float64 `json:"overall"`
}

// Multiplex optimizes every stream in srcs concurrently and merges their
// chunks. The first channel carries the merged chunks; the second closes
// once every stream has ended and the first has been closed.
func (o *Optimizer) Multiplex(ctx context.Context, srcs map[string]<-chan providers.StreamChunk, opts Options) (<-chan MuxChunk, <-chan struct{}) {
	out := make(chan MuxChunk, outBuffer)
	done := make(chan struct{})

	var mu sync.Mutex
	perStream := make(map[string]float64, len(srcs))
	for id := range srcs {
		perStream[id] = 0
	}
	overall := func() float64 {
		if len(perStream) == 0 {
			return 1
		}
		var sum float64
		for _, p := range perStream {
			sum += p
		}
		return sum / float64(len(perStream))
	}

	var g errgroup.Group
	for id, src := range srcs {
		g.Go(func() error {
			for c := range o.Optimize(ctx, src, opts) {
				// Sent under the lock so Overall is non-decreasing on out.
				mu.Lock()
				if c.Done {
					perStream[id] = 1
				} else {
					perStream[id] = c.Progress
				}
				mc := MuxChunk{Stream: id, Chunk: c, Overall: overall()}
				var err error
				select {
				case out <- mc:
				case <-ctx.Done():
					err = ctx.Err()
				}
				mu.Unlock()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	go func() {
		if err := g.Wait(); err != nil {
			o.log.Debug("multiplex_cancelled", slog.String("error", err.Error()))
		}
		close(out)
		close(done)
	}()
	return out, done
}
