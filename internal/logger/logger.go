// Package logger implements a non-blocking, batched job log.
//
// The orchestrator records one JobLog per finished request. Entries go to a
// buffered channel and a background goroutine writes them out in batches,
// so logging never blocks request processing. When the channel is full
// (10 000 entries) new entries are dropped and counted.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// JobLog describes one finished gateway request.
type JobLog struct {
	ID        uuid.UUID
	RequestID string
	Agent     string
	Tier      string
	Provider  string
	Instance  string
	Model     string
	// Outcome is success, cache_hit, fallback_success, exhausted,
	// queue_full, canceled, timeout or stream_error.
	Outcome      string
	CacheMatch   string
	Attempts     int
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Latency      time.Duration
	Streamed     bool
	Queued       bool
	Error        string
	CreatedAt    time.Time
}

// Logger is safe for concurrent use.
type Logger struct {
	ch        chan JobLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	logged  atomic.Int64
	dropped atomic.Int64

	baseCtx context.Context
	log     *slog.Logger
}

// New starts the background writer. Close flushes and stops it.
func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan JobLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues entry. It never blocks. A zero ID is replaced with a fresh
// UUID. A nil Logger discards the entry.
func (l *Logger) Log(entry JobLog) {
	if l == nil {
		return
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	select {
	case <-l.done:
		l.dropped.Add(1)
		return
	default:
	}
	select {
	case l.ch <- entry:
	default:
		l.dropped.Add(1)
	}
}

// Stats reports how many entries were written and dropped.
type Stats struct {
	Logged  int64 `json:"logged"`
	Dropped int64 `json:"dropped"`
	Pending int   `json:"pending"`
}

func (l *Logger) Stats() Stats {
	if l == nil {
		return Stats{}
	}
	return Stats{Logged: l.logged.Load(), Dropped: l.dropped.Load(), Pending: len(l.ch)}
}

// Close drains the channel, writes the final batch and waits for the
// writer to exit.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]JobLog, 0, batchSize)

	flush := func() {
		for _, e := range batch {
			l.write(e)
		}
		l.logged.Add(int64(len(batch)))
		batch = batch[:0]
	}

	add := func(e JobLog) {
		batch = append(batch, e)
		if len(batch) >= batchSize {
			flush()
		}
	}

	for {
		select {
		case e := <-l.ch:
			add(e)

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case e := <-l.ch:
					add(e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *Logger) write(e JobLog) {
	attrs := []slog.Attr{
		slog.String("id", e.ID.String()),
		slog.String("request_id", e.RequestID),
		slog.String("agent", e.Agent),
		slog.String("tier", e.Tier),
		slog.String("outcome", e.Outcome),
		slog.Int("attempts", e.Attempts),
		slog.Int64("latency_ms", e.Latency.Milliseconds()),
		slog.Time("created_at", normalizeTime(e.CreatedAt)),
	}
	if e.Provider != "" {
		attrs = append(attrs,
			slog.String("provider", e.Provider),
			slog.String("instance", e.Instance),
			slog.String("model", e.Model),
			slog.Int("input_tokens", e.InputTokens),
			slog.Int("output_tokens", e.OutputTokens),
			slog.Float64("cost_usd", e.CostUSD),
		)
	}
	if e.CacheMatch != "" {
		attrs = append(attrs, slog.String("cache_match", e.CacheMatch))
	}
	if e.Streamed {
		attrs = append(attrs, slog.Bool("streamed", true))
	}
	if e.Queued {
		attrs = append(attrs, slog.Bool("queued", true))
	}

	level := slog.LevelInfo
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
		level = slog.LevelWarn
	}
	l.log.LogAttrs(l.baseCtx, level, "job", attrs...)
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
