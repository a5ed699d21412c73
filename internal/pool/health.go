package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/inference-gateway/internal/events"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
)

const (
	DefaultProbeInterval     = 30 * time.Second
	DefaultProbeTimeout      = 5 * time.Second
	DefaultDegradedThreshold = 0.5
)

// MonitorOptions configures a Monitor. Zero values use the defaults above.
type MonitorOptions struct {
	Interval time.Duration
	Timeout  time.Duration

	// DegradedThreshold is the healthy fraction below which the pool is
	// reported degraded.
	DegradedThreshold float64

	Bus     *events.Bus
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// HealthSummary is the result of one probe round.
type HealthSummary struct {
	Healthy  int       `json:"healthy"`
	Total    int       `json:"total"`
	Fraction float64   `json:"fraction"`
	Degraded bool      `json:"degraded"`
	At       time.Time `json:"at"`
}

// Monitor probes every instance on a fixed interval, independently of
// request traffic. It is the only writer of instance health.
type Monitor struct {
	mgr  *Manager
	opts MonitorOptions
	log  *slog.Logger

	mu       sync.Mutex
	degraded bool
	last     HealthSummary

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewMonitor returns a stopped Monitor for mgr.
func NewMonitor(mgr *Manager, opts MonitorOptions) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultProbeInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultProbeTimeout
	}
	if opts.DegradedThreshold <= 0 {
		opts.DegradedThreshold = DefaultDegradedThreshold
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{mgr: mgr, opts: opts, log: log, done: make(chan struct{})}
}

// Start runs the probe loop until ctx is cancelled or Close is called.
// The first round runs immediately.
func (mon *Monitor) Start(ctx context.Context) {
	if ctx == nil {
		panic("pool: monitor context must not be nil")
	}
	ctx, mon.cancel = context.WithCancel(ctx)
	mon.wg.Add(1)
	go mon.run(ctx)
}

// Close stops the probe loop and waits for it to exit.
func (mon *Monitor) Close() {
	mon.once.Do(func() {
		if mon.cancel != nil {
			mon.cancel()
		}
		close(mon.done)
	})
	mon.wg.Wait()
}

func (mon *Monitor) run(ctx context.Context) {
	defer mon.wg.Done()
	mon.CheckNow(ctx)

	ticker := time.NewTicker(mon.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mon.CheckNow(ctx)
		case <-ctx.Done():
			return
		case <-mon.done:
			return
		}
	}
}

// CheckNow probes every instance in parallel, each under its own timeout,
// and returns the round's summary.
func (mon *Monitor) CheckNow(ctx context.Context) HealthSummary {
	insts := mon.mgr.Instances()

	var g errgroup.Group
	for _, inst := range insts {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, mon.opts.Timeout)
			defer cancel()

			err := inst.Client.Ping(pctx)
			if ctx.Err() != nil {
				// Shutting down; keep the previous status.
				return nil
			}
			was := inst.Health().Healthy
			inst.setHealth(err == nil, err, mon.mgr.now())
			mon.opts.Metrics.SetProviderHealth(inst.ID, err == nil)

			switch {
			case err != nil && was:
				mon.log.Warn("provider_unhealthy", slog.String("instance", inst.ID), slog.String("error", err.Error()))
			case err == nil && !was:
				mon.log.Info("provider_recovered", slog.String("instance", inst.ID))
			}
			return nil
		})
	}
	_ = g.Wait()

	sum := HealthSummary{Total: len(insts), At: mon.mgr.now()}
	for _, inst := range insts {
		if inst.Health().Healthy {
			sum.Healthy++
		}
	}
	if sum.Total > 0 {
		sum.Fraction = float64(sum.Healthy) / float64(sum.Total)
	} else {
		sum.Fraction = 1
	}
	sum.Degraded = sum.Fraction < mon.opts.DegradedThreshold

	mon.mu.Lock()
	changed := sum.Degraded != mon.degraded
	mon.degraded = sum.Degraded
	mon.last = sum
	mon.mu.Unlock()

	if changed {
		attrs := map[string]any{"healthy": sum.Healthy, "total": sum.Total, "fraction": sum.Fraction}
		if sum.Degraded {
			mon.opts.Bus.Emit(events.HealthDegraded, "", attrs)
			mon.log.Warn("pool_degraded", slog.Int("healthy", sum.Healthy), slog.Int("total", sum.Total))
		} else {
			mon.opts.Bus.Emit(events.HealthRecovered, "", attrs)
			mon.log.Info("pool_recovered", slog.Int("healthy", sum.Healthy), slog.Int("total", sum.Total))
		}
	}
	return sum
}

// Last returns the most recent probe summary.
func (mon *Monitor) Last() HealthSummary {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	return mon.last
}
