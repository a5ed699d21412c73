package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/inference-gateway/internal/admission"
	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/cost"
	"github.com/nulpointcorp/inference-gateway/internal/events"
	"github.com/nulpointcorp/inference-gateway/internal/logger"
	"github.com/nulpointcorp/inference-gateway/internal/pool"
)

// ErrDrainTimeout is returned by Shutdown when in-flight requests had to be
// aborted.
var ErrDrainTimeout = errors.New("proxy: drain timeout exceeded")

const (
	// abortGrace bounds the wait for aborted requests to finalise.
	abortGrace = 2 * time.Second

	healthPingTimeout = 2 * time.Second
	warmConcurrency   = 4
)

// RequestStats are the orchestrator's own counters.
type RequestStats struct {
	Received  uint64 `json:"received"`
	CacheHits uint64 `json:"cache_hits"`
	Succeeded uint64 `json:"succeeded"`
	Fallbacks uint64 `json:"fallback_successes"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
	Canceled  uint64 `json:"canceled"`
	Streamed  uint64 `json:"streamed"`
}

// Statistics aggregates counters from every component.
type Statistics struct {
	Requests RequestStats        `json:"requests"`
	Pool     pool.Stats          `json:"pool"`
	Health   *pool.HealthSummary `json:"health,omitempty"`
	Cache    *cache.Stats        `json:"cache,omitempty"`
	Budget   *cost.BudgetState   `json:"budget,omitempty"`
	Queue    *admission.Stats    `json:"queue,omitempty"`
	Events   events.Stats        `json:"events"`
	JobLog   logger.Stats        `json:"job_log"`
}

func (g *Gateway) GetStatistics(ctx context.Context) Statistics {
	st := Statistics{
		Requests: RequestStats{
			Received:  g.stats.received.Load(),
			CacheHits: g.stats.cacheHits.Load(),
			Succeeded: g.stats.succeeded.Load(),
			Fallbacks: g.stats.fallbacks.Load(),
			Failed:    g.stats.failed.Load(),
			Rejected:  g.stats.rejected.Load(),
			Canceled:  g.stats.canceled.Load(),
			Streamed:  g.stats.streamed.Load(),
		},
		Pool:   g.pool.Stats(ctx),
		Events: g.bus.Stats(),
		JobLog: g.jobs.Stats(),
	}
	if g.monitor != nil {
		h := g.monitor.Last()
		st.Health = &h
	}
	if g.cache != nil {
		c := g.cache.Stats()
		st.Cache = &c
	}
	if g.cost != nil {
		b := g.cost.State()
		st.Budget = &b
	}
	if g.queue != nil {
		q := g.queue.Stats()
		st.Queue = &q
	}
	return st
}

// Health levels, worst last.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// ComponentHealth is one line of a HealthReport.
type ComponentHealth struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthReport is the per-component rollup returned by HealthCheck.
type HealthReport struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// HealthCheck rolls up providers, cache, queue and budget. Only the
// providers (or a shutdown) can take the gateway down; the rest degrade it.
func (g *Gateway) HealthCheck(ctx context.Context) HealthReport {
	rep := HealthReport{Components: make(map[string]ComponentHealth), CheckedAt: g.now()}

	ps := g.pool.Stats(ctx)
	available := 0
	for _, inst := range ps.Instances {
		if inst.Healthy && inst.State != pool.StateOpen.String() {
			available++
		}
	}
	detail := fmt.Sprintf("%d/%d instances available", available, ps.Total)
	switch {
	case available == 0:
		rep.Components["providers"] = ComponentHealth{Status: StatusDown, Detail: detail}
	case available < ps.Total:
		rep.Components["providers"] = ComponentHealth{Status: StatusDegraded, Detail: detail}
	default:
		rep.Components["providers"] = ComponentHealth{Status: StatusOK, Detail: detail}
	}

	if g.cache != nil {
		pctx, cancel := context.WithTimeout(ctx, healthPingTimeout)
		err := g.cache.Ping(pctx)
		cancel()
		if err != nil {
			rep.Components["cache"] = ComponentHealth{Status: StatusDegraded, Detail: err.Error()}
		} else {
			rep.Components["cache"] = ComponentHealth{Status: StatusOK, Detail: fmt.Sprintf("%d entries", g.cache.Len())}
		}
	}

	if g.queue != nil {
		qs := g.queue.Stats()
		status := StatusOK
		if g.queue.Saturated() {
			status = StatusDegraded
		}
		rep.Components["queue"] = ComponentHealth{Status: status, Detail: fmt.Sprintf("%d active, %d waiting", qs.Active, qs.Waiting)}
	}

	if g.cost != nil {
		bs := g.cost.State()
		status := StatusOK
		if bs.Mode == cost.ModeEconomy || bs.DailyUsage >= 1 || bs.MonthlyUsage >= 1 {
			status = StatusDegraded
		}
		rep.Components["budget"] = ComponentHealth{
			Status: status,
			Detail: fmt.Sprintf("mode %s, daily %.0f%%, monthly %.0f%%", bs.Mode, bs.DailyUsage*100, bs.MonthlyUsage*100),
		}
	}

	g.mu.RLock()
	closing := g.closing
	g.mu.RUnlock()
	if closing {
		rep.Components["gateway"] = ComponentHealth{Status: StatusDown, Detail: "shutting down"}
	}

	rep.Status = StatusOK
	for _, c := range rep.Components {
		if rank(c.Status) > rank(rep.Status) {
			rep.Status = c.Status
		}
	}
	return rep
}

func rank(status string) int {
	switch status {
	case StatusDown:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Shutdown stops admitting requests, waits up to the drain timeout (or
// ctx) for in-flight ones, then cancels whatever is left and stops the
// background components. Only the first call does any work.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var err error
	g.shutdown.Do(func() {
		g.mu.Lock()
		g.closing = true
		g.mu.Unlock()
		g.log.Info("gateway_draining", slog.Duration("drain_timeout", g.drainTimeout))

		drained := make(chan struct{})
		go func() {
			g.inflight.Wait()
			close(drained)
		}()

		timer := time.NewTimer(g.drainTimeout)
		defer timer.Stop()

		select {
		case <-drained:
		case <-timer.C:
			err = ErrDrainTimeout
		case <-ctx.Done():
			err = fmt.Errorf("proxy: shutdown: %w", ctx.Err())
		}

		g.cancel()
		if err != nil {
			g.log.Warn("gateway_aborting_inflight", slog.String("reason", err.Error()))
			select {
			case <-drained:
			case <-time.After(abortGrace):
				g.log.Error("gateway_abort_incomplete")
			}
		}

		if g.monitor != nil {
			g.monitor.Close()
		}
		if g.cache != nil {
			g.cache.Close()
		}
		g.bus.Close()
		g.log.Info("gateway_stopped")
	})
	return err
}

// WarmEntry is one prompt to pre-populate the cache with. A non-empty
// Response is stored as is; otherwise the prompt is sent to a provider.
type WarmEntry struct {
	Prompt   string
	Agent    string
	Tier     string
	Response string
}

// WarmResult counts what WarmCache did.
type WarmResult struct {
	Warmed  int `json:"warmed"`
	Present int `json:"present"`
	Failed  int `json:"failed"`
}

// WarmCache inserts canned entries directly and runs the rest through
// ProcessRequest so the answers land in the cache. Failures are logged and
// counted; they never abort the rest.
func (g *Gateway) WarmCache(ctx context.Context, entries []WarmEntry) WarmResult {
	var warmed, present, failed atomic.Int64

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(warmConcurrency)
	for _, e := range entries {
		eg.Go(func() error {
			if e.Response != "" {
				switch err := g.warmCanned(ctx, e); {
				case errors.Is(err, errAlreadyCached):
					present.Add(1)
				case err != nil:
					failed.Add(1)
					g.log.Warn("cache_warm_failed",
						slog.String("agent", e.Agent),
						slog.String("error", err.Error()),
					)
				default:
					warmed.Add(1)
				}
				return nil
			}

			res, err := g.ProcessRequest(ctx, Request{Prompt: e.Prompt, Agent: e.Agent, Tier: e.Tier})
			switch {
			case err != nil:
				failed.Add(1)
				g.log.Warn("cache_warm_failed",
					slog.String("agent", e.Agent),
					slog.String("error", err.Error()),
				)
			case res.Cached:
				present.Add(1)
			default:
				warmed.Add(1)
			}
			return nil
		})
	}
	_ = eg.Wait()

	res := WarmResult{Warmed: int(warmed.Load()), Present: int(present.Load()), Failed: int(failed.Load())}
	g.log.Info("cache_warmed",
		slog.Int("warmed", res.Warmed),
		slog.Int("present", res.Present),
		slog.Int("failed", res.Failed),
	)
	return res
}

var errAlreadyCached = errors.New("proxy: entry already cached")

func (g *Gateway) warmCanned(ctx context.Context, e WarmEntry) error {
	if g.cache == nil {
		return errors.New("proxy: cache disabled")
	}
	req := Request{Prompt: e.Prompt, Agent: e.Agent, Tier: e.Tier}
	if err := req.validate(); err != nil {
		return err
	}
	if hit := g.cache.Get(ctx, req.cacheText(), req.cacheContext()); hit.Hit && hit.Type == cache.MatchExact {
		return errAlreadyCached
	}
	return g.cache.Set(ctx, req.cacheText(), e.Response, cache.Metadata{Context: req.cacheContext(), Provider: "warmup"})
}
