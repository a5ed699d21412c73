package proxy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/events"
	"github.com/nulpointcorp/inference-gateway/internal/logger"
)

// job is the bookkeeping for one admitted request.
type job struct {
	g     *Gateway
	req   Request
	start time.Time

	queued   bool
	fallback bool

	once    sync.Once
	cleanup []func()
}

// onFinish registers fn to run during finalisation, in reverse order.
func (j *job) onFinish(fn func()) {
	j.cleanup = append(j.cleanup, fn)
}

func (j *job) outcome(res *Response) string {
	switch {
	case res.Cached:
		return OutcomeCacheHit
	case j.fallback:
		return OutcomeFallbackSuccess
	default:
		return OutcomeSuccess
	}
}

// finish records the request's terminal state. Only the first call has any
// effect.
func (j *job) finish(res *Response, outcome string, err error) {
	j.once.Do(func() {
		g := j.g
		latency := g.now().Sub(j.start)

		for i := len(j.cleanup) - 1; i >= 0; i-- {
			j.cleanup[i]()
		}

		entry := logger.JobLog{
			RequestID: j.req.ID,
			Agent:     j.req.Agent,
			Tier:      j.req.Tier,
			Outcome:   outcome,
			Latency:   latency,
			Streamed:  j.req.Stream,
			Queued:    j.queued,
			CreatedAt: j.start,
		}
		attrs := map[string]any{
			"agent":      j.req.Agent,
			"tier":       j.req.Tier,
			"outcome":    outcome,
			"latency_ms": latency.Milliseconds(),
		}
		if res != nil {
			res.Latency = latency
			entry.Provider = string(res.Provider)
			entry.Instance = res.Instance
			entry.Model = res.Model
			entry.CacheMatch = string(res.CacheMatch)
			entry.Attempts = res.Attempts
			entry.InputTokens = res.Usage.InputTokens
			entry.OutputTokens = res.Usage.OutputTokens
			entry.CostUSD = res.CostUSD
			attrs["provider"] = string(res.Provider)
			attrs["cached"] = res.Cached
			attrs["cost_usd"] = res.CostUSD
		}
		if err != nil {
			entry.Error = err.Error()
			attrs["error"] = err.Error()
		}

		switch outcome {
		case OutcomeCacheHit:
			g.stats.cacheHits.Add(1)
			g.stats.succeeded.Add(1)
		case OutcomeSuccess:
			g.stats.succeeded.Add(1)
		case OutcomeFallbackSuccess:
			g.stats.succeeded.Add(1)
			g.stats.fallbacks.Add(1)
		case OutcomeCanceled, OutcomeTimeout:
			g.stats.canceled.Add(1)
		default:
			g.stats.failed.Add(1)
		}

		g.metrics.DecInFlight()
		g.metrics.ObserveRequest(j.req.Agent, j.req.Tier, outcome, latency)
		g.jobs.Log(entry)
		g.bus.Emit(events.JobCompleted, j.req.ID, attrs)

		if err != nil {
			g.log.Warn("request_failed",
				slog.String("request_id", j.req.ID),
				slog.String("agent", j.req.Agent),
				slog.String("outcome", outcome),
				slog.String("error", err.Error()),
				slog.Duration("elapsed", latency),
			)
		}

		g.inflight.Done()
	})
}
