// Package proxy is the gateway orchestrator.
//
// Gateway.ProcessRequest composes every component for one request: cache
// lookup, admission for low-priority tiers, cost-aware provider choice,
// breaker-guarded execution with a fallback walk, cost tracking and the
// cache write-through. The HTTP surface in server.go is a thin adapter over
// it.
//
// Every request is finalised exactly once (metrics, job log, job-completed
// event) whichever way it ends. Streaming requests are finalised when their
// stream ends.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/inference-gateway/internal/admission"
	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/cost"
	"github.com/nulpointcorp/inference-gateway/internal/events"
	"github.com/nulpointcorp/inference-gateway/internal/logger"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/pool"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/stream"
)

var (
	// ErrShuttingDown rejects requests that arrive after Shutdown started.
	ErrShuttingDown = errors.New("proxy: gateway is shutting down")

	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("proxy: invalid request")
)

const (
	DefaultRequestTimeout  = 60 * time.Second
	DefaultProviderTimeout = providers.DefaultTimeout
	DefaultDrainTimeout    = 15 * time.Second

	// maxTimeouts ends the fallback walk: one timeout is retried on the
	// next provider, a second is surfaced.
	maxTimeouts = 2

	// maxReselect bounds how often one provider type is re-selected after
	// losing a quota reservation race.
	maxReselect = 3
)

// Outcome labels used in metrics, the job log and job-completed events.
const (
	OutcomeCacheHit        = "cache_hit"
	OutcomeSuccess         = "success"
	OutcomeFallbackSuccess = "fallback_success"
	OutcomeExhausted       = "exhausted"
	OutcomeQueueFull       = "queue_full"
	OutcomeCanceled        = "canceled"
	OutcomeTimeout         = "timeout"
	OutcomeStreamError     = "stream_error"
)

// Route is an agent's static provider preference.
type Route struct {
	Primary   providers.Type
	Fallbacks []providers.Type
	// Model overrides the instance model on the primary provider.
	Model string
}

// RouteFunc resolves an agent's route. It must be safe for concurrent use.
type RouteFunc func(agent string) Route

// Options configures a Gateway. Pool is required; the other components are
// optional and skipped when nil.
type Options struct {
	Pool    *pool.Manager
	Monitor *pool.Monitor
	Cache   *cache.SemanticCache
	Cost    *cost.Optimizer
	Queue   *admission.Queue
	Stream  *stream.Optimizer

	Bus     *events.Bus
	Metrics *metrics.Registry
	JobLog  *logger.Logger
	Logger  *slog.Logger

	Routes RouteFunc

	// RequestTimeout bounds a whole request including queueing and the
	// fallback walk. ProviderTimeout bounds one non-streaming attempt.
	RequestTimeout  time.Duration
	ProviderTimeout time.Duration
	DrainTimeout    time.Duration

	CORSOrigins []string
	Now         func() time.Time
}

// Gateway is safe for concurrent use.
type Gateway struct {
	pool    *pool.Manager
	monitor *pool.Monitor
	cache   *cache.SemanticCache
	cost    *cost.Optimizer
	queue   *admission.Queue
	stream  *stream.Optimizer
	bus     *events.Bus
	metrics *metrics.Registry
	jobs    *logger.Logger
	log     *slog.Logger
	routes  RouteFunc
	now     func() time.Time

	requestTimeout  time.Duration
	providerTimeout time.Duration
	drainTimeout    time.Duration
	corsOrigins     []string

	// baseCtx is cancelled at the end of Shutdown, aborting whatever is
	// still in flight.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.RWMutex
	closing  bool
	inflight sync.WaitGroup
	shutdown sync.Once

	stats requestCounters
}

type requestCounters struct {
	received, cacheHits, succeeded, fallbacks atomic.Uint64
	failed, rejected, canceled, streamed      atomic.Uint64
}

// New returns a Gateway whose in-flight work is bound to baseCtx.
func New(baseCtx context.Context, opts Options) (*Gateway, error) {
	if baseCtx == nil {
		return nil, errors.New("proxy: context must not be nil")
	}
	if opts.Pool == nil {
		return nil, errors.New("proxy: a provider pool is required")
	}
	if opts.Stream == nil {
		opts.Stream = stream.New(stream.Config{Metrics: opts.Metrics, Logger: opts.Logger})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = DefaultProviderTimeout
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}

	ctx, cancel := context.WithCancel(baseCtx)
	return &Gateway{
		pool:            opts.Pool,
		monitor:         opts.Monitor,
		cache:           opts.Cache,
		cost:            opts.Cost,
		queue:           opts.Queue,
		stream:          opts.Stream,
		bus:             opts.Bus,
		metrics:         opts.Metrics,
		jobs:            opts.JobLog,
		log:             opts.Logger,
		routes:          opts.Routes,
		now:             opts.Now,
		requestTimeout:  opts.RequestTimeout,
		providerTimeout: opts.ProviderTimeout,
		drainTimeout:    opts.DrainTimeout,
		corsOrigins:     opts.CORSOrigins,
		baseCtx:         ctx,
		cancel:          cancel,
	}, nil
}

// Request is one inference call. It is not modified once admitted.
type Request struct {
	ID         string
	Prompt     string
	System     string
	Agent      string
	Tier       string
	Complexity cost.Complexity
	Stream     bool
	FlowID     string
	Realtime   bool

	// BandwidthKbps is the client's reported bandwidth for stream tuning.
	BandwidthKbps float64
	MaxTokens     int
	Temperature   float64
}

// Response is the result of ProcessRequest. For streaming requests Content
// is empty and Stream delivers the paced chunks; the last one has Done set.
type Response struct {
	RequestID  string
	Content    string
	Provider   providers.Type
	Instance   string
	Model      string
	Cached     bool
	CacheMatch cache.MatchType
	Similarity float64
	Usage      providers.Usage
	CostUSD    float64
	Attempts   int
	Queued     bool
	Latency    time.Duration

	Stream <-chan stream.Chunk
}

// lowPriority reports whether tier waits in the admission queue. Unknown
// tiers are treated as free.
func lowPriority(tier string) bool {
	return tier != cache.TierPro && tier != cache.TierEnterprise
}

func (r *Request) validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("%w: max_tokens must not be negative", ErrInvalidRequest)
	}
	if r.Complexity != "" && r.Complexity != cost.ComplexityLow &&
		r.Complexity != cost.ComplexityMedium && r.Complexity != cost.ComplexityHigh {
		return fmt.Errorf("%w: unknown complexity %q", ErrInvalidRequest, r.Complexity)
	}
	return nil
}

// cacheText is what the cache indexes: the system prompt is part of the
// question being asked.
func (r *Request) cacheText() string {
	if r.System == "" {
		return r.Prompt
	}
	return r.System + "\n" + r.Prompt
}

func (r *Request) cacheContext() cache.Context {
	return cache.Context{Agent: r.Agent, Tier: r.Tier, FlowID: r.FlowID, Realtime: r.Realtime}
}

func (r *Request) messages() []providers.Message {
	msgs := make([]providers.Message, 0, 2)
	if r.System != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: r.System})
	}
	return append(msgs, providers.Message{Role: "user", Content: r.Prompt})
}

// admit registers a new in-flight request unless the gateway is draining.
func (g *Gateway) admit() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closing {
		return ErrShuttingDown
	}
	g.inflight.Add(1)
	return nil
}

// requestContext derives the context a request runs under: the caller's,
// bounded by the request timeout and cancelled with the gateway.
func (g *Gateway) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, g.requestTimeout)
	stop := context.AfterFunc(g.baseCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// ProcessRequest runs req through the gateway.
func (g *Gateway) ProcessRequest(ctx context.Context, req Request) (*Response, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := g.admit(); err != nil {
		g.stats.rejected.Add(1)
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	g.stats.received.Add(1)
	g.metrics.IncInFlight()

	ctx, cancel := g.requestContext(ctx)
	j := &job{g: g, req: req, start: g.now()}
	j.onFinish(cancel)

	res, err := g.process(ctx, j)
	if err != nil {
		j.finish(nil, outcomeFor(ctx, err), err)
		return nil, err
	}
	if res.Stream == nil {
		j.finish(res, j.outcome(res), nil)
	}
	return res, nil
}

func (g *Gateway) process(ctx context.Context, j *job) (*Response, error) {
	req := &j.req

	if g.cache != nil {
		if hit := g.cache.Get(ctx, req.cacheText(), req.cacheContext()); hit.Hit {
			return g.serveCached(ctx, j, hit), nil
		}
	}

	if g.queue != nil && lowPriority(req.Tier) {
		release, err := g.queue.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		j.queued = true
		j.onFinish(release)
	}

	route := g.route(req.Agent)
	chain := g.chain(ctx, req, route)

	res, err := g.walk(ctx, j, route, chain)
	if err != nil {
		return nil, err
	}
	if req.Stream {
		return res, nil
	}

	if ctx.Err() != nil {
		// The call was paid for, but the caller is gone: nothing is cached.
		return nil, fmt.Errorf("proxy: request %s: %w", req.ID, ctx.Err())
	}
	g.writeCache(ctx, req, res)
	return res, nil
}

func (g *Gateway) route(agent string) Route {
	if g.routes == nil {
		return Route{}
	}
	return g.routes(agent)
}

// chain returns the provider types to try in order: the cost optimizer's
// recommendation, then the agent's primary and fallbacks. Duplicates are
// dropped. Without any routing every registered type is tried.
func (g *Gateway) chain(ctx context.Context, req *Request, route Route) []providers.Type {
	var order []providers.Type
	if g.cost != nil && route.Primary != "" {
		rec, err := g.cost.ProviderRecommendation(cost.Recommend{
			Agent:      req.Agent,
			Primary:    route.Primary,
			Complexity: req.Complexity,
			Candidates: g.pool.EligibleTypes(ctx),
		})
		if errors.Is(err, cost.ErrBudgetExceeded) {
			g.log.WarnContext(ctx, "budget_exceeded",
				slog.String("request_id", req.ID),
				slog.String("routed_to", string(rec)),
			)
		}
		order = append(order, rec)
	}
	if route.Primary != "" {
		order = append(order, route.Primary)
	}
	order = append(order, route.Fallbacks...)
	if len(order) == 0 {
		order = g.pool.Types()
	}

	out := make([]providers.Type, 0, len(order))
	seen := make(map[providers.Type]bool, len(order))
	for _, t := range order {
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// walk tries each provider type in chain until one succeeds.
func (g *Gateway) walk(ctx context.Context, j *job, route Route, chain []providers.Type) (*Response, error) {
	req := &j.req
	var (
		attempts []Attempt
		timeouts int
		prev     providers.Type
	)

	for _, t := range chain {
		if ctx.Err() != nil {
			break
		}

		inst, res, err := g.dispatch(ctx, j, route, t, prev)
		if inst == nil {
			attempts = append(attempts, Attempt{Provider: t, Reason: providers.Classify(err), Err: err})
			continue
		}
		prev = t
		if err == nil {
			res.Attempts = len(attempts) + 1
			j.fallback = len(attempts) > 0
			return res, nil
		}

		attempts = append(attempts, Attempt{Provider: t, Instance: inst.ID, Reason: providers.Classify(err), Err: err})
		g.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("request_id", req.ID),
			slog.String("instance", inst.ID),
			slog.String("reason", providers.Classify(err)),
			slog.String("error", err.Error()),
		)

		if !providers.IsRetryable(err) {
			break
		}
		if isTimeout(err) {
			if timeouts++; timeouts >= maxTimeouts {
				break
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("proxy: request %s: %w", req.ID, err)
	}
	g.metrics.RecordExhausted(req.Agent)
	return nil, &ExhaustedError{Agent: req.Agent, Attempts: attempts}
}

// dispatch selects an instance of t and calls it. An instance whose quota
// filled up after selection is skipped for another of the same type; once
// none is eligible the selection error is returned with a nil instance.
func (g *Gateway) dispatch(ctx context.Context, j *job, route Route, t, prev providers.Type) (*pool.Instance, *Response, error) {
	req := &j.req
	var last *pool.Instance
	for i := 0; i < maxReselect; i++ {
		inst, err := g.pool.SelectProvider(ctx, pool.Selection{Preferred: t, Strict: true})
		if err != nil {
			if last != nil {
				return last, nil, fmt.Errorf("%w: %w", pool.ErrQuotaExhausted, err)
			}
			return nil, nil, err
		}
		if i == 0 && prev != "" {
			g.metrics.RecordFallback(req.Agent, string(prev), string(t))
			g.log.InfoContext(ctx, "provider_fallback",
				slog.String("request_id", req.ID),
				slog.String("from", string(prev)),
				slog.String("to", string(t)),
			)
		}

		res, err := g.attempt(ctx, j, inst, route)
		if !errors.Is(err, pool.ErrQuotaExhausted) {
			return inst, res, err
		}
		last = inst
	}
	return last, nil, fmt.Errorf("proxy: %s: %w", t, pool.ErrQuotaExhausted)
}

// attempt runs one provider call and, for non-streaming calls, records its
// cost.
func (g *Gateway) attempt(ctx context.Context, j *job, inst *pool.Instance, route Route) (*Response, error) {
	req := &j.req
	model := inst.Model
	if route.Model != "" && inst.Type == route.Primary {
		model = route.Model
	}
	creq := &providers.CompletionRequest{
		Model:       model,
		Messages:    req.messages(),
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		RequestID:   req.ID,
	}

	callCtx := ctx
	if !req.Stream {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.providerTimeout)
		defer cancel()
	}

	resp, err := g.pool.ExecuteRequest(callCtx, inst, creq)
	if err != nil {
		return nil, err
	}
	if resp.Model != "" {
		model = resp.Model
	}

	res := &Response{
		RequestID: req.ID,
		Provider:  inst.Type,
		Instance:  inst.ID,
		Model:     model,
		Queued:    j.queued,
	}
	if req.Stream {
		g.bus.Emit(events.EarlyHint, req.ID, map[string]any{
			"provider": string(inst.Type),
			"instance": inst.ID,
			"model":    model,
		})
		res.Stream = g.relay(ctx, j, res, resp.Stream)
		return res, nil
	}

	res.Content = resp.Content
	res.Usage = resp.Usage
	g.track(j, res)
	return res, nil
}

// track records the cost of one successful call.
func (g *Gateway) track(j *job, res *Response) {
	if g.cost == nil {
		return
	}
	cd := g.cost.TrackUsage(cost.Usage{
		RequestID:    j.req.ID,
		Agent:        j.req.Agent,
		Provider:     res.Provider,
		Model:        res.Model,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		Prompt:       j.req.cacheText(),
		Completion:   res.Content,
	})
	res.CostUSD = cd.Total
	res.Usage = providers.Usage{InputTokens: cd.InputTokens, OutputTokens: cd.OutputTokens}
}

func (g *Gateway) writeCache(ctx context.Context, req *Request, res *Response) {
	if g.cache == nil || res.Content == "" {
		return
	}
	md := cache.Metadata{
		Context:  req.cacheContext(),
		Provider: string(res.Provider),
		Model:    res.Model,
		Economy:  g.cost != nil && g.cost.Mode() == cost.ModeEconomy,
	}
	if err := g.cache.Set(ctx, req.cacheText(), res.Content, md); err != nil {
		g.log.DebugContext(ctx, "cache_write_skipped",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
}

// serveCached turns a cache hit into a response. Streaming callers get the
// cached text through the stream optimizer like any other stream.
func (g *Gateway) serveCached(ctx context.Context, j *job, hit cache.Result) *Response {
	res := &Response{
		RequestID:  j.req.ID,
		Provider:   providers.Type(hit.Provider),
		Model:      hit.Model,
		Cached:     true,
		CacheMatch: hit.Type,
		Similarity: hit.Similarity,
	}
	g.log.DebugContext(ctx, "cache_hit",
		slog.String("request_id", j.req.ID),
		slog.String("match", string(hit.Type)),
		slog.Float64("similarity", hit.Similarity),
	)
	if !j.req.Stream {
		res.Content = hit.Content
		return res
	}

	src := make(chan providers.StreamChunk, 1)
	src <- providers.StreamChunk{Content: hit.Content}
	close(src)
	res.Stream = g.relay(ctx, j, res, src)
	return res
}

// relay pushes an upstream stream through the stream optimizer to the
// caller. When the stream ends the request is priced, cached when it
// completed cleanly and finalised. res itself is never modified after
// return.
func (g *Gateway) relay(ctx context.Context, j *job, res *Response, upstream <-chan providers.StreamChunk) <-chan stream.Chunk {
	g.stats.streamed.Add(1)
	paced := g.stream.Optimize(ctx, upstream, stream.Options{BandwidthKbps: j.req.BandwidthKbps})
	out := make(chan stream.Chunk)

	go func() {
		defer close(out)

		var (
			sb        strings.Builder
			streamErr error
			delivered = true
		)
		for c := range paced {
			sb.WriteString(c.Text)
			if c.Err != nil {
				streamErr = c.Err
			}
			if !delivered {
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				// Keep draining so the optimizer can exit.
				delivered = false
			}
		}

		final := *res
		final.Stream = nil
		final.Content = sb.String()
		if !final.Cached {
			g.track(j, &final)
		}

		switch {
		case ctx.Err() != nil:
			j.finish(&final, outcomeFor(ctx, ctx.Err()), ctx.Err())
		case streamErr != nil:
			j.finish(&final, OutcomeStreamError, streamErr)
		default:
			if !final.Cached {
				g.writeCache(ctx, &j.req, &final)
			}
			j.finish(&final, j.outcome(&final), nil)
		}
	}()
	return out
}

func isTimeout(err error) bool {
	return errors.Is(err, providers.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// outcomeFor labels a failed request.
func outcomeFor(ctx context.Context, err error) string {
	var exhausted *ExhaustedError
	switch {
	case errors.Is(err, admission.ErrQueueFull):
		return OutcomeQueueFull
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, context.Canceled), ctx.Err() != nil:
		return OutcomeCanceled
	case errors.As(err, &exhausted):
		return OutcomeExhausted
	default:
		return providers.Classify(err)
	}
}
