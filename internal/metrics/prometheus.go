// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
//
// Every recording method is safe to call on a nil *Registry, so components
// can treat metrics as optional.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequests *prometheus.CounterVec

	// gateway_requests_total{agent,tier,outcome}
	requests *prometheus.CounterVec

	// gateway_request_duration_seconds{agent,outcome}
	requestDuration *prometheus.HistogramVec

	// gateway_upstream_attempts_total{provider_type,instance,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider_type,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_fallback_total{agent,from,to}
	fallbacks *prometheus.CounterVec

	// gateway_fallback_exhausted_total{agent}
	exhausted *prometheus.CounterVec

	// gateway_circuit_breaker_state{instance} 0=closed 1=open 2=half-open
	breakerState *prometheus.GaugeVec

	// gateway_circuit_breaker_transitions_total{instance,to_state}
	breakerTransitions *prometheus.CounterVec

	// gateway_provider_healthy{instance}
	providerHealthy *prometheus.GaugeVec

	// gateway_provider_ratelimited_total{instance}
	rateLimited *prometheus.CounterVec

	// gateway_cache_lookups_total{result} exact|semantic|miss|bypass
	cacheLookups *prometheus.CounterVec

	// gateway_cache_entries
	cacheEntries prometheus.Gauge

	// gateway_cache_evictions_total{reason} capacity|expired|integrity
	cacheEvictions *prometheus.CounterVec

	// gateway_cost_usd_total{provider_type}
	costTotal *prometheus.CounterVec

	// gateway_tokens_total{provider_type,direction}
	tokens *prometheus.CounterVec

	// gateway_budget_usage_ratio{window}
	budgetUsage *prometheus.GaugeVec

	// gateway_optimization_mode{mode}
	mode *prometheus.GaugeVec

	// gateway_admission_waiting / gateway_admission_rejected_total
	queueWaiting  prometheus.Gauge
	queueRejected prometheus.Counter

	// gateway_stream_chunks_total{band}
	streamChunks *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New creates a Registry with all gateway metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Requests currently being processed by the orchestrator",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "HTTP requests handled by the gateway server",
		}, []string{"route", "status"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Finished inference requests by agent, tier and outcome",
		}, []string{"agent", "tier", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end inference request latency",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"agent", "outcome"}),
		upstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_attempts_total",
			Help: "Provider calls by instance and outcome",
		}, []string{"provider_type", "instance", "outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_attempt_duration_seconds",
			Help:    "Provider call latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider_type", "outcome"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_fallback_total",
			Help: "Fallback hops from one provider type to the next",
		}, []string{"agent", "from", "to"}),
		exhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_fallback_exhausted_total",
			Help: "Requests that failed after every fallback was tried",
		}, []string{"agent"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per instance (0=closed, 1=open, 2=half-open)",
		}, []string{"instance"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		}, []string{"instance", "to_state"}),
		providerHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_provider_healthy",
			Help: "Last health probe result per instance (1=healthy)",
		}, []string{"instance"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_provider_ratelimited_total",
			Help: "Selections that skipped an instance because its window quota was used up",
		}, []string{"instance"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_lookups_total",
			Help: "Semantic cache lookups by result",
		}, []string{"result"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_cache_entries",
			Help: "Entries currently held by the in-memory cache",
		}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_evictions_total",
			Help: "Cache entries removed by reason",
		}, []string{"reason"}),
		costTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cost_usd_total",
			Help: "Tracked inference spend in USD",
		}, []string{"provider_type"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Tokens consumed by provider type and direction",
		}, []string{"provider_type", "direction"}),
		budgetUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_budget_usage_ratio",
			Help: "Spend divided by cap for the current window",
		}, []string{"window"}),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_optimization_mode",
			Help: "Current routing mode (1 for the active mode)",
		}, []string{"mode"}),
		queueWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_admission_waiting",
			Help: "Low-priority requests waiting in the admission queue",
		}),
		queueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_admission_rejected_total",
			Help: "Requests rejected because the admission queue was full",
		}),
		streamChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_stream_chunks_total",
			Help: "Chunks emitted by the stream optimizer",
		}, []string{"band"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_build_info",
			Help: "Build information",
		}, []string{"version"}),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequests,
		r.requests,
		r.requestDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.fallbacks,
		r.exhausted,
		r.breakerState,
		r.breakerTransitions,
		r.providerHealthy,
		r.rateLimited,
		r.cacheLookups,
		r.cacheEntries,
		r.cacheEvictions,
		r.costTotal,
		r.tokens,
		r.budgetUsage,
		r.mode,
		r.queueWaiting,
		r.queueRejected,
		r.streamChunks,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() {
	if r != nil {
		r.inFlight.Inc()
	}
}

func (r *Registry) DecInFlight() {
	if r != nil {
		r.inFlight.Dec()
	}
}

func (r *Registry) ObserveHTTP(route, status string) {
	if r != nil {
		r.httpRequests.WithLabelValues(route, status).Inc()
	}
}

// ObserveRequest records one finished inference request.
func (r *Registry) ObserveRequest(agent, tier, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(agent, tier, outcome).Inc()
	r.requestDuration.WithLabelValues(agent, outcome).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one provider call.
func (r *Registry) ObserveUpstreamAttempt(providerType, instance, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.upstreamAttempts.WithLabelValues(providerType, instance, outcome).Inc()
	r.upstreamDuration.WithLabelValues(providerType, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFallback(agent, from, to string) {
	if r != nil {
		r.fallbacks.WithLabelValues(agent, from, to).Inc()
	}
}

func (r *Registry) RecordExhausted(agent string) {
	if r != nil {
		r.exhausted.WithLabelValues(agent).Inc()
	}
}

// SetBreakerState sets the breaker gauge. transitioned also bumps the
// transition counter.
func (r *Registry) SetBreakerState(instance string, state int, label string, transitioned bool) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(instance).Set(float64(state))
	if transitioned {
		r.breakerTransitions.WithLabelValues(instance, label).Inc()
	}
}

func (r *Registry) SetProviderHealth(instance string, ok bool) {
	if r == nil {
		return
	}
	v := 0.0
	if ok {
		v = 1
	}
	r.providerHealthy.WithLabelValues(instance).Set(v)
}

func (r *Registry) RecordRateLimited(instance string) {
	if r != nil {
		r.rateLimited.WithLabelValues(instance).Inc()
	}
}

// CacheLookup records a lookup result: exact, semantic, miss or bypass.
func (r *Registry) CacheLookup(result string) {
	if r != nil {
		r.cacheLookups.WithLabelValues(result).Inc()
	}
}

func (r *Registry) SetCacheEntries(n int) {
	if r != nil {
		r.cacheEntries.Set(float64(n))
	}
}

func (r *Registry) CacheEvicted(reason string, n int) {
	if r != nil && n > 0 {
		r.cacheEvictions.WithLabelValues(reason).Add(float64(n))
	}
}

// AddCost records spend and token usage for one provider call.
func (r *Registry) AddCost(providerType string, usd float64, inputTokens, outputTokens int) {
	if r == nil {
		return
	}
	if usd > 0 {
		r.costTotal.WithLabelValues(providerType).Add(usd)
	}
	if inputTokens > 0 {
		r.tokens.WithLabelValues(providerType, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokens.WithLabelValues(providerType, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetBudgetUsage(daily, monthly float64) {
	if r == nil {
		return
	}
	r.budgetUsage.WithLabelValues("daily").Set(daily)
	r.budgetUsage.WithLabelValues("monthly").Set(monthly)
}

// SetMode marks active as the current mode among all known modes.
func (r *Registry) SetMode(active string, all ...string) {
	if r == nil {
		return
	}
	for _, m := range all {
		r.mode.WithLabelValues(m).Set(0)
	}
	r.mode.WithLabelValues(active).Set(1)
}

func (r *Registry) SetQueueWaiting(n int) {
	if r != nil {
		r.queueWaiting.Set(float64(n))
	}
}

func (r *Registry) QueueRejected() {
	if r != nil {
		r.queueRejected.Inc()
	}
}

func (r *Registry) StreamChunk(band string) {
	if r != nil {
		r.streamChunks.WithLabelValues(band).Inc()
	}
}

func (r *Registry) SetBuildInfo(version string) {
	if r != nil {
		// Gauge is used so the time series always exists.
		r.buildInfo.WithLabelValues(version).Set(1)
	}
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
