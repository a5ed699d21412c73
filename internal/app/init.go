package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nulpointcorp/inference-gateway/internal/admission"
	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/config"
	"github.com/nulpointcorp/inference-gateway/internal/cost"
	"github.com/nulpointcorp/inference-gateway/internal/events"
	"github.com/nulpointcorp/inference-gateway/internal/logger"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/pool"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/proxy"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
	"github.com/nulpointcorp/inference-gateway/internal/stream"
)

// initInfra establishes optional external connections. Redis is needed for
// the cache L2 tier or the shared rate window.
func (a *App) initInfra(ctx context.Context) error {
	cfg := a.config()
	a.bus = events.NewBus()
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	needRedis := (cfg.Cache.Enabled && cfg.Cache.L2) || cfg.Pool.RateLimitBackend == "redis"
	if !needRedis {
		return nil
	}

	a.log.Info("redis_connecting", slog.String("url", redactURL(cfg.Redis.URL)))
	rdb, err := connectRedis(ctx, cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis_connected")
	return nil
}

// initPool registers every configured instance with the pool manager and
// starts the health monitor.
func (a *App) initPool(ctx context.Context) error {
	cfg := a.config()

	strategy, err := pool.NewStrategy(cfg.Pool.Strategy)
	if err != nil {
		return err
	}

	var window ratelimit.Window
	if cfg.Pool.RateLimitBackend == "redis" {
		window = ratelimit.NewRedisWindow(a.rdb, ratelimit.DefaultWindow)
	}

	a.pool = pool.NewManager(pool.Options{
		Strategy: strategy,
		Breaker: pool.BreakerConfig{
			Threshold: cfg.Pool.BreakerThreshold,
			Timeout:   cfg.Pool.BreakerTimeout,
		},
		Window:  window,
		Bus:     a.bus,
		Metrics: a.prom,
		Logger:  a.log,
	})

	for _, pc := range cfg.Providers {
		t, err := providers.ParseType(pc.Type)
		if err != nil {
			return err
		}
		specs := make([]pool.InstanceSpec, 0, len(pc.Instances)+1)
		for _, in := range pc.Resolved() {
			client, err := buildClient(ctx, t, pc, in, cfg.Gateway.ProviderTimeout)
			if err != nil {
				return fmt.Errorf("provider %s: %w", t, err)
			}
			specs = append(specs, pool.InstanceSpec{
				ID:        in.ID,
				Client:    client,
				Model:     in.Model,
				Endpoint:  in.BaseURL,
				RateLimit: in.RateLimit,
				Weight:    in.Weight,
			})
		}
		a.pool.RegisterProvider(t, specs...)
	}
	if len(a.pool.Instances()) == 0 {
		return fmt.Errorf("no provider instances configured")
	}

	a.monitor = pool.NewMonitor(a.pool, pool.MonitorOptions{
		Interval:          cfg.Pool.HealthInterval,
		Timeout:           cfg.Pool.HealthTimeout,
		DegradedThreshold: cfg.Pool.DegradedThreshold,
		Bus:               a.bus,
		Metrics:           a.prom,
		Logger:            a.log,
	})
	a.monitor.Start(a.baseCtx)
	return nil
}

// initServices builds the cache, cost optimizer, admission queue, stream
// optimizer and job log.
func (a *App) initServices(ctx context.Context) error {
	cfg := a.config()

	if cfg.Cache.Enabled {
		c, err := a.buildCache(cfg)
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
		a.cache = c
		a.cache.StartSweeper(a.baseCtx)
	} else {
		a.log.Info("cache_disabled")
	}

	mode, err := cost.ParseMode(cfg.Budget.Mode)
	if err != nil {
		return err
	}
	a.cost = cost.New(cost.Options{
		DailyBudget:     cfg.Budget.Daily,
		MonthlyBudget:   cfg.Budget.Monthly,
		AlertFraction:   cfg.Budget.AlertFraction,
		EconomyFraction: cfg.Budget.EconomyFraction,
		BaseMode:        mode,
		Pricing:         cost.DefaultPricing().Merge(pricingFromConfig(cfg.Pricing)),
		Bus:             a.bus,
		Metrics:         a.prom,
		Logger:          a.log,
	})

	a.queue = admission.New(admission.Options{
		Slots:   cfg.Queue.Slots,
		Depth:   cfg.Queue.Depth,
		Metrics: a.prom,
		Logger:  a.log,
	})

	a.stream = stream.New(stream.Config{
		ChunkSize: cfg.Stream.ChunkSize,
		Delay:     cfg.Stream.Delay,
		Metrics:   a.prom,
		Logger:    a.log,
	})

	jobs, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("job log: %w", err)
	}
	a.jobs = jobs
	return nil
}

func (a *App) buildCache(cfg *config.Config) (*cache.SemanticCache, error) {
	var embedder cache.Embedder = cache.HashEmbedder{Dim: cfg.Cache.EmbeddingDim}
	if cfg.Cache.Embedder == "provider" {
		backend, err := a.embeddingBackend(providers.Type(cfg.Cache.EmbeddingProvider))
		if err != nil {
			return nil, err
		}
		pe, err := cache.NewProviderEmbedder(backend, cfg.Cache.EmbeddingModel, 0)
		if err != nil {
			return nil, err
		}
		embedder = pe
	}

	var store cache.Store
	if cfg.Cache.L2 {
		store = cache.NewRedisStore(a.rdb, a.log)
	}

	var bypass *cache.BypassList
	if len(cfg.Cache.BypassAgents) > 0 || len(cfg.Cache.BypassPatterns) > 0 {
		bl, err := cache.NewBypassList(cfg.Cache.BypassAgents, cfg.Cache.BypassPatterns)
		if err != nil {
			return nil, fmt.Errorf("bypass list: %w", err)
		}
		bypass = bl
		a.log.Info("cache_bypass_loaded", slog.Int("rules", bl.Len()))
	}

	ttl := cache.DefaultTTLPolicy()
	ttl.Default = cfg.Cache.TTLDefault
	ttl.Exact = cfg.Cache.TTLExact
	ttl.Semantic = cfg.Cache.TTLSemantic
	ttl.Realtime = cfg.Cache.TTLRealtime

	a.log.Info("cache_configured",
		slog.String("embedder", cfg.Cache.Embedder),
		slog.Bool("l2", store != nil),
		slog.Int("max_size", cfg.Cache.MaxSize),
	)
	return cache.New(cache.Options{
		MaxSize:             cfg.Cache.MaxSize,
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
		TTL:                 ttl,
		SweepInterval:       cfg.Cache.SweepInterval,
		Embedder:            embedder,
		Store:               store,
		Bypass:              bypass,
		Bus:                 a.bus,
		Metrics:             a.prom,
		Logger:              a.log,
	}), nil
}

// embeddingBackend returns the first registered instance of t whose client
// can embed.
func (a *App) embeddingBackend(t providers.Type) (providers.Embedder, error) {
	for _, inst := range a.pool.Instances() {
		if inst.Type != t {
			continue
		}
		if e, ok := inst.Client.(providers.Embedder); ok {
			return e, nil
		}
	}
	return nil, fmt.Errorf("no %s instance supports embeddings", t)
}

// initGateway wires the orchestrator over every component.
func (a *App) initGateway(_ context.Context) error {
	cfg := a.config()
	// In-flight requests outlive the signal context; Shutdown decides when
	// they are aborted.
	gw, err := proxy.New(context.WithoutCancel(a.baseCtx), proxy.Options{
		Pool:            a.pool,
		Monitor:         a.monitor,
		Cache:           a.cache,
		Cost:            a.cost,
		Queue:           a.queue,
		Stream:          a.stream,
		Bus:             a.bus,
		Metrics:         a.prom,
		JobLog:          a.jobs,
		Logger:          a.log,
		Routes:          a.route,
		RequestTimeout:  cfg.Gateway.RequestTimeout,
		ProviderTimeout: cfg.Gateway.ProviderTimeout,
		DrainTimeout:    cfg.Gateway.DrainTimeout,
		CORSOrigins:     cfg.CORSOrigins,
	})
	if err != nil {
		return err
	}
	a.gw = gw
	return nil
}

// route resolves an agent against the current config, so reloads apply to
// the next request.
func (a *App) route(agent string) proxy.Route {
	ac := a.config().Agent(agent)
	r := proxy.Route{Primary: providers.Type(strings.ToLower(ac.Primary)), Model: ac.Model}
	for _, f := range ac.Fallbacks {
		r.Fallbacks = append(r.Fallbacks, providers.Type(strings.ToLower(f)))
	}
	return r
}

func pricingFromConfig(pc config.PricingConfig) cost.Pricing {
	p := cost.Pricing{
		Models: make(map[string]cost.Rate, len(pc.Models)),
		Types:  make(map[providers.Type]cost.Rate, len(pc.Types)),
	}
	for k, r := range pc.Models {
		p.Models[strings.ToLower(k)] = cost.Rate{Input: r.Input, Output: r.Output}
	}
	for k, r := range pc.Types {
		p.Types[providers.Type(strings.ToLower(k))] = cost.Rate{Input: r.Input, Output: r.Output}
	}
	return p
}

// redactURL replaces the userinfo of a URL with "***" for logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	at := strings.LastIndex(raw, "@")
	if at < 0 {
		return raw
	}
	if scheme := strings.Index(raw, "://"); scheme >= 0 && scheme < at {
		return raw[:scheme+3] + "***" + raw[at:]
	}
	return "***" + raw[at:]
}
