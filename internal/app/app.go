// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     event bus, metrics and Redis when needed
//  2. initPool      provider clients, pool manager, health monitor
//  3. initServices  cache, cost optimizer, admission queue, stream, job log
//  4. initGateway   the orchestrator and its HTTP surface
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/inference-gateway/internal/admission"
	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/config"
	"github.com/nulpointcorp/inference-gateway/internal/cost"
	"github.com/nulpointcorp/inference-gateway/internal/events"
	"github.com/nulpointcorp/inference-gateway/internal/logger"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/pool"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	anthropicprov "github.com/nulpointcorp/inference-gateway/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/inference-gateway/internal/providers/gemini"
	openaiprov "github.com/nulpointcorp/inference-gateway/internal/providers/openai"
	"github.com/nulpointcorp/inference-gateway/internal/proxy"
	"github.com/nulpointcorp/inference-gateway/internal/stream"
)

const (
	redisPingTimeout = 5 * time.Second
	// serverStopGrace bounds how long the HTTP listener waits for open
	// connections once the gateway has drained.
	serverStopGrace = 5 * time.Second
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     atomic.Pointer[config.Config]
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connection, nil when not configured.
	rdb *redis.Client

	bus     *events.Bus
	prom    *metrics.Registry
	pool    *pool.Manager
	monitor *pool.Monitor
	cache   *cache.SemanticCache
	cost    *cost.Optimizer
	queue   *admission.Queue
	stream  *stream.Optimizer
	jobs    *logger.Logger
	gw      *proxy.Gateway

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{version: version, baseCtx: ctx, log: log}
	a.cfg.Store(cfg)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"pool", a.initPool},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

func (a *App) config() *config.Config { return a.cfg.Load() }

// Gateway exposes the orchestrator.
func (a *App) Gateway() *proxy.Gateway { return a.gw }

// Run serves HTTP until ctx is cancelled, then drains the gateway and stops
// the listener. It also warms the cache and applies config reloads.
func (a *App) Run(ctx context.Context) error {
	cfg := a.config()
	addr := fmt.Sprintf(":%d", cfg.Port)
	server := a.gw.NewServer()

	a.log.Info("gateway_starting",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("instances", len(a.pool.Instances())),
		slog.Bool("cache", a.cache != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.ListenAndServe(addr); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("gateway_shutdown_requested")

		if err := a.gw.Shutdown(context.Background()); err != nil && !errors.Is(err, proxy.ErrDrainTimeout) {
			a.log.Error("gateway_shutdown_failed", slog.String("error", err.Error()))
		}
		sctx, cancel := context.WithTimeout(context.Background(), serverStopGrace)
		defer cancel()
		if err := server.ShutdownWithContext(sctx); err != nil {
			a.log.Warn("http_shutdown_incomplete", slog.String("error", err.Error()))
		}
		return nil
	})

	if len(cfg.Warmup) > 0 {
		g.Go(func() error {
			a.warm(gctx, cfg.Warmup)
			return nil
		})
	}

	if cfg.File != "" {
		w, err := config.Watch(cfg.File, 0, a.log)
		if err != nil {
			a.log.Warn("config_watch_disabled", slog.String("error", err.Error()))
		} else {
			g.Go(func() error {
				defer w.Close()
				a.watch(gctx, w)
				return nil
			})
		}
	}

	err := g.Wait()
	a.Close()
	return err
}

func (a *App) warm(ctx context.Context, entries []config.WarmupEntry) {
	list := make([]proxy.WarmEntry, len(entries))
	for i, e := range entries {
		list[i] = proxy.WarmEntry{Prompt: e.Prompt, Agent: e.Agent, Tier: e.Tier, Response: e.Response}
	}
	a.gw.WarmCache(ctx, list)
}

// watch applies reloaded configs until ctx is done. Budgets, the base mode
// and agent routes take effect live; everything else needs a restart.
func (a *App) watch(ctx context.Context, w *config.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-w.Updates():
			if !ok {
				return
			}
			a.apply(next)
		}
	}
}

func (a *App) apply(next *config.Config) {
	prev := a.cfg.Swap(next)

	if next.Budget.Daily != prev.Budget.Daily || next.Budget.Monthly != prev.Budget.Monthly {
		a.cost.SetBudgets(next.Budget.Daily, next.Budget.Monthly)
	}
	if next.Budget.Mode != prev.Budget.Mode {
		if mode, err := cost.ParseMode(next.Budget.Mode); err == nil {
			a.cost.SetBaseMode(mode)
		}
	}
	a.log.Info("config_applied",
		slog.Float64("daily_budget", next.Budget.Daily),
		slog.Float64("monthly_budget", next.Budget.Monthly),
		slog.String("budget_mode", next.Budget.Mode),
		slog.Int("agents", len(next.Agents)),
	)
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.gw != nil {
			// Stops the monitor, the cache sweeper and the event bus.
			_ = a.gw.Shutdown(context.Background())
		} else {
			if a.monitor != nil {
				a.monitor.Close()
			}
			if a.cache != nil {
				a.cache.Close()
			}
			a.bus.Close()
		}
		if a.jobs != nil {
			if err := a.jobs.Close(); err != nil {
				a.log.Error("job_log_close_failed", slog.String("error", err.Error()))
			}
		}
		if a.rdb != nil {
			if err := a.rdb.Close(); err != nil {
				a.log.Error("redis_close_failed", slog.String("error", err.Error()))
			}
		}
	})
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildClient creates the SDK adapter for one instance. Local instances are
// OpenAI-compatible servers reached through the OpenAI adapter.
func buildClient(ctx context.Context, t providers.Type, pc config.ProviderConfig, in config.InstanceConfig, timeout time.Duration) (providers.Client, error) {
	switch t {
	case providers.TypeOpenAI, providers.TypeLocal:
		opts := []openaiprov.Option{openaiprov.WithTimeout(timeout)}
		if in.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(in.BaseURL))
		}
		if t == providers.TypeLocal {
			opts = append(opts, openaiprov.WithName(string(providers.TypeLocal)))
		}
		return openaiprov.New(in.APIKey, opts...), nil

	case providers.TypeAnthropic:
		opts := []anthropicprov.Option{anthropicprov.WithTimeout(timeout)}
		if in.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(in.BaseURL))
		}
		return anthropicprov.New(in.APIKey, opts...), nil

	case providers.TypeGemini:
		opts := []geminiprov.Option{geminiprov.WithTimeout(timeout)}
		if in.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(in.BaseURL))
		}
		if pc.Project != "" {
			opts = append(opts, geminiprov.WithVertex(pc.Project, pc.Location))
		}
		c, err := geminiprov.New(ctx, in.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil

	default:
		return nil, fmt.Errorf("unsupported provider type %q", t)
	}
}
