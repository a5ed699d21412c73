package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/events"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
)

// ErrNoAvailableProvider is returned by SelectProvider when no instance is
// eligible.
var ErrNoAvailableProvider = fmt.Errorf("pool: no available provider: %w", providers.ErrProviderUnavailable)

// ErrQuotaExhausted is returned by ExecuteRequest when the instance's rate
// window filled up between selection and dispatch. The breaker is untouched
// and another instance may be selected.
var ErrQuotaExhausted = fmt.Errorf("pool: instance quota exhausted: %w", providers.ErrRateLimited)

// Options configures a Manager. Nil fields get working defaults.
type Options struct {
	Strategy Strategy
	Breaker  BreakerConfig

	// Window counts requests per instance for rate limiting. Defaults to an
	// in-process MemoryWindow.
	Window ratelimit.Window

	Bus     *events.Bus
	Metrics *metrics.Registry
	Logger  *slog.Logger
	Now     func() time.Time
}

// Manager owns the instance table. It is safe for concurrent use.
type Manager struct {
	strategy   Strategy
	breakerCfg BreakerConfig
	window     ratelimit.Window
	bus        *events.Bus
	metrics    *metrics.Registry
	log        *slog.Logger
	now        func() time.Time

	mu        sync.RWMutex
	instances []*Instance
	byID      map[string]*Instance
	perType   map[providers.Type]int
}

// NewManager returns an empty Manager.
func NewManager(opts Options) *Manager {
	if opts.Strategy == nil {
		opts.Strategy = &roundRobin{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Window == nil {
		opts.Window = ratelimit.NewMemoryWindow(ratelimit.DefaultWindow, opts.Now)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		strategy:   opts.Strategy,
		breakerCfg: opts.Breaker,
		window:     opts.Window,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		now:        opts.Now,
		byID:       make(map[string]*Instance),
		perType:    make(map[providers.Type]int),
	}
}

// RegisterProvider adds one instance per InstanceSpec. Every instance starts
// healthy with a closed breaker.
func (m *Manager) RegisterProvider(t providers.Type, specs ...InstanceSpec) []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Instance, 0, len(specs))
	for _, s := range specs {
		id := s.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", t, m.perType[t])
		}
		m.perType[t]++

		inst := &Instance{
			ID:        id,
			Type:      t,
			Model:     s.Model,
			Endpoint:  s.Endpoint,
			RateLimit: s.RateLimit,
			Weight:    s.Weight,
			Client:    s.Client,
			breaker:   NewBreaker(m.breakerCfg, m.now),
		}
		inst.health = HealthStatus{Healthy: true, LastCheck: m.now()}
		inst.breaker.onChange = func(from, to State) { m.breakerChanged(inst, from, to) }

		m.instances = append(m.instances, inst)
		m.byID[id] = inst
		m.metrics.SetBreakerState(id, int(StateClosed), StateClosed.String(), false)
		m.metrics.SetProviderHealth(id, true)
		out = append(out, inst)

		m.log.Info("provider_registered",
			slog.String("instance", id),
			slog.String("type", string(t)),
			slog.String("model", s.Model),
			slog.Int("rate_limit", s.RateLimit),
			slog.Int("weight", inst.weight()),
		)
	}
	return out
}

// Instances returns a copy of the instance table in registration order.
func (m *Manager) Instances() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Instance, len(m.instances))
	copy(out, m.instances)
	return out
}

func (m *Manager) Instance(id string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.byID[id]
	return inst, ok
}

// Types returns the registered provider types in registration order.
func (m *Manager) Types() []providers.Type {
	var out []providers.Type
	seen := make(map[providers.Type]bool)
	for _, inst := range m.Instances() {
		if !seen[inst.Type] {
			seen[inst.Type] = true
			out = append(out, inst.Type)
		}
	}
	return out
}

// EligibleTypes returns the provider types with at least one eligible
// instance right now.
func (m *Manager) EligibleTypes(ctx context.Context) []providers.Type {
	var out []providers.Type
	seen := make(map[providers.Type]bool)
	for _, inst := range m.Instances() {
		if seen[inst.Type] {
			continue
		}
		if m.eligible(ctx, inst) {
			seen[inst.Type] = true
			out = append(out, inst.Type)
		}
	}
	return out
}

// Selection narrows SelectProvider to a provider type.
type Selection struct {
	// Preferred restricts selection to one type when set.
	Preferred providers.Type

	// Strict forbids falling back to other types when no instance of
	// Preferred is eligible.
	Strict bool
}

// SelectProvider returns an eligible instance chosen by the strategy.
func (m *Manager) SelectProvider(ctx context.Context, sel Selection) (*Instance, error) {
	all := m.Instances()

	var eligible, preferred []*Instance
	for _, inst := range all {
		if !m.eligible(ctx, inst) {
			continue
		}
		eligible = append(eligible, inst)
		if sel.Preferred != "" && inst.Type == sel.Preferred {
			preferred = append(preferred, inst)
		}
	}

	switch {
	case len(preferred) > 0:
		return m.strategy.Pick(preferred), nil
	case sel.Preferred != "" && sel.Strict:
		return nil, fmt.Errorf("pool: no eligible %s instance: %w", sel.Preferred, ErrNoAvailableProvider)
	case len(eligible) > 0:
		return m.strategy.Pick(eligible), nil
	default:
		return nil, ErrNoAvailableProvider
	}
}

// eligible reports whether inst is healthy, not behind an open breaker and
// under its rate window.
func (m *Manager) eligible(ctx context.Context, inst *Instance) bool {
	if !inst.Health().Healthy {
		return false
	}
	if !inst.breaker.Available() {
		return false
	}
	if inst.RateLimit > 0 {
		n, _ := m.window.Count(ctx, inst.ID)
		if n >= inst.RateLimit {
			m.metrics.RecordRateLimited(inst.ID)
			return false
		}
	}
	return true
}

// ExecuteRequest runs req on inst behind the instance's breaker. For
// streaming responses the returned stream is a wrapper that records the
// outcome and releases the in-flight slot once the upstream stream drains.
func (m *Manager) ExecuteRequest(ctx context.Context, inst *Instance, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	if !inst.breaker.Allow() {
		return nil, fmt.Errorf("pool: %s: circuit open: %w", inst.ID, providers.ErrProviderUnavailable)
	}
	if inst.RateLimit > 0 {
		// Selection only filters on the count; the reservation decides.
		if ok, _ := m.window.Allow(ctx, inst.ID, inst.RateLimit); !ok {
			inst.breaker.Release()
			m.metrics.RecordRateLimited(inst.ID)
			return nil, fmt.Errorf("pool: %s: %w", inst.ID, ErrQuotaExhausted)
		}
	}
	inst.inFlight.Add(1)
	start := m.now()

	resp, err := inst.Client.Complete(ctx, req)
	if err != nil {
		inst.inFlight.Add(-1)
		m.record(inst, err, start)
		return nil, fmt.Errorf("pool: %s: %w", inst.ID, err)
	}

	if resp.Stream == nil {
		inst.inFlight.Add(-1)
		m.record(inst, nil, start)
		return resp, nil
	}

	upstream := resp.Stream
	out := make(chan providers.StreamChunk, providers.StreamBuffer)
	wrapped := *resp
	wrapped.Stream = out

	go func() {
		defer close(out)
		defer inst.inFlight.Add(-1)

		var streamErr error
		for c := range upstream {
			if c.FinishReason == providers.FinishReasonError {
				streamErr = errors.New(c.Content)
			}
			if !providers.SendChunk(ctx, out, c) {
				streamErr = ctx.Err()
				break
			}
		}
		m.record(inst, streamErr, start)
	}()

	return &wrapped, nil
}

// record feeds the call outcome to the breaker and metrics.
func (m *Manager) record(inst *Instance, err error, start time.Time) {
	outcome := providers.Classify(err)
	m.metrics.ObserveUpstreamAttempt(string(inst.Type), inst.ID, outcome, m.now().Sub(start))

	switch {
	case err == nil:
		inst.breaker.RecordSuccess()
	case !countsAsFailure(err):
		inst.breaker.Release()
	default:
		inst.breaker.RecordFailure()
		m.log.Warn("provider_call_failed",
			slog.String("instance", inst.ID),
			slog.String("type", string(inst.Type)),
			slog.String("reason", outcome),
			slog.String("error", err.Error()),
		)
	}
}

// countsAsFailure reports whether err says something about the instance
// rather than the caller. Cancellation and malformed requests do not.
func countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		switch sc.HTTPStatus() {
		case http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
			return false
		}
	}
	return true
}

func (m *Manager) breakerChanged(inst *Instance, from, to State) {
	m.metrics.SetBreakerState(inst.ID, int(to), to.String(), true)
	attrs := map[string]any{"instance": inst.ID, "type": string(inst.Type), "from": from.String()}

	switch to {
	case StateOpen:
		m.bus.Emit(events.CircuitOpened, "", attrs)
		m.log.Warn("circuit_opened", slog.String("instance", inst.ID), slog.String("from", from.String()))
	case StateClosed:
		m.bus.Emit(events.CircuitClosed, "", attrs)
		m.log.Info("circuit_closed", slog.String("instance", inst.ID))
	default:
		m.log.Info("circuit_half_open", slog.String("instance", inst.ID))
	}
}

// InstanceStats is the per-instance part of Stats.
type InstanceStats struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Model       string    `json:"model,omitempty"`
	State       string    `json:"breaker_state"`
	Failures    int       `json:"consecutive_failures"`
	LastFailure time.Time `json:"last_failure,omitzero"`
	InFlight    int64     `json:"in_flight"`
	Healthy     bool      `json:"healthy"`
	LastError   string    `json:"last_health_error,omitempty"`
	WindowCount int       `json:"window_count"`
	RateLimit   int       `json:"rate_limit"`
	Weight      int       `json:"weight"`
}

// Stats summarises the pool.
type Stats struct {
	Strategy  string          `json:"strategy"`
	Total     int             `json:"total"`
	Healthy   int             `json:"healthy"`
	Open      int             `json:"open"`
	Instances []InstanceStats `json:"instances"`
}

func (m *Manager) Stats(ctx context.Context) Stats {
	all := m.Instances()
	st := Stats{Strategy: m.strategy.Name(), Total: len(all), Instances: make([]InstanceStats, 0, len(all))}
	for _, inst := range all {
		snap := inst.breaker.Snapshot()
		h := inst.Health()
		n, _ := m.window.Count(ctx, inst.ID)
		if h.Healthy {
			st.Healthy++
		}
		if snap.State == StateOpen {
			st.Open++
		}
		st.Instances = append(st.Instances, InstanceStats{
			ID:          inst.ID,
			Type:        string(inst.Type),
			Model:       inst.Model,
			State:       snap.State.String(),
			Failures:    snap.Failures,
			LastFailure: snap.LastFailure,
			InFlight:    inst.InFlight(),
			Healthy:     h.Healthy,
			LastError:   h.LastError,
			WindowCount: n,
			RateLimit:   inst.RateLimit,
			Weight:      inst.weight(),
		})
	}
	return st
}
