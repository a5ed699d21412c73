package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/inference-gateway/internal/events"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
)

// fakeClient is a providers.Client whose behaviour tests can switch.
type fakeClient struct {
	name  string
	calls atomic.Int64

	mu      sync.Mutex
	err     error
	pingErr error
	stream  []string
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeClient) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	f.calls.Add(1)
	f.mu.Lock()
	err, parts := f.err, f.stream
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !req.Stream {
		return &providers.CompletionResponse{ID: "resp", Content: "ok from " + f.name}, nil
	}
	ch := make(chan providers.StreamChunk, len(parts)+1)
	for _, p := range parts {
		ch <- providers.StreamChunk{Content: p}
	}
	ch <- providers.StreamChunk{FinishReason: "stop"}
	close(ch)
	return &providers.CompletionResponse{ID: "resp", Stream: ch}, nil
}

func (f *fakeClient) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

var errUpstream = &providers.ProviderError{Provider: "fake", StatusCode: 503, Message: "overloaded"}

func newTestManager(clk *fakeClock, bus *events.Bus) *Manager {
	return NewManager(Options{Now: clk.Now, Bus: bus})
}

func TestRegisterProvider_AssignsIDs(t *testing.T) {
	m := newTestManager(newFakeClock(), nil)
	a := m.RegisterProvider(providers.TypeOpenAI, InstanceSpec{Client: &fakeClient{}}, InstanceSpec{Client: &fakeClient{}})
	b := m.RegisterProvider(providers.TypeOpenAI, InstanceSpec{ID: "custom", Client: &fakeClient{}})

	if a[0].ID != "openai-0" || a[1].ID != "openai-1" {
		t.Errorf("unexpected ids %s %s", a[0].ID, a[1].ID)
	}
	if b[0].ID != "custom" {
		t.Errorf("explicit id should be kept, got %s", b[0].ID)
	}
	for _, inst := range m.Instances() {
		if !inst.Health().Healthy || inst.Breaker().State() != StateClosed {
			t.Errorf("%s should start healthy and closed", inst.ID)
		}
	}
	if _, ok := m.Instance("custom"); !ok {
		t.Error("expected lookup by id")
	}
}

func TestSelectProvider_PreferredAndStrict(t *testing.T) {
	m := newTestManager(newFakeClock(), nil)
	m.RegisterProvider(providers.TypeOpenAI, InstanceSpec{Client: &fakeClient{}})
	anth := m.RegisterProvider(providers.TypeAnthropic, InstanceSpec{Client: &fakeClient{}})[0]
	ctx := context.Background()

	got, err := m.SelectProvider(ctx, Selection{Preferred: providers.TypeAnthropic})
	if err != nil || got != anth {
		t.Fatalf("expected anthropic instance, got %v, %v", got, err)
	}

	anth.setHealth(false, errors.New("down"), time.Now())

	got, err = m.SelectProvider(ctx, Selection{Preferred: providers.TypeAnthropic})
	if err != nil || got.Type != providers.TypeOpenAI {
		t.Fatalf("non-strict selection should fall back to openai, got %v, %v", got, err)
	}

	_, err = m.SelectProvider(ctx, Selection{Preferred: providers.TypeAnthropic, Strict: true})
	if !errors.Is(err, ErrNoAvailableProvider) || !errors.Is(err, providers.ErrProviderUnavailable) {
		t.Fatalf("strict selection should fail with ErrNoAvailableProvider, got %v", err)
	}
}

func TestSelectProvider_RateLimitedIsIneligible(t *testing.T) {
	clk := newFakeClock()
	m := NewManager(Options{Now: clk.Now, Window: ratelimit.NewMemoryWindow(time.Minute, clk.Now)})
	inst := m.RegisterProvider(providers.TypeLocal, InstanceSpec{Client: &fakeClient{}, RateLimit: 2})[0]
	ctx := context.Background()
	req := &providers.CompletionRequest{}

	for i := 0; i < 2; i++ {
		if _, err := m.ExecuteRequest(ctx, inst, req); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	if _, err := m.SelectProvider(ctx, Selection{}); !errors.Is(err, ErrNoAvailableProvider) {
		t.Fatalf("expected instance over quota to be ineligible, got %v", err)
	}

	clk.Advance(time.Minute)
	if _, err := m.SelectProvider(ctx, Selection{}); err != nil {
		t.Fatalf("expected quota to reset after the window, got %v", err)
	}
}

func TestExecuteRequest_ConcurrentCallsRespectQuota(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	windows := map[string]ratelimit.Window{
		"memory": ratelimit.NewMemoryWindow(time.Minute, nil),
		"redis":  ratelimit.NewRedisWindow(rdb, time.Minute),
	}
	for name, w := range windows {
		t.Run(name, func(t *testing.T) {
			const limit, callers = 5, 100
			m := NewManager(Options{Window: w})
			fc := &fakeClient{}
			m.RegisterProvider(providers.TypeOpenAI, InstanceSpec{ID: "quota-" + name, Client: fc, RateLimit: limit})

			var (
				wg    sync.WaitGroup
				start = make(chan struct{})
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					inst, err := m.SelectProvider(context.Background(), Selection{})
					if err != nil {
						return
					}
					_, err = m.ExecuteRequest(context.Background(), inst, &providers.CompletionRequest{})
					if errors.Is(err, ErrQuotaExhausted) && !errors.Is(err, providers.ErrRateLimited) {
						t.Errorf("quota errors should be rate limited, got %v", err)
					}
				}()
			}
			close(start)
			wg.Wait()

			if got := fc.calls.Load(); got != limit {
				t.Fatalf("expected exactly %d upstream calls, got %d", limit, got)
			}
			inst, _ := m.Instance("quota-" + name)
			if snap := inst.Breaker().Snapshot(); snap.State != StateClosed || snap.Failures != 0 {
				t.Errorf("quota refusals must not touch the breaker, got %+v", snap)
			}
		})
	}
}

func TestExecuteRequest_CancellationNotRecorded(t *testing.T) {
	m := newTestManager(newFakeClock(), nil)
	fc := &fakeClient{}
	fc.setErr(context.Canceled)
	inst := m.RegisterProvider(providers.TypeOpenAI, InstanceSpec{Client: fc})[0]

	for i := 0; i < DefaultBreakerThreshold+2; i++ {
		_, _ = m.ExecuteRequest(context.Background(), inst, &providers.CompletionRequest{})
	}
	if snap := inst.Breaker().Snapshot(); snap.State != StateClosed || snap.Failures != 0 {
		t.Errorf("cancellations should not count, got %+v", snap)
	}
}

func TestExecuteRequest_BadRequestNotRecorded(t *testing.T) {
	m := newTestManager(newFakeClock(), nil)
	fc := &fakeClient{}
	fc.setErr(&providers.ProviderError{StatusCode: 400, Message: "bad prompt"})
	inst := m.RegisterProvider(providers.TypeOpenAI, InstanceSpec{Client: fc})[0]

	for i := 0; i < DefaultBreakerThreshold; i++ {
		_, _ = m.ExecuteRequest(context.Background(), inst, &providers.CompletionRequest{})
	}
	if inst.Breaker().State() != StateClosed {
		t.Error("malformed requests should not trip the breaker")
	}
}

func TestExecuteRequest_StreamReleasesInFlight(t *testing.T) {
	m := newTestManager(newFakeClock(), nil)
	fc := &fakeClient{stream: []string{"Hello", " world"}}
	inst := m.RegisterProvider(providers.TypeOpenAI, InstanceSpec{Client: fc})[0]

	resp, err := m.ExecuteRequest(context.Background(), inst, &providers.CompletionRequest{Stream: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var text string
	for c := range resp.Stream {
		text += c.Content
	}
	if text != "Hello world" {
		t.Errorf("expected streamed text, got %q", text)
	}

	deadline := time.Now().Add(time.Second)
	for inst.InFlight() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if inst.InFlight() != 0 {
		t.Errorf("expected in-flight to drop to 0, got %d", inst.InFlight())
	}
}

// The classifier agent scenario: five consecutive upstream failures open the
// breaker, the sixth request is rejected without touching the backend, and
// once the timeout passes exactly one probe goes through.
func TestBreakerScenario_OpenThenProbe(t *testing.T) {
	clk := newFakeClock()
	bus := events.NewBus()
	sub := bus.Subscribe(16, events.CircuitOpened, events.CircuitClosed)
	m := newTestManager(clk, bus)

	fc := &fakeClient{name: "classifier-backend"}
	fc.setErr(errUpstream)
	inst := m.RegisterProvider(providers.TypeLocal, InstanceSpec{Client: fc})[0]
	ctx := context.Background()
	req := &providers.CompletionRequest{}

	for i := 0; i < 5; i++ {
		got, err := m.SelectProvider(ctx, Selection{Preferred: providers.TypeLocal, Strict: true})
		if err != nil {
			t.Fatalf("request %d: selection failed early: %v", i+1, err)
		}
		if _, err := m.ExecuteRequest(ctx, got, req); err == nil {
			t.Fatalf("request %d: expected upstream failure", i+1)
		}
	}
	if inst.Breaker().State() != StateOpen {
		t.Fatalf("expected open after 5 failures, got %s", inst.Breaker().State())
	}

	if _, err := m.SelectProvider(ctx, Selection{Preferred: providers.TypeLocal, Strict: true}); !errors.Is(err, providers.ErrProviderUnavailable) {
		t.Fatalf("6th request: expected ErrProviderUnavailable, got %v", err)
	}
	if _, err := m.ExecuteRequest(ctx, inst, req); !errors.Is(err, providers.ErrProviderUnavailable) {
		t.Fatalf("6th request: expected gate rejection, got %v", err)
	}
	if n := fc.calls.Load(); n != 5 {
		t.Fatalf("expected no backend call while open, got %d calls", n)
	}

	fc.setErr(nil)
	clk.Advance(DefaultBreakerTimeout)

	got, err := m.SelectProvider(ctx, Selection{Preferred: providers.TypeLocal, Strict: true})
	if err != nil {
		t.Fatalf("expected half-open instance to be selectable: %v", err)
	}
	if _, err := m.ExecuteRequest(ctx, got, req); err != nil {
		t.Fatalf("probe should succeed: %v", err)
	}
	if n := fc.calls.Load(); n != 6 {
		t.Fatalf("expected exactly one probe call, got %d total", n)
	}
	if inst.Breaker().State() != StateClosed {
		t.Errorf("expected closed after successful probe, got %s", inst.Breaker().State())
	}

	want := []events.Kind{events.CircuitOpened, events.CircuitClosed}
	for _, k := range want {
		select {
		case e := <-sub.C:
			if e.Kind != k {
				t.Errorf("expected %s, got %s", k, e.Kind)
			}
		default:
			t.Errorf("expected %s event", k)
		}
	}
}

func TestStats(t *testing.T) {
	m := newTestManager(newFakeClock(), nil)
	m.RegisterProvider(providers.TypeOpenAI, InstanceSpec{Client: &fakeClient{}, Model: "gpt-4o-mini", Weight: 3})
	m.RegisterProvider(providers.TypeGemini, InstanceSpec{Client: &fakeClient{}})

	st := m.Stats(context.Background())
	if st.Total != 2 || st.Healthy != 2 || st.Open != 0 {
		t.Errorf("unexpected totals %+v", st)
	}
	if st.Strategy != StrategyRoundRobin {
		t.Errorf("expected default strategy, got %s", st.Strategy)
	}
	if st.Instances[0].Weight != 3 || st.Instances[1].Weight != 1 {
		t.Errorf("unexpected weights %+v", st.Instances)
	}
	if got := m.Types(); len(got) != 2 || got[0] != providers.TypeOpenAI {
		t.Errorf("unexpected types %v", got)
	}
}
