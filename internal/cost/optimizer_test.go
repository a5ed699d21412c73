package cost

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/events"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/tokenizer"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

// testPricing makes every call easy to price by hand.
func testPricing() Pricing {
	return Pricing{
		Models: map[string]Rate{
			"big-model":    {Input: 0.01, Output: 0.03},
			"flat":         {Input: 1, Output: 1},
			"gpt-4o*":      {Input: 0.005, Output: 0.015},
			"gpt-4o-mini*": {Input: 0.0001, Output: 0.0004},
		},
		Types: map[providers.Type]Rate{
			providers.TypeAnthropic: {Input: 0.003, Output: 0.015},
			providers.TypeOpenAI:    {Input: 0.002, Output: 0.008},
			providers.TypeGemini:    {Input: 0.001, Output: 0.002},
			providers.TypeLocal:     {},
		},
	}
}

func newTestOptimizer(clk *fakeClock, bus *events.Bus, daily, monthly float64) *Optimizer {
	return New(Options{
		DailyBudget:   daily,
		MonthlyBudget: monthly,
		Pricing:       testPricing(),
		Counter:       tokenizer.Approximator{},
		Bus:           bus,
		Now:           clk.Now,
	})
}

func TestPricing_Resolve(t *testing.T) {
	p := testPricing()
	tests := []struct {
		typ   providers.Type
		model string
		want  Rate
	}{
		{providers.TypeOpenAI, "big-model", Rate{0.01, 0.03}},
		{providers.TypeOpenAI, "gpt-4o-2024-08-06", Rate{0.005, 0.015}},
		{providers.TypeOpenAI, "gpt-4o-mini-2024-07-18", Rate{0.0001, 0.0004}}, // longest prefix
		{providers.TypeOpenAI, "o3-mini", Rate{0.002, 0.008}},                  // type fallback
		{providers.TypeLocal, "llama-3.1-8b", Rate{}},
		{"unknown", "", Rate{}},
	}
	for _, tt := range tests {
		if got := p.Resolve(tt.typ, tt.model); got != tt.want {
			t.Errorf("Resolve(%s, %q) = %+v, want %+v", tt.typ, tt.model, got, tt.want)
		}
	}
}

func TestTrackUsage_ExactSum(t *testing.T) {
	o := newTestOptimizer(newClock(), nil, 0, 0)

	calls := []Usage{
		{Provider: providers.TypeOpenAI, Model: "big-model", InputTokens: 1200, OutputTokens: 300},
		{Provider: providers.TypeAnthropic, InputTokens: 500, OutputTokens: 1500},
		{Provider: providers.TypeGemini, InputTokens: 7, OutputTokens: 13},
		{Provider: providers.TypeLocal, InputTokens: 9000, OutputTokens: 9000},
	}

	var want float64
	for _, u := range calls {
		r := testPricing().Resolve(u.Provider, u.Model)
		want += float64(u.InputTokens)/1000*r.Input + float64(u.OutputTokens)/1000*r.Output
		cd := o.TrackUsage(u)
		if math.Abs(cd.Total-(cd.InputCost+cd.OutputCost)) > 1e-15 {
			t.Errorf("total %v != input %v + output %v", cd.Total, cd.InputCost, cd.OutputCost)
		}
	}

	st := o.State()
	if math.Abs(st.DailySpend-want) > 1e-12 || math.Abs(st.MonthlySpend-want) > 1e-12 {
		t.Errorf("tracked %v / %v, want %v", st.DailySpend, st.MonthlySpend, want)
	}
	// 0.012+0.009 + 0.0015+0.0225 + 0.000007+0.000026 + 0
	if math.Abs(want-0.045033) > 1e-12 {
		t.Errorf("hand-computed sum mismatch: %v", want)
	}
}

func TestTrackUsage_EstimatesMissingUsage(t *testing.T) {
	o := newTestOptimizer(newClock(), nil, 0, 0)
	cd := o.TrackUsage(Usage{Provider: providers.TypeOpenAI, Prompt: "12345678", Completion: "abcd"})
	if !cd.Estimated || cd.InputTokens != 2 || cd.OutputTokens != 1 {
		t.Errorf("expected estimated 2/1 tokens, got %+v", cd)
	}
	if o.State().Estimated != 1 {
		t.Error("expected estimated counter to increase")
	}
}

func drain(sub *events.Subscription) []events.Event {
	var out []events.Event
	for len(sub.C) > 0 {
		out = append(out, <-sub.C)
	}
	return out
}

// spendDollars tracks a call on the flat model that costs exactly usd.
func spendDollars(o *Optimizer, usd int) {
	o.TrackUsage(Usage{Provider: providers.TypeOpenAI, Model: "flat", InputTokens: usd * 1000})
}

func countKinds(evs []events.Event) map[events.Kind]int {
	out := make(map[events.Kind]int)
	for _, e := range evs {
		out[e.Kind]++
	}
	return out
}

func TestTrackUsage_AlertOncePerWindowAndEconomy(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(16, events.BudgetAlert, events.ModeChanged)
	clk := newClock()
	o := newTestOptimizer(clk, bus, 10, 0)

	for i := 0; i < 7; i++ {
		spendDollars(o, 1)
	}
	if o.Mode() != ModeNormal {
		t.Fatalf("70%% usage should stay normal, got %s", o.Mode())
	}

	spendDollars(o, 1) // 80%
	if o.Mode() != ModeEconomy {
		t.Fatalf("80%% usage should switch to economy, got %s", o.Mode())
	}
	spendDollars(o, 1) // 90%
	spendDollars(o, 1) // 100%

	evs := drain(sub)
	for _, e := range evs {
		switch e.Kind {
		case events.BudgetAlert:
			if e.Attrs["window"] != "daily" {
				t.Errorf("unexpected alert window %v", e.Attrs["window"])
			}
		case events.ModeChanged:
			if e.Attrs["to"] != "economy" {
				t.Errorf("unexpected mode change %v", e.Attrs)
			}
		}
	}
	if k := countKinds(evs); k[events.BudgetAlert] != 1 || k[events.ModeChanged] != 1 {
		t.Fatalf("expected one alert and one mode change, got %v", k)
	}

	// Next day: the daily window resets and the base mode comes back.
	clk.Set(time.Date(2026, 3, 11, 0, 0, 1, 0, time.UTC))
	if o.Mode() != ModeNormal {
		t.Errorf("expected normal after the daily reset, got %s", o.Mode())
	}
	if st := o.State(); st.DailySpend != 0 || st.MonthlySpend != 10 {
		t.Errorf("daily should reset and monthly carry over, got %+v", st)
	}
	evs = drain(sub)
	if len(evs) != 1 || evs[0].Kind != events.ModeChanged || evs[0].Attrs["to"] != "normal" {
		t.Errorf("expected a single change back to normal, got %+v", evs)
	}

	// The alert fires again in the new window.
	for i := 0; i < 9; i++ {
		spendDollars(o, 1)
	}
	if k := countKinds(drain(sub)); k[events.BudgetAlert] != 1 || k[events.ModeChanged] != 1 {
		t.Errorf("expected a fresh alert and economy switch, got %v", k)
	}
}

func TestProviderRecommendation(t *testing.T) {
	// Unit costs: anthropic 0.018, openai 0.010, gemini 0.003, local 0.
	candidates := []providers.Type{providers.TypeAnthropic, providers.TypeOpenAI, providers.TypeGemini, providers.TypeLocal}
	req := Recommend{Agent: "classifier", Primary: providers.TypeAnthropic, Candidates: candidates}

	tests := []struct {
		name       string
		spend      int // dollars of a $100 daily budget
		complexity Complexity
		base       Mode
		want       providers.Type
		wantErr    error
	}{
		{"low pressure keeps primary", 30, "", ModeNormal, providers.TypeAnthropic, nil},
		{"pressure starts at half", 50, "", ModeNormal, providers.TypeAnthropic, nil},
		{"slight pressure", 60, "", ModeNormal, providers.TypeOpenAI, nil},
		{"mid pressure steps down", 70, "", ModeNormal, providers.TypeGemini, nil},
		{"high complexity resists", 70, ComplexityHigh, ModeNormal, providers.TypeOpenAI, nil},
		{"low complexity pushes", 60, ComplexityLow, ModeNormal, providers.TypeGemini, nil},
		{"quality keeps primary", 75, "", ModeQuality, providers.TypeAnthropic, nil},
		{"economy picks cheapest", 85, "", ModeNormal, providers.TypeLocal, nil},
		{"over cap degrades", 120, "", ModeQuality, providers.TypeLocal, ErrBudgetExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := New(Options{DailyBudget: 100, Pricing: testPricing(), Counter: tokenizer.Approximator{}, BaseMode: tt.base, Now: newClock().Now})
			spendDollars(o, tt.spend)

			r := req
			r.Complexity = tt.complexity
			got, err := o.ProviderRecommendation(r)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestProviderRecommendation_NoCandidates(t *testing.T) {
	o := newTestOptimizer(newClock(), nil, 1, 0)
	got, err := o.ProviderRecommendation(Recommend{Primary: providers.TypeGemini})
	if err != nil || got != providers.TypeGemini {
		t.Errorf("expected primary with no candidates, got %s, %v", got, err)
	}
}

func TestSetBudgetsAndBaseMode(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(8, events.ModeChanged)
	o := newTestOptimizer(newClock(), bus, 0, 0)

	o.TrackUsage(Usage{Provider: providers.TypeOpenAI, Model: "big-model", InputTokens: 10000}) // $0.10
	o.SetBudgets(0.12, 0)
	if o.Mode() != ModeEconomy {
		t.Fatalf("lowering the cap below spend should enter economy, got %s", o.Mode())
	}

	o.SetBudgets(10, 0)
	if o.Mode() != ModeNormal {
		t.Fatalf("raising the cap should leave economy, got %s", o.Mode())
	}

	o.SetBaseMode(ModeQuality)
	if o.Mode() != ModeQuality {
		t.Errorf("base mode change should apply outside economy, got %s", o.Mode())
	}
	if n := len(drain(sub)); n != 3 {
		t.Errorf("expected 3 mode changes, got %d", n)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode("Quality"); err != nil || m != ModeQuality {
		t.Errorf("ParseMode(Quality) = %s, %v", m, err)
	}
	if m, err := ParseMode(""); err != nil || m != ModeNormal {
		t.Errorf("ParseMode(\"\") = %s, %v", m, err)
	}
	if _, err := ParseMode("economy"); err == nil {
		t.Error("economy is not a valid base mode")
	}
}
