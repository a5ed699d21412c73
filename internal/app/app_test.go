package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/nulpointcorp/inference-gateway/internal/config"
	"github.com/nulpointcorp/inference-gateway/internal/cost"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/tokenizer"
)

func testApp(cfg *config.Config) *App {
	a := &App{log: slog.New(slog.NewTextHandler(io.Discard, nil)), baseCtx: context.Background()}
	a.cfg.Store(cfg)
	return a
}

func TestRoute_FromAgents(t *testing.T) {
	a := testApp(&config.Config{
		Providers: []config.ProviderConfig{{Type: "openai"}, {Type: "anthropic"}},
		Agents: map[string]config.AgentConfig{
			"support": {Primary: "Anthropic", Fallbacks: []string{"openai"}, Model: "claude-haiku-4"},
		},
	})

	r := a.route("support")
	if r.Primary != providers.TypeAnthropic || r.Model != "claude-haiku-4" {
		t.Errorf("unexpected route %+v", r)
	}
	if len(r.Fallbacks) != 1 || r.Fallbacks[0] != providers.TypeOpenAI {
		t.Errorf("unexpected fallbacks %v", r.Fallbacks)
	}

	// Unknown agents fall back to the first configured provider.
	if r := a.route("nobody"); r.Primary != providers.TypeOpenAI || len(r.Fallbacks) != 0 {
		t.Errorf("unexpected default route %+v", r)
	}
}

func TestApply_UpdatesBudgetsAndRoutes(t *testing.T) {
	prev := &config.Config{
		Providers: []config.ProviderConfig{{Type: "openai"}, {Type: "local"}},
		Budget:    config.BudgetConfig{Daily: 10, Monthly: 100, Mode: "normal"},
	}
	a := testApp(prev)
	a.cost = cost.New(cost.Options{DailyBudget: 10, MonthlyBudget: 100, Counter: tokenizer.Approximator{}})

	next := *prev
	next.Budget = config.BudgetConfig{Daily: 25, Monthly: 300, Mode: "quality"}
	next.Agents = map[string]config.AgentConfig{"default": {Primary: "local"}}
	a.apply(&next)

	st := a.cost.State()
	if st.DailyCap != 25 || st.MonthlyCap != 300 {
		t.Errorf("budgets not applied: %+v", st)
	}
	if st.BaseMode != cost.ModeQuality {
		t.Errorf("base mode not applied: %s", st.BaseMode)
	}
	if r := a.route("anyone"); r.Primary != providers.TypeLocal {
		t.Errorf("routes should follow the reloaded config, got %+v", r)
	}
}

func TestPricingFromConfig(t *testing.T) {
	p := cost.DefaultPricing().Merge(pricingFromConfig(config.PricingConfig{
		Models: map[string]config.RateConfig{"Llama-3*": {Input: 0.0001, Output: 0.0002}},
		Types:  map[string]config.RateConfig{"local": {Input: 0.00005, Output: 0.00005}},
	}))

	if got := p.Resolve(providers.TypeLocal, "llama-3.1-8b"); got != (cost.Rate{Input: 0.0001, Output: 0.0002}) {
		t.Errorf("model override not applied: %+v", got)
	}
	if got := p.Resolve(providers.TypeLocal, "mistral-7b"); got != (cost.Rate{Input: 0.00005, Output: 0.00005}) {
		t.Errorf("type override not applied: %+v", got)
	}
	if got := p.Resolve(providers.TypeOpenAI, "gpt-4o"); got.Input == 0 {
		t.Error("built-in prices should survive the merge")
	}
}

func TestBuildClient(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		typ  providers.Type
		pc   config.ProviderConfig
		in   config.InstanceConfig
		name string
	}{
		{providers.TypeOpenAI, config.ProviderConfig{}, config.InstanceConfig{APIKey: "sk-test"}, "openai"},
		{providers.TypeLocal, config.ProviderConfig{}, config.InstanceConfig{BaseURL: "http://127.0.0.1:9/v1"}, "local"},
		{providers.TypeAnthropic, config.ProviderConfig{}, config.InstanceConfig{APIKey: "sk-ant"}, "anthropic"},
		{providers.TypeGemini, config.ProviderConfig{}, config.InstanceConfig{APIKey: "g-key"}, "gemini"},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			c, err := buildClient(ctx, tt.typ, tt.pc, tt.in, 0)
			if err != nil {
				t.Fatal(err)
			}
			if c.Name() != tt.name {
				t.Errorf("expected name %q, got %q", tt.name, c.Name())
			}
		})
	}

	if _, err := buildClient(ctx, providers.TypeGemini, config.ProviderConfig{}, config.InstanceConfig{}, 0); err == nil {
		t.Error("gemini without a key or project should fail")
	}
	if _, err := buildClient(ctx, providers.Type("bedrock"), config.ProviderConfig{}, config.InstanceConfig{}, 0); err == nil {
		t.Error("unknown types should fail")
	}
}

func TestRedactURL(t *testing.T) {
	tests := map[string]string{
		"redis://:secret@localhost:6379": "redis://***@localhost:6379",
		"redis://localhost:6379":         "redis://localhost:6379",
		"user:pass@host":                 "***@host",
	}
	for in, want := range tests {
		if got := redactURL(in); got != want {
			t.Errorf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
}
