package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseYAML = `
log_level: debug
lb_strategy: least_connections
daily_budget: 25
providers:
  - type: openai
    model: gpt-4o-mini
    api_key: ${TEST_OPENAI_KEY}
    weight: 3
    rate_limit: 500
    instances:
      - id: openai-primary
      - api_key: sk-second
        weight: 1
  - type: anthropic
    model: claude-sonnet-4
    api_key: sk-ant
agents:
  classifier:
    primary: anthropic
    fallbacks: [openai]
pricing:
  models:
    "gpt-4o-mini*": {input: 0.0002, output: 0.0008}
warmup:
  - prompt: "What are your opening hours?"
    agent: support
    tier: free
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile_YAMLAndDefaults(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")

	cfg, err := LoadFile(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.LogLevel != "debug" || cfg.Pool.Strategy != "least_connections" || cfg.Budget.Daily != 25 {
		t.Errorf("flat keys not read from YAML: %+v", cfg)
	}
	if cfg.Pool.BreakerThreshold != 5 || cfg.Pool.BreakerTimeout != time.Minute {
		t.Errorf("breaker defaults wrong: %+v", cfg.Pool)
	}
	if cfg.Cache.SimilarityThreshold != 0.85 || cfg.Cache.TTLExact != 24*time.Hour || cfg.Cache.MaxSize != 10000 {
		t.Errorf("cache defaults wrong: %+v", cfg.Cache)
	}
	if cfg.Port != 8080 || cfg.Stream.ChunkSize != 32 || cfg.Queue.Depth != 256 {
		t.Errorf("other defaults wrong: port=%d stream=%+v queue=%+v", cfg.Port, cfg.Stream, cfg.Queue)
	}

	if len(cfg.Providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(cfg.Providers))
	}
	inst := cfg.Providers[0].Resolved()
	if len(inst) != 2 {
		t.Fatalf("expected 2 openai instances, got %d", len(inst))
	}
	if inst[0].ID != "openai-primary" || inst[0].APIKey != "sk-from-env" || inst[0].Weight != 3 || inst[0].RateLimit != 500 || inst[0].Model != "gpt-4o-mini" {
		t.Errorf("first instance should inherit provider fields: %+v", inst[0])
	}
	if inst[1].APIKey != "sk-second" || inst[1].Weight != 1 {
		t.Errorf("second instance overrides lost: %+v", inst[1])
	}
	if got := cfg.Providers[1].Resolved(); len(got) != 1 || got[0].Weight != 1 {
		t.Errorf("implicit instance wrong: %+v", got)
	}

	a := cfg.Agent("Classifier")
	if a.Primary != "anthropic" || len(a.Fallbacks) != 1 || a.Fallbacks[0] != "openai" {
		t.Errorf("agent routing wrong: %+v", a)
	}
	if r, ok := cfg.Pricing.Models["gpt-4o-mini*"]; !ok || r.Input != 0.0002 {
		t.Errorf("pricing not loaded: %+v", cfg.Pricing)
	}
	if len(cfg.Warmup) != 1 || cfg.Warmup[0].Agent != "support" {
		t.Errorf("warmup not loaded: %+v", cfg.Warmup)
	}
	if !strings.HasSuffix(cfg.File, "gateway.yaml") {
		t.Errorf("File = %q", cfg.File)
	}
}

func TestLoadFile_EnvOverridesYAML(t *testing.T) {
	t.Setenv("DAILY_BUDGET", "7.5")
	t.Setenv("CB_TIMEOUT", "90s")

	cfg, err := LoadFile(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Budget.Daily != 7.5 || cfg.Pool.BreakerTimeout != 90*time.Second {
		t.Errorf("env should win: budget=%v timeout=%v", cfg.Budget.Daily, cfg.Pool.BreakerTimeout)
	}
}

func TestAgent_Fallbacks(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatal(err)
	}
	if a := cfg.Agent("unknown"); a.Primary != "openai" {
		t.Errorf("unknown agent should route to the first provider, got %+v", a)
	}

	cfg.Agents[DefaultAgent] = AgentConfig{Primary: "anthropic"}
	if a := cfg.Agent("unknown"); a.Primary != "anthropic" {
		t.Errorf("unknown agent should use the default agent, got %+v", a)
	}
}

func TestLoadFile_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
		want string
	}{
		{"no providers", "log_level: info\n", nil, "at least one entry under providers"},
		{"bad type", "providers:\n  - type: bedrock\n", nil, "invalid type"},
		{"duplicate type", "providers:\n  - type: openai\n  - type: openai\n", nil, "listed twice"},
		{"local needs url", "providers:\n  - type: local\n", nil, "base_url is required"},
		{"unknown primary", "providers:\n  - type: openai\nagents:\n  x:\n    primary: gemini\n", nil, "primary \"gemini\""},
		{"bad strategy", baseYAML, map[string]string{"LB_STRATEGY": "fastest"}, "invalid LB_STRATEGY"},
		{"bad threshold", baseYAML, map[string]string{"CB_THRESHOLD": "0"}, "CB_THRESHOLD"},
		{"l2 without redis", baseYAML, map[string]string{"CACHE_L2": "true"}, "REDIS_URL is required"},
		{"redis window without redis", baseYAML, map[string]string{"RATE_LIMIT_BACKEND": "redis"}, "REDIS_URL is required"},
		{"bad mode", baseYAML, map[string]string{"BUDGET_MODE": "economy"}, "invalid BUDGET_MODE"},
		{"bad similarity", baseYAML, map[string]string{"CACHE_SIMILARITY_THRESHOLD": "1.5"}, "CACHE_SIMILARITY_THRESHOLD"},
		{"provider embedder needs model", baseYAML, map[string]string{"CACHE_EMBEDDER": "provider", "CACHE_EMBEDDING_PROVIDER": "openai"}, "CACHE_EMBEDDING_MODEL"},
		{"bad log level", baseYAML, map[string]string{"LOG_LEVEL": "trace"}, "invalid LOG_LEVEL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadFile(writeConfig(t, tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
			if !strings.HasPrefix(err.Error(), "config: ") {
				t.Errorf("error should carry the package prefix: %v", err)
			}
		})
	}
}

func TestLoadFile_MissingExplicitPath(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing explicit config file")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("TEST_DOTENV_VALUE=hello\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_DOTENV_VALUE", "")
	os.Unsetenv("TEST_DOTENV_VALUE")

	if err := loadDotEnv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("TEST_DOTENV_VALUE"); got != "hello" {
		t.Errorf("expected value from .env, got %q", got)
	}

	if err := loadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing .env should be ignored, got %v", err)
	}
	if err := loadDotEnv(dir); err == nil {
		t.Error("a directory should be rejected")
	}
}
