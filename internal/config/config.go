// Package config loads and validates all runtime configuration for the gateway.
//
// Flat settings are read from environment variables or from config.yaml in
// the working directory (CONFIG_FILE overrides the path). Environment
// variables take precedence over the YAML file. A .env file, when present,
// is loaded into the environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example DAILY_BUDGET becomes
// daily_budget in YAML.
//
// Structured sections (providers, agents, pricing, warmup) exist only in
// YAML. String values in those sections may reference environment variables
// as ${NAME}, which keeps API keys out of the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// File is the YAML file the config was read from, empty if none.
	File string

	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// CORSOrigins is the list of allowed CORS origins. Default: ["*"].
	CORSOrigins []string

	// Redis is optional. It backs the cache L2 tier and, with
	// RATE_LIMIT_BACKEND=redis, the shared provider rate windows.
	Redis RedisConfig

	Pool    PoolConfig
	Cache   CacheConfig
	Budget  BudgetConfig
	Stream  StreamConfig
	Queue   QueueConfig
	Gateway GatewayConfig

	Providers []ProviderConfig
	Agents    map[string]AgentConfig
	Pricing   PricingConfig
	Warmup    []WarmupEntry
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// PoolConfig controls provider selection, breakers and health probes.
type PoolConfig struct {
	// Strategy is one of round_robin, weighted_round_robin,
	// least_connections, random. Default: weighted_round_robin.
	Strategy string

	// BreakerThreshold is the number of consecutive failures that open an
	// instance's breaker. Default: 5.
	BreakerThreshold int
	// BreakerTimeout is how long a breaker stays open before a probe is
	// allowed. Default: 60s.
	BreakerTimeout time.Duration

	HealthInterval    time.Duration
	HealthTimeout     time.Duration
	DegradedThreshold float64

	// RateLimitBackend is "memory" (default) or "redis".
	RateLimitBackend string
}

// CacheConfig controls the semantic response cache.
type CacheConfig struct {
	// Enabled turns the cache off entirely when false. Default: true.
	Enabled bool

	MaxSize             int
	SimilarityThreshold float64

	TTLDefault  time.Duration
	TTLExact    time.Duration
	TTLSemantic time.Duration
	TTLRealtime time.Duration

	SweepInterval time.Duration

	// L2 writes exact entries through to Redis. Requires REDIS_URL.
	L2 bool

	// Embedder is "hash" (default, local) or "provider".
	Embedder string
	// EmbeddingProvider names the provider type used when Embedder is
	// "provider"; it must be openai, gemini or local.
	EmbeddingProvider string
	EmbeddingModel    string
	EmbeddingDim      int

	// BypassAgents lists agents whose responses are never cached.
	BypassAgents []string
	// BypassPatterns are regular expressions matched against agent names.
	BypassPatterns []string
}

// BudgetConfig controls spend tracking and routing posture.
type BudgetConfig struct {
	// Daily and Monthly are caps in USD. 0 disables a cap.
	Daily   float64
	Monthly float64

	AlertFraction   float64
	EconomyFraction float64

	// Mode is the base mode: normal or quality.
	Mode string
}

// StreamConfig controls streaming response pacing.
type StreamConfig struct {
	// ChunkSize is the minimum chunk size in bytes. Default: 32.
	ChunkSize int
	// Delay is the minimum spacing between chunks. Default: 20ms.
	Delay time.Duration
}

// QueueConfig controls the admission queue for low-priority tiers.
type QueueConfig struct {
	Slots int
	Depth int
}

// GatewayConfig controls request handling.
type GatewayConfig struct {
	// RequestTimeout bounds one request including fallbacks. Default: 60s.
	RequestTimeout time.Duration
	// ProviderTimeout is the per-call HTTP timeout. Default: 30s.
	ProviderTimeout time.Duration
	// DrainTimeout bounds graceful shutdown. Default: 15s.
	DrainTimeout time.Duration
}

// ProviderConfig is one provider family in the providers list. Instances
// inherit every field they leave empty.
type ProviderConfig struct {
	Type      string           `mapstructure:"type"`
	Model     string           `mapstructure:"model"`
	APIKey    string           `mapstructure:"api_key"`
	BaseURL   string           `mapstructure:"base_url"`
	Project   string           `mapstructure:"project"`
	Location  string           `mapstructure:"location"`
	Weight    int              `mapstructure:"weight"`
	RateLimit int              `mapstructure:"rate_limit"`
	Instances []InstanceConfig `mapstructure:"instances"`
}

// InstanceConfig is one credentialed endpoint of a provider family.
type InstanceConfig struct {
	ID        string `mapstructure:"id"`
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	Weight    int    `mapstructure:"weight"`
	RateLimit int    `mapstructure:"rate_limit"`
}

// Resolved returns the provider's instances with inherited fields filled
// in. A provider without an instances list has a single implicit instance.
func (p ProviderConfig) Resolved() []InstanceConfig {
	list := p.Instances
	if len(list) == 0 {
		list = []InstanceConfig{{}}
	}
	out := make([]InstanceConfig, len(list))
	for i, in := range list {
		if in.Model == "" {
			in.Model = p.Model
		}
		if in.APIKey == "" {
			in.APIKey = p.APIKey
		}
		if in.BaseURL == "" {
			in.BaseURL = p.BaseURL
		}
		if in.Weight == 0 {
			in.Weight = p.Weight
		}
		if in.Weight == 0 {
			in.Weight = 1
		}
		if in.RateLimit == 0 {
			in.RateLimit = p.RateLimit
		}
		out[i] = in
	}
	return out
}

// AgentConfig is the static routing for one agent.
type AgentConfig struct {
	Primary   string   `mapstructure:"primary"`
	Fallbacks []string `mapstructure:"fallbacks"`
	// Model overrides the instance model for this agent, when set.
	Model string `mapstructure:"model"`
}

// RateConfig is a price in USD per 1,000 tokens.
type RateConfig struct {
	Input  float64 `mapstructure:"input"`
	Output float64 `mapstructure:"output"`
}

// PricingConfig overrides built-in prices. Model keys may end in "*".
type PricingConfig struct {
	Models map[string]RateConfig `mapstructure:"models"`
	Types  map[string]RateConfig `mapstructure:"types"`
}

// WarmupEntry is a common request replayed at startup to fill the cache.
type WarmupEntry struct {
	Prompt string `mapstructure:"prompt"`
	Agent  string `mapstructure:"agent"`
	Tier   string `mapstructure:"tier"`

	// Response, when set, is cached as the answer without calling a provider.
	Response string `mapstructure:"response"`
}

var (
	validStrategies = []string{"round_robin", "weighted_round_robin", "least_connections", "random"}
	validTypes      = []string{"openai", "anthropic", "gemini", "local"}
	validTiers      = []string{"", "free", "pro", "enterprise"}
)

// Load reads .env, then config.yaml (or CONFIG_FILE) and the environment.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile reads configuration from path and the environment. An empty path
// looks for an optional config.yaml in the working directory; a non-empty
// path must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read config.yaml: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{
		File:        v.ConfigFileUsed(),
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Pool: PoolConfig{
			Strategy:          strings.ToLower(v.GetString("LB_STRATEGY")),
			BreakerThreshold:  v.GetInt("CB_THRESHOLD"),
			BreakerTimeout:    v.GetDuration("CB_TIMEOUT"),
			HealthInterval:    v.GetDuration("HEALTH_INTERVAL"),
			HealthTimeout:     v.GetDuration("HEALTH_TIMEOUT"),
			DegradedThreshold: v.GetFloat64("HEALTH_DEGRADED_THRESHOLD"),
			RateLimitBackend:  strings.ToLower(v.GetString("RATE_LIMIT_BACKEND")),
		},

		Cache: CacheConfig{
			Enabled:             v.GetBool("CACHE_ENABLED"),
			MaxSize:             v.GetInt("CACHE_MAX_SIZE"),
			SimilarityThreshold: v.GetFloat64("CACHE_SIMILARITY_THRESHOLD"),
			TTLDefault:          v.GetDuration("CACHE_TTL_DEFAULT"),
			TTLExact:            v.GetDuration("CACHE_TTL_EXACT"),
			TTLSemantic:         v.GetDuration("CACHE_TTL_SEMANTIC"),
			TTLRealtime:         v.GetDuration("CACHE_TTL_REALTIME"),
			SweepInterval:       v.GetDuration("CACHE_SWEEP_INTERVAL"),
			L2:                  v.GetBool("CACHE_L2"),
			Embedder:            strings.ToLower(v.GetString("CACHE_EMBEDDER")),
			EmbeddingProvider:   strings.ToLower(v.GetString("CACHE_EMBEDDING_PROVIDER")),
			EmbeddingModel:      v.GetString("CACHE_EMBEDDING_MODEL"),
			EmbeddingDim:        v.GetInt("CACHE_EMBEDDING_DIM"),
			BypassAgents:        v.GetStringSlice("CACHE_BYPASS_AGENTS"),
			BypassPatterns:      v.GetStringSlice("CACHE_BYPASS_PATTERNS"),
		},

		Budget: BudgetConfig{
			Daily:           v.GetFloat64("DAILY_BUDGET"),
			Monthly:         v.GetFloat64("MONTHLY_BUDGET"),
			AlertFraction:   v.GetFloat64("BUDGET_ALERT_FRACTION"),
			EconomyFraction: v.GetFloat64("BUDGET_ECONOMY_FRACTION"),
			Mode:            strings.ToLower(v.GetString("BUDGET_MODE")),
		},

		Stream: StreamConfig{
			ChunkSize: v.GetInt("STREAM_CHUNK_SIZE"),
			Delay:     v.GetDuration("STREAM_DELAY"),
		},

		Queue: QueueConfig{
			Slots: v.GetInt("QUEUE_SLOTS"),
			Depth: v.GetInt("QUEUE_DEPTH"),
		},

		Gateway: GatewayConfig{
			RequestTimeout:  v.GetDuration("REQUEST_TIMEOUT"),
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
			DrainTimeout:    v.GetDuration("DRAIN_TIMEOUT"),
		},
	}

	if err := v.UnmarshalKey("providers", &cfg.Providers); err != nil {
		return nil, fmt.Errorf("config: providers: %w", err)
	}
	if err := v.UnmarshalKey("agents", &cfg.Agents); err != nil {
		return nil, fmt.Errorf("config: agents: %w", err)
	}
	if err := v.UnmarshalKey("pricing", &cfg.Pricing); err != nil {
		return nil, fmt.Errorf("config: pricing: %w", err)
	}
	if err := v.UnmarshalKey("warmup", &cfg.Warmup); err != nil {
		return nil, fmt.Errorf("config: warmup: %w", err)
	}
	cfg.expandEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Pool.
	v.SetDefault("LB_STRATEGY", "weighted_round_robin")
	v.SetDefault("CB_THRESHOLD", 5)
	v.SetDefault("CB_TIMEOUT", "60s")
	v.SetDefault("HEALTH_INTERVAL", "30s")
	v.SetDefault("HEALTH_TIMEOUT", "5s")
	v.SetDefault("HEALTH_DEGRADED_THRESHOLD", 0.5)
	v.SetDefault("RATE_LIMIT_BACKEND", "memory")

	// Cache.
	v.SetDefault("CACHE_ENABLED", true)
	v.SetDefault("CACHE_MAX_SIZE", 10000)
	v.SetDefault("CACHE_SIMILARITY_THRESHOLD", 0.85)
	v.SetDefault("CACHE_TTL_DEFAULT", "1h")
	v.SetDefault("CACHE_TTL_EXACT", "24h")
	v.SetDefault("CACHE_TTL_SEMANTIC", "12h")
	v.SetDefault("CACHE_TTL_REALTIME", "5m")
	v.SetDefault("CACHE_SWEEP_INTERVAL", "1m")
	v.SetDefault("CACHE_L2", false)
	v.SetDefault("CACHE_EMBEDDER", "hash")
	v.SetDefault("CACHE_EMBEDDING_DIM", 256)

	// Budget: 0 = no cap.
	v.SetDefault("DAILY_BUDGET", 0)
	v.SetDefault("MONTHLY_BUDGET", 0)
	v.SetDefault("BUDGET_ALERT_FRACTION", 0.9)
	v.SetDefault("BUDGET_ECONOMY_FRACTION", 0.8)
	v.SetDefault("BUDGET_MODE", "normal")

	// Stream.
	v.SetDefault("STREAM_CHUNK_SIZE", 32)
	v.SetDefault("STREAM_DELAY", "20ms")

	// Queue.
	v.SetDefault("QUEUE_SLOTS", 32)
	v.SetDefault("QUEUE_DEPTH", 256)

	// Gateway.
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("PROVIDER_TIMEOUT", "30s")
	v.SetDefault("DRAIN_TIMEOUT", "15s")
}

// expandEnv substitutes ${NAME} references in structured string fields.
func (c *Config) expandEnv() {
	for i := range c.Providers {
		p := &c.Providers[i]
		p.APIKey = os.ExpandEnv(p.APIKey)
		p.BaseURL = os.ExpandEnv(p.BaseURL)
		p.Project = os.ExpandEnv(p.Project)
		for j := range p.Instances {
			in := &p.Instances[j]
			in.APIKey = os.ExpandEnv(in.APIKey)
			in.BaseURL = os.ExpandEnv(in.BaseURL)
		}
	}
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}

	if !slices.Contains(validStrategies, c.Pool.Strategy) {
		return fmt.Errorf("config: invalid LB_STRATEGY %q; must be one of: %s",
			c.Pool.Strategy, strings.Join(validStrategies, ", "))
	}
	if c.Pool.BreakerThreshold < 1 {
		return fmt.Errorf("config: CB_THRESHOLD must be ≥ 1, got %d", c.Pool.BreakerThreshold)
	}
	if c.Pool.BreakerTimeout <= 0 {
		return fmt.Errorf("config: CB_TIMEOUT must be a positive duration")
	}
	if c.Pool.HealthInterval <= 0 || c.Pool.HealthTimeout <= 0 {
		return fmt.Errorf("config: HEALTH_INTERVAL and HEALTH_TIMEOUT must be positive durations")
	}
	switch c.Pool.RateLimitBackend {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("config: REDIS_URL is required when RATE_LIMIT_BACKEND=redis")
		}
	default:
		return fmt.Errorf("config: invalid RATE_LIMIT_BACKEND %q; must be memory or redis", c.Pool.RateLimitBackend)
	}

	if err := c.validateCache(); err != nil {
		return err
	}

	if c.Budget.Daily < 0 || c.Budget.Monthly < 0 {
		return fmt.Errorf("config: DAILY_BUDGET and MONTHLY_BUDGET must not be negative")
	}
	if !inUnit(c.Budget.AlertFraction) || !inUnit(c.Budget.EconomyFraction) {
		return fmt.Errorf("config: BUDGET_ALERT_FRACTION and BUDGET_ECONOMY_FRACTION must be in (0, 1]")
	}
	if c.Budget.EconomyFraction <= 0.5 {
		return fmt.Errorf("config: BUDGET_ECONOMY_FRACTION must be above 0.5, got %v", c.Budget.EconomyFraction)
	}
	switch c.Budget.Mode {
	case "normal", "quality":
	default:
		return fmt.Errorf("config: invalid BUDGET_MODE %q; must be normal or quality", c.Budget.Mode)
	}

	if c.Stream.ChunkSize < 1 {
		return fmt.Errorf("config: STREAM_CHUNK_SIZE must be ≥ 1, got %d", c.Stream.ChunkSize)
	}
	if c.Queue.Slots < 1 || c.Queue.Depth < 0 {
		return fmt.Errorf("config: QUEUE_SLOTS must be ≥ 1 and QUEUE_DEPTH ≥ 0")
	}
	if c.Gateway.RequestTimeout <= 0 || c.Gateway.ProviderTimeout <= 0 || c.Gateway.DrainTimeout <= 0 {
		return fmt.Errorf("config: REQUEST_TIMEOUT, PROVIDER_TIMEOUT and DRAIN_TIMEOUT must be positive durations")
	}

	return c.validateRouting()
}

func (c *Config) validateCache() error {
	if !c.Cache.Enabled {
		return nil
	}
	if c.Cache.MaxSize < 1 {
		return fmt.Errorf("config: CACHE_MAX_SIZE must be ≥ 1, got %d", c.Cache.MaxSize)
	}
	if c.Cache.SimilarityThreshold <= 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("config: CACHE_SIMILARITY_THRESHOLD must be in (0, 1], got %v", c.Cache.SimilarityThreshold)
	}
	if c.Cache.L2 && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_L2=true; " +
				"set CACHE_L2=false to keep the cache in process",
		)
	}
	switch c.Cache.Embedder {
	case "hash":
	case "provider":
		switch c.Cache.EmbeddingProvider {
		case "openai", "gemini", "local":
		default:
			return fmt.Errorf("config: CACHE_EMBEDDING_PROVIDER must be openai, gemini or local, got %q", c.Cache.EmbeddingProvider)
		}
		if c.Cache.EmbeddingModel == "" {
			return fmt.Errorf("config: CACHE_EMBEDDING_MODEL is required when CACHE_EMBEDDER=provider")
		}
	default:
		return fmt.Errorf("config: invalid CACHE_EMBEDDER %q; must be hash or provider", c.Cache.Embedder)
	}
	return nil
}

func (c *Config) validateRouting() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one entry under providers is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		p.Type = strings.ToLower(p.Type)
		c.Providers[i].Type = p.Type
		if !slices.Contains(validTypes, p.Type) {
			return fmt.Errorf("config: providers[%d]: invalid type %q; must be one of: %s",
				i, p.Type, strings.Join(validTypes, ", "))
		}
		if seen[p.Type] {
			return fmt.Errorf("config: providers[%d]: type %q listed twice; use instances instead", i, p.Type)
		}
		seen[p.Type] = true

		for j, in := range p.Resolved() {
			if in.Weight < 0 || in.RateLimit < 0 {
				return fmt.Errorf("config: providers[%d].instances[%d]: weight and rate_limit must not be negative", i, j)
			}
			if p.Type == "local" && in.BaseURL == "" {
				return fmt.Errorf("config: providers[%d].instances[%d]: base_url is required for local providers", i, j)
			}
		}
	}

	for name, a := range c.Agents {
		if !seen[strings.ToLower(a.Primary)] {
			return fmt.Errorf("config: agents.%s: primary %q is not a configured provider", name, a.Primary)
		}
		for _, f := range a.Fallbacks {
			if !seen[strings.ToLower(f)] {
				return fmt.Errorf("config: agents.%s: fallback %q is not a configured provider", name, f)
			}
		}
	}

	for i, w := range c.Warmup {
		if w.Prompt == "" {
			return fmt.Errorf("config: warmup[%d]: prompt is required", i)
		}
		if !slices.Contains(validTiers, strings.ToLower(w.Tier)) {
			return fmt.Errorf("config: warmup[%d]: invalid tier %q", i, w.Tier)
		}
	}
	return nil
}

// DefaultAgent is used for requests that name no configured agent.
const DefaultAgent = "default"

// Agent returns the routing for name, falling back to the "default" agent
// and then to the first configured provider.
func (c *Config) Agent(name string) AgentConfig {
	if a, ok := c.Agents[strings.ToLower(name)]; ok {
		return a
	}
	if a, ok := c.Agents[DefaultAgent]; ok {
		return a
	}
	if len(c.Providers) == 0 {
		return AgentConfig{}
	}
	return AgentConfig{Primary: c.Providers[0].Type}
}

func inUnit(f float64) bool { return f > 0 && f <= 1 }

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
