package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StreamConfig tunes the durable per-user event consumer.
type StreamConfig struct {
	WorkerCount         int `yaml:"worker_count"`
	MaxRetries          int `yaml:"max_retries"`
	RetryBaseMillis     int `yaml:"retry_base_ms"`
	RetryMaxMillis      int `yaml:"retry_max_ms"`
	HandlerTimeoutSecs  int `yaml:"handler_timeout_seconds"`
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`
}

// RewardConfig holds the heuristic reward constants. They are defaults, not
// truths, and are hot-reloaded from config.yaml.
type RewardConfig struct {
	PositiveLexicon     []string `yaml:"positive_lexicon"`
	NegativeLexicon     []string `yaml:"negative_lexicon"`
	RepeatWindowMinutes int      `yaml:"repeat_window_minutes"`
}

type AttemptConfig struct {
	InactivityMinutes int `yaml:"inactivity_minutes"`
}

type BanditConfig struct {
	Strategies []string `yaml:"strategies"`
}

// PolicyConfig overrides the process-wide default policy and store knobs.
type PolicyConfig struct {
	MaxTabs         int     `yaml:"max_tabs"`
	MinScore        float64 `yaml:"min_score"`
	UniqueDomains   *bool   `yaml:"unique_domains,omitempty"`
	MaxTimeMs       int     `yaml:"max_time_ms"`
	ResultLimit     int     `yaml:"result_limit"`
	TabCacheTTLHrs  int     `yaml:"tab_cache_ttl_hours"`
	CacheShardCount int     `yaml:"cache_shards"`
}

// SweepConfig drives the cron sweeper that expires idle attempt threads and
// purges the tab cache.
type SweepConfig struct {
	Schedule string `yaml:"schedule"`
}

// GatewayConfig controls the read-only monitoring surface.
type GatewayConfig struct {
	Enabled      bool            `yaml:"enabled"`
	BindAddr     string          `yaml:"bind_addr"`
	AllowOrigins []string        `yaml:"allow_origins"`
	APIKeys      []string        `yaml:"api_keys"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig configures per-key token buckets on the gateway.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// OTelConfig controls tracing and metrics export. Enabled gates both;
// MetricsEnabled can turn the meter off while tracing stays on.
type OTelConfig struct {
	Enabled        bool              `yaml:"enabled"`
	MetricsEnabled bool              `yaml:"metrics_enabled"`
	Exporter       string            `yaml:"exporter"`
	Endpoint       string            `yaml:"endpoint"`
	Insecure       bool              `yaml:"insecure"`
	Headers        map[string]string `yaml:"headers"`
	ServiceName    string            `yaml:"service_name"`
	SampleRate     float64           `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	Stream   StreamConfig  `yaml:"stream"`
	Reward   RewardConfig  `yaml:"reward"`
	Attempts AttemptConfig `yaml:"attempts"`
	Bandit   BanditConfig  `yaml:"bandit"`
	Policy   PolicyConfig  `yaml:"policy"`
	Sweep    SweepConfig   `yaml:"sweep"`
	Gateway  GatewayConfig `yaml:"gateway"`
	OTel     OTelConfig    `yaml:"otel"`
}

// DefaultPositiveLexicon and DefaultNegativeLexicon are the shipped reward
// signals. Entries are phrases matched on word boundaries.
var (
	DefaultPositiveLexicon = []string{
		"works", "worked", "perfect", "solved", "thanks", "thank you",
		"got it", "great", "awesome", "excellent",
	}
	DefaultNegativeLexicon = []string{
		"not working", "still broken", "still", "wrong", "doesn't work",
		"didn't work", "broken", "error", "failed", "bad", "issue",
	}
)

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|retries=%d|base=%d|max=%d|window=%d|idle=%d|pos=%v|neg=%v|strategies=%v|log=%s",
		c.Stream.WorkerCount, c.Stream.MaxRetries, c.Stream.RetryBaseMillis, c.Stream.RetryMaxMillis,
		c.Reward.RepeatWindowMinutes, c.Attempts.InactivityMinutes,
		c.Reward.PositiveLexicon, c.Reward.NegativeLexicon, c.Bandit.Strategies, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func (c Config) RetryBase() time.Duration {
	return time.Duration(c.Stream.RetryBaseMillis) * time.Millisecond
}

func (c Config) RetryMax() time.Duration {
	return time.Duration(c.Stream.RetryMaxMillis) * time.Millisecond
}

func (c Config) RepeatWindow() time.Duration {
	return time.Duration(c.Reward.RepeatWindowMinutes) * time.Minute
}

func (c Config) InactivityTimeout() time.Duration {
	return time.Duration(c.Attempts.InactivityMinutes) * time.Minute
}

func (c Config) TabCacheTTL() time.Duration {
	return time.Duration(c.Policy.TabCacheTTLHrs) * time.Hour
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.Stream.DrainTimeoutSeconds) * time.Second
}

func (c Config) HandlerTimeout() time.Duration {
	return time.Duration(c.Stream.HandlerTimeoutSecs) * time.Second
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Stream: StreamConfig{
			WorkerCount:         8,
			MaxRetries:          5,
			RetryBaseMillis:     500,
			RetryMaxMillis:      30_000,
			HandlerTimeoutSecs:  60,
			DrainTimeoutSeconds: 5,
		},
		Reward: RewardConfig{
			PositiveLexicon:     append([]string(nil), DefaultPositiveLexicon...),
			NegativeLexicon:     append([]string(nil), DefaultNegativeLexicon...),
			RepeatWindowMinutes: 10,
		},
		Attempts: AttemptConfig{InactivityMinutes: 30},
		Bandit: BanditConfig{
			Strategies: []string{"S1_CLARIFY_FIRST", "S2_THREE_VARIANTS", "S3_TEMPLATE_FIRST", "S4_STEPWISE"},
		},
		Policy: PolicyConfig{
			TabCacheTTLHrs:  24,
			CacheShardCount: 16,
		},
		Sweep: SweepConfig{Schedule: "*/5 * * * *"},
		Gateway: GatewayConfig{
			BindAddr: "127.0.0.1:18790",
		},
		OTel: OTelConfig{
			MetricsEnabled: true,
			Exporter:       "otlp-http",
			Endpoint:       "localhost:4318",
			Insecure:       true,
			ServiceName:    "goadapt",
			SampleRate:     1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("GOADAPT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goadapt")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml over the defaults. A missing file is
// not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create goadapt home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "goadapt.db")
	}
	if cfg.Stream.WorkerCount <= 0 {
		cfg.Stream.WorkerCount = def.Stream.WorkerCount
	}
	if cfg.Stream.MaxRetries <= 0 {
		cfg.Stream.MaxRetries = def.Stream.MaxRetries
	}
	if cfg.Stream.RetryBaseMillis <= 0 {
		cfg.Stream.RetryBaseMillis = def.Stream.RetryBaseMillis
	}
	if cfg.Stream.RetryMaxMillis <= 0 {
		cfg.Stream.RetryMaxMillis = def.Stream.RetryMaxMillis
	}
	if cfg.Stream.RetryMaxMillis < cfg.Stream.RetryBaseMillis {
		cfg.Stream.RetryMaxMillis = cfg.Stream.RetryBaseMillis
	}
	if cfg.Stream.HandlerTimeoutSecs <= 0 {
		cfg.Stream.HandlerTimeoutSecs = def.Stream.HandlerTimeoutSecs
	}
	if cfg.Stream.DrainTimeoutSeconds <= 0 {
		cfg.Stream.DrainTimeoutSeconds = def.Stream.DrainTimeoutSeconds
	}
	if len(cfg.Reward.PositiveLexicon) == 0 {
		cfg.Reward.PositiveLexicon = def.Reward.PositiveLexicon
	}
	if len(cfg.Reward.NegativeLexicon) == 0 {
		cfg.Reward.NegativeLexicon = def.Reward.NegativeLexicon
	}
	if cfg.Reward.RepeatWindowMinutes <= 0 {
		cfg.Reward.RepeatWindowMinutes = def.Reward.RepeatWindowMinutes
	}
	if cfg.Attempts.InactivityMinutes <= 0 {
		cfg.Attempts.InactivityMinutes = def.Attempts.InactivityMinutes
	}
	if len(cfg.Bandit.Strategies) == 0 {
		cfg.Bandit.Strategies = def.Bandit.Strategies
	}
	for i, s := range cfg.Bandit.Strategies {
		cfg.Bandit.Strategies[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if cfg.Policy.TabCacheTTLHrs <= 0 {
		cfg.Policy.TabCacheTTLHrs = def.Policy.TabCacheTTLHrs
	}
	if cfg.Policy.CacheShardCount <= 0 {
		cfg.Policy.CacheShardCount = def.Policy.CacheShardCount
	}
	if strings.TrimSpace(cfg.Sweep.Schedule) == "" {
		cfg.Sweep.Schedule = def.Sweep.Schedule
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = def.Gateway.BindAddr
	}
	cfg.OTel.Exporter = strings.ToLower(strings.TrimSpace(cfg.OTel.Exporter))
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = def.OTel.Exporter
	}
	if cfg.OTel.Endpoint == "" {
		cfg.OTel.Endpoint = def.OTel.Endpoint
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = def.OTel.ServiceName
	}
	// Zero reads as unset; tracing fully off is otel.enabled: false.
	if cfg.OTel.SampleRate == 0 {
		cfg.OTel.SampleRate = def.OTel.SampleRate
	}
}

func validate(cfg Config) error {
	seen := make(map[string]bool, len(cfg.Bandit.Strategies))
	for _, s := range cfg.Bandit.Strategies {
		if s == "" {
			return fmt.Errorf("bandit.strategies: empty strategy id")
		}
		if seen[s] {
			return fmt.Errorf("bandit.strategies: duplicate strategy %q", s)
		}
		seen[s] = true
	}
	if cfg.Policy.MinScore < 0 || cfg.Policy.MinScore > 1 {
		return fmt.Errorf("policy.min_score must be within [0,1], got %v", cfg.Policy.MinScore)
	}
	switch cfg.OTel.Exporter {
	case "otlp-http", "stdout", "none":
	default:
		return fmt.Errorf("otel.exporter: unknown exporter %q (supported: otlp-http, stdout, none)", cfg.OTel.Exporter)
	}
	if cfg.OTel.SampleRate < 0 || cfg.OTel.SampleRate > 1 {
		return fmt.Errorf("otel.sample_rate must be within [0,1], got %v", cfg.OTel.SampleRate)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOADAPT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOADAPT_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("GOADAPT_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Stream.WorkerCount = v
		}
	}
	if raw := os.Getenv("GOADAPT_MAX_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Stream.MaxRetries = v
		}
	}
	if raw := os.Getenv("GOADAPT_REPEAT_WINDOW_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Reward.RepeatWindowMinutes = v
		}
	}
	if raw := os.Getenv("GOADAPT_GATEWAY_ADDR"); raw != "" {
		cfg.Gateway.BindAddr = raw
		cfg.Gateway.Enabled = true
	}
	if raw := os.Getenv("GOADAPT_GATEWAY_API_KEY"); raw != "" {
		cfg.Gateway.APIKeys = append(cfg.Gateway.APIKeys, raw)
	}
	if raw := os.Getenv("GOADAPT_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Exporter = raw
		cfg.OTel.Enabled = raw != "none"
	}
	if raw := os.Getenv("GOADAPT_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
	if raw := os.Getenv("GOADAPT_OTEL_METRICS"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.MetricsEnabled = v
		}
	}
}
