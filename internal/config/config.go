// Package config handles YAML configuration loading with environment
// variable expansion, plus the JSON keys file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level proxy configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	KeysFile  string          `yaml:"keys_file"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Stats     StatsConfig     `yaml:"stats"`
	Database  DatabaseConfig  `yaml:"database"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Webhooks  WebhookConfig   `yaml:"webhooks"`
	Replay    ReplayConfig    `yaml:"replay"`
	Models    []ModelEntry    `yaml:"models"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// UpstreamConfig holds upstream call settings. BaseURL is a fallback; the
// keys file's baseUrl wins when present.
type UpstreamConfig struct {
	BaseURL     string        `yaml:"base_url"`
	BaseTimeout time.Duration `yaml:"base_timeout"`
	MaxTimeout  time.Duration `yaml:"max_timeout"`
}

// SchedulerConfig tunes the credential pool.
type SchedulerConfig struct {
	MaxConcurrencyPerKey    int                `yaml:"max_concurrency_per_key"`
	RateLimitPerMinute      int                `yaml:"rate_limit_per_minute"`
	RateLimitBurst          int                `yaml:"rate_limit_burst"`
	CircuitBreaker          CircuitConfig      `yaml:"circuit_breaker"`
	PoolCooldown            PoolCooldownConfig `yaml:"pool_cooldown"`
	AccountLevelDetection   AccountConfig      `yaml:"account_level_detection"`
	KeyRateLimitCooldown    KeyCooldownConfig  `yaml:"key_rate_limit_cooldown"`
	DefaultModelConcurrency int                `yaml:"default_model_concurrency"`
}

// CircuitConfig tunes the per-key circuit breaker.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	CooldownPeriod   time.Duration `yaml:"cooldown_period"`
}

// PoolCooldownConfig tunes the per-model pool cooldown and pacing.
type PoolCooldownConfig struct {
	BaseMs             int64 `yaml:"base_ms"`
	CapMs              int64 `yaml:"cap_ms"`
	DecayMs            int64 `yaml:"decay_ms"`
	RemainingThreshold int64 `yaml:"remaining_threshold"`
	PacingDelayMs      int64 `yaml:"pacing_delay_ms"`
}

// AccountConfig tunes the account-wide 429 detector.
type AccountConfig struct {
	Enabled      *bool `yaml:"enabled"`
	KeyThreshold int   `yaml:"key_threshold"`
	WindowMs     int64 `yaml:"window_ms"`
	CooldownMs   int64 `yaml:"cooldown_ms"`
}

// IsEnabled reports whether account-level detection is on (defaults to true).
func (a AccountConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// KeyCooldownConfig tunes the per-key 429 cooldown escalation.
type KeyCooldownConfig struct {
	BaseCooldownMs  int64 `yaml:"base_cooldown_ms"`
	CooldownDecayMs int64 `yaml:"cooldown_decay_ms"`
}

// DispatchConfig tunes retries and admission control.
type DispatchConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`
	MaxBackpressure  int           `yaml:"max_backpressure"`
	QueueCapacity    int           `yaml:"queue_capacity"`
	QueueTimeout     time.Duration `yaml:"queue_timeout"`
	MaxBodySize      int64         `yaml:"max_body_size"`
}

// StatsConfig controls snapshot persistence and error-spike detection.
type StatsConfig struct {
	Path           string        `yaml:"path"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	SpikeThreshold int           `yaml:"spike_threshold"` // circuit-counted failures per minute; 0 disables
}

// DatabaseConfig holds SQLite settings for the trace store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"; empty disables tracing
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// WebhookConfig holds outbound event delivery settings.
type WebhookConfig struct {
	Endpoints    []WebhookEndpoint `yaml:"endpoints"`
	DedupeWindow time.Duration     `yaml:"dedupe_window"`
}

// WebhookEndpoint is one webhook destination.
type WebhookEndpoint struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// ReplayConfig tunes the failed-request replay buffer.
type ReplayConfig struct {
	MaxEntries      int           `yaml:"max_entries"`
	RetentionPeriod time.Duration `yaml:"retention_period"`
	MaxRetries      int           `yaml:"max_retries"`
}

// ModelEntry is one model catalog definition.
type ModelEntry struct {
	Name           string `yaml:"name"`
	Tier           string `yaml:"tier"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		KeysFile: "keys.json",
		Upstream: UpstreamConfig{
			BaseTimeout: 30 * time.Second,
			MaxTimeout:  120 * time.Second,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrencyPerKey: 5,
			CircuitBreaker: CircuitConfig{
				FailureThreshold: 5,
				FailureWindow:    time.Minute,
				CooldownPeriod:   30 * time.Second,
			},
			PoolCooldown: PoolCooldownConfig{
				BaseMs:             500,
				CapMs:              5000,
				DecayMs:            10000,
				RemainingThreshold: 5,
				PacingDelayMs:      200,
			},
			AccountLevelDetection: AccountConfig{
				KeyThreshold: 3,
				WindowMs:     5000,
				CooldownMs:   10000,
			},
			KeyRateLimitCooldown: KeyCooldownConfig{
				BaseCooldownMs:  1000,
				CooldownDecayMs: 30000,
			},
			DefaultModelConcurrency: 10,
		},
		Dispatch: DispatchConfig{
			MaxRetries:       3,
			RetryBackoffBase: 250 * time.Millisecond,
			MaxBackpressure:  64,
			QueueCapacity:    128,
			QueueTimeout:     10 * time.Second,
			MaxBodySize:      10 << 20,
		},
		Stats: StatsConfig{
			Path:           "shadowfax-stats.json",
			FlushInterval:  30 * time.Second,
			SpikeThreshold: 10,
		},
		Replay: ReplayConfig{
			MaxEntries:      200,
			RetentionPeriod: 30 * time.Minute,
			MaxRetries:      3,
		},
	}
}
