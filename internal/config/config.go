// Package config holds the gateway's runtime knobs: scheduling and priority
// modes, format-conversion toggles, stream tuning, billing strictness, and
// payload-capture limits. Configuration is YAML with ${ENV} expansion and
// hot-reload through atomic pointer swaps.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scheduling modes.
const (
	SchedulingFixedOrder    = "fixed_order"
	SchedulingCacheAffinity = "cache_affinity"
	SchedulingLoadBalance   = "load_balance"
)

// Priority modes.
const (
	PriorityProvider  = "provider"
	PriorityGlobalKey = "global_key"
)

// Request log levels.
const (
	LogLevelBasic   = "basic"
	LogLevelHeaders = "headers"
	LogLevelFull    = "full"
)

// Config is the complete gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Stream    StreamConfig    `yaml:"stream"`
	Billing   BillingConfig   `yaml:"billing"`
	Video     VideoConfig     `yaml:"video"`
	Capture   CaptureConfig   `yaml:"capture"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig contains HTTP ingress settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// SchedulerConfig selects candidate ordering and conversion behavior.
type SchedulerConfig struct {
	// PriorityMode is provider or global_key.
	PriorityMode string `yaml:"priority_mode"`
	// SchedulingMode is fixed_order, cache_affinity, or load_balance.
	SchedulingMode string `yaml:"scheduling_mode"`

	FormatConversionEnabled  bool `yaml:"format_conversion_enabled"`
	KeepPriorityOnConversion bool `yaml:"keep_priority_on_conversion"`
	ThinkingRectifierEnabled bool `yaml:"thinking_rectifier_enabled"`

	MaxAttempts int `yaml:"max_attempts"`

	// ClientErrorSubstrings extend the 400/422 client-error classifier.
	ClientErrorSubstrings []string `yaml:"client_error_substrings"`
}

// StreamConfig tunes the streaming pipeline.
type StreamConfig struct {
	FirstByteTimeout    time.Duration `yaml:"first_byte_timeout"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	DataTimeout         time.Duration `yaml:"data_timeout"`
	PrefetchLines       int           `yaml:"prefetch_lines"`
	MaxPrefetchBytes    int           `yaml:"max_prefetch_bytes"`
	EmptyChunkThreshold int           `yaml:"empty_chunk_threshold"`

	SmoothingEnabled   bool          `yaml:"smoothing_enabled"`
	SmoothingChunkSize int           `yaml:"smoothing_chunk_size"`
	SmoothingDelay     time.Duration `yaml:"smoothing_delay"`
}

// BillingConfig controls rule enforcement for async tasks.
type BillingConfig struct {
	RequireRule bool `yaml:"require_rule"`
	StrictMode  bool `yaml:"strict_mode"`
}

// VideoConfig tunes async task polling.
type VideoConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPollCount int           `yaml:"max_poll_count"`
}

// CaptureConfig bounds what lands in the usage row.
type CaptureConfig struct {
	// RequestLogLevel is basic, headers, or full.
	RequestLogLevel     string   `yaml:"request_log_level"`
	MaxRequestBodySize  int      `yaml:"max_request_body_size"`
	MaxResponseBodySize int      `yaml:"max_response_body_size"`
	SensitiveHeaders    []string `yaml:"sensitive_headers"`
}

// RedisConfig points at the shared cache backend. An empty address degrades
// every Redis-backed component to its in-memory fallback.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig points at the usage/audit store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PriorityMode:             PriorityProvider,
			SchedulingMode:           SchedulingCacheAffinity,
			FormatConversionEnabled:  false,
			KeepPriorityOnConversion: false,
			ThinkingRectifierEnabled: true,
			MaxAttempts:              10,
		},
		Stream: StreamConfig{
			FirstByteTimeout:    30 * time.Second,
			RequestTimeout:      5 * time.Minute,
			DataTimeout:         30 * time.Second,
			PrefetchLines:       8,
			MaxPrefetchBytes:    16 * 1024,
			EmptyChunkThreshold: 50,
			SmoothingEnabled:    false,
			SmoothingChunkSize:  16,
			SmoothingDelay:      20 * time.Millisecond,
		},
		Billing: BillingConfig{
			RequireRule: true,
			StrictMode:  true,
		},
		Video: VideoConfig{
			PollInterval: 5 * time.Second,
			MaxPollCount: 120,
		},
		Capture: CaptureConfig{
			RequestLogLevel:     LogLevelBasic,
			MaxRequestBodySize:  64 * 1024,
			MaxResponseBodySize: 256 * 1024,
			SensitiveHeaders:    []string{"authorization", "x-api-key", "x-goog-api-key", "cookie"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "llmgate",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file. Environment
// variables in ${VAR_NAME} form are expanded before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Scheduler.PriorityMode {
	case PriorityProvider, PriorityGlobalKey:
	default:
		return fmt.Errorf("invalid priority_mode %q", c.Scheduler.PriorityMode)
	}

	switch c.Scheduler.SchedulingMode {
	case SchedulingFixedOrder, SchedulingCacheAffinity, SchedulingLoadBalance:
	default:
		return fmt.Errorf("invalid scheduling_mode %q", c.Scheduler.SchedulingMode)
	}

	switch c.Capture.RequestLogLevel {
	case LogLevelBasic, LogLevelHeaders, LogLevelFull:
	default:
		return fmt.Errorf("invalid request_log_level %q", c.Capture.RequestLogLevel)
	}

	if c.Scheduler.MaxAttempts <= 0 {
		return fmt.Errorf("scheduler.max_attempts must be positive")
	}
	if c.Stream.FirstByteTimeout <= 0 || c.Stream.DataTimeout <= 0 {
		return fmt.Errorf("stream timeouts must be positive")
	}
	if c.Stream.PrefetchLines <= 0 || c.Stream.MaxPrefetchBytes <= 0 {
		return fmt.Errorf("stream prefetch limits must be positive")
	}
	if c.Video.PollInterval <= 0 || c.Video.MaxPollCount <= 0 {
		return fmt.Errorf("video polling settings must be positive")
	}
	return nil
}
