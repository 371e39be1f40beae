package llmgate

import (
	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/llmgate/internal/billing"
	"github.com/blueberrycongee/llmgate/internal/config"
	"github.com/blueberrycongee/llmgate/internal/dispatch"
	"github.com/blueberrycongee/llmgate/internal/health"
	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/internal/pricing"
	"github.com/blueberrycongee/llmgate/internal/ratelimit"
	"github.com/blueberrycongee/llmgate/internal/store"
)

// GatewayConfig holds all configuration for the Gateway.
type GatewayConfig struct {
	// Config carries the runtime knobs (scheduling mode, stream tuning,
	// capture levels). Nil means config.DefaultConfig().
	Config *config.Config

	// Providers is the route topology source. Required.
	Providers store.ProviderStore

	// Usage is the billing/audit sink. Nil disables telemetry.
	Usage store.UsageStore

	// Pricing is the per-model price catalog.
	Pricing []pricing.ModelPricing

	// BillingRules maps a global model name to its async-task billing rule.
	BillingRules map[string]*billing.Rule

	// Redis backs cross-process state: affinity, circuit mirroring, RPM
	// counters. Nil degrades every component to its in-process fallback.
	Redis redis.UniversalClient

	Logger   *observability.Logger
	Redactor *observability.Redactor

	// Transport overrides the pooled upstream HTTP transport.
	Transport *dispatch.Transport

	HealthConfig      health.Config
	RPMLearnerConfig  health.RPMLearnerConfig
	ReservationConfig ratelimit.ReservationConfig
}

// Option is a function that configures the Gateway.
type Option func(*GatewayConfig)

func defaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		Config:            config.DefaultConfig(),
		HealthConfig:      health.DefaultConfig(),
		RPMLearnerConfig:  health.DefaultRPMLearnerConfig(),
		ReservationConfig: ratelimit.DefaultReservationConfig(),
	}
}

// WithConfig sets the runtime configuration snapshot.
func WithConfig(cfg *config.Config) Option {
	return func(c *GatewayConfig) {
		c.Config = cfg
	}
}

// WithProviderStore sets the provider topology store.
func WithProviderStore(s store.ProviderStore) Option {
	return func(c *GatewayConfig) {
		c.Providers = s
	}
}

// WithUsageStore sets the billing and audit sink.
func WithUsageStore(s store.UsageStore) Option {
	return func(c *GatewayConfig) {
		c.Usage = s
	}
}

// WithPricing sets the per-model price catalog.
func WithPricing(catalog []pricing.ModelPricing) Option {
	return func(c *GatewayConfig) {
		c.Pricing = catalog
	}
}

// WithBillingRules sets the billing rules for async video tasks, keyed by
// global model name.
func WithBillingRules(rules map[string]*billing.Rule) Option {
	return func(c *GatewayConfig) {
		c.BillingRules = rules
	}
}

// WithRedis sets the shared Redis client used for affinity entries, circuit
// state mirroring, and RPM counters.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	llmgate.WithRedis(rdb)
func WithRedis(rdb redis.UniversalClient) Option {
	return func(c *GatewayConfig) {
		c.Redis = rdb
	}
}

// WithLogger sets the gateway logger.
func WithLogger(logger *observability.Logger) Option {
	return func(c *GatewayConfig) {
		c.Logger = logger
	}
}

// WithRedactor sets the redactor applied to captured headers and log output.
func WithRedactor(r *observability.Redactor) Option {
	return func(c *GatewayConfig) {
		c.Redactor = r
	}
}

// WithTransport overrides the upstream HTTP transport, mainly for tests.
func WithTransport(t *dispatch.Transport) Option {
	return func(c *GatewayConfig) {
		c.Transport = t
	}
}

// WithHealthConfig tunes the per-key circuit breaker.
func WithHealthConfig(cfg health.Config) Option {
	return func(c *GatewayConfig) {
		c.HealthConfig = cfg
	}
}

// WithRPMLearnerConfig tunes adaptive RPM learning.
func WithRPMLearnerConfig(cfg health.RPMLearnerConfig) Option {
	return func(c *GatewayConfig) {
		c.RPMLearnerConfig = cfg
	}
}

// WithReservationConfig tunes the cache-affinity capacity reservation.
func WithReservationConfig(cfg ratelimit.ReservationConfig) Option {
	return func(c *GatewayConfig) {
		c.ReservationConfig = cfg
	}
}
