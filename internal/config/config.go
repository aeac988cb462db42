package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

type Config struct {
	DatabaseDSN  string `env:"DATABASE_DSN,required=true"`
	RedisURL     string `env:"REDIS_URL,required=true"`
	RabbitMQURL  string `env:"RABBITMQ_URL"`
	DirectoryURL string `env:"DIRECTORY_URL"`
	APIPort      int    `env:"API_PORT,default=8080"`
	LogLevel     string `env:"LOG_LEVEL,default=info"`

	DBMaxOpenConns int `env:"DB_MAX_OPEN_CONNS,default=25"`
	DBMaxIdleConns int `env:"DB_MAX_IDLE_CONNS,default=5"`

	MaxConcurrentBatches int `env:"MAX_CONCURRENT_BATCHES,default=10"`
	ItemParallelism      int `env:"ITEM_PARALLELISM,default=1"`
	ItemTimeoutSec       int `env:"ITEM_TIMEOUT_SEC,default=1800"`
	FulfillmentPollSec   int `env:"FULFILLMENT_POLL_SEC,default=2"`

	RetryScanIntervalSec int `env:"RETRY_SCAN_INTERVAL_SEC,default=10"`
	RetryGraceSec        int `env:"RETRY_GRACE_SEC,default=10"`
	MaxDeliveryAttempts  int `env:"MAX_DELIVERY_ATTEMPTS,default=3"`

	RetentionIntervalSec int `env:"RETENTION_INTERVAL_SEC,default=3600"`
	BatchRetentionSec    int `env:"BATCH_RETENTION_SEC,default=86400"`
	ReconcileIntervalSec int `env:"RECONCILE_INTERVAL_SEC,default=60"`
	LeaseTTLSec          int `env:"LEASE_TTL_SEC,default=30"`

	RateLimitCalls        int    `env:"RATE_LIMIT_CALLS,default=100"`
	RateLimitWindowSec    int    `env:"RATE_LIMIT_WINDOW_SEC,default=3600"`
	RateLimitBackend      string `env:"RATE_LIMIT_BACKEND,default=memory"`
	OwnerMaxActiveBatches int    `env:"OWNER_MAX_ACTIVE_BATCHES,default=5"`
	OwnerCooldownSec      int    `env:"OWNER_COOLDOWN_SEC,default=30"`
	MaxBatchTargets       int    `env:"MAX_BATCH_TARGETS,default=50"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.RateLimitBackend = strings.ToLower(strings.TrimSpace(c.RateLimitBackend))
	switch c.RateLimitBackend {
	case RateLimitBackendMemory, RateLimitBackendRedis:
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be %q or %q, got %q",
			RateLimitBackendMemory, RateLimitBackendRedis, c.RateLimitBackend)
	}

	positive := map[string]int{
		"MAX_CONCURRENT_BATCHES":   c.MaxConcurrentBatches,
		"ITEM_PARALLELISM":         c.ItemParallelism,
		"ITEM_TIMEOUT_SEC":         c.ItemTimeoutSec,
		"MAX_DELIVERY_ATTEMPTS":    c.MaxDeliveryAttempts,
		"RATE_LIMIT_CALLS":         c.RateLimitCalls,
		"RATE_LIMIT_WINDOW_SEC":    c.RateLimitWindowSec,
		"MAX_BATCH_TARGETS":        c.MaxBatchTargets,
		"OWNER_MAX_ACTIVE_BATCHES": c.OwnerMaxActiveBatches,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c *Config) ItemTimeout() time.Duration       { return seconds(c.ItemTimeoutSec) }
func (c *Config) FulfillmentPoll() time.Duration   { return seconds(c.FulfillmentPollSec) }
func (c *Config) RetryScanInterval() time.Duration { return seconds(c.RetryScanIntervalSec) }
func (c *Config) RetryGrace() time.Duration        { return seconds(c.RetryGraceSec) }
func (c *Config) RetentionInterval() time.Duration { return seconds(c.RetentionIntervalSec) }
func (c *Config) BatchRetention() time.Duration    { return seconds(c.BatchRetentionSec) }
func (c *Config) ReconcileInterval() time.Duration { return seconds(c.ReconcileIntervalSec) }
func (c *Config) LeaseTTL() time.Duration          { return seconds(c.LeaseTTLSec) }
func (c *Config) RateLimitWindow() time.Duration   { return seconds(c.RateLimitWindowSec) }
func (c *Config) OwnerCooldown() time.Duration     { return seconds(c.OwnerCooldownSec) }
