// Package config loads the backend configuration from environment variables
// (prefix AITASKM) with sensible defaults for every knob. Configuration is
// grouped per component so each constructor takes only its own section.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all tunables for the AI resilience core.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Client    ClientConfig    `mapstructure:"client"`
	Cache     CacheConfig     `mapstructure:"cache"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// ServerConfig configures the HTTP surface in cmd/server.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// QueueConfig bounds the AI request queue.
type QueueConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MaxQueueSize  int           `mapstructure:"max_queue_size"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// ClientConfig configures the retrying AI service client.
type ClientConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	AssignCacheTTL time.Duration `mapstructure:"assign_cache_ttl"`
}

// CacheConfig configures the shared (Redis) or local cache tier.
type CacheConfig struct {
	Addr                 string        `mapstructure:"addr"`
	Password             string        `mapstructure:"password"`
	DB                   int           `mapstructure:"db"`
	DefaultTTL           time.Duration `mapstructure:"default_ttl"`
	OpTimeout            time.Duration `mapstructure:"op_timeout"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
}

// RateLimitConfig configures the adaptive per-key limiter.
type RateLimitConfig struct {
	Window           time.Duration `mapstructure:"window"`
	Max              int64         `mapstructure:"max"`
	MinMax           int64         `mapstructure:"min_max"`
	MemoryHighWater  float64       `mapstructure:"memory_high_water"`
	MemoryLowWater   float64       `mapstructure:"memory_low_water"`
	SampleInterval   time.Duration `mapstructure:"sample_interval"`
	MemoryLimitBytes uint64        `mapstructure:"memory_limit_bytes"`
}

// Load reads configuration from the environment. Every key can be overridden
// via AITASKM_<SECTION>_<KEY>, e.g. AITASKM_QUEUE_MAX_CONCURRENT=10.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8081)
	v.SetDefault("server.api_key", "")

	v.SetDefault("queue.max_concurrent", 5)
	v.SetDefault("queue.max_queue_size", 100)
	v.SetDefault("queue.timeout", 30*time.Second)

	v.SetDefault("client.base_url", "http://127.0.0.1:8000")
	v.SetDefault("client.retry_attempts", 3)
	v.SetDefault("client.attempt_timeout", 10*time.Second)
	v.SetDefault("client.backoff_base", time.Second)
	v.SetDefault("client.assign_cache_ttl", 300*time.Second)

	v.SetDefault("cache.addr", "127.0.0.1:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.default_ttl", 300*time.Second)
	v.SetDefault("cache.op_timeout", 500*time.Millisecond)
	v.SetDefault("cache.max_reconnect_attempts", 5)

	v.SetDefault("ratelimit.window", time.Minute)
	v.SetDefault("ratelimit.max", 100)
	v.SetDefault("ratelimit.min_max", 10)
	v.SetDefault("ratelimit.memory_high_water", 0.85)
	v.SetDefault("ratelimit.memory_low_water", 0.60)
	v.SetDefault("ratelimit.sample_interval", 60*time.Second)
	// 0 means derive the limit from the Go runtime (GOMEMLIMIT or total sys memory)
	v.SetDefault("ratelimit.memory_limit_bytes", 0)

	v.SetEnvPrefix("AITASKM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Queue.MaxConcurrent <= 0 {
		return fmt.Errorf("queue.max_concurrent must be positive, got %d", c.Queue.MaxConcurrent)
	}
	if c.Queue.MaxQueueSize <= 0 {
		return fmt.Errorf("queue.max_queue_size must be positive, got %d", c.Queue.MaxQueueSize)
	}
	if c.Client.RetryAttempts <= 0 {
		return fmt.Errorf("client.retry_attempts must be positive, got %d", c.Client.RetryAttempts)
	}
	if c.RateLimit.Max <= 0 {
		return fmt.Errorf("ratelimit.max must be positive, got %d", c.RateLimit.Max)
	}
	if c.RateLimit.MemoryLowWater >= c.RateLimit.MemoryHighWater {
		return fmt.Errorf("ratelimit.memory_low_water (%.2f) must be below memory_high_water (%.2f)",
			c.RateLimit.MemoryLowWater, c.RateLimit.MemoryHighWater)
	}
	return nil
}
