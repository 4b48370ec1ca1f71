package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"     validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"   validate:"required"`
	Worker    WorkerConfig    `mapstructure:"worker"     validate:"required"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// ServerConfig contains all HTTP server related settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// WorkerConfig configures the execution supervisor: pool sizing, queue
// capacity, retry policy, and per-attempt deadlines.
type WorkerConfig struct {
	Count       int           `mapstructure:"count"        validate:"required,gt=0"`
	QueueSize   int           `mapstructure:"queue_size"   validate:"required,gt=0"`
	MaxRetries  int           `mapstructure:"max_retries"  validate:"gte=0"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"  validate:"gt=0"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"  validate:"gt=0"`
	SoftTimeout time.Duration `mapstructure:"soft_timeout" validate:"gt=0"`
	HardTimeout time.Duration `mapstructure:"hard_timeout" validate:"gt=0,gtefield=SoftTimeout"`
}

// RateLimitConfig configures the per-route request limiter. When RedisURL is
// set the limiter keeps its counters in Redis so limits hold across
// replicas; otherwise an in-process token bucket is used.
type RateLimitConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	RedisURL string `mapstructure:"redis_url"`
}
