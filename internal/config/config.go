package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sendguard/sendguard/internal/core"
)

// Config represents the complete application configuration.
// Values are layered: registered defaults, then the YAML config file, then
// SENDGUARD_* environment variables, then runtime overrides.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Sweeper SweeperConfig `mapstructure:"sweeper"`
	Control ControlConfig `mapstructure:"control"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
	Debug   DebugConfig   `mapstructure:"debug"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// AdminToken guards the pause/resume/reset routes. The routes are not
	// mounted when it is empty.
	AdminToken string `mapstructure:"admin_token"`
}

// StoreConfig selects and configures the durable record store.
type StoreConfig struct {
	// Driver is one of libsql, dynamodb or memory.
	Driver    string         `mapstructure:"driver"`
	Path      string         `mapstructure:"path"`
	URL       string         `mapstructure:"url"`
	AuthToken string         `mapstructure:"auth_token"`
	DynamoDB  DynamoDBConfig `mapstructure:"dynamodb"`
}

// DynamoDBConfig configures the DynamoDB record store.
type DynamoDBConfig struct {
	Table  string `mapstructure:"table"`
	Region string `mapstructure:"region"`
	// Endpoint overrides the service endpoint, e.g. for DynamoDB Local.
	Endpoint string `mapstructure:"endpoint"`
}

// CacheConfig configures the read-through record cache.
type CacheConfig struct {
	// Driver is one of memory, redis or none.
	Driver          string        `mapstructure:"driver"`
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	Redis           RedisConfig   `mapstructure:"redis"`
}

// RedisConfig configures the Redis cache driver.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// EngineConfig holds the default limits for new connections and the
// engine's concurrency knobs.
type EngineConfig struct {
	BaseInterval     time.Duration `mapstructure:"base_interval"`
	MaxInterval      time.Duration `mapstructure:"max_interval"`
	JitterRange      time.Duration `mapstructure:"jitter_range"`
	DailyLimit       int           `mapstructure:"daily_limit"`
	WarningThreshold int           `mapstructure:"warning_threshold"`

	// Timezone names the IANA zone whose calendar days drive the daily
	// counter reset. "Local" and "UTC" are accepted.
	Timezone     string        `mapstructure:"timezone"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// Limits converts the configured defaults to record limits.
func (e EngineConfig) Limits() core.Limits {
	return core.Limits{
		BaseInterval:     e.BaseInterval.Milliseconds(),
		MaxInterval:      e.MaxInterval.Milliseconds(),
		JitterRange:      e.JitterRange.Milliseconds(),
		DailyLimit:       e.DailyLimit,
		WarningThreshold: e.WarningThreshold,
	}
}

// Location resolves Timezone.
func (e EngineConfig) Location() (*time.Location, error) {
	name := strings.TrimSpace(e.Timezone)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	if strings.EqualFold(name, "utc") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid engine timezone %q: %w", name, err)
	}
	return loc, nil
}

// SweeperConfig configures the retention sweeper run by `serve`.
type SweeperConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Retention time.Duration `mapstructure:"retention"`
	Interval  time.Duration `mapstructure:"interval"`
}

// ControlConfig throttles the HTTP control routes per client IP.
type ControlConfig struct {
	RatePerMinute int `mapstructure:"rate_per_minute"`
	Burst         int `mapstructure:"burst"`
}

// LoggingConfig contains logging configuration
// Supports progressive logging profiles per Fulmen Forge Workhorse Standard:
// - SIMPLE: Console output only, minimal configuration (CLI tools)
// - STRUCTURED: Structured sinks, correlation IDs (API services)
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig contains debug and profiling configuration
type DebugConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// PprofEnabled controls whether pprof endpoints are exposed
	// WARNING: Only enable in development/staging environments
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}
