// Package config provides centralized configuration management for sendguard.
// It layers registered defaults, an optional YAML file, SENDGUARD_*
// environment variables and runtime overrides through viper, then decodes the
// result into typed structs with mapstructure.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/sendguard/sendguard/internal/core/cache"
)

// Application naming used for XDG paths and environment variables.
const (
	AppName   = "sendguard"
	EnvPrefix = "SENDGUARD"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// envAliases maps short environment variable names onto config keys, in
// addition to the SENDGUARD_<SECTION>_<KEY> names viper derives itself.
var envAliases = map[string][]string{
	"server.host":          {"HOST"},
	"server.port":          {"PORT"},
	"server.admin_token":   {"ADMIN_TOKEN"},
	"logging.level":        {"LOG_LEVEL"},
	"logging.profile":      {"LOG_PROFILE"},
	"store.driver":         {"DB_DRIVER"},
	"store.path":           {"DB_PATH"},
	"store.url":            {"DB_URL"},
	"store.auth_token":     {"DB_AUTH_TOKEN"},
	"store.dynamodb.table": {"DYNAMODB_TABLE"},
	"cache.redis.addr":     {"REDIS_ADDR"},
}

// Configure registers defaults and environment bindings on v.
func Configure(v *viper.Viper) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, aliases := range envAliases {
		names := []string{EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}
		for _, alias := range aliases {
			names = append(names, EnvPrefix+"_"+alias)
		}
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.admin_token", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	// Store defaults
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.dynamodb.table", "sendguard-rate-limits")
	v.SetDefault("store.dynamodb.region", "")
	v.SetDefault("store.dynamodb.endpoint", "")

	// Cache defaults
	v.SetDefault("cache.driver", cache.DriverMemory)
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.cleanup_interval", "1m")
	v.SetDefault("cache.redis.addr", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.prefix", "sendguard:ratelimit")

	// Engine defaults
	v.SetDefault("engine.base_interval", "30s")
	v.SetDefault("engine.max_interval", "120s")
	v.SetDefault("engine.jitter_range", "10s")
	v.SetDefault("engine.daily_limit", 1000)
	v.SetDefault("engine.warning_threshold", 800)
	v.SetDefault("engine.timezone", "Local")
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.retry_backoff", "25ms")

	// Retention sweeper defaults
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.retention", "720h")
	v.SetDefault("sweeper.interval", "24h")

	// Control surface throttle
	v.SetDefault("control.rate_per_minute", 30)
	v.SetDefault("control.burst", 5)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Health check defaults
	v.SetDefault("health.enabled", true)

	// Debug defaults
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
}

// Load decodes the settings held by v, with runtimeOverrides applied on top,
// validates them and records the result for GetConfig.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(v *viper.Viper, runtimeOverrides ...map[string]any) (*Config, error) {
	if v == nil {
		v = viper.GetViper()
	}

	for _, overrides := range runtimeOverrides {
		for key, value := range flatten("", overrides) {
			v.Set(key, value)
		}
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}

	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "", "libsql", "memory":
	case "dynamodb":
		if strings.TrimSpace(c.Store.DynamoDB.Table) == "" {
			errs = append(errs, errors.New("store.dynamodb.table is required for the dynamodb driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported store driver: %s", c.Store.Driver))
	}

	driver, err := cache.ParseDriver(c.Cache.Driver)
	if err != nil {
		errs = append(errs, err)
	} else if driver == cache.DriverRedis && strings.TrimSpace(c.Cache.Redis.Addr) == "" {
		errs = append(errs, errors.New("cache.redis.addr is required for the redis cache driver"))
	}

	e := c.Engine
	if e.BaseInterval <= 0 {
		errs = append(errs, errors.New("engine.base_interval must be positive"))
	}
	if e.MaxInterval < 0 {
		errs = append(errs, errors.New("engine.max_interval must not be negative"))
	}
	if e.JitterRange < 0 {
		errs = append(errs, errors.New("engine.jitter_range must not be negative"))
	}
	if e.DailyLimit <= 0 {
		errs = append(errs, errors.New("engine.daily_limit must be positive"))
	}
	if e.WarningThreshold <= 0 {
		errs = append(errs, errors.New("engine.warning_threshold must be positive"))
	}
	if _, err := e.Location(); err != nil {
		errs = append(errs, err)
	}

	if c.Sweeper.Enabled && c.Sweeper.Retention <= 0 {
		errs = append(errs, errors.New("sweeper.retention must be positive"))
	}
	if c.Control.RatePerMinute <= 0 {
		errs = append(errs, errors.New("control.rate_per_minute must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

func flatten(prefix string, values map[string]any) map[string]any {
	out := make(map[string]any)
	for key, value := range values {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			for k, v := range flatten(full, nested) {
				out[k] = v
			}
			continue
		}
		out[full] = value
	}
	return out
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(AppName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultConfigDir returns the XDG-compliant config directory for the app.
func DefaultConfigDir() string {
	return gfconfig.GetAppConfigDir(AppName)
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	return gfconfig.GetAppDataDir(AppName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := gfconfig.GetAppDataDir(AppName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}
