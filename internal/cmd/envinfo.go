package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sendguard/sendguard/internal/config"
	"github.com/sendguard/sendguard/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display environment, configuration, and version information. Secrets are reported as set or not set.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		version := crucible.GetVersion()

		logger.Info("=== sendguard Environment Information ===")
		logger.Info("")

		logger.Info("Application:")
		logger.Info("  Name:       " + config.AppName)
		logger.Info("  Version:    " + versionInfo.Version)
		logger.Info("  Commit:     " + versionInfo.Commit)
		logger.Info("  Built:      " + versionInfo.BuildDate)
		logger.Info("")

		logger.Info("SSOT:")
		logger.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		logger.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		logger.Info("")

		logger.Info("Runtime:")
		logger.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		logger.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		logger.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		logger.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		logger.Info("")

		cfg, err := loadConfig()
		if err != nil {
			logger.Warn("Config load failed", zap.Error(err))
			return
		}

		logger.Info("Server:")
		logger.Info("  Host:           "+cfg.Server.Host, zap.String("host", cfg.Server.Host))
		logger.Info(fmt.Sprintf("  Port:           %d", cfg.Server.Port), zap.Int("port", cfg.Server.Port))
		logger.Info("  Admin Token:    " + setOrNot(cfg.Server.AdminToken))
		logger.Info(fmt.Sprintf("  Control Rate:   %d/min, burst %d", cfg.Control.RatePerMinute, cfg.Control.Burst))
		logger.Info("  Log Level:      "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		logger.Info("  Log Profile:    "+cfg.Logging.Profile, zap.String("log_profile", cfg.Logging.Profile))
		logger.Info(fmt.Sprintf("  Metrics:        %t (port %d)", cfg.Metrics.Enabled, cfg.Metrics.Port))
		logger.Info("  Config File:    "+config.DefaultConfigPath(), zap.String("config_file", config.DefaultConfigPath()))
		logger.Info("")

		logger.Info("Store:")
		logger.Info("  Driver:         "+cfg.Store.Driver, zap.String("db_driver", cfg.Store.Driver))
		switch strings.ToLower(cfg.Store.Driver) {
		case "dynamodb":
			logger.Info("  Table:          " + cfg.Store.DynamoDB.Table)
			logger.Info("  Region:         " + orDefault(cfg.Store.DynamoDB.Region, "(sdk default)"))
			if cfg.Store.DynamoDB.Endpoint != "" {
				logger.Info("  Endpoint:       " + cfg.Store.DynamoDB.Endpoint)
			}
		case "memory":
			logger.Info("  (records are lost on exit)")
		default:
			if strings.TrimSpace(cfg.Store.URL) != "" {
				logger.Info("  DB URL:         "+cfg.Store.URL, zap.String("db_url", cfg.Store.URL))
				logger.Info("  Auth Token:     " + setOrNot(cfg.Store.AuthToken))
			} else {
				logger.Info("  DB Path:        "+cfg.Store.Path, zap.String("db_path", cfg.Store.Path))
			}
		}
		logger.Info("")

		logger.Info("Cache:")
		logger.Info("  Driver:         " + cfg.Cache.Driver)
		logger.Info("  TTL:            " + cfg.Cache.TTL.String())
		if strings.EqualFold(cfg.Cache.Driver, "redis") {
			logger.Info("  Redis Addr:     " + cfg.Cache.Redis.Addr)
			logger.Info("  Redis Prefix:   " + cfg.Cache.Redis.Prefix)
		}
		logger.Info("")

		limits := cfg.Engine
		logger.Info("Engine Defaults:")
		logger.Info("  Base Interval:  " + limits.BaseInterval.String())
		logger.Info("  Max Interval:   " + limits.MaxInterval.String())
		logger.Info("  Jitter Range:   " + limits.JitterRange.String())
		logger.Info(fmt.Sprintf("  Daily Limit:    %d (warning at %d)", limits.DailyLimit, limits.WarningThreshold))
		logger.Info("  Timezone:       " + limits.Timezone)
		logger.Info("")

		logger.Info("Sweeper:")
		logger.Info(fmt.Sprintf("  Enabled:        %t", cfg.Sweeper.Enabled))
		logger.Info("  Retention:      " + cfg.Sweeper.Retention.String())
		logger.Info("  Interval:       " + cfg.Sweeper.Interval.String())
		logger.Info("")

		logger.Info("=== End Environment Information ===")
	},
}

func setOrNot(value string) string {
	if strings.TrimSpace(value) == "" {
		return "(not set)"
	}
	return "(set)"
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
