package cmd

import (
	"context"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	errwrap "github.com/sendguard/sendguard/internal/errors"
	"github.com/sendguard/sendguard/internal/observability"
	"github.com/sendguard/sendguard/internal/server/handlers"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Verify the configuration loads and the configured store and cache are reachable.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		if logger == nil {
			// Can't log if logger is nil, so use stderr
			ExitWithCodeStderr(foundry.ExitConfigInvalid, "Logger not initialized", errwrap.NewConfigInvalidError("Logger not initialized"))
			return
		}
		logger.Info("Running health check...")

		if versionInfo.Version == "" {
			logger.Error("❌ FAIL: Version information missing")
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		logger.Debug("Version check passed", zap.String("version", versionInfo.Version))
		logger.Info("✅ Version information available")

		cfg, err := loadConfig()
		if err != nil {
			logger.Error("❌ FAIL: Configuration invalid")
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration invalid", err)
			return
		}
		logger.Info("✅ Configuration valid")

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		backend, err := openStore(ctx, cfg)
		if err != nil {
			logger.Error("❌ FAIL: Store unavailable", zap.String("driver", cfg.Store.Driver))
			ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Store unavailable", err)
			return
		}
		defer backend.Close() // nolint:errcheck // best-effort cleanup
		if err := (handlers.PingChecker{Target: backend}).CheckHealth(ctx); err != nil {
			logger.Error("❌ FAIL: Store ping failed", zap.String("driver", backend.Driver()))
			ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Store ping failed", err)
			return
		}
		logger.Info("✅ Store reachable", zap.String("driver", backend.Driver()))

		c, closeCache, err := openCache(ctx, cfg.Cache, false)
		if err != nil {
			logger.Error("❌ FAIL: Cache unavailable", zap.String("driver", cfg.Cache.Driver))
			ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Cache unavailable", err)
			return
		}
		defer closeCache() // nolint:errcheck // best-effort cleanup
		if pinger, ok := c.(handlers.Pinger); ok {
			if err := pinger.Ping(ctx); err != nil {
				ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Cache ping failed", err)
				return
			}
		}
		logger.Info("✅ Cache ready", zap.String("driver", cfg.Cache.Driver))

		logger.Info("")
		logger.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
