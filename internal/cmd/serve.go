package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sendguard/sendguard/internal/config"
	"github.com/sendguard/sendguard/internal/core/cache"
	errwrap "github.com/sendguard/sendguard/internal/errors"
	"github.com/sendguard/sendguard/internal/metrics"
	"github.com/sendguard/sendguard/internal/observability"
	"github.com/sendguard/sendguard/internal/server"
	"github.com/sendguard/sendguard/internal/server/handlers"
)

var (
	serverPort int
	serverHost string
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the admission control HTTP server with graceful shutdown support.

Routes:
  GET  /check/{connectionId}    may the connection send now
  POST /sent/{connectionId}     record a delivered message
  GET  /status/{connectionId}   connection snapshot
  POST /pause|resume|reset/{connectionId}
                                operator controls (need server.admin_token)

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Config file re-read (restart to apply store or engine changes)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		observability.InitServerLogger(config.AppName, cfg.Logging)
		logger := observability.ServerLogger

		if err := observability.InitMetrics(cfg.Metrics); err != nil {
			logger.Error("Failed to initialize metrics", zap.Error(err))
			return errwrap.WrapInternal(cmd.Context(), err, "metrics initialization failed")
		}
		metrics.SetServerStartTime(time.Now().Unix())

		logger.Info("Initializing server",
			zap.String("service", config.AppName),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Bool("metrics_enabled", cfg.Metrics.Enabled),
			zap.Int("metrics_port", observability.GetMetricsPort()))

		svc, err := openServices(cmd.Context(), cfg, logger, metrics.Recorder{}, true)
		if err != nil {
			logger.Error("Failed to open rate limit services", zap.Error(err))
			return errwrap.WrapServiceUnavailable(cmd.Context(), err, "rate limit store unavailable")
		}

		background, stopBackground := context.WithCancel(context.Background())

		if mem, ok := svc.cache.(*cache.Memory); ok {
			mem.StartJanitor(background)
		}

		if cfg.Sweeper.Enabled {
			sweeper := svc.sweeper(logger, metrics.RecordSweep)
			go func() {
				if err := sweeper.Run(background); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("Retention sweeper stopped", zap.Error(err))
				}
			}()
		} else {
			logger.Info("Retention sweeper disabled")
		}

		hm := handlers.NewHealthManager(versionInfo.Version)
		hm.RegisterChecker("store", handlers.PingChecker{Target: svc.backend})
		if pinger, ok := svc.cache.(handlers.Pinger); ok {
			hm.RegisterChecker("cache", handlers.PingChecker{Target: pinger})
		}
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{})
		}

		srv := server.New(cfg.Server.Host, cfg.Server.Port,
			server.WithRateLimiter(svc.engine),
			server.WithHealth(hm),
			server.WithBuildInfo(handlers.BuildInfo{
				Name:      config.AppName,
				Version:   versionInfo.Version,
				Commit:    versionInfo.Commit,
				BuildDate: versionInfo.BuildDate,
			}),
			server.WithBackends(cfg.Store.Driver, cfg.Cache.Driver),
			server.WithMetricsPort(cfg.Metrics.Port),
			server.WithAdminToken(cfg.Server.AdminToken),
			server.WithControlThrottle(float64(cfg.Control.RatePerMinute), cfg.Control.Burst),
			server.WithTimeouts(server.Timeouts{
				Read:  cfg.Server.ReadTimeout,
				Write: cfg.Server.WriteTimeout,
				Idle:  cfg.Server.IdleTimeout,
			}))

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 10 * time.Second
		}

		// Register graceful shutdown handlers (LIFO order - last registered, first executed)
		// Handler 1: Flush logger (executed last)
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				// Sync errors are often benign (stdout/stderr already closed)
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		// Handler 2: Stop background work and close the store
		signals.OnShutdown(func(ctx context.Context) error {
			stopBackground()
			if err := svc.Close(); err != nil {
				logger.Warn("Failed to close rate limit services", zap.Error(err))
			}
			return nil
		})

		// Handler 3: Shutdown HTTP server (executed first)
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: re-reading config file")

			if err := viper.ReadInConfig(); err != nil {
				var notFound viper.ConfigFileNotFoundError
				if errors.As(err, &notFound) {
					logger.Info("No config file found - using defaults and environment variables")
					return nil
				}
				logger.Error("Failed to reload config file",
					zap.String("file", viper.ConfigFileUsed()),
					zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}

			if _, err := config.Load(viper.GetViper()); err != nil {
				logger.Error("Reloaded config is invalid", zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}

			logger.Info("Configuration reloaded; restart to apply store, cache or engine changes",
				zap.String("file", viper.ConfigFileUsed()))
			return nil
		})

		// Enable double-tap force quit (Ctrl+C within 2 seconds)
		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		errChan := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(cmd.Context()); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			stopBackground()
			_ = svc.Close()
			return errwrap.WrapInternal(cmd.Context(), err, "server error")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}
