package server

import (
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sendguard/sendguard/internal/observability"
	"github.com/sendguard/sendguard/internal/server/handlers"
	servermw "github.com/sendguard/sendguard/internal/server/middleware"
)

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	s.router.Get("/health", s.health.Handler(handlers.ProbeAggregate))
	s.router.Get("/health/live", s.health.Handler(handlers.ProbeLive))
	s.router.Get("/health/ready", s.health.Handler(handlers.ProbeReady))
	s.router.Get("/health/startup", s.health.Handler(handlers.ProbeStartup))

	s.router.Get("/version", handlers.VersionHandler(s.build, s.backends))
	s.router.Get("/metrics", s.metricsHandler)

	if s.limiter == nil {
		return
	}

	rl := handlers.RateLimitHandlers{Limiter: s.limiter}
	s.router.Get("/check/{connectionId}", rl.Check)
	s.router.Post("/sent/{connectionId}", rl.Sent)
	s.router.Get("/status/{connectionId}", rl.Status)

	s.registerControlRoutes(rl)
}

// registerControlRoutes mounts pause, resume and reset when an admin token
// is configured.
func (s *Server) registerControlRoutes(rl handlers.RateLimitHandlers) {
	logger := observability.ServerLogger

	if s.adminToken == "" {
		if logger != nil {
			logger.Warn("Control routes disabled (no admin token configured)")
		}
		return
	}

	s.router.Group(func(r chi.Router) {
		if s.throttle != nil {
			r.Use(s.throttle.Middleware)
		}
		r.Use(servermw.BearerAuth(s.adminToken))

		r.Post("/pause/{connectionId}", rl.Pause)
		r.Post("/resume/{connectionId}", rl.Resume)
		r.Post("/reset/{connectionId}", rl.Reset)
	})

	// Signal endpoint shares the admin token; the signals handler carries
	// its own auth and rate limit.
	signalHandler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: s.adminToken,
		RateLimit: 10,
		RateBurst: 5,
		Manager:   nil,
	})
	s.router.Post("/admin/signal", signalHandler.ServeHTTP)

	if logger != nil {
		logger.Info("Control routes enabled",
			zap.Strings("paths", []string{"/pause/{connectionId}", "/resume/{connectionId}", "/reset/{connectionId}", "/admin/signal"}),
			zap.String("auth", "bearer token"),
			zap.Bool("throttled", s.throttle != nil))
		logger.Warn("Admin routes enabled - ensure this server is not exposed to public internet")
	}
}
