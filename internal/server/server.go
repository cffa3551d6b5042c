package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/sendguard/sendguard/internal/errors"
	"github.com/sendguard/sendguard/internal/observability"
	"github.com/sendguard/sendguard/internal/server/handlers"
	servermw "github.com/sendguard/sendguard/internal/server/middleware"
)

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	host   string
	port   int

	limiter     handlers.RateLimiter
	health      *handlers.HealthManager
	adminToken  string
	throttle    *servermw.Throttle
	timeouts    Timeouts
	metricsPort int
	build       handlers.BuildInfo
	backends    handlers.Backends
}

// Timeouts bounds request handling on the listener.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimiter mounts the admission and status routes.
func WithRateLimiter(l handlers.RateLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithHealth serves the health probes from hm. Without it the probes run
// no dependency checks.
func WithHealth(hm *handlers.HealthManager) Option {
	return func(s *Server) { s.health = hm }
}

// WithBuildInfo sets what /version and the health probes report.
func WithBuildInfo(info handlers.BuildInfo) Option {
	return func(s *Server) { s.build = info }
}

// WithBackends names the store and cache drivers on /version.
func WithBackends(store, cache string) Option {
	return func(s *Server) { s.backends = handlers.Backends{Store: store, Cache: cache} }
}

// WithMetricsPort sets the exporter port /metrics scrapes when the exporter
// has not reported its bound port.
func WithMetricsPort(port int) Option {
	return func(s *Server) { s.metricsPort = port }
}

// WithAdminToken mounts the pause, resume and reset routes behind bearer
// auth. An empty token leaves them unmounted.
func WithAdminToken(token string) Option {
	return func(s *Server) { s.adminToken = token }
}

// WithControlThrottle limits control requests per client IP.
func WithControlThrottle(perMinute float64, burst int) Option {
	return func(s *Server) {
		if perMinute > 0 {
			s.throttle = servermw.NewThrottle(perMinute, burst)
		}
	}
}

// WithTimeouts overrides the listener timeouts; zero fields keep defaults.
func WithTimeouts(t Timeouts) Option {
	return func(s *Server) {
		if t.Read > 0 {
			s.timeouts.Read = t.Read
		}
		if t.Write > 0 {
			s.timeouts.Write = t.Write
		}
		if t.Idle > 0 {
			s.timeouts.Idle = t.Idle
		}
	}
}

// New creates a new HTTP server instance
func New(host string, port int, opts ...Option) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)

	// Request id first so metrics, logs and recovered panics share it;
	// recovery sits inside metrics so a panic is still counted as a 500.
	r.Use(servermw.RequestID)
	r.Use(servermw.RequestMetrics)
	r.Use(servermw.Recovery)

	// 404 and 405 answer with the same envelope as every other error.
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		err := apperrors.NewNotFoundError("The requested resource was not found")
		apperrors.RespondWithError(w, req, err)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		err := apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource")
		apperrors.RespondWithError(w, req, err)
	})

	s := &Server{
		router: r,
		host:   host,
		port:   port,
		build:  handlers.DefaultBuildInfo,
		timeouts: Timeouts{
			Read:  30 * time.Second,
			Write: 30 * time.Second,
			Idle:  120 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = handlers.NewHealthManager(s.build.Version)
	}

	s.registerRoutes()

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.timeouts.Read,
		WriteTimeout: s.timeouts.Write,
		IdleTimeout:  s.timeouts.Idle,
	}

	logger().Info("Starting HTTP server",
		zap.String("host", s.host),
		zap.Int("port", s.port),
		zap.String("addr", addr))

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	logger().Info("Shutting down HTTP server")
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying router for testing and instrumentation
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the server port for testing
func (s *Server) Port() int {
	return s.port
}

type infoLogger interface {
	Info(msg string, fields ...zap.Field)
}

func logger() infoLogger {
	if observability.ServerLogger != nil {
		return observability.ServerLogger
	}
	return zap.NewNop()
}
