package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sendguard/sendguard/internal/observability"
)

// HTTP metric names.
const (
	HTTPRequestsTotal   = "http_requests_total"
	HTTPRequestDuration = "http_request_duration_ms"
	HTTPErrorsTotal     = "http_errors_total"
	HTTPResponseBytes   = "http_response_size_bytes"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

// connectionRoutes carry a connection id as their last path segment.
var connectionRoutes = []string{"/check/", "/sent/", "/status/", "/pause/", "/resume/", "/reset/"}

// routeLabel returns a bounded endpoint label: the chi pattern when the
// router matched, otherwise a coarse bucket so ids never become labels.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	path := r.URL.Path
	switch {
	case path == "/" || path == "/version" || path == "/metrics":
		return path
	case path == "/health" || strings.HasPrefix(path, "/health/"):
		return "/health/*"
	}
	for _, prefix := range connectionRoutes {
		if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
			return prefix + "{connectionId}"
		}
	}
	return "/unknown"
}

// RequestMetrics counts requests, errors and latency per route and logs one
// line per request. It is a pass-through while telemetry is disabled.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if observability.TelemetrySystem == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		observeRequest(r, rec, time.Since(start))
	})
}

func observeRequest(r *http.Request, rec *statusRecorder, elapsed time.Duration) {
	endpoint := routeLabel(r)
	status := strconv.Itoa(rec.status)
	labels := map[string]string{
		"method":   r.Method,
		"endpoint": endpoint,
		"status":   status,
	}

	sys := observability.TelemetrySystem
	_ = sys.Counter(HTTPRequestsTotal, 1, labels)
	_ = sys.Histogram(HTTPRequestDuration, elapsed, labels)
	_ = sys.Gauge(HTTPResponseBytes, float64(rec.bytes), map[string]string{
		"method":   r.Method,
		"endpoint": endpoint,
	})

	if rec.status >= http.StatusBadRequest {
		class := "client_error"
		if rec.status >= http.StatusInternalServerError {
			class = "server_error"
		}
		_ = sys.Counter(HTTPErrorsTotal, 1, map[string]string{
			"method":     r.Method,
			"endpoint":   endpoint,
			"status":     status,
			"error_type": class,
		})
	}

	logger := observability.ServerLogger
	if logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("endpoint", endpoint),
		zap.Int("status", rec.status),
		zap.Duration("duration", elapsed),
		zap.Int64("response_size", rec.bytes),
		zap.String("request_id", GetRequestID(r.Context())),
	}
	if id := chi.URLParam(r, "connectionId"); id != "" {
		fields = append(fields, zap.String("connection_id", id))
	}
	logger.Info("HTTP request completed", fields...)
}
