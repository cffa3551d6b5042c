package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	apperrors "github.com/sendguard/sendguard/internal/errors"
	"github.com/sendguard/sendguard/internal/observability"
)

const defaultMetricsPort = 9090

var metricsProxyClient = &http.Client{Timeout: 5 * time.Second}

// Response headers that belong to the exporter connection, not the caller's.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// exporterURL is the in-process exporter's scrape address: the bound port
// when known, else the configured one.
func (s *Server) exporterURL() string {
	port := observability.GetMetricsPort()
	if port == 0 {
		port = s.metricsPort
	}
	if port == 0 {
		port = defaultMetricsPort
	}
	return fmt.Sprintf("http://127.0.0.1:%d/metrics", port)
}

// metricsHandler serves /metrics on the main listener by scraping the
// Prometheus exporter, so one port carries admission traffic and metrics.
func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if observability.PrometheusExporter == nil {
		apperrors.RespondWithError(w, r, apperrors.NewServiceUnavailableError("metrics are disabled"))
		return
	}

	target := s.exporterURL()
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		apperrors.RespondWithError(w, r, exporterError(apperrors.CodeInternal, "unable to build metrics request", target, err))
		return
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := metricsProxyClient.Do(req)
	if err != nil {
		apperrors.RespondWithError(w, r, exporterError(apperrors.CodeExternalService, "metrics exporter unavailable", target, err))
		return
	}
	defer resp.Body.Close() // nolint:errcheck // read-only body

	for key, values := range resp.Header {
		if hopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger().Info("Metrics response copy interrupted", zap.Error(err))
	}
}

func exporterError(code, message, target string, err error) *errors.ErrorEnvelope {
	envelope := apperrors.New(code, message)
	if withCtx, ctxErr := envelope.WithContext(map[string]any{"metrics_url": target}); ctxErr == nil && withCtx != nil {
		envelope = withCtx
	}
	envelope.Original = err
	return envelope
}
