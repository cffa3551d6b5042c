package integration

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendguard/sendguard/internal/config"
	"github.com/sendguard/sendguard/internal/observability"
	"github.com/sendguard/sendguard/internal/server"
)

// isPermissionError reports sandboxes that refuse loopback sockets.
func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permission denied") || strings.Contains(msg, "not permitted")
}

// initMetricsOrSkip starts a real exporter under the "test" namespace and
// tears the global telemetry state down afterwards.
func initMetricsOrSkip(t *testing.T) {
	t.Helper()

	if err := observability.InitMetrics(config.MetricsConfig{Enabled: true, Port: 0}, "test"); err != nil {
		if isPermissionError(err) {
			t.Skipf("metrics exporter cannot bind: %v", err)
		}
		require.NoError(t, err)
	}

	t.Cleanup(func() {
		if observability.PrometheusExporter != nil {
			_ = observability.PrometheusExporter.Stop()
			observability.PrometheusExporter = nil
		}
		observability.TelemetrySystem = nil
	})
}

// newTestServer serves a sendguard router on an IPv4 loopback listener.
// setup may add extra routes to the chi mux before it starts.
func newTestServer(t *testing.T, setup func(*chi.Mux), opts ...server.Option) (*httptest.Server, *http.Client) {
	t.Helper()

	srv := server.New("127.0.0.1", 0, opts...)
	if setup != nil {
		if mux, ok := srv.Handler().(*chi.Mux); ok {
			setup(mux)
		}
	}

	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if isPermissionError(err) {
			t.Skipf("loopback listener unavailable: %v", err)
		}
		require.NoError(t, err)
	}

	ts := &httptest.Server{
		Listener: listener,
		Config:   &http.Server{Handler: srv.Handler()},
	}
	ts.Start()
	t.Cleanup(ts.Close)
	return ts, ts.Client()
}

func scrape(t *testing.T, client *http.Client, baseURL string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(baseURL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	return resp, string(body)
}

func TestMetricsUnderConcurrentAdmissionTraffic(t *testing.T) {
	observability.InitServerLogger("test", config.LoggingConfig{Level: "error"})
	initMetricsOrSkip(t)

	ts, client := newTestServer(t, nil, server.WithRateLimiter(newEngine(t)))

	const (
		connections = 8
		workers     = 4
	)
	paths := make(chan string, connections*4)
	for i := 0; i < connections; i++ {
		id := fmt.Sprintf("conn-%d", i)
		paths <- "GET /check/" + id
		paths <- "POST /sent/" + id
		paths <- "GET /check/" + id
		paths <- "GET /health"
	}
	close(paths)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range paths {
				method, path, _ := strings.Cut(p, " ")
				req, err := http.NewRequest(method, ts.URL+path, nil)
				if err != nil {
					continue
				}
				if resp, err := client.Do(req); err == nil {
					_ = resp.Body.Close()
				}
			}
		}()
	}
	wg.Wait()

	resp, body := scrape(t, client, ts.URL)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "test_http_requests_total")
	assert.Contains(t, body, "test_http_request_duration_ms")
	assert.Contains(t, body, "sendguard_admission_total")
	assert.Contains(t, body, "sendguard_sends_total")
	assert.NotContains(t, body, "conn-3", "connection ids must not become metric labels")
}

func TestMetricsPrometheusFormat(t *testing.T) {
	observability.InitServerLogger("test", config.LoggingConfig{Level: "error"})
	initMetricsOrSkip(t)

	ts, client := newTestServer(t, nil)

	resp, err := client.Get(ts.URL + "/version")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	resp, body := scrape(t, client, ts.URL)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain; version=0.0.4"),
		"unexpected content type %q", resp.Header.Get("Content-Type"))

	samples := 0
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		assert.GreaterOrEqual(t, len(strings.Fields(line)), 2, "malformed sample %q", line)
		samples++
	}
	assert.Greater(t, samples, 0)
}

func TestMetricsDisabledAnswersUnavailable(t *testing.T) {
	observability.InitServerLogger("test", config.LoggingConfig{Level: "error"})

	originalExporter := observability.PrometheusExporter
	originalTelemetry := observability.TelemetrySystem
	observability.PrometheusExporter = nil
	observability.TelemetrySystem = nil
	t.Cleanup(func() {
		observability.PrometheusExporter = originalExporter
		observability.TelemetrySystem = originalTelemetry
	})

	ts, client := newTestServer(t, nil, server.WithRateLimiter(newEngine(t)))

	resp, err := client.Get(ts.URL + "/check/acme-1")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = scrape(t, client, ts.URL)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
