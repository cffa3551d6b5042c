package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/errors"

	apperrors "github.com/sendguard/sendguard/internal/errors"
	"github.com/sendguard/sendguard/internal/metrics"
)

// Check results.
const (
	CheckHealthy   = "healthy"
	CheckUnhealthy = "unhealthy"
	CheckTimeout   = "timeout"
	CheckDegraded  = "degraded"
)

// Probe names a health endpoint and the budget its checks run under.
type Probe struct {
	Name    string
	Timeout time.Duration
	// Dependencies controls whether registered checkers run. Liveness
	// leaves it off so a store outage never restarts the process.
	Dependencies bool
}

// Probes served under /health.
var (
	ProbeAggregate = Probe{Name: "aggregate", Timeout: 5 * time.Second, Dependencies: true}
	ProbeLive      = Probe{Name: "live", Timeout: 2 * time.Second}
	ProbeReady     = Probe{Name: "ready", Timeout: 5 * time.Second, Dependencies: true}
	ProbeStartup   = Probe{Name: "startup", Timeout: 3 * time.Second, Dependencies: true}
)

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProbeResponse is the body of the live, ready and startup probes.
type ProbeResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthChecker is a dependency the service needs to admit sends.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthManager runs registered checkers for the health probes.
type HealthManager struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	version  string
}

// NewHealthManager creates a manager reporting version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		checkers: make(map[string]HealthChecker),
		version:  version,
	}
}

// RegisterChecker adds or replaces the checker called name.
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
}

// runChecks calls every checker concurrently. A checker still running when
// ctx expires is reported as a timeout.
func (hm *HealthManager) runChecks(ctx context.Context) map[string]string {
	hm.mu.RLock()
	checkers := make(map[string]HealthChecker, len(hm.checkers))
	for name, c := range hm.checkers {
		checkers[name] = c
	}
	hm.mu.RUnlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]string, len(checkers))
	)
	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker HealthChecker) {
			defer wg.Done()

			start := time.Now()
			done := make(chan error, 1)
			go func() { done <- checker.CheckHealth(ctx) }()

			result := CheckHealthy
			select {
			case err := <-done:
				switch {
				case err == nil:
				case ctx.Err() != nil:
					result = CheckTimeout
				default:
					result = CheckUnhealthy
				}
				metrics.RecordHealthCheck(name, err == nil, time.Since(start))
			case <-ctx.Done():
				result = CheckTimeout
				metrics.RecordHealthCheck(name, false, time.Since(start))
			}

			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()
	return results
}

// overallStatus folds check results: any unhealthy check fails the probe,
// timeouts or degraded checks degrade it.
func overallStatus(checks map[string]string) string {
	status := CheckHealthy
	for _, result := range checks {
		switch result {
		case CheckUnhealthy:
			return CheckUnhealthy
		case CheckTimeout, CheckDegraded:
			status = CheckDegraded
		}
	}
	return status
}

// Handler serves probe p.
func (hm *HealthManager) Handler(p Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var checks map[string]string
		if p.Dependencies {
			ctx, cancel := context.WithTimeout(r.Context(), p.Timeout)
			checks = hm.runChecks(ctx)
			cancel()
		}
		status := overallStatus(checks)

		if status == CheckUnhealthy {
			apperrors.RespondWithError(w, r, unhealthyEnvelope(p, checks))
			return
		}

		now := time.Now().UTC()
		var body any = ProbeResponse{Status: status, Timestamp: now, Checks: checks}
		if p.Name == ProbeAggregate.Name {
			body = HealthResponse{
				Status:    status,
				Version:   hm.version,
				Timestamp: now.Format(time.RFC3339),
				Checks:    checks,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func unhealthyEnvelope(p Probe, checks map[string]string) *errors.ErrorEnvelope {
	envelope := apperrors.New(apperrors.CodeServiceUnavailable, p.Name+" health check failed")

	var failing []string
	for name, result := range checks {
		if result != CheckHealthy {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)

	envelope = envelope.WithDetails(map[string]any{
		"probe":  p.Name,
		"status": CheckUnhealthy,
		"checks": checks,
	})
	envelope, _ = envelope.WithContext(map[string]any{
		"probe":            p.Name,
		"unhealthy_checks": failing,
	})
	return envelope
}
