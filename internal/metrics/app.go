package metrics

import (
	"strings"
	"time"

	"github.com/sendguard/sendguard/internal/core"
	"github.com/sendguard/sendguard/internal/core/engine"
	"github.com/sendguard/sendguard/internal/observability"
)

// Metric names following Prometheus conventions
const (
	AdmissionTotal    = "sendguard_admission_total"
	SendsTotal        = "sendguard_sends_total"
	ControlTotal      = "sendguard_control_total"
	Connections       = "sendguard_connections"
	SweepDeletedTotal = "sendguard_sweep_deleted_total"
	SweepLastRun      = "sendguard_sweep_last_run_seconds"

	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"
	ServerStartTime     = "app_server_start_time_seconds"
)

// Recorder feeds engine outcomes into gofulmen telemetry. The zero value is
// ready to use; calls are dropped until telemetry is initialized.
type Recorder struct{}

var _ engine.Observer = Recorder{}

// Admission counts one admission decision by reason.
func (Recorder) Admission(reason string) {
	counter(AdmissionTotal, map[string]string{"reason": ReasonLabel(reason)})
}

// Sent counts one recorded send by the status it left the connection in.
func (Recorder) Sent(status core.Status) {
	counter(SendsTotal, map[string]string{"status": string(status)})
}

// Control counts one pause, resume or reset.
func (Recorder) Control(operation string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	counter(ControlTotal, map[string]string{
		"operation": operation,
		"status":    status,
	})
}

// ReasonLabel maps an admission reason to a bounded label value.
func ReasonLabel(reason string) string {
	switch reason {
	case "granted", core.ReasonPaused, core.ReasonBlocked, core.ReasonIntervalActive, core.ReasonStoreUnavailable:
		return strings.ReplaceAll(reason, " ", "_")
	default:
		return "invalid"
	}
}

// RecordSweep publishes a retention sweep report: connection gauges per
// effective status and the number of deleted records.
func RecordSweep(report engine.SweepReport) {
	for _, status := range []core.Status{core.StatusActive, core.StatusWarning, core.StatusBlocked, core.StatusPaused} {
		gauge(Connections, float64(report.Aggregate.ByStatus[status]), map[string]string{"status": string(status)})
	}
	gauge(Connections, float64(report.Aggregate.Total), map[string]string{"status": "total"})
	gauge(SweepLastRun, float64(report.RanAt.Unix()), nil)
	if report.Deleted > 0 && observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(SweepDeletedTotal, float64(report.Deleted), nil)
	}
}

// RecordHealthCheck records a health check execution
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	counter(HealthCheckTotal, map[string]string{
		"check":  checkName,
		"status": status,
	})
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Histogram(
			HealthCheckDuration,
			duration,
			map[string]string{"check": checkName},
		)
	}
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	gauge(ServerStartTime, float64(timestamp), nil)
}

func counter(name string, tags map[string]string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(name, 1, tags)
	}
}

func gauge(name string, value float64, tags map[string]string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(name, value, tags)
	}
}
