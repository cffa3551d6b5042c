package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sendguard/sendguard/internal/metrics"
	"github.com/sendguard/sendguard/internal/observability"
	"github.com/sendguard/sendguard/internal/server/middleware"
)

// HTTPErrorDetail is the error body returned to callers.
type HTTPErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the top-level error response.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// EnsureEnvelope returns the envelope in err's chain, or an internal error
// envelope for anything else. The original text is kept in the context and
// never in the message.
func EnsureEnvelope(err error) *errors.ErrorEnvelope {
	var envelope *errors.ErrorEnvelope
	switch {
	case err == nil:
		env := errors.NewErrorEnvelope(CodeInternal, "unexpected nil error")
		if updated, sevErr := env.WithSeverity(errors.SeverityCritical); sevErr == nil && updated != nil {
			env = updated
		}
		return env
	case stderrors.As(err, &envelope) && envelope != nil:
		return envelope
	default:
		return withCause(New(CodeInternal, "unexpected error"), err)
	}
}

// ensureCorrelationID keeps an existing id, else uses the request id on ctx.
func ensureCorrelationID(envelope *errors.ErrorEnvelope, ctx context.Context) *errors.ErrorEnvelope {
	if envelope.CorrelationID != "" {
		return envelope
	}
	id := ""
	if ctx != nil {
		id = middleware.GetRequestID(ctx)
	}
	if id == "" {
		id = "fallback-" + errors.GenerateCorrelationID()
	}
	return envelope.WithCorrelationID(id)
}

// ResponseDetails merges envelope details with its context; details win on
// key clashes and the wrapped cause is left out. It is nil when nothing
// remains.
func ResponseDetails(envelope *errors.ErrorEnvelope) map[string]any {
	if envelope == nil || len(envelope.Details)+len(envelope.Context) == 0 {
		return nil
	}
	merged := make(map[string]any, len(envelope.Details)+len(envelope.Context))
	for k, v := range envelope.Context {
		if k != wrappedErrorKey {
			merged[k] = v
		}
	}
	for k, v := range envelope.Details {
		merged[k] = v
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

// RespondWithError writes err as a JSON envelope response.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	RespondWithEnvelope(w, r, EnsureEnvelope(err))
}

// RespondWithEnvelope logs envelope, counts it and writes it to w.
func RespondWithEnvelope(w http.ResponseWriter, r *http.Request, envelope *errors.ErrorEnvelope) {
	if w == nil {
		return
	}
	if envelope == nil {
		envelope = EnsureEnvelope(nil)
	}

	var ctx context.Context
	endpoint := "unmatched"
	if r != nil {
		ctx = r.Context()
		endpoint = endpointPattern(r)
	}
	envelope = ensureCorrelationID(envelope, ctx)
	status := HTTPStatusFromEnvelope(envelope)

	logEnvelope(envelope, status)
	metrics.RecordHTTPError(envelope.Code, status, endpoint)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: HTTPErrorDetail{
		Code:      envelope.Code,
		Message:   envelope.Message,
		Details:   ResponseDetails(envelope),
		RequestID: envelope.CorrelationID,
	}})
}

func logEnvelope(envelope *errors.ErrorEnvelope, status int) {
	log := observability.ServerLogger
	if log == nil {
		return
	}

	fields := []zap.Field{
		zap.String("error_code", envelope.Code),
		zap.Int("http_status", status),
		zap.String("request_id", envelope.CorrelationID),
	}
	if envelope.Severity != "" {
		fields = append(fields, zap.String("severity", string(envelope.Severity)))
	}
	for k, v := range envelope.Context {
		fields = append(fields, zap.Any(k, v))
	}
	if envelope.Original != nil {
		fields = append(fields, zap.Any("cause", envelope.Original))
	}

	switch envelope.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		log.Error(envelope.Message, fields...)
	case errors.SeverityMedium:
		log.Warn(envelope.Message, fields...)
	default:
		log.Info(envelope.Message, fields...)
	}
}

// endpointPattern keeps connection ids out of metric labels.
func endpointPattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
