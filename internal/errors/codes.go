// Package errors builds gofulmen error envelopes for sendguard and writes
// them as HTTP responses.
package errors

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"

	"github.com/sendguard/sendguard/internal/core"
	"github.com/sendguard/sendguard/internal/core/engine"
	"github.com/sendguard/sendguard/internal/server/middleware"
)

// Error codes carried in envelopes.
const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeTimeout            = "TIMEOUT"
	CodeConfigInvalid      = "CONFIG_INVALID"
	CodeValidationFailed   = "VALIDATION_FAILED"
)

type severity int

const (
	severityNone severity = iota
	severityMedium
	severityHigh
	severityCritical
)

type codeSpec struct {
	status   int
	severity severity
}

var codeSpecs = map[string]codeSpec{
	CodeInvalidInput:       {http.StatusBadRequest, severityNone},
	CodeValidationFailed:   {http.StatusBadRequest, severityNone},
	CodeNotFound:           {http.StatusNotFound, severityNone},
	CodeUnauthorized:       {http.StatusUnauthorized, severityNone},
	CodeForbidden:          {http.StatusForbidden, severityMedium},
	CodeMethodNotAllowed:   {http.StatusMethodNotAllowed, severityNone},
	CodeConflict:           {http.StatusConflict, severityMedium},
	CodeRateLimited:        {http.StatusTooManyRequests, severityNone},
	CodeTimeout:            {http.StatusGatewayTimeout, severityMedium},
	CodeExternalService:    {http.StatusBadGateway, severityHigh},
	CodeServiceUnavailable: {http.StatusServiceUnavailable, severityHigh},
	CodeConfigInvalid:      {http.StatusInternalServerError, severityHigh},
	CodeInternal:           {http.StatusInternalServerError, severityHigh},
}

// HTTPStatusFromCode maps an envelope code to its HTTP status. Unknown codes
// are 500.
func HTTPStatusFromCode(code string) int {
	if entry, ok := codeSpecs[code]; ok {
		return entry.status
	}
	return http.StatusInternalServerError
}

// HTTPStatusFromEnvelope is HTTPStatusFromCode for envelope, 500 when nil.
func HTTPStatusFromEnvelope(envelope *errors.ErrorEnvelope) int {
	if envelope == nil {
		return http.StatusInternalServerError
	}
	return HTTPStatusFromCode(envelope.Code)
}

// New returns an envelope for code carrying the code's default severity.
// An envelope that already has a severity keeps it.
func New(code, message string) *errors.ErrorEnvelope {
	return withDefaultSeverity(errors.NewErrorEnvelope(code, message))
}

func withDefaultSeverity(envelope *errors.ErrorEnvelope) *errors.ErrorEnvelope {
	if envelope == nil || envelope.Severity != "" {
		return envelope
	}
	var (
		updated *errors.ErrorEnvelope
		err     error
	)
	switch codeSpecs[envelope.Code].severity {
	case severityMedium:
		updated, err = envelope.WithSeverity(errors.SeverityMedium)
	case severityHigh:
		updated, err = envelope.WithSeverity(errors.SeverityHigh)
	case severityCritical:
		updated, err = envelope.WithSeverity(errors.SeverityCritical)
	default:
		return envelope
	}
	if err != nil || updated == nil {
		return envelope
	}
	return updated
}

func NewNotFoundError(message string) *errors.ErrorEnvelope {
	return New(CodeNotFound, message)
}

func NewMethodNotAllowedError(message string) *errors.ErrorEnvelope {
	return New(CodeMethodNotAllowed, message)
}

func NewServiceUnavailableError(message string) *errors.ErrorEnvelope {
	return New(CodeServiceUnavailable, message)
}

func NewInternalError(message string) *errors.ErrorEnvelope {
	return New(CodeInternal, message)
}

func NewConfigInvalidError(message string) *errors.ErrorEnvelope {
	return New(CodeConfigInvalid, message)
}

// The Wrap helpers keep err as the envelope's cause and stamp the request
// correlation id from ctx.

func WrapInternal(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return wrap(ctx, CodeInternal, err, message)
}

func WrapConfigInvalid(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return wrap(ctx, CodeConfigInvalid, err, message)
}

func WrapServiceUnavailable(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return wrap(ctx, CodeServiceUnavailable, err, message)
}

func wrap(ctx context.Context, code string, err error, message string) *errors.ErrorEnvelope {
	id := correlationID(ctx)
	return withCause(New(code, message).WithCorrelationID(id).WithTraceID(id), err)
}

// wrappedErrorKey holds the cause text in envelope context. It is logged
// and never returned to callers.
const wrappedErrorKey = "wrapped_error"

// withCause records err as the envelope's original error and its text in
// the envelope context.
func withCause(envelope *errors.ErrorEnvelope, err error) *errors.ErrorEnvelope {
	if err == nil {
		return envelope
	}
	if updated, ctxErr := envelope.WithContext(map[string]any{wrappedErrorKey: err.Error()}); ctxErr == nil && updated != nil {
		envelope = updated
	}
	envelope.Original = err
	return envelope
}

// coreCodes maps rate limiter sentinels to envelope codes, first match wins.
var coreCodes = []struct {
	target error
	code   string
}{
	{core.ErrInvalidConnectionID, CodeInvalidInput},
	{core.ErrNotFound, CodeNotFound},
	{core.ErrConflict, CodeConflict},
	{core.ErrBlocked, CodeForbidden},
	{core.ErrStoreUnavailable, CodeServiceUnavailable},
	{context.DeadlineExceeded, CodeTimeout},
}

// FromCore maps a rate limiter error to an envelope. The message comes from
// engine.FailureMessage so store internals never reach the caller; err is
// kept as the cause for logs.
func FromCore(ctx context.Context, err error) *errors.ErrorEnvelope {
	code := CodeInternal
	for _, c := range coreCodes {
		if stderrors.Is(err, c.target) {
			code = c.code
			break
		}
	}

	message := engine.FailureMessage(err)
	if code == CodeForbidden {
		message = "connection is blocked; send was not counted"
	}

	envelope := New(code, message).WithCorrelationID(correlationID(ctx))
	if err != nil {
		envelope.Original = err
	}
	return envelope
}

// correlationID is the request id on ctx, or a fresh uuid.
func correlationID(ctx context.Context) string {
	if ctx != nil {
		if id := middleware.GetRequestID(ctx); id != "" {
			return id
		}
	}
	return uuid.New().String()
}
