package errors_test

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendguard/sendguard/internal/core"
	apperrors "github.com/sendguard/sendguard/internal/errors"
	"github.com/sendguard/sendguard/internal/server/middleware"
)

func TestHTTPStatusFromCode(t *testing.T) {
	cases := map[string]int{
		apperrors.CodeInvalidInput:       http.StatusBadRequest,
		apperrors.CodeValidationFailed:   http.StatusBadRequest,
		apperrors.CodeNotFound:           http.StatusNotFound,
		apperrors.CodeUnauthorized:       http.StatusUnauthorized,
		apperrors.CodeForbidden:          http.StatusForbidden,
		apperrors.CodeMethodNotAllowed:   http.StatusMethodNotAllowed,
		apperrors.CodeConflict:           http.StatusConflict,
		apperrors.CodeRateLimited:        http.StatusTooManyRequests,
		apperrors.CodeTimeout:            http.StatusGatewayTimeout,
		apperrors.CodeExternalService:    http.StatusBadGateway,
		apperrors.CodeServiceUnavailable: http.StatusServiceUnavailable,
		apperrors.CodeInternal:           http.StatusInternalServerError,
		"SOMETHING_ELSE":                 http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, apperrors.HTTPStatusFromCode(code), code)
	}
	assert.Equal(t, http.StatusInternalServerError, apperrors.HTTPStatusFromEnvelope(nil))
}

func TestNewAppliesDefaultSeverity(t *testing.T) {
	assert.Equal(t, errors.SeverityHigh, apperrors.NewServiceUnavailableError("down").Severity)
	assert.Equal(t, errors.SeverityMedium, apperrors.New(apperrors.CodeConflict, "busy").Severity)
	assert.Empty(t, apperrors.NewNotFoundError("gone").Severity)
}

func TestFromCoreMapsRateLimiterErrors(t *testing.T) {
	ctx := middleware.WithRequestID(context.Background(), "req-42")

	cases := []struct {
		err     error
		code    string
		message string
	}{
		{fmt.Errorf("check: %w", core.ErrInvalidConnectionID), apperrors.CodeInvalidInput, "invalid connection id"},
		{fmt.Errorf("save: %w", core.ErrConflict), apperrors.CodeConflict, "connection is busy, try again"},
		{fmt.Errorf("record: %w", core.ErrBlocked), apperrors.CodeForbidden, "connection is blocked; send was not counted"},
		{fmt.Errorf("dial tcp 10.0.0.5:6379: %w", core.ErrStoreUnavailable), apperrors.CodeServiceUnavailable, "rate limit store unavailable, try again later"},
		{context.DeadlineExceeded, apperrors.CodeTimeout, "request cancelled"},
		{stderrors.New("disk on fire"), apperrors.CodeInternal, "operation failed"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			envelope := apperrors.FromCore(ctx, tc.err)
			assert.Equal(t, tc.code, envelope.Code)
			assert.Equal(t, tc.message, envelope.Message)
			assert.Equal(t, "req-42", envelope.CorrelationID)
			assert.Equal(t, tc.err, envelope.Original)
		})
	}
}

func TestEnsureEnvelope(t *testing.T) {
	original := apperrors.NewNotFoundError("missing")
	assert.Same(t, original, apperrors.EnsureEnvelope(fmt.Errorf("lookup: %w", original)))

	plain := stderrors.New("boom")
	envelope := apperrors.EnsureEnvelope(plain)
	assert.Equal(t, apperrors.CodeInternal, envelope.Code)
	assert.Equal(t, "unexpected error", envelope.Message)
	assert.Equal(t, "boom", envelope.Context["wrapped_error"])

	assert.Equal(t, errors.SeverityCritical, apperrors.EnsureEnvelope(nil).Severity)
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	envelope := apperrors.WrapServiceUnavailable(context.Background(), cause, "store unavailable")

	assert.Equal(t, apperrors.CodeServiceUnavailable, envelope.Code)
	assert.NotEmpty(t, envelope.CorrelationID)
	assert.Equal(t, envelope.CorrelationID, envelope.TraceID)
	assert.ErrorIs(t, envelope.Original.(error), cause)
}

func TestRespondWithErrorUsesRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/check/acme", nil)
	req = req.WithContext(middleware.WithRequestID(req.Context(), "req-7"))
	rec := httptest.NewRecorder()

	envelope := apperrors.New(apperrors.CodeConflict, "busy").WithDetails(map[string]any{"retry": true})
	apperrors.RespondWithError(rec, req, envelope)

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, apperrors.CodeConflict, body.Error.Code)
	assert.Equal(t, "req-7", body.Error.RequestID)
	assert.Equal(t, true, body.Error.Details["retry"])
}

func TestRespondWithErrorHidesPlainErrorText(t *testing.T) {
	rec := httptest.NewRecorder()
	apperrors.RespondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), stderrors.New("secret dsn"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	raw := rec.Body.String()
	assert.NotContains(t, raw, "secret dsn")

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &body))
	assert.Equal(t, "unexpected error", body.Error.Message)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestResponseDetailsPrefersDetails(t *testing.T) {
	envelope := apperrors.New(apperrors.CodeInvalidInput, "bad").WithDetails(map[string]any{"field": "detail"})
	envelope, err := envelope.WithContext(map[string]any{"field": "context", "extra": 1})
	require.NoError(t, err)

	details := apperrors.ResponseDetails(envelope)
	assert.Equal(t, "detail", details["field"])
	assert.EqualValues(t, 1, details["extra"])
	assert.Nil(t, apperrors.ResponseDetails(apperrors.New(apperrors.CodeInternal, "x")))
}
