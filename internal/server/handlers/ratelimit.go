package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sendguard/sendguard/internal/core"
	"github.com/sendguard/sendguard/internal/core/engine"
	apperrors "github.com/sendguard/sendguard/internal/errors"
)

// ConnectionIDParam is the chi URL parameter holding the connection id.
const ConnectionIDParam = "connectionId"

// RateLimiter is the engine surface served over HTTP.
type RateLimiter interface {
	CheckCanSend(ctx context.Context, connectionID string) (core.Decision, error)
	RecordSent(ctx context.Context, connectionID string) (core.UpdateResult, error)
	GetStatus(ctx context.Context, connectionID string) (core.Stats, error)
	Pause(ctx context.Context, connectionID string) (core.Result, error)
	Resume(ctx context.Context, connectionID string) (core.Result, error)
	Reset(ctx context.Context, connectionID string) (core.Result, error)
}

// RateLimitHandlers adapts a RateLimiter to HTTP.
type RateLimitHandlers struct {
	Limiter RateLimiter
}

// Check answers whether the connection may send now. Denials keep the
// Decision body and pick the status from the reason.
func (h RateLimitHandlers) Check(w http.ResponseWriter, r *http.Request) {
	decision, err := h.Limiter.CheckCanSend(r.Context(), chi.URLParam(r, ConnectionIDParam))
	if err != nil && !errors.Is(err, core.ErrStoreUnavailable) {
		apperrors.RespondWithError(w, r, apperrors.FromCore(r.Context(), err))
		return
	}

	status := http.StatusOK
	if !decision.CanSend {
		switch decision.Reason {
		case core.ReasonBlocked:
			status = http.StatusForbidden
		case core.ReasonIntervalActive:
			status = http.StatusTooManyRequests
			w.Header().Set("Retry-After", strconv.FormatInt(decision.RetryAfterSeconds(), 10))
		default:
			// paused and store unavailable
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, decision)
}

// Sent records one delivered message.
func (h RateLimitHandlers) Sent(w http.ResponseWriter, r *http.Request) {
	result, err := h.Limiter.RecordSent(r.Context(), chi.URLParam(r, ConnectionIDParam))
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.FromCore(r.Context(), err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Status returns the connection's current stats.
func (h RateLimitHandlers) Status(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Limiter.GetStatus(r.Context(), chi.URLParam(r, ConnectionIDParam))
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.FromCore(r.Context(), err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h RateLimitHandlers) Pause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.Limiter.Pause)
}

func (h RateLimitHandlers) Resume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.Limiter.Resume)
}

func (h RateLimitHandlers) Reset(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.Limiter.Reset)
}

// control writes the Result body on success and failure alike; failures
// carry the status of the matching error envelope.
func (h RateLimitHandlers) control(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (core.Result, error)) {
	result, err := op(r.Context(), chi.URLParam(r, ConnectionIDParam))
	if err != nil {
		envelope := apperrors.FromCore(r.Context(), err)
		result = core.Result{Success: false, Message: engine.FailureMessage(err)}
		writeJSON(w, apperrors.HTTPStatusFromEnvelope(envelope), result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
