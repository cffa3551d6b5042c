package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sendguard/sendguard/internal/core"
)

// Control operation names reported to the observer.
const (
	OperationPause  = "pause"
	OperationResume = "resume"
	OperationReset  = "reset"
)

// Pause sets the operator overlay; CheckCanSend denies with reason "paused"
// until Resume. Pausing an already paused connection succeeds without change.
func (e *Engine) Pause(ctx context.Context, connectionID string) (core.Result, error) {
	var already bool
	return e.control(ctx, OperationPause, connectionID, func(rec *core.Record, now time.Time) (bool, error) {
		already = rec.Paused
		if already {
			return false, nil
		}
		at := now
		rec.Paused = true
		rec.PausedAt = &at
		return true, nil
	}, func() string {
		if already {
			return "connection already paused"
		}
		return "connection paused"
	})
}

// Resume clears the operator overlay and re-derives the counter status.
// Resuming a connection that is not paused succeeds without change.
func (e *Engine) Resume(ctx context.Context, connectionID string) (core.Result, error) {
	var notPaused bool
	return e.control(ctx, OperationResume, connectionID, func(rec *core.Record, now time.Time) (bool, error) {
		notPaused = !rec.Paused
		if notPaused {
			return false, nil
		}
		rec.Paused = false
		rec.PausedAt = nil
		e.applyStatus(rec, now)
		return true, nil
	}, func() string {
		if notPaused {
			return "connection is not paused"
		}
		return "connection resumed"
	})
}

// Reset zeroes every counter, clears the overlay and allows an immediate send.
func (e *Engine) Reset(ctx context.Context, connectionID string) (core.Result, error) {
	return e.control(ctx, OperationReset, connectionID, func(rec *core.Record, now time.Time) (bool, error) {
		rec.MessageCount = 0
		rec.DailyMessageCount = 0
		rec.WarningCount = 0
		rec.BlockCount = 0
		rec.Status = core.StatusActive
		rec.Paused = false
		rec.PausedAt = nil
		rec.LastDailyReset = now
		rec.NextAllowedTime = now
		return true, nil
	}, func() string { return "rate limit reset" })
}

// GetStatus returns a snapshot of the connection after applying any pending
// daily rollover.
func (e *Engine) GetStatus(ctx context.Context, connectionID string) (core.Stats, error) {
	id, err := core.NormalizeConnectionID(connectionID)
	if err != nil {
		return core.Stats{}, err
	}

	now := e.now()
	rec, err := e.load(ctx, id, now)
	if err == nil && e.needsRollover(rec, now) {
		rec, now, err = e.mutate(ctx, id, func(*core.Record, time.Time) (bool, error) {
			return false, nil
		})
	}
	if err != nil {
		return core.Stats{}, err
	}
	return core.StatsAt(rec, now), nil
}

func (e *Engine) control(ctx context.Context, operation, connectionID string, fn mutation, message func() string) (core.Result, error) {
	id, err := core.NormalizeConnectionID(connectionID)
	if err != nil {
		e.observer.Control(operation, false)
		return core.Result{Success: false, Message: FailureMessage(err)}, err
	}

	rec, now, err := e.mutate(ctx, id, fn)
	if err != nil {
		e.logger.Error("Rate limit control operation failed",
			zap.String("operation", operation),
			zap.String("connection_id", id),
			zap.Error(err))
		e.observer.Control(operation, false)
		return core.Result{Success: false, Message: FailureMessage(err)}, err
	}

	e.logger.Info("Rate limit control operation applied",
		zap.String("operation", operation),
		zap.String("connection_id", id),
		zap.String("status", string(rec.EffectiveStatus())))
	e.observer.Control(operation, true)

	stats := core.StatsAt(rec, now)
	return core.Result{Success: true, Message: message(), Stats: &stats}, nil
}

// FailureMessage renders err for callers without exposing store internals.
func FailureMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, core.ErrInvalidConnectionID):
		return "invalid connection id"
	case errors.Is(err, core.ErrConflict):
		return "connection is busy, try again"
	case errors.Is(err, core.ErrStoreUnavailable):
		return "rate limit store unavailable, try again later"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "request cancelled"
	default:
		return "operation failed"
	}
}
