package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sendguard/sendguard/internal/core"
	"github.com/sendguard/sendguard/internal/core/cache"
)

// RecordStore is the durable home of rate limit records.
//
// Save is a compare-and-swap on Record.Version: it fails with
// core.ErrConflict when the stored version differs, and bumps rec.Version on
// success. Implementations must copy records rather than retain the pointers
// they are given.
type RecordStore interface {
	FindOrCreate(ctx context.Context, seed *core.Record) (*core.Record, error)
	Get(ctx context.Context, connectionID string) (*core.Record, error)
	Save(ctx context.Context, rec *core.Record) error
}

// Logger is the subset of structured logging the engine needs. Both
// *zap.Logger and the gofulmen logger satisfy it.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

// Options configures an Engine. Zero values fall back to sensible defaults.
type Options struct {
	Cache        cache.Cache
	Clock        func() time.Time
	Random       Random
	Logger       Logger
	Defaults     core.Limits
	Location     *time.Location
	MaxAttempts  int
	RetryBackoff time.Duration
	Observer     Observer
}

// Observer receives admission outcomes, typically to feed metrics.
type Observer interface {
	Admission(reason string)
	Sent(status core.Status)
	Control(operation string, success bool)
}

type nopObserver struct{}

func (nopObserver) Admission(string)     {}
func (nopObserver) Sent(core.Status)     {}
func (nopObserver) Control(string, bool) {}

// Engine decides whether a connection may send now and records sends.
type Engine struct {
	store        RecordStore
	cache        cache.Cache
	clock        func() time.Time
	random       Random
	logger       Logger
	observer     Observer
	defaults     core.Limits
	location     *time.Location
	maxAttempts  int
	retryBackoff time.Duration
	locks        *keyedMutex
}

// New builds an engine over store.
func New(store RecordStore, opts Options) (*Engine, error) {
	if store == nil {
		return nil, errors.New("record store is required")
	}

	e := &Engine{
		store:        store,
		cache:        opts.Cache,
		clock:        opts.Clock,
		random:       globalRandom{},
		logger:       opts.Logger,
		observer:     opts.Observer,
		defaults:     opts.Defaults.WithDefaults(core.DefaultLimits),
		location:     opts.Location,
		maxAttempts:  opts.MaxAttempts,
		retryBackoff: opts.RetryBackoff,
		locks:        newKeyedMutex(),
	}
	if e.cache == nil {
		e.cache = cache.Noop{}
	}
	if e.clock == nil {
		e.clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Random != nil {
		e.random = &lockedRandom{rnd: opts.Random}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	if e.location == nil {
		e.location = time.Local
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = 3
	}
	if e.retryBackoff < 0 {
		e.retryBackoff = 0
	} else if e.retryBackoff == 0 {
		e.retryBackoff = 25 * time.Millisecond
	}

	if e.defaults.WarningThreshold >= e.defaults.DailyLimit {
		e.logger.Warn("Warning threshold is not below daily limit; warning status will never be entered",
			zap.Int("warning_threshold", e.defaults.WarningThreshold),
			zap.Int("daily_limit", e.defaults.DailyLimit))
	}

	return e, nil
}

// Defaults returns the limits applied to newly created records.
func (e *Engine) Defaults() core.Limits { return e.defaults }

// CheckCanSend reports whether connectionID may send a message now. It never
// mutates counters; it may persist a daily rollover.
//
// Any store failure yields a denial with reason "store unavailable" and an
// error wrapping core.ErrStoreUnavailable.
func (e *Engine) CheckCanSend(ctx context.Context, connectionID string) (core.Decision, error) {
	id, err := core.NormalizeConnectionID(connectionID)
	if err != nil {
		return core.Decision{CanSend: false, Reason: err.Error()}, err
	}

	now := e.now()
	rec, err := e.load(ctx, id, now)
	if err == nil && e.needsRollover(rec, now) {
		rec, now, err = e.mutate(ctx, id, func(*core.Record, time.Time) (bool, error) {
			return false, nil
		})
	}
	if err != nil {
		e.logger.Error("Admission check failed closed",
			zap.String("connection_id", id),
			zap.Error(err))
		e.observer.Admission(core.ReasonStoreUnavailable)
		if !errors.Is(err, core.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", core.ErrStoreUnavailable, err)
		}
		return core.Decision{CanSend: false, Reason: core.ReasonStoreUnavailable}, err
	}

	decision := e.decide(rec, now)
	if decision.CanSend {
		e.observer.Admission("granted")
	} else {
		e.observer.Admission(decision.Reason)
	}
	return decision, nil
}

// RecordSent registers one send for connectionID: it bumps the counters,
// recomputes the status and schedules the next allowed send time.
//
// A record that is blocked after rollover is not incremented; core.ErrBlocked
// is returned instead.
func (e *Engine) RecordSent(ctx context.Context, connectionID string) (core.UpdateResult, error) {
	id, err := core.NormalizeConnectionID(connectionID)
	if err != nil {
		return core.UpdateResult{}, err
	}

	rec, now, err := e.mutate(ctx, id, func(rec *core.Record, now time.Time) (bool, error) {
		if rec.Status == core.StatusBlocked || overLimit(rec) {
			return false, core.ErrBlocked
		}

		rec.MessageCount++
		rec.DailyMessageCount++
		sentAt := now
		rec.LastMessageTime = &sentAt
		e.applyStatus(rec, now)
		rec.CurrentInterval = e.interval(rec.Limits)
		rec.NextAllowedTime = now.Add(time.Duration(rec.CurrentInterval) * time.Millisecond)
		return true, nil
	})
	if err != nil {
		if errors.Is(err, core.ErrBlocked) && rec != nil {
			e.logger.Error("Send reported for blocked connection was not counted",
				zap.String("connection_id", id),
				zap.Int64("daily_message_count", rec.DailyMessageCount),
				zap.Int("daily_limit", rec.Limits.DailyLimit))
			e.observer.Sent(core.StatusBlocked)
			return core.UpdateResult{NextAllowedTime: rec.NextAllowedTime, Stats: core.StatsAt(rec, now)}, err
		}
		e.logger.Error("Failed to record send; counters may lag delivered messages",
			zap.String("connection_id", id),
			zap.Error(err))
		return core.UpdateResult{}, err
	}

	e.logSend(rec)
	e.observer.Sent(rec.Status)
	return core.UpdateResult{NextAllowedTime: rec.NextAllowedTime, Stats: core.StatsAt(rec, now)}, nil
}

// decide applies the admission precedence: paused, blocked, interval, grant.
func (e *Engine) decide(rec *core.Record, now time.Time) core.Decision {
	decision := core.Decision{
		Status:          rec.EffectiveStatus(),
		NextAllowedTime: rec.NextAllowedTime,
		Stats:           core.StatsAt(rec, now),
	}

	switch {
	case rec.Paused:
		decision.Reason = core.ReasonPaused
	case rec.Status == core.StatusBlocked || overLimit(rec):
		decision.Reason = core.ReasonBlocked
	case now.Before(rec.NextAllowedTime):
		decision.Reason = core.ReasonIntervalActive
		decision.DelayMs = rec.NextAllowedTime.Sub(now).Milliseconds()
		if decision.DelayMs < 1 {
			decision.DelayMs = 1
		}
	default:
		decision.CanSend = true
	}
	return decision
}

func (e *Engine) logSend(rec *core.Record) {
	fields := []zap.Field{
		zap.String("connection_id", rec.ConnectionID),
		zap.String("status", string(rec.Status)),
		zap.Int64("daily_message_count", rec.DailyMessageCount),
		zap.Int64("message_count", rec.MessageCount),
		zap.Time("next_allowed_time", rec.NextAllowedTime),
		zap.Int64("current_interval_ms", rec.CurrentInterval),
	}

	switch rec.Status {
	case core.StatusBlocked:
		e.logger.Error("Connection reached daily limit", fields...)
	case core.StatusWarning:
		e.logger.Warn("Connection approaching daily limit", fields...)
	default:
		e.logger.Info("Message send recorded", fields...)
	}
}

// mutation edits rec in place and reports whether it changed anything.
type mutation func(rec *core.Record, now time.Time) (bool, error)

// mutate runs fn against the freshest durable copy of the record under the
// per-connection lock, persisting with compare-and-swap and retrying on
// conflict. The cache is refreshed only after a durable write succeeds.
func (e *Engine) mutate(ctx context.Context, id string, fn mutation) (*core.Record, time.Time, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		now := e.now()
		rec, err := e.store.FindOrCreate(ctx, e.newRecord(id, now))
		if err != nil {
			return nil, now, storeError(err)
		}

		rolled := e.applyRollover(rec, now)
		changed, err := fn(rec, now)
		if err != nil {
			return rec, now, err
		}
		if !rolled && !changed {
			e.cacheSet(ctx, rec)
			return rec, now, nil
		}

		rec.UpdatedAt = now
		err = e.store.Save(ctx, rec)
		if err == nil {
			e.cacheSet(ctx, rec)
			return rec, now, nil
		}

		e.cacheDelete(ctx, id)
		if !errors.Is(err, core.ErrConflict) && !errors.Is(err, core.ErrNotFound) {
			return nil, now, storeError(err)
		}

		lastErr = err
		e.logger.Debug("Retrying rate limit update after conflict",
			zap.String("connection_id", id),
			zap.Int("attempt", attempt))

		if attempt < e.maxAttempts {
			if err := sleep(ctx, e.retryBackoff*time.Duration(attempt)); err != nil {
				return nil, now, err
			}
		}
	}

	return nil, e.now(), fmt.Errorf("update %s after %d attempts: %w (last: %v)", id, e.maxAttempts, core.ErrConflict, lastErr)
}

// load returns the record through the cache, creating it on first use. The
// miss path reads and fills under the per-connection lock so a concurrent
// mutate cannot commit between the read and the fill.
func (e *Engine) load(ctx context.Context, id string, now time.Time) (*core.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if rec, ok, err := e.cache.Get(ctx, id); err != nil {
		e.logger.Warn("Rate limit cache read failed", zap.String("connection_id", id), zap.Error(err))
	} else if ok {
		return rec, nil
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	rec, err := e.store.FindOrCreate(ctx, e.newRecord(id, now))
	if err != nil {
		return nil, storeError(err)
	}
	e.cacheSet(ctx, rec)
	return rec, nil
}

func (e *Engine) newRecord(id string, now time.Time) *core.Record {
	return core.NewRecord(id, e.defaults, now)
}

func (e *Engine) cacheSet(ctx context.Context, rec *core.Record) {
	if err := e.cache.Set(ctx, rec); err != nil {
		e.logger.Warn("Rate limit cache write failed",
			zap.String("connection_id", rec.ConnectionID),
			zap.Error(err))
		e.cacheDelete(ctx, rec.ConnectionID)
	}
}

func (e *Engine) cacheDelete(ctx context.Context, id string) {
	if err := e.cache.Delete(ctx, id); err != nil {
		e.logger.Warn("Rate limit cache eviction failed",
			zap.String("connection_id", id),
			zap.Error(err))
	}
}

func (e *Engine) interval(limits core.Limits) int64 {
	value := NextInterval(limits.BaseInterval, limits.JitterRange, e.random)
	if limits.MaxInterval >= MinInterval && value > limits.MaxInterval {
		value = limits.MaxInterval
	}
	return value
}

// now returns the clock reading truncated to the millisecond precision that
// stores persist.
func (e *Engine) now() time.Time {
	return e.clock().Truncate(time.Millisecond)
}

func storeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, core.ErrStoreUnavailable) ||
		errors.Is(err, core.ErrConflict) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", core.ErrStoreUnavailable, err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
