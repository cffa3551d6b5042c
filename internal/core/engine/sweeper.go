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

// Retention defaults.
const (
	DefaultRetention     = 30 * 24 * time.Hour
	DefaultSweepInterval = 24 * time.Hour
)

// SweepStore is the store surface the retention sweeper needs.
type SweepStore interface {
	// DeleteStale removes blocked or paused records last updated before
	// cutoff and returns their connection ids. On error it returns the ids
	// already removed, if any.
	DeleteStale(ctx context.Context, cutoff time.Time) ([]string, error)
	// CountStale counts the records DeleteStale would remove.
	CountStale(ctx context.Context, cutoff time.Time) (int, error)
	// Aggregate counts records by stored effective status. A record whose
	// daily rollover is still pending is counted as last written.
	Aggregate(ctx context.Context) (core.Aggregate, error)
}

// SweepReport summarizes one sweeper pass.
type SweepReport struct {
	RanAt      time.Time      `json:"ranAt"`
	Cutoff     time.Time      `json:"cutoff"`
	DryRun     bool           `json:"dryRun"`
	Deleted    int            `json:"deleted"`
	DeletedIDs []string       `json:"deletedIds,omitempty"`
	Aggregate  core.Aggregate `json:"aggregate"`
}

// Sweeper removes long-idle blocked and paused records and reports
// connection counts per status.
type Sweeper struct {
	Store        SweepStore
	Cache        cache.Cache
	Retention    time.Duration
	Interval     time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	Clock        func() time.Time
	Logger       Logger
	OnReport     func(SweepReport)
}

// SweepOnce runs a single pass. Failed passes are retried; deletion is
// idempotent so a partial pass is safe to repeat.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	return s.sweep(ctx, false)
}

// Preview reports what SweepOnce would delete without deleting anything.
func (s *Sweeper) Preview(ctx context.Context) (SweepReport, error) {
	return s.sweep(ctx, true)
}

// Run sweeps immediately and then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if s == nil || s.Store == nil {
		return errors.New("sweeper store is not configured")
	}

	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger().Error("Retention sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger().Error("Retention sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context, dryRun bool) (SweepReport, error) {
	if s == nil || s.Store == nil {
		return SweepReport{}, errors.New("sweeper store is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := s.now()
	report := SweepReport{
		RanAt:  now,
		Cutoff: now.Add(-s.retention()),
		DryRun: dryRun,
	}

	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := s.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = s.pass(ctx, &report)
		if err == nil {
			break
		}
		s.logger().Warn("Retention sweep attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < attempts {
			if sleepErr := sleep(ctx, backoff*time.Duration(attempt)); sleepErr != nil {
				return report, sleepErr
			}
		}
	}
	if err != nil {
		return report, fmt.Errorf("retention sweep: %w", err)
	}

	s.logger().Info("Retention sweep completed",
		zap.Bool("dry_run", dryRun),
		zap.Int("deleted", report.Deleted),
		zap.Time("cutoff", report.Cutoff),
		zap.Int("total", report.Aggregate.Total),
		zap.Int("active", report.Aggregate.ByStatus[core.StatusActive]),
		zap.Int("warning", report.Aggregate.ByStatus[core.StatusWarning]),
		zap.Int("blocked", report.Aggregate.ByStatus[core.StatusBlocked]),
		zap.Int("paused", report.Aggregate.ByStatus[core.StatusPaused]))

	if s.OnReport != nil && !dryRun {
		s.OnReport(report)
	}
	return report, nil
}

func (s *Sweeper) pass(ctx context.Context, report *SweepReport) error {
	if report.DryRun {
		count, err := s.Store.CountStale(ctx, report.Cutoff)
		if err != nil {
			return err
		}
		report.Deleted = count
	} else {
		// A failed call may still return ids it already removed.
		ids, err := s.Store.DeleteStale(ctx, report.Cutoff)
		report.DeletedIDs = append(report.DeletedIDs, ids...)
		report.Deleted = len(report.DeletedIDs)
		s.evict(ctx, ids)
		if err != nil {
			return err
		}
	}

	agg, err := s.Store.Aggregate(ctx)
	if err != nil {
		return err
	}
	report.Aggregate = agg
	return nil
}

func (s *Sweeper) evict(ctx context.Context, ids []string) {
	if s.Cache == nil {
		return
	}
	for _, id := range ids {
		if err := s.Cache.Delete(ctx, id); err != nil {
			s.logger().Warn("Failed to evict swept record from cache",
				zap.String("connection_id", id),
				zap.Error(err))
		}
	}
}

func (s *Sweeper) retention() time.Duration {
	if s.Retention <= 0 {
		return DefaultRetention
	}
	return s.Retention
}

func (s *Sweeper) now() time.Time {
	if s.Clock != nil {
		return s.Clock().Truncate(time.Millisecond)
	}
	return time.Now().UTC().Truncate(time.Millisecond)
}

func (s *Sweeper) logger() Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
