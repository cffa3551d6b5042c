package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendguard/sendguard/internal/core"
)

var suiteNow = time.Date(2025, 3, 10, 12, 30, 45, 123_000_000, time.UTC)

// runBackendSuite exercises the behavior every Backend must share.
func runBackendSuite(t *testing.T, open func(t *testing.T) Backend) {
	t.Helper()

	t.Run("FindOrCreateIsIdempotent", func(t *testing.T) {
		ctx := context.Background()
		b := open(t)

		first, err := b.FindOrCreate(ctx, core.NewRecord("conn-a", core.DefaultLimits, suiteNow))
		require.NoError(t, err)
		require.Equal(t, core.StatusActive, first.Status)

		first.DailyMessageCount = 4
		first.MessageCount = 4
		require.NoError(t, b.Save(ctx, first))

		other := core.NewRecord("conn-a", core.Limits{DailyLimit: 5}, suiteNow.Add(time.Hour))
		again, err := b.FindOrCreate(ctx, other)
		require.NoError(t, err)
		assert.Equal(t, int64(4), again.DailyMessageCount)
		assert.Equal(t, core.DefaultLimits.DailyLimit, again.Limits.DailyLimit)
		assert.True(t, suiteNow.Equal(again.CreatedAt))
	})

	t.Run("RoundTripsEveryField", func(t *testing.T) {
		ctx := context.Background()
		b := open(t)

		rec, err := b.FindOrCreate(ctx, core.NewRecord("conn-rt", core.DefaultLimits, suiteNow))
		require.NoError(t, err)

		sent := suiteNow.Add(time.Second)
		warned := suiteNow.Add(2 * time.Second)
		rec.Status = core.StatusWarning
		rec.Paused = true
		rec.PausedAt = &warned
		rec.LastMessageTime = &sent
		rec.MessageCount = 900
		rec.DailyMessageCount = 850
		rec.NextAllowedTime = suiteNow.Add(31 * time.Second)
		rec.CurrentInterval = 31_000
		rec.WarningCount = 1
		rec.LastWarningTime = &warned
		rec.Limits.JitterRange = 0
		rec.UpdatedAt = warned
		require.NoError(t, b.Save(ctx, rec))

		got, err := b.Get(ctx, "conn-rt")
		require.NoError(t, err)
		assert.Equal(t, core.StatusWarning, got.Status)
		assert.Equal(t, core.StatusPaused, got.EffectiveStatus())
		require.NotNil(t, got.PausedAt)
		assert.True(t, warned.Equal(*got.PausedAt))
		require.NotNil(t, got.LastMessageTime)
		assert.True(t, sent.Equal(*got.LastMessageTime))
		assert.Nil(t, got.LastBlockTime)
		assert.Equal(t, int64(900), got.MessageCount)
		assert.Equal(t, int64(850), got.DailyMessageCount)
		assert.True(t, rec.NextAllowedTime.Equal(got.NextAllowedTime))
		assert.Equal(t, int64(31_000), got.CurrentInterval)
		assert.Equal(t, 1, got.WarningCount)
		assert.Equal(t, int64(0), got.Limits.JitterRange)
		assert.Equal(t, rec.Version, got.Version)
	})

	t.Run("SaveIsCompareAndSwap", func(t *testing.T) {
		ctx := context.Background()
		b := open(t)

		_, err := b.FindOrCreate(ctx, core.NewRecord("conn-cas", core.DefaultLimits, suiteNow))
		require.NoError(t, err)

		a, err := b.Get(ctx, "conn-cas")
		require.NoError(t, err)
		stale, err := b.Get(ctx, "conn-cas")
		require.NoError(t, err)

		before := a.Version
		a.MessageCount = 1
		require.NoError(t, b.Save(ctx, a))
		assert.Equal(t, before+1, a.Version)

		stale.MessageCount = 99
		err = b.Save(ctx, stale)
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrConflict))

		got, err := b.Get(ctx, "conn-cas")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.MessageCount)
	})

	t.Run("MissingRecords", func(t *testing.T) {
		ctx := context.Background()
		b := open(t)

		_, err := b.Get(ctx, "ghost")
		assert.True(t, errors.Is(err, core.ErrNotFound))

		err = b.Save(ctx, core.NewRecord("ghost", core.DefaultLimits, suiteNow))
		assert.True(t, errors.Is(err, core.ErrNotFound))

		err = b.Delete(ctx, "ghost")
		assert.True(t, errors.Is(err, core.ErrNotFound))
	})

	t.Run("Delete", func(t *testing.T) {
		ctx := context.Background()
		b := open(t)

		_, err := b.FindOrCreate(ctx, core.NewRecord("conn-del", core.DefaultLimits, suiteNow))
		require.NoError(t, err)
		require.NoError(t, b.Delete(ctx, "conn-del"))

		_, err = b.Get(ctx, "conn-del")
		assert.True(t, errors.Is(err, core.ErrNotFound))
	})

	t.Run("ListAndCount", func(t *testing.T) {
		ctx := context.Background()
		b := open(t)
		seedStatuses(t, b, suiteNow)

		all, err := b.List(ctx, RecordQuery{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "acme-active", all[0].ConnectionID)

		acme, err := b.List(ctx, RecordQuery{Prefix: "acme-"})
		require.NoError(t, err)
		assert.Len(t, acme, 3)

		paused, err := b.List(ctx, RecordQuery{Status: core.StatusPaused})
		require.NoError(t, err)
		require.Len(t, paused, 1)
		assert.Equal(t, "acme-paused", paused[0].ConnectionID)

		blocked, err := b.Count(ctx, RecordQuery{Status: core.StatusBlocked})
		require.NoError(t, err)
		assert.Equal(t, 1, blocked)

		limited, err := b.List(ctx, RecordQuery{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		_, err = b.List(ctx, RecordQuery{Status: "sleeping"})
		require.Error(t, err)
	})

	t.Run("SweepsStaleBlockedAndPaused", func(t *testing.T) {
		ctx := context.Background()
		b := open(t)
		seedStatuses(t, b, suiteNow)

		_, err := b.FindOrCreate(ctx, blockedAt("fresh-blocked", suiteNow.Add(48*time.Hour)))
		require.NoError(t, err)

		cutoff := suiteNow.Add(24 * time.Hour)
		count, err := b.CountStale(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		deleted, err := b.DeleteStale(ctx, cutoff)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"acme-blocked", "acme-paused"}, deleted)

		agg, err := b.Aggregate(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, agg.Total)
		assert.Equal(t, 1, agg.ByStatus[core.StatusActive])
		assert.Equal(t, 1, agg.ByStatus[core.StatusWarning])
		assert.Equal(t, 1, agg.ByStatus[core.StatusBlocked])

		again, err := b.DeleteStale(ctx, cutoff)
		require.NoError(t, err)
		assert.Empty(t, again)
	})

	t.Run("AggregateCountsStoredStatus", func(t *testing.T) {
		ctx := context.Background()
		b := open(t)

		// Blocked two days ago and never touched since: the rollover that
		// would reactivate it has not been written yet.
		_, err := b.FindOrCreate(ctx, blockedAt("idle-blocked", suiteNow.Add(-48*time.Hour)))
		require.NoError(t, err)

		agg, err := b.Aggregate(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, agg.Total)
		assert.Equal(t, 1, agg.ByStatus[core.StatusBlocked])
		assert.Zero(t, agg.ByStatus[core.StatusActive])
	})

	t.Run("Ping", func(t *testing.T) {
		require.NoError(t, open(t).Ping(context.Background()))
	})
}

func blockedAt(id string, at time.Time) *core.Record {
	rec := core.NewRecord(id, core.DefaultLimits, at)
	rec.Status = core.StatusBlocked
	rec.DailyMessageCount = int64(rec.Limits.DailyLimit)
	rec.BlockCount = 1
	rec.LastBlockTime = &at
	return rec
}

// seedStatuses creates one record per effective status, all last updated at.
func seedStatuses(t *testing.T, b Backend, at time.Time) {
	t.Helper()
	ctx := context.Background()

	active := core.NewRecord("acme-active", core.DefaultLimits, at)
	warning := core.NewRecord("other-warning", core.DefaultLimits, at)
	warning.Status = core.StatusWarning
	paused := core.NewRecord("acme-paused", core.DefaultLimits, at)
	paused.Paused = true
	paused.PausedAt = &at

	for _, rec := range []*core.Record{active, warning, paused, blockedAt("acme-blocked", at)} {
		_, err := b.FindOrCreate(ctx, rec)
		require.NoError(t, err)
	}
}
