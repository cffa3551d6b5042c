package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sendguard/sendguard/internal/core"
	"github.com/sendguard/sendguard/internal/core/cache"
)

type fakeStore struct {
	mu        sync.Mutex
	records   map[string]*core.Record
	findErr   error
	saveErr   error
	conflicts int
	saves     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*core.Record)}
}

func (f *fakeStore) FindOrCreate(_ context.Context, seed *core.Record) (*core.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	if rec, ok := f.records[seed.ConnectionID]; ok {
		return rec.Clone(), nil
	}
	f.records[seed.ConnectionID] = seed.Clone()
	return seed.Clone(), nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*core.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return rec.Clone(), nil
}

func (f *fakeStore) Save(_ context.Context, rec *core.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	if f.conflicts > 0 {
		f.conflicts--
		return core.ErrConflict
	}
	current, ok := f.records[rec.ConnectionID]
	if !ok {
		return core.ErrNotFound
	}
	if current.Version != rec.Version {
		return core.ErrConflict
	}
	rec.Version++
	f.records[rec.ConnectionID] = rec.Clone()
	return nil
}

func (f *fakeStore) record(t *testing.T, id string) *core.Record {
	t.Helper()
	rec, err := f.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock { return &testClock{now: start} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T, store RecordStore, clock *testClock, limits core.Limits, opts ...func(*Options)) *Engine {
	t.Helper()
	o := Options{
		Clock:        clock.Now,
		Random:       rand.New(rand.NewPCG(1, 2)),
		Defaults:     limits,
		Location:     time.UTC,
		RetryBackoff: time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	e, err := New(store, o)
	require.NoError(t, err)
	return e
}

var start = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func TestNewRequiresStore(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
}

func TestFreshConnectionCanSend(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store, newTestClock(start), core.DefaultLimits)

	decision, err := e.CheckCanSend(context.Background(), "conn-1")
	require.NoError(t, err)
	assert.True(t, decision.CanSend)
	assert.Equal(t, int64(0), decision.DelayMs)
	assert.Equal(t, core.StatusActive, decision.Status)
	assert.Equal(t, int64(0), decision.Stats.DailyMessageCount)

	rec := store.record(t, "conn-1")
	assert.Equal(t, core.DefaultLimits, rec.Limits)
}

func TestCheckCanSendDoesNotMutateCounters(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store, newTestClock(start), core.DefaultLimits)

	for i := 0; i < 5; i++ {
		_, err := e.CheckCanSend(context.Background(), "conn-1")
		require.NoError(t, err)
	}

	rec := store.record(t, "conn-1")
	assert.Equal(t, int64(0), rec.MessageCount)
	assert.Equal(t, int64(0), rec.DailyMessageCount)
	assert.Equal(t, 0, store.saves)
}

func TestIntervalDenial(t *testing.T) {
	store := newFakeStore()
	clock := newTestClock(start)
	e := newTestEngine(t, store, clock, core.Limits{
		BaseInterval:     30_000,
		MaxInterval:      120_000,
		JitterRange:      10_000,
		DailyLimit:       1000,
		WarningThreshold: 800,
	})
	ctx := context.Background()

	result, err := e.RecordSent(ctx, "conn-1")
	require.NoError(t, err)
	require.GreaterOrEqual(t, result.Stats.CurrentInterval, int64(20_000))
	require.LessOrEqual(t, result.Stats.CurrentInterval, int64(40_000))

	clock.Advance(5 * time.Second)
	decision, err := e.CheckCanSend(ctx, "conn-1")
	require.NoError(t, err)
	assert.False(t, decision.CanSend)
	assert.Equal(t, core.ReasonIntervalActive, decision.Reason)
	assert.GreaterOrEqual(t, decision.DelayMs, int64(15_000))
	assert.LessOrEqual(t, decision.DelayMs, int64(35_000))
	assert.Equal(t, result.Stats.CurrentInterval-5_000, decision.DelayMs)
	assert.Equal(t, core.RetryAfterSeconds(decision.DelayMs), decision.RetryAfterSeconds())

	clock.Advance(time.Duration(decision.DelayMs) * time.Millisecond)
	decision, err = e.CheckCanSend(ctx, "conn-1")
	require.NoError(t, err)
	assert.True(t, decision.CanSend)
}

func TestRecordSentSchedulesNextAllowedTime(t *testing.T) {
	store := newFakeStore()
	clock := newTestClock(start)
	e := newTestEngine(t, store, clock, core.DefaultLimits)

	for i := 0; i < 20; i++ {
		_, err := e.RecordSent(context.Background(), "conn-1")
		require.NoError(t, err)

		rec := store.record(t, "conn-1")
		require.NotNil(t, rec.LastMessageTime)
		require.Equal(t, rec.LastMessageTime.Add(time.Duration(rec.CurrentInterval)*time.Millisecond), rec.NextAllowedTime)
		require.GreaterOrEqual(t, rec.CurrentInterval, int64(20_000))
		require.LessOrEqual(t, rec.CurrentInterval, int64(40_000))
		require.Equal(t, int64(i+1), rec.MessageCount)
		clock.Advance(time.Minute)
	}
}

func TestStatusProgression(t *testing.T) {
	store := newFakeStore()
	clock := newTestClock(start)
	e := newTestEngine(t, store, clock, core.Limits{DailyLimit: 3, WarningThreshold: 2})
	ctx := context.Background()

	expected := []core.Status{core.StatusActive, core.StatusWarning, core.StatusBlocked}
	for _, status := range expected {
		result, err := e.RecordSent(ctx, "conn-1")
		require.NoError(t, err)
		require.Equal(t, status, result.Stats.Status)
		clock.Advance(time.Minute)
	}

	before := store.record(t, "conn-1")
	assert.Equal(t, 1, before.WarningCount)
	assert.Equal(t, 1, before.BlockCount)
	assert.NotNil(t, before.LastWarningTime)
	assert.NotNil(t, before.LastBlockTime)

	_, err := e.RecordSent(ctx, "conn-1")
	require.ErrorIs(t, err, core.ErrBlocked)

	after := store.record(t, "conn-1")
	assert.Equal(t, before.DailyMessageCount, after.DailyMessageCount)
	assert.Equal(t, before.MessageCount, after.MessageCount)

	decision, err := e.CheckCanSend(ctx, "conn-1")
	require.NoError(t, err)
	assert.False(t, decision.CanSend)
	assert.Equal(t, core.ReasonBlocked, decision.Reason)
	assert.Equal(t, core.StatusBlocked, decision.Status)
	assert.Equal(t, int64(0), decision.Stats.RemainingToday)
}

func TestDailyRolloverUnblocks(t *testing.T) {
	store := newFakeStore()
	clock := newTestClock(time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC))
	e := newTestEngine(t, store, clock, core.Limits{DailyLimit: 2, WarningThreshold: 1})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := e.RecordSent(ctx, "conn-1")
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	require.Equal(t, core.StatusBlocked, store.record(t, "conn-1").Status)

	clock.Advance(2 * time.Hour)
	decision, err := e.CheckCanSend(ctx, "conn-1")
	require.NoError(t, err)
	assert.True(t, decision.CanSend)
	assert.Equal(t, core.StatusActive, decision.Status)
	assert.Equal(t, int64(0), decision.Stats.DailyMessageCount)

	rec := store.record(t, "conn-1")
	assert.Equal(t, int64(0), rec.DailyMessageCount)
	assert.Equal(t, int64(2), rec.MessageCount)
	assert.Equal(t, 0, rec.WarningCount)
	assert.Equal(t, 1, rec.BlockCount)
	assert.Equal(t, clock.Now(), rec.LastDailyReset)
	assert.Equal(t, core.StatusActive, rec.Status)
}

func TestRolloverUsesConfiguredLocation(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*60*60)
	store := newFakeStore()
	// 18:30 UTC is 23:30 in UTC+5; 19:30 UTC is the next local day.
	clock := newTestClock(time.Date(2025, 3, 1, 18, 30, 0, 0, time.UTC))
	e := newTestEngine(t, store, clock, core.Limits{DailyLimit: 1, WarningThreshold: 1}, func(o *Options) {
		o.Location = loc
	})
	ctx := context.Background()

	_, err := e.RecordSent(ctx, "conn-1")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	decision, err := e.CheckCanSend(ctx, "conn-1")
	require.NoError(t, err)
	assert.True(t, decision.CanSend)
}

func TestRolloverIgnoresClockGoingBackwards(t *testing.T) {
	store := newFakeStore()
	clock := newTestClock(start)
	e := newTestEngine(t, store, clock, core.Limits{DailyLimit: 1, WarningThreshold: 1})
	ctx := context.Background()

	_, err := e.RecordSent(ctx, "conn-1")
	require.NoError(t, err)

	clock.Advance(-48 * time.Hour)
	_, err = e.CheckCanSend(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), store.record(t, "conn-1").DailyMessageCount)
}

func TestPauseTakesPrecedence(t *testing.T) {
	store := newFakeStore()
	clock := newTestClock(start)
	e := newTestEngine(t, store, clock, core.Limits{DailyLimit: 1, WarningThreshold: 1})
	ctx := context.Background()

	_, err := e.RecordSent(ctx, "conn-1")
	require.NoError(t, err)

	result, err := e.Pause(ctx, "conn-1")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotNil(t, result.Stats)
	assert.Equal(t, core.StatusPaused, result.Stats.Status)

	decision, err := e.CheckCanSend(ctx, "conn-1")
	require.NoError(t, err)
	assert.False(t, decision.CanSend)
	assert.Equal(t, core.ReasonPaused, decision.Reason)
	assert.Equal(t, core.StatusPaused, decision.Status)

	again, err := e.Pause(ctx, "conn-1")
	require.NoError(t, err)
	assert.True(t, again.Success)
	assert.Equal(t, "connection already paused", again.Message)
}

func TestPauseSurvivesRollover(t *testing.T) {
	store := newFakeStore()
	clock := newTestClock(start)
	e := newTestEngine(t, store, clock, core.DefaultLimits)
	ctx := context.Background()

	_, err := e.Pause(ctx, "conn-1")
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	decision, err := e.CheckCanSend(ctx, "conn-1")
	require.NoError(t, err)
	assert.False(t, decision.CanSend)
	assert.Equal(t, core.ReasonPaused, decision.Reason)
}

func TestResume(t *testing.T) {
	store := newFakeStore()
	clock := newTestClock(start)
	e := newTestEngine(t, store, clock, core.DefaultLimits)
	ctx := context.Background()

	notPaused, err := e.Resume(ctx, "conn-1")
	require.NoError(t, err)
	assert.True(t, notPaused.Success)
	assert.Equal(t, "connection is not paused", notPaused.Message)

	_, err = e.Pause(ctx, "conn-1")
	require.NoError(t, err)

	result, err := e.Resume(ctx, "conn-1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, core.StatusActive, result.Stats.Status)

	rec := store.record(t, "conn-1")
	assert.False(t, rec.Paused)
	assert.Nil(t, rec.PausedAt)

	decision, err := e.CheckCanSend(ctx, "conn-1")
	require.NoError(t, err)
	assert.True(t, decision.CanSend)
}

func TestResumeRestoresBlockedStatus(t *testing.T) {
	store := newFakeStore()
	clock := newTestClock(start)
	e := newTestEngine(t, store, clock, core.Limits{DailyLimit: 1, WarningThreshold: 1})
	ctx := context.Background()

	_, err := e.RecordSent(ctx, "conn-1")
	require.NoError(t, err)
	_, err = e.Pause(ctx, "conn-1")
	require.NoError(t, err)

	result, err := e.Resume(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusBlocked, result.Stats.Status)
	assert.Equal(t, 1, store.record(t, "conn-1").BlockCount)
}

func TestReset(t *testing.T) {
	store := newFakeStore()
	clock := newTestClock(start)
	e := newTestEngine(t, store, clock, core.Limits{DailyLimit: 2, WarningThreshold: 1})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := e.RecordSent(ctx, "conn-1")
		require.NoError(t, err)
	}
	_, err := e.Pause(ctx, "conn-1")
	require.NoError(t, err)

	clock.Advance(time.Second)
	result, err := e.Reset(ctx, "conn-1")
	require.NoError(t, err)
	assert.True(t, result.Success)

	rec := store.record(t, "conn-1")
	assert.Equal(t, int64(0), rec.MessageCount)
	assert.Equal(t, int64(0), rec.DailyMessageCount)
	assert.Equal(t, 0, rec.WarningCount)
	assert.Equal(t, 0, rec.BlockCount)
	assert.Equal(t, core.StatusActive, rec.Status)
	assert.False(t, rec.Paused)
	assert.Equal(t, clock.Now(), rec.NextAllowedTime)

	decision, err := e.CheckCanSend(ctx, "conn-1")
	require.NoError(t, err)
	assert.True(t, decision.CanSend)
}

func TestInvalidConnectionID(t *testing.T) {
	e := newTestEngine(t, newFakeStore(), newTestClock(start), core.DefaultLimits)
	ctx := context.Background()

	decision, err := e.CheckCanSend(ctx, "  ")
	require.ErrorIs(t, err, core.ErrInvalidConnectionID)
	assert.False(t, decision.CanSend)

	_, err = e.RecordSent(ctx, "")
	require.ErrorIs(t, err, core.ErrInvalidConnectionID)

	result, err := e.Pause(ctx, "")
	require.ErrorIs(t, err, core.ErrInvalidConnectionID)
	assert.False(t, result.Success)
	assert.Equal(t, "invalid connection id", result.Message)

	_, err = e.GetStatus(ctx, "")
	require.ErrorIs(t, err, core.ErrInvalidConnectionID)
}

func TestFailClosedOnStoreError(t *testing.T) {
	store := newFakeStore()
	store.findErr = errors.New("connection refused")
	e := newTestEngine(t, store, newTestClock(start), core.DefaultLimits)

	decision, err := e.CheckCanSend(context.Background(), "conn-1")
	require.ErrorIs(t, err, core.ErrStoreUnavailable)
	assert.False(t, decision.CanSend)
	assert.Equal(t, core.ReasonStoreUnavailable, decision.Reason)

	result, err := e.Reset(context.Background(), "conn-1")
	require.ErrorIs(t, err, core.ErrStoreUnavailable)
	assert.False(t, result.Success)
	assert.NotContains(t, result.Message, "connection refused")
}

func TestRecordSentStoreFailureLeavesCacheEmpty(t *testing.T) {
	store := newFakeStore()
	c := cache.NewMemory(time.Minute)
	e := newTestEngine(t, store, newTestClock(start), core.DefaultLimits, func(o *Options) {
		o.Cache = c
	})
	ctx := context.Background()

	store.saveErr = errors.New("disk full")
	_, err := e.RecordSent(ctx, "conn-1")
	require.ErrorIs(t, err, core.ErrStoreUnavailable)

	_, ok, err := c.Get(ctx, "conn-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheWriteThrough(t *testing.T) {
	store := newFakeStore()
	c := cache.NewMemory(time.Minute)
	e := newTestEngine(t, store, newTestClock(start), core.DefaultLimits, func(o *Options) {
		o.Cache = c
	})
	ctx := context.Background()

	_, err := e.RecordSent(ctx, "conn-1")
	require.NoError(t, err)

	cached, ok, err := c.Get(ctx, "conn-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.record(t, "conn-1"), cached)
}

func TestCheckCanSendRevalidatesRolloverOnCachedRecord(t *testing.T) {
	store := newFakeStore()
	clock := newTestClock(time.Date(2025, 3, 1, 23, 59, 0, 0, time.UTC))
	c := cache.NewMemory(time.Hour, cache.WithClock(clock.Now))
	e := newTestEngine(t, store, clock, core.Limits{DailyLimit: 1, WarningThreshold: 1}, func(o *Options) {
		o.Cache = c
	})
	ctx := context.Background()

	_, err := e.RecordSent(ctx, "conn-1")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	decision, err := e.CheckCanSend(ctx, "conn-1")
	require.NoError(t, err)
	assert.True(t, decision.CanSend)
	assert.Equal(t, int64(0), store.record(t, "conn-1").DailyMessageCount)
}

// gatedStore parks the first FindOrCreate after it has read the record until
// release is closed.
type gatedStore struct {
	*fakeStore
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func newGatedStore(inner *fakeStore) *gatedStore {
	return &gatedStore{fakeStore: inner, read: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedStore) FindOrCreate(ctx context.Context, seed *core.Record) (*core.Record, error) {
	rec, err := g.fakeStore.FindOrCreate(ctx, seed)
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.read)
		<-g.release
	}
	return rec, err
}

func TestStaleCacheFillDoesNotOverwriteNewerSend(t *testing.T) {
	inner := newFakeStore()
	gated := newGatedStore(inner)
	clock := newTestClock(start)
	c := cache.NewMemory(time.Hour, cache.WithClock(clock.Now))
	withCache := func(o *Options) { o.Cache = c }

	// Two engines sharing one cache, as two processes sharing redis would.
	checker := newTestEngine(t, gated, clock, core.DefaultLimits, withCache)
	sender := newTestEngine(t, inner, clock, core.DefaultLimits, withCache)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := checker.CheckCanSend(ctx, "conn-1")
		done <- err
	}()

	<-gated.read
	_, err := sender.RecordSent(ctx, "conn-1")
	require.NoError(t, err)
	close(gated.release)
	require.NoError(t, <-done)

	cached, ok, err := c.Get(ctx, "conn-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), cached.Version)
	assert.Equal(t, int64(1), cached.DailyMessageCount)

	clock.Advance(time.Second)
	decision, err := checker.CheckCanSend(ctx, "conn-1")
	require.NoError(t, err)
	assert.False(t, decision.CanSend)
	assert.Equal(t, core.ReasonIntervalActive, decision.Reason)
	assert.Equal(t, int64(1), decision.Stats.DailyMessageCount)
}

func TestCacheMissFillIsSerializedWithSends(t *testing.T) {
	inner := newFakeStore()
	gated := newGatedStore(inner)
	clock := newTestClock(start)
	c := cache.NewMemory(time.Hour, cache.WithClock(clock.Now))
	e := newTestEngine(t, gated, clock, core.DefaultLimits, func(o *Options) { o.Cache = c })
	ctx := context.Background()

	checked := make(chan error, 1)
	go func() {
		_, err := e.CheckCanSend(ctx, "conn-1")
		checked <- err
	}()
	<-gated.read

	sent := make(chan error, 1)
	go func() {
		_, err := e.RecordSent(ctx, "conn-1")
		sent <- err
	}()

	close(gated.release)
	require.NoError(t, <-checked)
	require.NoError(t, <-sent)

	clock.Advance(time.Second)
	decision, err := e.CheckCanSend(ctx, "conn-1")
	require.NoError(t, err)
	assert.False(t, decision.CanSend)
	assert.Equal(t, core.ReasonIntervalActive, decision.Reason)
	assert.Equal(t, int64(1), inner.record(t, "conn-1").DailyMessageCount)
}

func TestRolloverIsIdempotentWithinSameInstant(t *testing.T) {
	store := newFakeStore()
	clock := newTestClock(start)
	limits := core.Limits{DailyLimit: 1000, WarningThreshold: 800}
	e := newTestEngine(t, store, clock, limits)
	ctx := context.Background()

	seed := core.NewRecord("conn-1", e.Defaults(), start)
	seed.MessageCount = 800
	seed.DailyMessageCount = 800
	seed.WarningCount = 1
	seed.Status = core.StatusWarning
	store.records["conn-1"] = seed

	clock.Advance(24 * time.Hour)

	first, err := e.CheckCanSend(ctx, "conn-1")
	require.NoError(t, err)
	afterFirst := store.record(t, "conn-1")

	second, err := e.CheckCanSend(ctx, "conn-1")
	require.NoError(t, err)
	afterSecond := store.record(t, "conn-1")

	assert.Equal(t, afterFirst, afterSecond)
	assert.Equal(t, int64(1), afterSecond.Version)
	assert.Equal(t, 1, store.saves)
	assert.Equal(t, int64(0), afterSecond.DailyMessageCount)
	assert.Equal(t, int64(800), afterSecond.MessageCount)
	assert.Equal(t, core.StatusActive, afterSecond.Status)
	assert.Equal(t, clock.Now(), afterSecond.LastDailyReset)

	assert.Equal(t, first, second)
	assert.True(t, second.CanSend)
	assert.Equal(t, core.StatusActive, second.Status)
}

func TestConflictIsRetried(t *testing.T) {
	store := newFakeStore()
	store.conflicts = 2
	e := newTestEngine(t, store, newTestClock(start), core.DefaultLimits)

	_, err := e.RecordSent(context.Background(), "conn-1")
	require.NoError(t, err)
	assert.Equal(t, 3, store.saves)
	assert.Equal(t, int64(1), store.record(t, "conn-1").MessageCount)
}

func TestConflictRetriesExhausted(t *testing.T) {
	store := newFakeStore()
	store.conflicts = 10
	e := newTestEngine(t, store, newTestClock(start), core.DefaultLimits, func(o *Options) {
		o.MaxAttempts = 2
	})

	_, err := e.RecordSent(context.Background(), "conn-1")
	require.ErrorIs(t, err, core.ErrConflict)
	assert.Equal(t, 2, store.saves)
	assert.Equal(t, int64(0), store.record(t, "conn-1").MessageCount)
}

func TestConcurrentRecordSentNeverExceedsLimit(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store, newTestClock(start), core.Limits{DailyLimit: 5, WarningThreshold: 4})

	const callers = 40
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		blocked int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.RecordSent(context.Background(), "burst")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case errors.Is(err, core.ErrBlocked):
				blocked++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, granted)
	assert.Equal(t, callers-5, blocked)

	rec := store.record(t, "burst")
	assert.Equal(t, int64(5), rec.DailyMessageCount)
	assert.Equal(t, int64(5), rec.MessageCount)
	assert.Equal(t, core.StatusBlocked, rec.Status)
	assert.Equal(t, 1, rec.BlockCount)
	assert.Equal(t, 0, e.locks.size())
}

func TestConcurrentFindOrCreateSharesRecord(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store, newTestClock(start), core.DefaultLimits)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.CheckCanSend(context.Background(), "fresh")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, store.records, 1)
}

func TestSendLogging(t *testing.T) {
	obsCore, logs := observer.New(zapcore.DebugLevel)
	store := newFakeStore()
	e := newTestEngine(t, store, newTestClock(start), core.Limits{DailyLimit: 3, WarningThreshold: 2}, func(o *Options) {
		o.Logger = zap.New(obsCore)
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.RecordSent(ctx, "conn-1")
		require.NoError(t, err)
	}
	_, err := e.RecordSent(ctx, "conn-1")
	require.ErrorIs(t, err, core.ErrBlocked)

	granted := logs.FilterMessage("Message send recorded").All()
	require.Len(t, granted, 1)
	assert.Equal(t, zapcore.InfoLevel, granted[0].Level)
	assert.Equal(t, "conn-1", granted[0].ContextMap()["connection_id"])

	warning := logs.FilterMessage("Connection approaching daily limit").All()
	require.Len(t, warning, 1)
	assert.Equal(t, zapcore.WarnLevel, warning[0].Level)

	limit := logs.FilterMessage("Connection reached daily limit").All()
	require.Len(t, limit, 1)
	assert.Equal(t, zapcore.ErrorLevel, limit[0].Level)

	assert.Equal(t, 1, logs.FilterMessage("Send reported for blocked connection was not counted").Len())
}

func TestThresholdAtLimitIsReported(t *testing.T) {
	obsCore, logs := observer.New(zapcore.WarnLevel)
	newTestEngine(t, newFakeStore(), newTestClock(start), core.Limits{DailyLimit: 5, WarningThreshold: 5}, func(o *Options) {
		o.Logger = zap.New(obsCore)
	})
	assert.Equal(t, 1, logs.FilterMessage("Warning threshold is not below daily limit; warning status will never be entered").Len())

	obsCore, logs = observer.New(zapcore.WarnLevel)
	newTestEngine(t, newFakeStore(), newTestClock(start), core.Limits{DailyLimit: 5, WarningThreshold: 4}, func(o *Options) {
		o.Logger = zap.New(obsCore)
	})
	assert.Zero(t, logs.Len())
}

type countingObserver struct {
	mu         sync.Mutex
	admissions map[string]int
	sends      map[core.Status]int
	controls   map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		admissions: map[string]int{},
		sends:      map[core.Status]int{},
		controls:   map[string]int{},
	}
}

func (o *countingObserver) Admission(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.admissions[reason]++
}

func (o *countingObserver) Sent(status core.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sends[status]++
}

func (o *countingObserver) Control(operation string, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if success {
		o.controls[operation]++
	}
}

func TestObserverReceivesOutcomes(t *testing.T) {
	obs := newCountingObserver()
	e := newTestEngine(t, newFakeStore(), newTestClock(start), core.DefaultLimits, func(o *Options) {
		o.Observer = obs
	})
	ctx := context.Background()

	_, _ = e.CheckCanSend(ctx, "conn-1")
	_, _ = e.RecordSent(ctx, "conn-1")
	_, _ = e.CheckCanSend(ctx, "conn-1")
	_, _ = e.Pause(ctx, "conn-1")

	assert.Equal(t, 1, obs.admissions["granted"])
	assert.Equal(t, 1, obs.admissions[core.ReasonIntervalActive])
	assert.Equal(t, 1, obs.sends[core.StatusActive])
	assert.Equal(t, 1, obs.controls[OperationPause])
}

func TestGetStatus(t *testing.T) {
	store := newFakeStore()
	clock := newTestClock(start)
	e := newTestEngine(t, store, clock, core.Limits{DailyLimit: 10, WarningThreshold: 8})
	ctx := context.Background()

	_, err := e.RecordSent(ctx, "conn-1")
	require.NoError(t, err)
	clock.Advance(time.Second)

	stats, err := e.GetStatus(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "conn-1", stats.ConnectionID)
	assert.Equal(t, int64(1), stats.DailyMessageCount)
	assert.Equal(t, int64(9), stats.RemainingToday)
	assert.Equal(t, 10, stats.DailyLimit)
	assert.Equal(t, stats.CurrentInterval-1000, stats.TimeUntilNextAllowed)
}

func TestFailureMessage(t *testing.T) {
	assert.Equal(t, "", FailureMessage(nil))
	assert.Equal(t, "connection is busy, try again", FailureMessage(core.ErrConflict))
	assert.Equal(t, "rate limit store unavailable, try again later",
		FailureMessage(storeError(errors.New("dial tcp: refused"))))
	assert.Equal(t, "operation failed", FailureMessage(errors.New("boom")))
}
