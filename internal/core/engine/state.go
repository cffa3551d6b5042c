package engine

import (
	"time"

	"github.com/sendguard/sendguard/internal/core"
)

// needsRollover reports whether now falls on a later calendar day than the
// record's last daily reset. A clock running backwards never triggers a reset.
func (e *Engine) needsRollover(rec *core.Record, now time.Time) bool {
	return civilDay(now, e.location).After(civilDay(rec.LastDailyReset, e.location))
}

// applyRollover resets the daily counters when a new day has started. The
// pause overlay is left untouched.
func (e *Engine) applyRollover(rec *core.Record, now time.Time) bool {
	if !e.needsRollover(rec, now) {
		return false
	}
	rec.DailyMessageCount = 0
	rec.WarningCount = 0
	rec.LastDailyReset = now
	rec.Status = core.StatusActive
	return true
}

// applyStatus derives the counter status and records entry into warning or
// blocked.
func (e *Engine) applyStatus(rec *core.Record, now time.Time) {
	next := core.StatusActive
	switch {
	case overLimit(rec):
		next = core.StatusBlocked
	case rec.DailyMessageCount >= int64(rec.Limits.WarningThreshold):
		next = core.StatusWarning
	}

	if next == rec.Status {
		return
	}

	at := now
	switch next {
	case core.StatusBlocked:
		rec.BlockCount++
		rec.LastBlockTime = &at
	case core.StatusWarning:
		rec.WarningCount++
		rec.LastWarningTime = &at
	}
	rec.Status = next
}

func overLimit(rec *core.Record) bool {
	return rec.DailyMessageCount >= int64(rec.Limits.DailyLimit)
}

func civilDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
