package core

import "time"

// Rejection reasons reported by admission checks.
const (
	ReasonPaused           = "paused"
	ReasonBlocked          = "blocked"
	ReasonIntervalActive   = "interval active"
	ReasonStoreUnavailable = "store unavailable"
)

// Stats is a read-only snapshot of a connection's throttling state.
type Stats struct {
	ConnectionID         string     `json:"connectionId"`
	Status               Status     `json:"status"`
	Paused               bool       `json:"paused"`
	MessageCount         int64      `json:"messageCount"`
	DailyMessageCount    int64      `json:"dailyMessageCount"`
	DailyLimit           int        `json:"dailyLimit"`
	WarningThreshold     int        `json:"warningThreshold"`
	RemainingToday       int64      `json:"remainingToday"`
	WarningCount         int        `json:"warningCount"`
	BlockCount           int        `json:"blockCount"`
	CurrentInterval      int64      `json:"currentInterval"`
	LastMessageTime      *time.Time `json:"lastMessageTime,omitempty"`
	NextAllowedTime      time.Time  `json:"nextAllowedTime"`
	TimeUntilNextAllowed int64      `json:"timeUntilNextAllowed"`
	LastDailyReset       time.Time  `json:"lastDailyReset"`
	LastWarningTime      *time.Time `json:"lastWarningTime,omitempty"`
	LastBlockTime        *time.Time `json:"lastBlockTime,omitempty"`
	PausedAt             *time.Time `json:"pausedAt,omitempty"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// StatsAt builds a snapshot of rec as observed at now.
func StatsAt(rec *Record, now time.Time) Stats {
	until := rec.NextAllowedTime.Sub(now).Milliseconds()
	if until < 0 {
		until = 0
	}
	remaining := int64(rec.Limits.DailyLimit) - rec.DailyMessageCount
	if remaining < 0 {
		remaining = 0
	}

	c := rec.Clone()
	return Stats{
		ConnectionID:         c.ConnectionID,
		Status:               c.EffectiveStatus(),
		Paused:               c.Paused,
		MessageCount:         c.MessageCount,
		DailyMessageCount:    c.DailyMessageCount,
		DailyLimit:           c.Limits.DailyLimit,
		WarningThreshold:     c.Limits.WarningThreshold,
		RemainingToday:       remaining,
		WarningCount:         c.WarningCount,
		BlockCount:           c.BlockCount,
		CurrentInterval:      c.CurrentInterval,
		LastMessageTime:      c.LastMessageTime,
		NextAllowedTime:      c.NextAllowedTime,
		TimeUntilNextAllowed: until,
		LastDailyReset:       c.LastDailyReset,
		LastWarningTime:      c.LastWarningTime,
		LastBlockTime:        c.LastBlockTime,
		PausedAt:             c.PausedAt,
		UpdatedAt:            c.UpdatedAt,
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	CanSend         bool      `json:"canSend"`
	DelayMs         int64     `json:"delayMs"`
	Reason          string    `json:"reason,omitempty"`
	Status          Status    `json:"status"`
	NextAllowedTime time.Time `json:"nextAllowedTime"`
	Stats           Stats     `json:"stats"`
}

// RetryAfterSeconds converts the decision delay to whole seconds, rounded up.
func (d Decision) RetryAfterSeconds() int64 {
	return RetryAfterSeconds(d.DelayMs)
}

// RetryAfterSeconds converts a millisecond delay to whole seconds, rounded up.
func RetryAfterSeconds(delayMs int64) int64 {
	if delayMs <= 0 {
		return 0
	}
	return (delayMs + 999) / 1000
}

// UpdateResult is returned after a send is recorded.
type UpdateResult struct {
	NextAllowedTime time.Time `json:"nextAllowedTime"`
	Stats           Stats     `json:"stats"`
}

// Result is returned by control-surface operations.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Stats   *Stats `json:"stats,omitempty"`
}
