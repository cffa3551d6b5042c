package core

import "time"

// Status is the counter-derived admission state of a connection.
type Status string

const (
	StatusActive  Status = "active"
	StatusWarning Status = "warning"
	StatusBlocked Status = "blocked"
	// StatusPaused is only ever reported as an effective status; it is not
	// stored in Record.Status. The overlay lives in Record.Paused.
	StatusPaused Status = "paused"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusWarning, StatusBlocked, StatusPaused:
		return true
	default:
		return false
	}
}

// Limits holds the per-record overridable thresholds. Intervals are in
// milliseconds.
type Limits struct {
	BaseInterval     int64 `json:"baseInterval"`
	MaxInterval      int64 `json:"maxInterval"`
	JitterRange      int64 `json:"jitterRange"`
	DailyLimit       int   `json:"dailyLimit"`
	WarningThreshold int   `json:"warningThreshold"`
}

// DefaultLimits provides conservative defaults for a new connection.
var DefaultLimits = Limits{
	BaseInterval:     30_000,
	MaxInterval:      120_000,
	JitterRange:      10_000,
	DailyLimit:       1000,
	WarningThreshold: 800,
}

// WithDefaults fills zero-valued thresholds from fallback.
func (l Limits) WithDefaults(fallback Limits) Limits {
	if l.BaseInterval <= 0 {
		l.BaseInterval = fallback.BaseInterval
	}
	if l.MaxInterval <= 0 {
		l.MaxInterval = fallback.MaxInterval
	}
	if l.JitterRange < 0 {
		l.JitterRange = fallback.JitterRange
	}
	if l.DailyLimit <= 0 {
		l.DailyLimit = fallback.DailyLimit
	}
	if l.WarningThreshold <= 0 {
		l.WarningThreshold = fallback.WarningThreshold
	}
	return l
}

// Record is the durable per-connection throttling state.
type Record struct {
	ConnectionID      string     `json:"connectionId"`
	Status            Status     `json:"status"`
	Paused            bool       `json:"paused"`
	PausedAt          *time.Time `json:"pausedAt,omitempty"`
	LastMessageTime   *time.Time `json:"lastMessageTime,omitempty"`
	MessageCount      int64      `json:"messageCount"`
	DailyMessageCount int64      `json:"dailyMessageCount"`
	LastDailyReset    time.Time  `json:"lastDailyReset"`
	NextAllowedTime   time.Time  `json:"nextAllowedTime"`
	CurrentInterval   int64      `json:"currentInterval"`
	WarningCount      int        `json:"warningCount"`
	LastWarningTime   *time.Time `json:"lastWarningTime,omitempty"`
	BlockCount        int        `json:"blockCount"`
	LastBlockTime     *time.Time `json:"lastBlockTime,omitempty"`
	Limits            Limits     `json:"config"`
	Version           int64      `json:"version"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// NewRecord returns a fresh active record with zero counters.
func NewRecord(connectionID string, limits Limits, now time.Time) *Record {
	return &Record{
		ConnectionID:    connectionID,
		Status:          StatusActive,
		LastDailyReset:  now,
		NextAllowedTime: now,
		Limits:          limits,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// EffectiveStatus returns the status callers observe: paused while the
// operator overlay is set, otherwise the counter-derived status.
func (r *Record) EffectiveStatus() Status {
	if r.Paused {
		return StatusPaused
	}
	return r.Status
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.PausedAt = cloneTime(r.PausedAt)
	out.LastMessageTime = cloneTime(r.LastMessageTime)
	out.LastWarningTime = cloneTime(r.LastWarningTime)
	out.LastBlockTime = cloneTime(r.LastBlockTime)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	value := *t
	return &value
}

// Aggregate summarizes stored records for reporting. Counts reflect each
// record as last written: a record blocked on an earlier day stays blocked
// here until its next read or write applies the daily rollover.
type Aggregate struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"byStatus"`
}
