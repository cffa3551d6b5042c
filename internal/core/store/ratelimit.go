package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sendguard/sendguard/internal/core"
)

var errNotInitialized = fmt.Errorf("%w: store is not initialized", core.ErrStoreUnavailable)

const recordColumns = `connection_id, status, paused, paused_at, last_message_time,
	message_count, daily_message_count, last_daily_reset, next_allowed_time, current_interval,
	warning_count, last_warning_time, block_count, last_block_time,
	base_interval, max_interval, jitter_range, daily_limit, warning_threshold,
	version, created_at, updated_at`

// FindOrCreate returns the stored record for seed.ConnectionID, inserting
// seed first when none exists. Concurrent callers agree on a single row via
// the primary key.
func (s *Store) FindOrCreate(ctx context.Context, seed *core.Record) (*core.Record, error) {
	if s == nil || s.DB == nil {
		return nil, errNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if seed == nil || strings.TrimSpace(seed.ConnectionID) == "" {
		return nil, core.ErrInvalidConnectionID
	}

	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO rate_limit_records (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id) DO NOTHING
	`, recordColumns), recordArgs(seed)...)
	if err != nil {
		return nil, unavailable("create rate limit record", err)
	}

	return s.Get(ctx, seed.ConnectionID)
}

// Get returns the record for connectionID or core.ErrNotFound.
func (s *Store) Get(ctx context.Context, connectionID string) (*core.Record, error) {
	if s == nil || s.DB == nil {
		return nil, errNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}

	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM rate_limit_records
		WHERE connection_id = ?
	`, recordColumns), connectionID)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", connectionID, core.ErrNotFound)
		}
		return nil, unavailable("fetch rate limit record", err)
	}
	return rec, nil
}

// Save writes rec if the stored version still equals rec.Version and bumps
// rec.Version on success.
func (s *Store) Save(ctx context.Context, rec *core.Record) error {
	if s == nil || s.DB == nil {
		return errNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if rec == nil {
		return errors.New("rate limit record is required")
	}

	result, err := s.DB.ExecContext(ctx, `
		UPDATE rate_limit_records SET
			status = ?,
			paused = ?,
			paused_at = ?,
			last_message_time = ?,
			message_count = ?,
			daily_message_count = ?,
			last_daily_reset = ?,
			next_allowed_time = ?,
			current_interval = ?,
			warning_count = ?,
			last_warning_time = ?,
			block_count = ?,
			last_block_time = ?,
			base_interval = ?,
			max_interval = ?,
			jitter_range = ?,
			daily_limit = ?,
			warning_threshold = ?,
			updated_at = ?,
			version = version + 1
		WHERE connection_id = ? AND version = ?
	`,
		string(rec.Status),
		boolInt(rec.Paused),
		nullMillis(rec.PausedAt),
		nullMillis(rec.LastMessageTime),
		rec.MessageCount,
		rec.DailyMessageCount,
		millis(rec.LastDailyReset),
		millis(rec.NextAllowedTime),
		rec.CurrentInterval,
		rec.WarningCount,
		nullMillis(rec.LastWarningTime),
		rec.BlockCount,
		nullMillis(rec.LastBlockTime),
		rec.Limits.BaseInterval,
		rec.Limits.MaxInterval,
		rec.Limits.JitterRange,
		rec.Limits.DailyLimit,
		rec.Limits.WarningThreshold,
		millis(rec.UpdatedAt),
		rec.ConnectionID,
		rec.Version,
	)
	if err != nil {
		return unavailable("save rate limit record", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return unavailable("save rate limit record", err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, rec.ConnectionID); err != nil {
			return err
		}
		return fmt.Errorf("%s: %w", rec.ConnectionID, core.ErrConflict)
	}

	rec.Version++
	return nil
}

// Delete removes the record for connectionID.
func (s *Store) Delete(ctx context.Context, connectionID string) error {
	if s == nil || s.DB == nil {
		return errNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := s.DB.ExecContext(ctx, `DELETE FROM rate_limit_records WHERE connection_id = ?`, connectionID)
	if err != nil {
		return unavailable("delete rate limit record", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return unavailable("delete rate limit record", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", connectionID, core.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*core.Record, error) {
	var (
		rec             core.Record
		status          string
		paused          int
		pausedAt        sql.NullInt64
		lastMessageTime sql.NullInt64
		lastDailyReset  int64
		nextAllowedTime int64
		lastWarningTime sql.NullInt64
		lastBlockTime   sql.NullInt64
		createdAt       int64
		updatedAt       int64
	)

	if err := row.Scan(
		&rec.ConnectionID,
		&status,
		&paused,
		&pausedAt,
		&lastMessageTime,
		&rec.MessageCount,
		&rec.DailyMessageCount,
		&lastDailyReset,
		&nextAllowedTime,
		&rec.CurrentInterval,
		&rec.WarningCount,
		&lastWarningTime,
		&rec.BlockCount,
		&lastBlockTime,
		&rec.Limits.BaseInterval,
		&rec.Limits.MaxInterval,
		&rec.Limits.JitterRange,
		&rec.Limits.DailyLimit,
		&rec.Limits.WarningThreshold,
		&rec.Version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	rec.Status = core.Status(status)
	rec.Paused = paused != 0
	rec.PausedAt = fromNullMillis(pausedAt)
	rec.LastMessageTime = fromNullMillis(lastMessageTime)
	rec.LastDailyReset = fromMillis(lastDailyReset)
	rec.NextAllowedTime = fromMillis(nextAllowedTime)
	rec.LastWarningTime = fromNullMillis(lastWarningTime)
	rec.LastBlockTime = fromNullMillis(lastBlockTime)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}

func recordArgs(rec *core.Record) []any {
	return []any{
		rec.ConnectionID,
		string(rec.Status),
		boolInt(rec.Paused),
		nullMillis(rec.PausedAt),
		nullMillis(rec.LastMessageTime),
		rec.MessageCount,
		rec.DailyMessageCount,
		millis(rec.LastDailyReset),
		millis(rec.NextAllowedTime),
		rec.CurrentInterval,
		rec.WarningCount,
		nullMillis(rec.LastWarningTime),
		rec.BlockCount,
		nullMillis(rec.LastBlockTime),
		rec.Limits.BaseInterval,
		rec.Limits.MaxInterval,
		rec.Limits.JitterRange,
		rec.Limits.DailyLimit,
		rec.Limits.WarningThreshold,
		rec.Version,
		millis(rec.CreatedAt),
		millis(rec.UpdatedAt),
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, core.ErrStoreUnavailable, err)
}

func millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: millis(*t), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
