package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS rate_limit_records (
		connection_id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'active',
		paused INTEGER NOT NULL DEFAULT 0,
		paused_at INTEGER,
		last_message_time INTEGER,
		message_count INTEGER NOT NULL DEFAULT 0,
		daily_message_count INTEGER NOT NULL DEFAULT 0,
		last_daily_reset INTEGER NOT NULL,
		next_allowed_time INTEGER NOT NULL,
		current_interval INTEGER NOT NULL DEFAULT 0,
		warning_count INTEGER NOT NULL DEFAULT 0,
		last_warning_time INTEGER,
		block_count INTEGER NOT NULL DEFAULT 0,
		last_block_time INTEGER,
		base_interval INTEGER NOT NULL,
		max_interval INTEGER NOT NULL,
		jitter_range INTEGER NOT NULL,
		daily_limit INTEGER NOT NULL,
		warning_threshold INTEGER NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_rate_limit_records_sweep ON rate_limit_records(status, paused, updated_at);`,
	`CREATE TABLE IF NOT EXISTS schema_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`,
}

// schemaVersion is recorded in schema_meta after a successful migration.
const schemaVersion = "1"

// Migrate ensures the required database tables exist.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errNotInitialized
	}

	if ctx == nil {
		ctx = context.Background()
	}

	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}

	if _, err := s.DB.ExecContext(ctx, `
		INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return nil
}

// SchemaVersion returns the recorded schema version, or "" before the first
// migration.
func (s *Store) SchemaVersion(ctx context.Context) (string, error) {
	if s == nil || s.DB == nil {
		return "", errNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var value string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read schema version: %w", err)
	}
	return value, nil
}
