package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sendguard/sendguard/internal/core"
)

// RecordQuery filters records for admin listing. Empty fields match all.
type RecordQuery struct {
	ConnectionID string
	Prefix       string
	Status       core.Status
	Limit        int
}

// Validate checks the status filter.
func (q RecordQuery) Validate() error {
	if q.Status != "" && !q.Status.Valid() {
		return fmt.Errorf("unknown status filter: %s", q.Status)
	}
	if q.Limit < 0 {
		return fmt.Errorf("limit must not be negative: %d", q.Limit)
	}
	return nil
}

// Matches reports whether rec satisfies the query.
func (q RecordQuery) Matches(rec *core.Record) bool {
	if id := strings.TrimSpace(q.ConnectionID); id != "" && rec.ConnectionID != id {
		return false
	}
	if prefix := strings.TrimSpace(q.Prefix); prefix != "" && !strings.HasPrefix(rec.ConnectionID, prefix) {
		return false
	}
	if q.Status != "" && rec.EffectiveStatus() != q.Status {
		return false
	}
	return true
}

func (q RecordQuery) whereClause() (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}

	var (
		conds []string
		args  []any
	)
	if id := strings.TrimSpace(q.ConnectionID); id != "" {
		conds = append(conds, "connection_id = ?")
		args = append(args, id)
	}
	if prefix := strings.TrimSpace(q.Prefix); prefix != "" {
		conds = append(conds, `connection_id LIKE ? ESCAPE '\'`)
		args = append(args, escapeLike(prefix)+"%")
	}
	switch q.Status {
	case "":
	case core.StatusPaused:
		conds = append(conds, "paused = 1")
	default:
		conds = append(conds, "paused = 0 AND status = ?")
		args = append(args, string(q.Status))
	}

	if len(conds) == 0 {
		return "", nil, nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args, nil
}

// staleClause selects sweepable records: blocked or paused and not updated
// since cutoff.
const staleClause = "WHERE (status = 'blocked' OR paused = 1) AND updated_at < ?"

// List returns matching records ordered by connection id.
func (s *Store) List(ctx context.Context, q RecordQuery) ([]*core.Record, error) {
	if s == nil || s.DB == nil {
		return nil, errNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}

	limit := ""
	if q.Limit > 0 {
		limit = fmt.Sprintf("LIMIT %d", q.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM rate_limit_records
		%s
		ORDER BY connection_id
		%s
	`, recordColumns, where, limit), args...)
	if err != nil {
		return nil, unavailable("list rate limit records", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	records := []*core.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rate limit records: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list rate limit records", err)
	}

	return records, nil
}

// Count returns the number of matching records.
func (s *Store) Count(ctx context.Context, q RecordQuery) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*)
		FROM rate_limit_records
		%s
	`, where), args...)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, unavailable("count rate limit records", err)
	}
	return count, nil
}

// DeleteStale removes blocked or paused records last updated before cutoff
// and returns their connection ids.
func (s *Store) DeleteStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	if s == nil || s.DB == nil {
		return nil, errNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin sweep", err)
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx, `SELECT connection_id FROM rate_limit_records `+staleClause, millis(cutoff))
	if err != nil {
		return nil, unavailable("select stale records", err)
	}

	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan stale records: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, unavailable("select stale records", err)
	}
	_ = rows.Close()

	deleted := make([]string, 0, len(candidates))
	for _, id := range candidates {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM rate_limit_records `+staleClause+` AND connection_id = ?`,
			millis(cutoff), id)
		if err != nil {
			return nil, unavailable("delete stale record", err)
		}
		if affected, err := result.RowsAffected(); err == nil && affected > 0 {
			deleted = append(deleted, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit sweep", err)
	}
	return deleted, nil
}

// CountStale counts the records DeleteStale would remove.
func (s *Store) CountStale(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var count int
	row := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM rate_limit_records `+staleClause, millis(cutoff))
	if err := row.Scan(&count); err != nil {
		return 0, unavailable("count stale records", err)
	}
	return count, nil
}

// Aggregate counts records per stored effective status; pending daily
// rollovers are not applied.
func (s *Store) Aggregate(ctx context.Context) (core.Aggregate, error) {
	agg := core.Aggregate{ByStatus: map[core.Status]int{}}
	if s == nil || s.DB == nil {
		return agg, errNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT CASE WHEN paused = 1 THEN 'paused' ELSE status END AS effective, COUNT(*)
		FROM rate_limit_records
		GROUP BY effective
	`)
	if err != nil {
		return agg, unavailable("aggregate rate limit records", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return agg, fmt.Errorf("scan aggregate: %w", err)
		}
		agg.ByStatus[core.Status(status)] = count
		agg.Total += count
	}
	if err := rows.Err(); err != nil {
		return agg, unavailable("aggregate rate limit records", err)
	}
	return agg, nil
}

func escapeLike(value string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(value)
}
