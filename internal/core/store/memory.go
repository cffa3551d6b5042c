package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sendguard/sendguard/internal/core"
)

// MemoryStore keeps records in process memory with the same
// compare-and-swap semantics as the durable stores.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*core.Record
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*core.Record)}
}

func (m *MemoryStore) FindOrCreate(_ context.Context, seed *core.Record) (*core.Record, error) {
	if seed == nil || seed.ConnectionID == "" {
		return nil, core.ErrInvalidConnectionID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[seed.ConnectionID]; ok {
		return rec.Clone(), nil
	}
	m.records[seed.ConnectionID] = seed.Clone()
	return seed.Clone(), nil
}

func (m *MemoryStore) Get(_ context.Context, connectionID string) (*core.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[connectionID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", connectionID, core.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, rec *core.Record) error {
	if rec == nil {
		return errors.New("rate limit record is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.records[rec.ConnectionID]
	if !ok {
		return fmt.Errorf("%s: %w", rec.ConnectionID, core.ErrNotFound)
	}
	if current.Version != rec.Version {
		return fmt.Errorf("%s: %w", rec.ConnectionID, core.ErrConflict)
	}

	rec.Version++
	m.records[rec.ConnectionID] = rec.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[connectionID]; !ok {
		return fmt.Errorf("%s: %w", connectionID, core.ErrNotFound)
	}
	delete(m.records, connectionID)
	return nil
}

func (m *MemoryStore) List(_ context.Context, q RecordQuery) ([]*core.Record, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records := []*core.Record{}
	for _, rec := range m.records {
		if q.Matches(rec) {
			records = append(records, rec.Clone())
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ConnectionID < records[j].ConnectionID
	})
	if q.Limit > 0 && len(records) > q.Limit {
		records = records[:q.Limit]
	}
	return records, nil
}

func (m *MemoryStore) Count(ctx context.Context, q RecordQuery) (int, error) {
	q.Limit = 0
	records, err := m.List(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (m *MemoryStore) DeleteStale(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted []string
	for id, rec := range m.records {
		if isStale(rec, cutoff) {
			delete(m.records, id)
			deleted = append(deleted, id)
		}
	}
	sort.Strings(deleted)
	return deleted, nil
}

func (m *MemoryStore) CountStale(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, rec := range m.records {
		if isStale(rec, cutoff) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) Aggregate(context.Context) (core.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg := core.Aggregate{ByStatus: map[core.Status]int{}}
	for _, rec := range m.records {
		agg.Total++
		agg.ByStatus[rec.EffectiveStatus()]++
	}
	return agg, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Driver() string { return DriverMemory }

func (m *MemoryStore) Close() error { return nil }

// isStale reports whether the sweeper may delete rec.
func isStale(rec *core.Record, cutoff time.Time) bool {
	return (rec.Status == core.StatusBlocked || rec.Paused) && rec.UpdatedAt.Before(cutoff)
}

var _ Backend = (*MemoryStore)(nil)
