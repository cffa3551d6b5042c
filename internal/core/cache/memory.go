package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sendguard/sendguard/internal/core"
)

// Memory is an in-process TTL cache. Safe for concurrent use.
type Memory struct {
	mu           sync.Mutex
	entries      map[string]memoryEntry
	ttl          time.Duration
	cleanupEvery time.Duration
	clock        func() time.Time
}

type memoryEntry struct {
	rec       *core.Record
	expiresAt time.Time
}

// MemoryOption configures a Memory cache.
type MemoryOption func(*Memory)

// WithClock overrides the time source used for expiry.
func WithClock(clock func() time.Time) MemoryOption {
	return func(m *Memory) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithCleanupEvery sets how often the janitor evicts expired entries.
func WithCleanupEvery(d time.Duration) MemoryOption {
	return func(m *Memory) { m.cleanupEvery = d }
}

// NewMemory creates an in-process cache. A non-positive ttl uses DefaultTTL.
func NewMemory(ttl time.Duration, opts ...MemoryOption) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Memory{
		entries:      make(map[string]memoryEntry),
		ttl:          ttl,
		cleanupEvery: time.Minute,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured entry lifetime.
func (m *Memory) TTL() time.Duration { return m.ttl }

func (m *Memory) Get(_ context.Context, connectionID string) (*core.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[connectionID]
	if !ok {
		return nil, false, nil
	}
	if !m.clock().Before(entry.expiresAt) {
		delete(m.entries, connectionID)
		return nil, false, nil
	}
	return entry.rec.Clone(), true, nil
}

func (m *Memory) Set(_ context.Context, rec *core.Record) error {
	if rec == nil {
		return nil
	}

	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.entries[rec.ConnectionID]; ok && now.Before(cur.expiresAt) && cur.rec.Version > rec.Version {
		return nil
	}
	m.entries[rec.ConnectionID] = memoryEntry{
		rec:       rec.Clone(),
		expiresAt: now.Add(m.ttl),
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, connectionID)
	return nil
}

// Len returns the number of entries, including expired ones not yet evicted.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Cleanup evicts expired entries.
func (m *Memory) Cleanup() {
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.entries {
		if !now.Before(entry.expiresAt) {
			delete(m.entries, key)
		}
	}
}

// StartJanitor evicts expired entries periodically until ctx is done.
func (m *Memory) StartJanitor(ctx context.Context) {
	if m.cleanupEvery <= 0 {
		return
	}

	ticker := time.NewTicker(m.cleanupEvery)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Cleanup()
			}
		}
	}()
}

var _ Cache = (*Memory)(nil)
