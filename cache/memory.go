package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process store. Invalidation bumps per-table
// generation counters and entries revalidate their snapshot on read,
// so invalidating stays O(tables) regardless of entry count.
type MemoryStore struct {
	mu          sync.RWMutex
	entries     map[string]memoryEntry
	generations map[string]uint64
	all         uint64
	nowFunc     func() time.Time
}

type memoryEntry struct {
	payload     []byte
	tables      []string
	snapshot    []uint64
	allSnapshot uint64
	expiresAt   time.Time
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithNow(time.Now)
}

// NewMemoryStoreWithNow is for callers that control the clock.
func NewMemoryStoreWithNow(nowFunc func() time.Time) *MemoryStore {
	return &MemoryStore{
		entries:     make(map[string]memoryEntry),
		generations: make(map[string]uint64),
		nowFunc:     nowFunc,
	}
}

// Get returns the payload for key, ErrNotFound once the entry expired
// or any of its tables were invalidated after the fill.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	stale := ok && s.staleLocked(entry)
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if stale {
		s.mu.Lock()
		if current, ok := s.entries[key]; ok && s.staleLocked(current) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	return entry.payload, nil
}

// Fence captures the global invalidation counter.
func (s *MemoryStore) Fence(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.all, nil
}

// Set stores an entry tagged with its tables. Fills raced by any
// invalidation since the fence are dropped.
func (s *MemoryStore) Set(ctx context.Context, key string, payload []byte, tables []string, ttl time.Duration, fence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fence != s.all {
		return nil
	}

	entry := memoryEntry{
		payload:     payload,
		tables:      append([]string(nil), tables...),
		allSnapshot: s.all,
	}
	if ttl > 0 {
		entry.expiresAt = s.nowFunc().Add(ttl)
	}
	entry.snapshot = make([]uint64, len(entry.tables))
	for idx, table := range entry.tables {
		entry.snapshot[idx] = s.generations[table]
	}

	s.entries[key] = entry
	return nil
}

// Invalidate bumps the generation of each table. Entries are removed
// lazily on their next read.
func (s *MemoryStore) Invalidate(ctx context.Context, tables ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, table := range tables {
		s.generations[table]++
	}
	s.all++
	return nil
}

// Flush drops every entry.
func (s *MemoryStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]memoryEntry)
	s.all++
	return nil
}

// Len reports the live entry count, expired entries included until
// their next read.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) staleLocked(entry memoryEntry) bool {
	if !entry.expiresAt.IsZero() && s.nowFunc().After(entry.expiresAt) {
		return true
	}
	if len(entry.tables) == 0 {
		return entry.allSnapshot != s.all
	}
	for idx, table := range entry.tables {
		if s.generations[table] != entry.snapshot[idx] {
			return true
		}
	}
	return false
}
