package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Staged defers invalidations and isolates fills for one transaction.
// A write inside the transaction masks its tables: reads touching a
// masked table skip the shared store and fill a private overlay, so
// results computed from uncommitted rows never become visible to other
// sessions. Commit promotes the deferred invalidations to the shared
// cache, rollback just drops the overlay.
type Staged struct {
	base *Cache

	mu      sync.Mutex
	masked  map[string]bool
	maskAll bool
	local   map[string]stagedEntry
}

type stagedEntry struct {
	rows   []Row
	tables []string
	ttl    time.Duration
}

// NewStaged overlays a shared cache for the duration of a transaction.
func NewStaged(base *Cache) *Staged {
	return &Staged{
		base:   base,
		masked: make(map[string]bool),
		local:  make(map[string]stagedEntry),
	}
}

// GetOrExecute behaves like Cache.GetOrExecute, except that reads over
// masked tables are served from the overlay. Overlay fills ignore the
// TTL, they live at most as long as the transaction.
func (s *Staged) GetOrExecute(ctx context.Context, key string, tables []string, ttl time.Duration, exec ExecFunc) ([]Row, bool, error) {
	if !s.isMasked(tables) {
		return s.base.GetOrExecute(ctx, key, tables, ttl, exec)
	}

	s.mu.Lock()
	entry, ok := s.local[key]
	s.mu.Unlock()
	if ok {
		return entry.rows, true, nil
	}

	rows, err := exec(ctx)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	s.local[key] = stagedEntry{rows: rows, tables: append([]string(nil), tables...), ttl: ttl}
	s.mu.Unlock()
	return rows, false, nil
}

// Invalidate records the written tables without touching the shared
// cache. Overlay entries over those tables are dropped so later reads
// in the same transaction see their own writes.
func (s *Staged) Invalidate(ctx context.Context, tables ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(tables) == 0 {
		s.maskAll = true
		s.local = make(map[string]stagedEntry)
		return
	}

	written := make(map[string]bool, len(tables))
	for _, table := range tables {
		s.masked[table] = true
		written[table] = true
	}

	for key, entry := range s.local {
		if len(entry.tables) == 0 {
			delete(s.local, key)
			continue
		}
		for _, table := range entry.tables {
			if written[table] {
				delete(s.local, key)
				break
			}
		}
	}
}

// Promote applies the deferred invalidations to the shared cache and
// publishes the surviving overlay entries. Call it after the
// transaction committed: only then do the overlay's rows describe
// shared state. Entries fill after the invalidations so they are not
// dropped by them.
func (s *Staged) Promote(ctx context.Context) {
	s.mu.Lock()
	maskAll := s.maskAll
	tables := make([]string, 0, len(s.masked))
	for table := range s.masked {
		tables = append(tables, table)
	}
	local := s.local
	s.masked = make(map[string]bool)
	s.maskAll = false
	s.local = make(map[string]stagedEntry)
	s.mu.Unlock()

	sort.Strings(tables)
	if maskAll {
		s.base.Flush(ctx)
	} else if len(tables) > 0 {
		s.base.Invalidate(ctx, tables...)
	}

	for key, entry := range local {
		s.base.fill(ctx, key, entry.tables, entry.ttl, entry.rows)
	}
}

// Discard drops the overlay without touching the shared cache. Call it
// after a rollback.
func (s *Staged) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masked = make(map[string]bool)
	s.maskAll = false
	s.local = make(map[string]stagedEntry)
}

func (s *Staged) isMasked(tables []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maskAll {
		return true
	}
	if len(s.masked) == 0 {
		return false
	}
	if len(tables) == 0 {
		return true
	}
	for _, table := range tables {
		if s.masked[table] {
			return true
		}
	}
	return false
}
