package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound reports a missing or expired entry.
	ErrNotFound = errors.New("cache: entry not found")
	// ErrUnavailable reports a backend that cannot be reached. The
	// read-through layer logs it and degrades to direct execution, it
	// never reaches callers.
	ErrUnavailable = errors.New("cache: store unavailable")
)

// Store persists encoded result sets under table-tagged keys.
//
// Entries tagged with no tables at all cannot be matched to writes, so
// stores drop them on every invalidation. Set carries the fence taken
// before the result was produced: a store must drop the fill when any
// invalidation landed after the fence, otherwise a write racing the
// fill could leave a stale entry behind.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Fence(ctx context.Context) (uint64, error)
	Set(ctx context.Context, key string, payload []byte, tables []string, ttl time.Duration, fence uint64) error
	Invalidate(ctx context.Context, tables ...string) error
	Flush(ctx context.Context) error
}
