package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"

	"github.com/go-grove/grove/logger"
)

// Row mirrors the root package's result row shape.
type Row = map[string]interface{}

// ExecFunc produces the rows for a cache miss.
type ExecFunc func(ctx context.Context) ([]Row, error)

// Fingerprint derives a deterministic cache key from everything that
// influences a result: dialect, target scope, rendered statement and
// bind values.
func Fingerprint(dialect, scope, sql string, vars []interface{}) string {
	if scope == "" {
		scope = "raw"
	}

	digest := xxhash.New()
	digest.WriteString(sql)
	digest.WriteString("|")
	for _, v := range vars {
		fmt.Fprintf(digest, "%v|", v)
	}
	digest.WriteString(scope)
	digest.WriteString("|")
	digest.WriteString(dialect)
	return fmt.Sprintf("grove:q:%s:%016x", scope, digest.Sum64())
}

// Cache is the read-through layer in front of a Store. Concurrent
// identical reads collapse into one execution, store failures are
// logged and degrade to direct execution.
type Cache struct {
	store  Store
	group  singleflight.Group
	logger logger.Interface
}

// New wraps a store. A nil logger discards cache diagnostics.
func New(store Store, log logger.Interface) *Cache {
	if log == nil {
		log = logger.Discard
	}
	return &Cache{store: store, logger: log}
}

type cacheResult struct {
	rows []Row
	hit  bool
}

// GetOrExecute returns the cached rows for key or runs exec and fills
// the entry. The bool reports whether the rows came from the store.
func (c *Cache) GetOrExecute(ctx context.Context, key string, tables []string, ttl time.Duration, exec ExecFunc) ([]Row, bool, error) {
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if payload, err := c.store.Get(ctx, key); err == nil {
			if rows, err := decodeRows(payload); err == nil {
				return cacheResult{rows: rows, hit: true}, nil
			}
			c.logger.Warn(ctx, "cache: dropping undecodable entry %s", key)
		} else if !errors.Is(err, ErrNotFound) {
			c.logger.Warn(ctx, "cache: read failed for %s: %v", key, err)
		}

		fence, fenceErr := c.store.Fence(ctx)

		rows, err := exec(ctx)
		if err != nil {
			return nil, err
		}

		if fenceErr != nil {
			c.logger.Warn(ctx, "cache: skipping fill for %s: %v", key, fenceErr)
		} else if payload, err := encodeRows(rows); err != nil {
			c.logger.Warn(ctx, "cache: encode failed for %s: %v", key, err)
		} else if err := c.store.Set(ctx, key, payload, tables, ttl, fence); err != nil {
			c.logger.Warn(ctx, "cache: fill failed for %s: %v", key, err)
		}

		return cacheResult{rows: rows}, nil
	})
	if err != nil {
		return nil, false, err
	}

	result := v.(cacheResult)
	return result.rows, result.hit, nil
}

// Invalidate drops every entry touching the given tables. A call with
// no tables comes from a write whose targets are unknown and drops
// everything. Failures are logged, a broken store must not break
// writes.
func (c *Cache) Invalidate(ctx context.Context, tables ...string) {
	var err error
	if len(tables) == 0 {
		err = c.store.Flush(ctx)
	} else {
		err = c.store.Invalidate(ctx, tables...)
	}
	if err != nil {
		c.logger.Warn(ctx, "cache: invalidate failed for %v: %v", tables, err)
	}
}

// Flush drops every entry.
func (c *Cache) Flush(ctx context.Context) {
	if err := c.store.Flush(ctx); err != nil {
		c.logger.Warn(ctx, "cache: flush failed: %v", err)
	}
}

// fill stores rows for key without going through a read. Used when a
// transaction promotes its overlay entries after commit.
func (c *Cache) fill(ctx context.Context, key string, tables []string, ttl time.Duration, rows []Row) {
	fence, err := c.store.Fence(ctx)
	if err != nil {
		c.logger.Warn(ctx, "cache: skipping fill for %s: %v", key, err)
		return
	}

	payload, err := encodeRows(rows)
	if err != nil {
		c.logger.Warn(ctx, "cache: encode failed for %s: %v", key, err)
		return
	}
	if err := c.store.Set(ctx, key, payload, tables, ttl, fence); err != nil {
		c.logger.Warn(ctx, "cache: fill failed for %s: %v", key, err)
	}
}

func encodeRows(rows []Row) ([]byte, error) {
	return msgpack.Marshal(rows)
}

func decodeRows(payload []byte) ([]Row, error) {
	var rows []Row
	if err := msgpack.Unmarshal(payload, &rows); err != nil {
		return nil, err
	}
	if rows == nil {
		rows = make([]Row, 0)
	}
	return rows, nil
}
