package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisEntryPrefix = "grove:q:"
	redisTagPrefix   = "grove:tag:"
	redisGenKey      = "grove:gen"
)

// redisSetScript fills an entry and tags it, unless the generation
// moved past the fence in the meantime.
var redisSetScript = redis.NewScript(`
local gen = tonumber(redis.call('GET', KEYS[1]) or '0')
if gen ~= tonumber(ARGV[1]) then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[2], ARGV[2])
end
for i = 3, #KEYS do
  redis.call('SADD', KEYS[i], KEYS[2])
end
return 1
`)

// redisInvalidateScript advances the generation and drops every tagged
// entry in one atomic step. A concurrent fill either landed before the
// script, where the tag sets still reach it, or runs after and fails
// its fence in redisSetScript. KEYS[1] is the generation counter, the
// rest are tag sets.
var redisInvalidateScript = redis.NewScript(`
redis.call('INCR', KEYS[1])
for i = 2, #KEYS do
  local members = redis.call('SMEMBERS', KEYS[i])
  for _, key in ipairs(members) do
    redis.call('DEL', key)
  end
  redis.call('DEL', KEYS[i])
end
return 1
`)

// RedisStore keeps entries in Redis, tagging each one into a set per
// table so invalidation can drop exactly the affected keys. A global
// generation counter backs the fill fence.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps a connected client. The store only touches keys
// under the grove: prefix.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	payload, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return payload, nil
}

func (s *RedisStore) Fence(ctx context.Context) (uint64, error) {
	gen, err := s.client.Get(ctx, redisGenKey).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable(err)
	}
	return gen, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, payload []byte, tables []string, ttl time.Duration, fence uint64) error {
	keys := make([]string, 0, len(tables)+2)
	keys = append(keys, redisGenKey, key)
	if len(tables) == 0 {
		keys = append(keys, tagKey(""))
	}
	for _, table := range tables {
		keys = append(keys, tagKey(table))
	}

	err := redisSetScript.Run(ctx, s.client, keys, fence, payload, ttl.Milliseconds()).Err()
	if err != nil && err != redis.Nil {
		return unavailable(err)
	}
	return nil
}

// Invalidate moves the generation and drops the members of each
// table's tag set plus every untagged entry, atomically. The
// generation moves before any collection, so no fill can slip between
// the two and leave a stale entry the tag sets no longer reach.
func (s *RedisStore) Invalidate(ctx context.Context, tables ...string) error {
	keys := make([]string, 0, len(tables)+2)
	keys = append(keys, redisGenKey)
	for _, table := range tables {
		keys = append(keys, tagKey(table))
	}
	keys = append(keys, tagKey(""))

	if err := redisInvalidateScript.Run(ctx, s.client, keys).Err(); err != nil && err != redis.Nil {
		return unavailable(err)
	}
	return nil
}

// Flush walks the store's key space and deletes it. The generation
// moves first so fills fenced before the flush cannot land mid-walk.
func (s *RedisStore) Flush(ctx context.Context) error {
	if err := s.client.Incr(ctx, redisGenKey).Err(); err != nil {
		return unavailable(err)
	}

	for _, pattern := range []string{redisEntryPrefix + "*", redisTagPrefix + "*"} {
		iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
		keys := make([]string, 0, 100)
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
			if len(keys) == cap(keys) {
				if err := s.client.Del(ctx, keys...).Err(); err != nil {
					return unavailable(err)
				}
				keys = keys[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return unavailable(err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return unavailable(err)
			}
		}
	}
	return nil
}

func tagKey(table string) string {
	return redisTagPrefix + table
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
