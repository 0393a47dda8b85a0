package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// RedisStore shares windows between processes. Each window is a
	// counter key whose TTL is the window length, so Redis expires
	// windows on its own.
	RedisStore struct {
		client redis.UniversalClient
		prefix string
	}

	RedisStoreOption func(*RedisStore)
)

var (
	_ Store = (*RedisStore)(nil)

	// KEYS[1] window key, ARGV[1] limit, ARGV[2] window in ms.
	// Returns {count, ttl_ms, allowed}.
	takeScript = redis.NewScript(`
local count = redis.call("GET", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if not count or ttl < 0 then
  redis.call("SET", KEYS[1], 1, "PX", ARGV[2])
  return {1, tonumber(ARGV[2]), 1}
end
count = tonumber(count)
if count < tonumber(ARGV[1]) then
  count = redis.call("INCR", KEYS[1])
  return {count, ttl, 1}
end
return {count, ttl, 0}
`)
)

func WithRedisPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.prefix = strings.TrimSuffix(prefix, ":")
	}
}

func NewRedisStore(client redis.UniversalClient, options ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "ratelimit",
	}

	for _, o := range options {
		o(s)
	}

	return s
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

func (s *RedisStore) Take(ctx context.Context, key string, rate Rate, now time.Time) (Window, bool, error) {
	res, err := takeScript.Run(
		ctx,
		s.client,
		[]string{s.key(key)},
		rate.Limit,
		rate.Window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Window{}, false, fmt.Errorf("cannot run take script: %w", err)
	}

	if len(res) != 3 {
		return Window{}, false, fmt.Errorf("unexpected take script reply %v", res)
	}

	w := Window{
		Count:   int(res[0]),
		ResetAt: now.Add(time.Duration(res[1]) * time.Millisecond),
	}

	return w, res[2] == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("cannot delete window: %w", err)
	}

	return nil
}

// DeleteExpired is a no-op, windows carry a TTL.
func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}
