package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Ping(context.Background()).Err())

	return NewRedisStore(client, WithRedisPrefix("ratelimit-test:"))
}

func TestRedisStore(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()
	key := t.Name() + time.Now().Format(time.RFC3339Nano)
	rate := Rate{Limit: 2, Window: time.Minute}
	now := time.Now()

	t.Cleanup(func() { _ = store.Delete(ctx, key) })

	w, allowed, err := store.Take(ctx, key, rate, now)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 1, w.Count)
	assert.WithinDuration(t, now.Add(time.Minute), w.ResetAt, time.Second)

	w, allowed, err = store.Take(ctx, key, rate, now)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 2, w.Count)

	_, allowed, err = store.Take(ctx, key, rate, now)
	require.NoError(t, err)
	assert.False(t, allowed)

	require.NoError(t, store.Delete(ctx, key))

	w, allowed, err = store.Take(ctx, key, rate, now)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 1, w.Count)
}

func TestRedisStore_Key(t *testing.T) {
	store := NewRedisStore(nil, WithRedisPrefix("limits:"))
	assert.Equal(t, "limits:ip:1.2.3.4", store.key("ip:1.2.3.4"))

	store = NewRedisStore(nil)
	assert.Equal(t, "ratelimit:ip:1.2.3.4", store.key("ip:1.2.3.4"))
}
