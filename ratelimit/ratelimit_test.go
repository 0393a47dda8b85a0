package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, clock *fakeClock, options ...Option) *Limiter {
	t.Helper()

	options = append(
		[]Option{
			WithRegisterer(prometheus.NewRegistry()),
			WithClock(clock.Now),
		},
		options...,
	)

	return NewLimiter(options...)
}

func TestLimiter_Check_Window(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(t, clock)
	rate := Rate{Limit: 3, Window: time.Second}
	ctx := context.Background()
	start := clock.Now()

	var (
		allowed   []bool
		remaining []int
	)

	for range 4 {
		res, err := limiter.Check(ctx, "x", rate)
		require.NoError(t, err)

		allowed = append(allowed, res.Allowed)
		remaining = append(remaining, res.Remaining)
		assert.Equal(t, 3, res.Limit)
		assert.Equal(t, start.Add(time.Second), res.ResetAt)

		clock.Advance(100 * time.Millisecond)
	}

	assert.Equal(t, []bool{true, true, true, false}, allowed)
	assert.Equal(t, []int{2, 1, 0, 0}, remaining)
}

func TestLimiter_Check_RejectionKeepsWindow(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(t, clock)
	rate := Rate{Limit: 1, Window: time.Minute}
	ctx := context.Background()

	first, err := limiter.Check(ctx, "x", rate)
	require.NoError(t, err)
	require.True(t, first.Allowed)

	clock.Advance(30 * time.Second)

	second, err := limiter.Check(ctx, "x", rate)
	require.NoError(t, err)
	assert.False(t, second.Allowed)
	assert.Equal(t, first.ResetAt, second.ResetAt)
}

func TestLimiter_Check_WindowReset(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(t, clock)
	rate := Rate{Limit: 3, Window: time.Second}
	ctx := context.Background()

	var last *Result
	for range 4 {
		res, err := limiter.Check(ctx, "x", rate)
		require.NoError(t, err)
		last = res
	}
	require.False(t, last.Allowed)

	clock.Advance(last.ResetAt.Sub(clock.Now()) + time.Millisecond)

	res, err := limiter.Check(ctx, "x", rate)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, clock.Now().Add(time.Second), res.ResetAt)
}

func TestLimiter_Check_ResetAtBoundary(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(t, clock)
	rate := Rate{Limit: 1, Window: time.Second}
	ctx := context.Background()

	_, err := limiter.Check(ctx, "x", rate)
	require.NoError(t, err)

	// A window whose reset time equals now is expired.
	clock.Advance(time.Second)

	res, err := limiter.Check(ctx, "x", rate)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLimiter_Check_IdentifierIsolation(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(t, clock)
	rate := Rate{Limit: 2, Window: time.Minute}
	ctx := context.Background()

	for range 2 {
		res, err := limiter.Check(ctx, "a", rate)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := limiter.Check(ctx, "a", rate)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = limiter.Check(ctx, "b", rate)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)
}

func TestLimiter_Check_InvalidRate(t *testing.T) {
	limiter := newTestLimiter(t, newFakeClock())

	tests := []struct {
		name string
		rate Rate
	}{
		{"zero limit", Rate{Limit: 0, Window: time.Second}},
		{"negative limit", Rate{Limit: -1, Window: time.Second}},
		{"zero window", Rate{Limit: 1, Window: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := limiter.Check(context.Background(), "x", tt.rate)
			assert.ErrorIs(t, err, ErrInvalidRate)
		})
	}
}

type failingStore struct {
	MemoryStore
}

func (*failingStore) Take(context.Context, string, Rate, time.Time) (Window, bool, error) {
	return Window{}, false, errors.New("store unavailable")
}

func TestLimiter_Check_StoreError(t *testing.T) {
	limiter := newTestLimiter(t, newFakeClock(), WithStore(&failingStore{}))

	res, err := limiter.Check(context.Background(), "x", Rate{Limit: 1, Window: time.Second})
	assert.Nil(t, res)
	assert.ErrorContains(t, err, "store unavailable")
}

func TestLimiter_Reset(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(t, clock)
	rate := Rate{Limit: 1, Window: time.Minute}
	ctx := context.Background()

	t.Run("unknown identifier", func(t *testing.T) {
		assert.NoError(t, limiter.Reset(ctx, "nobody"))
	})

	t.Run("existing identifier", func(t *testing.T) {
		_, err := limiter.Check(ctx, "x", rate)
		require.NoError(t, err)

		res, err := limiter.Check(ctx, "x", rate)
		require.NoError(t, err)
		require.False(t, res.Allowed)

		require.NoError(t, limiter.Reset(ctx, "x"))

		res, err = limiter.Check(ctx, "x", rate)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 0, res.Remaining)
	})
}

func TestLimiter_Cleanup(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	limiter := newTestLimiter(t, clock, WithStore(store))
	ctx := context.Background()

	_, err := limiter.Check(ctx, "short", Rate{Limit: 1, Window: time.Second})
	require.NoError(t, err)
	_, err = limiter.Check(ctx, "long", Rate{Limit: 1, Window: time.Hour})
	require.NoError(t, err)
	require.Equal(t, 2, store.Len())

	clock.Advance(2 * time.Second)

	deleted, err := limiter.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, 1, store.Len())
}

func TestLimiter_StartCleanup(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	limiter := newTestLimiter(
		t,
		clock,
		WithStore(store),
		WithCleanupInterval(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := limiter.Check(ctx, "x", Rate{Limit: 1, Window: time.Second})
	require.NoError(t, err)

	clock.Advance(time.Minute)

	limiter.StartCleanup(ctx)
	limiter.StartCleanup(ctx)

	assert.Eventually(
		t,
		func() bool { return store.Len() == 0 },
		time.Second,
		5*time.Millisecond,
	)
}

func TestLimiter_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	limiter := NewLimiter(WithRegisterer(registry))
	rate := Rate{Limit: 1, Window: time.Minute}
	ctx := context.Background()

	for range 3 {
		_, err := limiter.Check(ctx, "x", rate)
		require.NoError(t, err)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(limiter.requestsTotal.WithLabelValues("true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(limiter.requestsTotal.WithLabelValues("false")))

	// Registering twice reuses the existing collectors.
	other := NewLimiter(WithRegisterer(registry))
	assert.Same(t, limiter.requestsTotal, other.requestsTotal)
}

func TestLimiter_Check_Concurrent(t *testing.T) {
	limiter := NewLimiter(WithRegisterer(prometheus.NewRegistry()))
	rate := Rate{Limit: 50, Window: time.Hour}
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)

	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			res, err := limiter.Check(ctx, "shared", rate)
			if err != nil || !res.Allowed {
				return
			}

			mu.Lock()
			allowed++
			mu.Unlock()
		}()
	}

	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestRate_String(t *testing.T) {
	assert.Equal(t, "5/15m0s", Rate{Limit: 5, Window: 15 * time.Minute}.String())
}
