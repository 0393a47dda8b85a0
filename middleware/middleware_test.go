package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/namansharma28/gravitas/apilog"
	"github.com/namansharma28/gravitas/monitor"
	"github.com/namansharma28/gravitas/ratelimit"
	"github.com/namansharma28/gravitas/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type (
	fakeClock struct {
		mu  sync.Mutex
		now time.Time
	}

	fixture struct {
		chain   *Chain
		limiter *ratelimit.Limiter
		monitor *monitor.Monitor
		calls   *apilog.Logger
		clock   *fakeClock
	}
)

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

func newFixture(t *testing.T, options ...Option) *fixture {
	t.Helper()

	var (
		reg   = prometheus.NewRegistry()
		clock = &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
		f     = &fixture{clock: clock}
	)

	f.limiter = ratelimit.NewLimiter(
		ratelimit.WithRegisterer(reg),
		ratelimit.WithClock(clock.Now),
	)
	f.monitor = monitor.NewMonitor(
		monitor.WithRegisterer(reg),
		monitor.WithClock(clock.Now),
	)
	f.calls = apilog.NewLogger(
		apilog.WithRegisterer(reg),
		apilog.WithClock(clock.Now),
	)

	options = append(
		[]Option{
			WithRegisterer(reg),
			WithClock(clock.Now),
		},
		options...,
	)
	f.chain = NewChain(f.limiter, f.monitor, f.calls, options...)

	return f
}

func do(t *testing.T, h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	if r == nil {
		r = httptest.NewRequest(http.MethodGet, "/api/things?page=2", nil)
		r.RemoteAddr = "203.0.113.7:41000"
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	return w
}

func statusHandler(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestChain_Wrap_Panic(t *testing.T) {
	f := newFixture(t)

	h := f.chain.Wrap(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			f.clock.Advance(15 * time.Millisecond)
			panic(errors.New("boom"))
		}),
		API("things.list"),
	)

	w := do(t, h, nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Internal server error", body["error"])
	assert.Equal(t, "boom", body["message"])
	assert.NotEmpty(t, body["requestId"])
	assert.Equal(t, body["requestId"], w.Header().Get("X-Request-ID"))

	entries := f.monitor.Entries(0)
	require.Len(t, entries, 1)
	assert.Equal(t, monitor.LevelError, entries[0].Level)
	assert.Equal(t, "boom", entries[0].Error)
	assert.NotEmpty(t, entries[0].Stack)
	assert.Equal(t, "things.list", entries[0].Context["route"])
	assert.Equal(t, int64(15), entries[0].Context["duration_ms"])
	assert.Equal(t, body["requestId"], entries[0].Context["requestId"])

	logs := f.calls.Logs(apilog.Filter{})
	require.Len(t, logs, 1)
	assert.Equal(t, http.StatusInternalServerError, logs[0].StatusCode)
	assert.Equal(t, "boom", logs[0].Error)
	assert.Equal(t, body["requestId"], logs[0].RequestID)
}

func TestChain_Wrap_PanicAfterWriteHeader(t *testing.T) {
	f := newFixture(t)

	h := f.chain.Wrap(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
			panic("late")
		}),
		API("things.create"),
	)

	w := do(t, h, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Equal(t, 1, f.monitor.Len())
}

func TestChain_Wrap_AbortHandler(t *testing.T) {
	f := newFixture(t)

	h := f.chain.Wrap(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic(http.ErrAbortHandler)
		}),
		API("things.abort"),
	)

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() { do(t, h, nil) })
}

func TestChain_Wrap_IdentifierFailsOpen(t *testing.T) {
	tests := []struct {
		name       string
		identifier IdentifierFunc
	}{
		{
			name: "error",
			identifier: func(*http.Request) (string, error) {
				return "", errors.New("bad header")
			},
		},
		{
			name: "panic",
			identifier: func(*http.Request) (string, error) {
				panic("bad header")
			},
		},
		{
			name: "empty",
			identifier: func(*http.Request) (string, error) {
				return "", nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, WithIdentifier(tt.identifier))
			o := Options{
				RouteName: "things.list",
				RateLimit: &ratelimit.Rate{Limit: 1, Window: time.Minute},
			}
			h := f.chain.Wrap(statusHandler(http.StatusOK), o)

			for range 3 {
				w := do(t, h, nil)
				assert.Equal(t, http.StatusOK, w.Code)
				assert.Equal(t, "ok", w.Body.String())
				assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
			}

			assert.Equal(
				t,
				float64(3),
				testutil.ToFloat64(f.chain.failOpenTotal.WithLabelValues("things.list")),
			)
		})
	}
}

func TestChain_Wrap_RateLimited(t *testing.T) {
	f := newFixture(t)
	o := Options{
		RouteName: "things.list",
		RateLimit: &ratelimit.Rate{Limit: 2, Window: time.Minute},
	}

	var calls int
	h := f.chain.Wrap(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusOK)
		}),
		o,
	)

	reset := f.clock.Now().Add(time.Minute).UTC().Format(time.RFC3339)

	w := do(t, h, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, reset, w.Header().Get("X-RateLimit-Reset"))

	do(t, h, nil)

	f.clock.Advance(20500 * time.Millisecond)

	w = do(t, h, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "40", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, reset, w.Header().Get("X-RateLimit-Reset"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var body rateLimitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Too many requests", body.Error)
	assert.Equal(t, "Rate limit exceeded. Try again in 40 seconds.", body.Message)
	assert.Equal(t, 40, body.RetryAfter)

	logs := f.calls.Logs(apilog.Filter{})
	require.Len(t, logs, 3)
	assert.Equal(t, http.StatusTooManyRequests, logs[2].StatusCode)
	assert.Equal(t, "203.0.113.7", logs[2].IP)
	assert.Zero(t, f.monitor.Len())

	assert.Equal(
		t,
		float64(1),
		testutil.ToFloat64(f.chain.outcomesTotal.WithLabelValues("things.list", "rate_limited")),
	)

	f.clock.Advance(40 * time.Second)

	w = do(t, h, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))
}

func TestChain_Wrap_RateLimitScopedByRoute(t *testing.T) {
	f := newFixture(t)
	rate := ratelimit.Rate{Limit: 1, Window: time.Minute}

	a := f.chain.Wrap(statusHandler(http.StatusOK), Options{RouteName: "a", RateLimit: &rate})
	b := f.chain.Wrap(statusHandler(http.StatusOK), Options{RouteName: "b", RateLimit: &rate})

	assert.Equal(t, http.StatusOK, do(t, a, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, b, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, a, nil).Code)
}

func TestChain_Wrap_Classification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		elapsed time.Duration
		level   monitor.Level
		message string
		outcome string
	}{
		{
			name:    "success",
			status:  http.StatusOK,
			outcome: "success",
		},
		{
			name:    "slow success",
			status:  http.StatusOK,
			elapsed: 1500 * time.Millisecond,
			level:   monitor.LevelWarn,
			message: "Slow request in things.list",
			outcome: "success",
		},
		{
			name:    "client error",
			status:  http.StatusNotFound,
			level:   monitor.LevelWarn,
			message: "Client error in things.list",
			outcome: "client_error",
		},
		{
			name:    "server error",
			status:  http.StatusServiceUnavailable,
			level:   monitor.LevelError,
			message: "Server error in things.list",
			outcome: "server_error",
		},
		{
			name:    "slow server error",
			status:  http.StatusBadGateway,
			elapsed: 3 * time.Second,
			level:   monitor.LevelError,
			message: "Server error in things.list",
			outcome: "server_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			h := f.chain.Wrap(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					f.clock.Advance(tt.elapsed)
					w.WriteHeader(tt.status)
				}),
				API("things.list"),
			)

			w := do(t, h, nil)
			assert.Equal(t, tt.status, w.Code)

			logs := f.calls.Logs(apilog.Filter{})
			require.Len(t, logs, 1)
			assert.Equal(t, tt.status, logs[0].StatusCode)
			assert.Equal(t, tt.elapsed.Milliseconds(), logs[0].DurationMS)

			entries := f.monitor.Entries(0)
			if tt.level == "" {
				assert.Empty(t, entries)
			} else {
				require.Len(t, entries, 1)
				assert.Equal(t, tt.level, entries[0].Level)
				assert.Equal(t, tt.message, entries[0].Message)
				assert.Equal(t, tt.status, entries[0].Context["status"])
			}

			assert.Equal(
				t,
				float64(1),
				testutil.ToFloat64(f.chain.outcomesTotal.WithLabelValues("things.list", tt.outcome)),
			)
		})
	}
}

func TestChain_Wrap_RequestID(t *testing.T) {
	t.Run("reused", func(t *testing.T) {
		f := newFixture(t)

		var seen string
		h := f.chain.Wrap(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestID(r.Context())
				w.WriteHeader(http.StatusNotFound)
			}),
			API("things.get"),
		)

		r := httptest.NewRequest(http.MethodGet, "/api/things/1", nil)
		r.Header.Set("X-Request-ID", "req-1")

		w := do(t, h, r)
		assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))
		assert.Equal(t, "req-1", seen)
		assert.Equal(t, "req-1", f.calls.Logs(apilog.Filter{})[0].RequestID)
		assert.Equal(t, "req-1", f.monitor.Entries(0)[0].Context["requestId"])
	})

	t.Run("minted", func(t *testing.T) {
		f := newFixture(t)
		h := f.chain.Wrap(statusHandler(http.StatusOK), API("things.get"))

		w1 := do(t, h, nil)
		w2 := do(t, h, nil)

		id := w1.Header().Get("X-Request-ID")
		assert.Len(t, id, 36)
		assert.NotEqual(t, id, w2.Header().Get("X-Request-ID"))
		assert.Equal(t, id, f.calls.Logs(apilog.Filter{})[0].RequestID)
	})
}

func TestChain_Wrap_Timeout(t *testing.T) {
	f := newFixture(t, WithDefaultTimeout(20*time.Millisecond))

	h := f.chain.Wrap(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
			_, _ = w.Write([]byte("too late"))
		}),
		API("things.slow"),
	)

	w := do(t, h, nil)
	require.Equal(t, http.StatusGatewayTimeout, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Request timeout", body["error"])
	assert.Equal(t, w.Header().Get("X-Request-ID"), body["requestId"])

	entries := f.monitor.Entries(0)
	require.Len(t, entries, 1)
	assert.Equal(t, ErrTimeout.Error(), entries[0].Error)

	require.Eventually(
		t,
		func() bool { return f.calls.Len() == 1 },
		time.Second,
		5*time.Millisecond,
	)
	assert.Equal(t, http.StatusGatewayTimeout, f.calls.Logs(apilog.Filter{})[0].StatusCode)
}

func TestChain_Wrap_TimeoutHandlerNeverReturns(t *testing.T) {
	f := newFixture(t, WithDefaultTimeout(20*time.Millisecond))

	var (
		release  = make(chan struct{})
		returned = make(chan struct{})
	)

	h := f.chain.Wrap(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer close(returned)
			<-release
			w.WriteHeader(http.StatusOK)
		}),
		API("things.stuck"),
	)

	w := do(t, h, nil)
	require.Equal(t, http.StatusGatewayTimeout, w.Code)

	logs := f.calls.Logs(apilog.Filter{})
	require.Len(t, logs, 1)
	assert.Equal(t, http.StatusGatewayTimeout, logs[0].StatusCode)
	assert.Equal(t, ErrTimeout.Error(), logs[0].Error)
	assert.Equal(t, w.Header().Get("X-Request-ID"), logs[0].RequestID)

	close(release)
	<-returned

	assert.Never(
		t,
		func() bool { return f.calls.Len() != 1 },
		50*time.Millisecond,
		5*time.Millisecond,
	)
}

func TestChain_Wrap_TimeoutNotReached(t *testing.T) {
	f := newFixture(t, WithDefaultTimeout(time.Second))

	h := f.chain.Wrap(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte("created"))
		}),
		API("things.create"),
	)

	w := do(t, h, nil)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "created", w.Body.String())
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
	assert.Equal(t, "100", w.Header().Get("X-RateLimit-Limit"))
	assert.Zero(t, f.monitor.Len())
}

func TestChain_Wrap_TimeoutDisabledPerRoute(t *testing.T) {
	f := newFixture(t, WithDefaultTimeout(10*time.Millisecond))

	o := API("things.export")
	o.Timeout = -1

	h := f.chain.Wrap(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(30 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		}),
		o,
	)

	assert.Equal(t, http.StatusOK, do(t, h, nil).Code)
}

func TestChain_Wrap_Skip(t *testing.T) {
	f := newFixture(t)

	o := API("things.list")
	o.SkipLogging = true
	w := do(t, f.chain.Wrap(statusHandler(http.StatusOK), o), nil)
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Limit"))
	assert.Zero(t, f.calls.Len())

	w = do(t, f.chain.Wrap(statusHandler(http.StatusOK), NoRateLimit("things.list")), nil)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, 1, f.calls.Len())
}

func TestChain_Wrap_UserID(t *testing.T) {
	lookup := session.LookupFunc(func(r *http.Request) (string, error) {
		if r.Header.Get("Authorization") == "" {
			return "", nil
		}

		return "42", nil
	})

	t.Run("session", func(t *testing.T) {
		f := newFixture(t, WithSessionLookup(lookup))
		h := f.chain.Wrap(statusHandler(http.StatusOK), API("me"))

		r := httptest.NewRequest(http.MethodGet, "/api/me", nil)
		r.Header.Set("Authorization", "Bearer x")
		do(t, h, r)
		do(t, h, nil)

		logs := f.calls.Logs(apilog.Filter{})
		require.Len(t, logs, 2)
		assert.Equal(t, "42", logs[0].UserID)
		assert.Empty(t, logs[1].UserID)
	})

	t.Run("session error", func(t *testing.T) {
		f := newFixture(
			t,
			WithSessionLookup(session.LookupFunc(func(*http.Request) (string, error) {
				return "", session.ErrInvalidToken
			})),
		)
		h := f.chain.Wrap(statusHandler(http.StatusOK), API("me"))

		assert.Equal(t, http.StatusOK, do(t, h, nil).Code)
		assert.Empty(t, f.calls.Logs(apilog.Filter{})[0].UserID)
	})

	t.Run("option", func(t *testing.T) {
		f := newFixture(t, WithSessionLookup(lookup))

		o := API("me")
		o.UserID = func(*http.Request) (string, error) { return "7", nil }
		do(t, f.chain.Wrap(statusHandler(http.StatusOK), o), nil)

		o.UserID = func(*http.Request) (string, error) { panic("nope") }
		w := do(t, f.chain.Wrap(statusHandler(http.StatusOK), o), nil)
		assert.Equal(t, http.StatusOK, w.Code)

		logs := f.calls.Logs(apilog.Filter{})
		require.Len(t, logs, 2)
		assert.Equal(t, "7", logs[0].UserID)
		assert.Empty(t, logs[1].UserID)
	})
}

func TestChain_Wrap_NilCollaborators(t *testing.T) {
	c := NewChain(nil, nil, nil, WithRegisterer(prometheus.NewRegistry()))

	w := do(t, c.Wrap(statusHandler(http.StatusTeapot), API("tea")), nil)
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestPresets(t *testing.T) {
	tests := []struct {
		options Options
		rate    ratelimit.Rate
	}{
		{Auth("login"), ratelimit.Rate{Limit: 5, Window: 15 * time.Minute}},
		{Upload("upload"), ratelimit.Rate{Limit: 10, Window: time.Minute}},
		{Admin("admin"), ratelimit.Rate{Limit: 50, Window: time.Minute}},
		{API("api"), ratelimit.Rate{Limit: 100, Window: time.Minute}},
		{Public("public"), ratelimit.Rate{Limit: 200, Window: time.Minute}},
	}

	for _, tt := range tests {
		t.Run(tt.options.RouteName, func(t *testing.T) {
			require.NotNil(t, tt.options.RateLimit)
			assert.Equal(t, tt.rate, *tt.options.RateLimit)
			assert.False(t, tt.options.SkipRateLimit)
		})
	}

	o := NoRateLimit("health")
	assert.Equal(t, "health", o.RouteName)
	assert.True(t, o.SkipRateLimit)
	assert.Nil(t, o.RateLimit)
}

func TestChain_Wrap_AuthPreset(t *testing.T) {
	f := newFixture(t)
	h := f.chain.Wrap(statusHandler(http.StatusOK), Auth("login"))

	for range 5 {
		assert.Equal(t, http.StatusOK, do(t, h, nil).Code)
	}

	w := do(t, h, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "900", w.Header().Get("Retry-After"))
}
