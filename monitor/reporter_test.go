package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestParseDSN(t *testing.T) {
	tests := []struct {
		name     string
		dsn      string
		endpoint string
		key      string
		wantErr  bool
	}{
		{
			name:     "https",
			dsn:      "https://abc123@errors.example.com/42",
			endpoint: "https://errors.example.com/api/42/events",
			key:      "abc123",
		},
		{
			name:     "with port",
			dsn:      "http://key@localhost:9000/project",
			endpoint: "http://localhost:9000/api/project/events",
			key:      "key",
		},
		{name: "missing key", dsn: "https://errors.example.com/42", wantErr: true},
		{name: "missing project", dsn: "https://k@errors.example.com", wantErr: true},
		{name: "nested project", dsn: "https://k@errors.example.com/a/b", wantErr: true},
		{name: "bad scheme", dsn: "ftp://k@errors.example.com/1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoint, key, err := ParseDSN(tt.dsn)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDSN)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.endpoint, endpoint)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestReporterFromDSN_Empty(t *testing.T) {
	r, err := ReporterFromDSN("  ")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestHTTPReporter_Delivery(t *testing.T) {
	var (
		mu     sync.Mutex
		events []Event
		auth   []string
		paths  []string
	)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e Event
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		mu.Lock()
		events = append(events, e)
		auth = append(auth, r.Header.Get("Authorization"))
		paths = append(paths, r.URL.Path)
		mu.Unlock()

		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	dsn := strings.Replace(ts.URL, "http://", "http://secret@", 1) + "/7"
	r, err := NewHTTPReporter(
		dsn,
		WithHTTPClient(ts.Client()),
		WithEnvironment("test"),
		WithRelease("1.2.3"),
		WithDeliveryRate(rate.Inf, 1),
	)
	require.NoError(t, err)

	ctx := context.Background()
	r.SetUser(ctx, &User{ID: "42"})
	r.CaptureException(ctx, errors.New("boom"), map[string]any{"message": "handler failed", "route": "pay"})
	r.SetUser(ctx, nil)
	r.CaptureMessage(ctx, "slow request", LevelWarn, nil)

	require.NoError(t, r.Close(ctx))

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, events, 2)
	assert.Equal(t, []string{"Bearer secret", "Bearer secret"}, auth)
	assert.Equal(t, "/api/7/events", paths[0])

	exc := events[0]
	assert.Equal(t, LevelError, exc.Level)
	assert.Equal(t, "handler failed", exc.Message)
	require.NotNil(t, exc.Exception)
	assert.Equal(t, "boom", exc.Exception.Value)
	require.NotNil(t, exc.User)
	assert.Equal(t, "42", exc.User.ID)
	assert.Equal(t, "test", exc.Environment)
	assert.Equal(t, "1.2.3", exc.Release)
	assert.NotEmpty(t, exc.ID)

	msg := events[1]
	assert.Equal(t, LevelWarn, msg.Level)
	assert.Equal(t, "slow request", msg.Message)
	assert.Nil(t, msg.User)
}

func TestHTTPReporter_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer ts.Close()

	dsn := strings.Replace(ts.URL, "http://", "http://k@", 1) + "/1"
	r, err := NewHTTPReporter(dsn, WithHTTPClient(ts.Client()), WithQueueSize(1))
	require.NoError(t, err)

	ctx := context.Background()
	for range 10 {
		r.CaptureMessage(ctx, "x", LevelWarn, nil)
	}

	assert.Positive(t, r.Dropped())

	close(release)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(closeCtx))

	// Events sent after Close are dropped.
	before := r.Dropped()
	r.CaptureMessage(ctx, "late", LevelWarn, nil)
	assert.Equal(t, before+1, r.Dropped())
}

func TestHTTPReporter_FailuresAreSwallowed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	dsn := strings.Replace(ts.URL, "http://", "http://k@", 1) + "/1"
	r, err := NewHTTPReporter(dsn, WithHTTPClient(ts.Client()))
	require.NoError(t, err)

	m := NewMonitor(WithReporter(r))
	assert.NotPanics(t, func() {
		m.LogError(context.Background(), "x", errors.New("y"), nil)
	})

	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, 1, m.Len())
}

func TestHTTPReporter_CallerKeepsFields(t *testing.T) {
	var (
		mu     sync.Mutex
		events []Event
	)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e Event
		_ = json.NewDecoder(r.Body).Decode(&e)

		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}))
	defer ts.Close()

	dsn := strings.Replace(ts.URL, "http://", "http://k@", 1) + "/1"
	r, err := NewHTTPReporter(
		dsn,
		WithHTTPClient(ts.Client()),
		WithDeliveryRate(rate.Inf, 1),
		WithQueueSize(500),
	)
	require.NoError(t, err)

	var (
		ctx    = context.Background()
		m      = NewMonitor(WithReporter(r))
		fields = map[string]any{"n": 0}
	)

	for i := range 200 {
		m.LogWarning(ctx, "warn", fields)
		fields["n"] = i + 1
	}

	for i := range 50 {
		r.CaptureMessage(ctx, "direct", LevelWarn, fields)
		fields["n"] = -i
	}

	require.NoError(t, r.Close(ctx))

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, events, 250)
	assert.EqualValues(t, 0, events[0].Extra["n"])
	assert.EqualValues(t, 200, events[200].Extra["n"])
}
