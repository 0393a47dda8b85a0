package applog

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/namansharma28/gravitas/log"
	"github.com/namansharma28/gravitas/monitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFacade(production bool) (*Logger, *monitor.Monitor, *bytes.Buffer) {
	var buf bytes.Buffer

	m := monitor.NewMonitor(monitor.WithRegisterer(prometheus.NewRegistry()))
	l := NewLogger(
		m,
		WithProduction(production),
		WithLogger(log.NewLogger(log.WithOutput(&buf), log.WithLevel(log.LevelDebug))),
	)

	return l, m, &buf
}

func levels(m *monitor.Monitor) []monitor.Level {
	var out []monitor.Level
	for _, e := range m.Entries(0) {
		out = append(out, e.Level)
	}

	return out
}

func TestLogger_ForwardingPolicy(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		log         func(l *Logger)
		development []monitor.Level
		production  []monitor.Level
	}{
		{
			name: "debug",
			log:  func(l *Logger) { l.Debug(ctx, "x", nil) },
		},
		{
			name:       "info",
			log:        func(l *Logger) { l.Info(ctx, "x", nil) },
			production: []monitor.Level{monitor.LevelInfo},
		},
		{
			name:        "warn",
			log:         func(l *Logger) { l.Warn(ctx, "x", nil) },
			development: []monitor.Level{monitor.LevelWarn},
			production:  []monitor.Level{monitor.LevelWarn},
		},
		{
			name:        "error",
			log:         func(l *Logger) { l.Error(ctx, "x", errors.New("y"), nil) },
			development: []monitor.Level{monitor.LevelError},
			production:  []monitor.Level{monitor.LevelError},
		},
		{
			name: "success",
			log:  func(l *Logger) { l.Success(ctx, "x", nil) },
		},
		{
			name: "fast perf",
			log:  func(l *Logger) { l.Perf(ctx, "render", 10*time.Millisecond, nil) },
		},
		{
			name:        "slow perf",
			log:         func(l *Logger) { l.Perf(ctx, "render", 1500*time.Millisecond, nil) },
			development: []monitor.Level{monitor.LevelWarn},
			production:  []monitor.Level{monitor.LevelWarn},
		},
		{
			name: "perf at threshold",
			log:  func(l *Logger) { l.Perf(ctx, "render", time.Second, nil) },
		},
		{
			name: "fast db",
			log:  func(l *Logger) { l.DB(ctx, "select", 5*time.Millisecond, nil) },
		},
		{
			name:        "slow db",
			log:         func(l *Logger) { l.DB(ctx, "select", 2*time.Second, nil) },
			development: []monitor.Level{monitor.LevelWarn},
			production:  []monitor.Level{monitor.LevelWarn},
		},
		{
			name:       "auth",
			log:        func(l *Logger) { l.Auth(ctx, "signed in", "42", nil) },
			production: []monitor.Level{monitor.LevelInfo},
		},
		{
			name: "api",
			log:  func(l *Logger) { l.API(ctx, "GET", "/x", 500, 3*time.Second) },
		},
		{
			name: "cache",
			log:  func(l *Logger) { l.Cache(ctx, "get", "k", false) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, m, _ := newTestFacade(false)
			tt.log(l)
			assert.Equal(t, tt.development, levels(m), "development")

			l, m, _ = newTestFacade(true)
			tt.log(l)
			assert.Equal(t, tt.production, levels(m), "production")
		})
	}
}

func TestLogger_ProductionSilencesVerboseChannels(t *testing.T) {
	ctx := context.Background()

	l, _, buf := newTestFacade(true)
	l.Debug(ctx, "debug line", nil)
	l.Success(ctx, "success line", nil)
	assert.Empty(t, buf.String())

	l, _, buf = newTestFacade(false)
	l.Debug(ctx, "debug line", nil)
	l.Success(ctx, "success line", nil)
	assert.Contains(t, buf.String(), "debug line")
	assert.Contains(t, buf.String(), "success line")
}

func TestLogger_SlowForwardCarriesContext(t *testing.T) {
	l, m, _ := newTestFacade(false)

	l.DB(context.Background(), "select users", 1200*time.Millisecond, map[string]any{"table": "users"})

	entries := m.Entries(0)
	require.Len(t, entries, 1)
	assert.Equal(t, "slow db: select users", entries[0].Message)
	assert.Equal(t, "users", entries[0].Context["table"])
	assert.Equal(t, int64(1200), entries[0].Context["duration_ms"])
}

func TestLogger_ForwardedEventsPrintOnce(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		production bool
		log        func(l *Logger)
		message    string
	}{
		{
			name:    "warn",
			log:     func(l *Logger) { l.Warn(ctx, "disk almost full", nil) },
			message: "disk almost full",
		},
		{
			name:    "error",
			log:     func(l *Logger) { l.Error(ctx, "payment failed", errors.New("declined"), nil) },
			message: "payment failed",
		},
		{
			name:    "slow perf",
			log:     func(l *Logger) { l.Perf(ctx, "render", 2*time.Second, nil) },
			message: "slow perf: render",
		},
		{
			name:       "info",
			production: true,
			log:        func(l *Logger) { l.Info(ctx, "cache warmed", nil) },
			message:    "cache warmed",
		},
		{
			name:       "auth",
			production: true,
			log:        func(l *Logger) { l.Auth(ctx, "signed in", "42", nil) },
			message:    "signed in",
		},
		{
			name:    "info not forwarded",
			log:     func(l *Logger) { l.Info(ctx, "cache warmed", nil) },
			message: "cache warmed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				buf    bytes.Buffer
				logger = log.NewLogger(log.WithOutput(&buf), log.WithLevel(log.LevelDebug))
				m      = monitor.NewMonitor(
					monitor.WithRegisterer(prometheus.NewRegistry()),
					monitor.WithLogger(logger),
				)
				l = NewLogger(m, WithProduction(tt.production), WithLogger(logger))
			)

			tt.log(l)

			assert.Equal(t, 1, strings.Count(buf.String(), tt.message), buf.String())
		})
	}
}

func TestLogger_WithoutMonitor(t *testing.T) {
	l := NewLogger(nil, WithProduction(true))

	assert.NotPanics(t, func() {
		ctx := context.Background()
		l.Info(ctx, "x", nil)
		l.Warn(ctx, "x", nil)
		l.Error(ctx, "x", nil, nil)
		l.Perf(ctx, "x", time.Hour, nil)
		l.Auth(ctx, "x", "1", nil)
	})
}
