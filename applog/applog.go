// Package applog is the leveled logging facade application code calls
// directly. Every channel writes to the console logger; only
// actionable or anomalous events are forwarded to the error monitor.
//
//	| channel | console          | forwarded                    |
//	|---------|------------------|------------------------------|
//	| debug   | outside prod     | never                        |
//	| info    | always           | as info, in production       |
//	| warn    | always           | as warning                   |
//	| error   | always           | as error                     |
//	| success | outside prod     | never                        |
//	| perf    | always           | as warning, when slow        |
//	| api     | always           | never                        |
//	| auth    | always           | as info, in production       |
//	| db      | always           | as warning, when slow        |
//	| cache   | always           | never                        |
package applog

import (
	"context"
	"fmt"
	"io"
	"maps"
	"time"

	"github.com/namansharma28/gravitas/log"
	"github.com/namansharma28/gravitas/monitor"
)

type (
	Option func(l *Logger)

	Logger struct {
		logger        *log.Logger
		monitor       *monitor.Monitor
		production    bool
		slowThreshold time.Duration
	}
)

// DefaultSlowThreshold is the duration above which perf and db events
// are forwarded as warnings.
const DefaultSlowThreshold = time.Second

func WithLogger(l *log.Logger) Option {
	return func(al *Logger) {
		al.logger = l.Named("app")
	}
}

// WithProduction switches to production behavior: debug and success
// are silenced, info and auth are forwarded.
func WithProduction(production bool) Option {
	return func(l *Logger) {
		l.production = production
	}
}

func WithSlowThreshold(d time.Duration) Option {
	return func(l *Logger) {
		l.slowThreshold = d
	}
}

// NewLogger returns a facade forwarding to m. A nil m keeps every
// channel console only.
func NewLogger(m *monitor.Monitor, options ...Option) *Logger {
	l := &Logger{
		logger:        log.NewLogger(log.WithOutput(io.Discard)),
		monitor:       m,
		slowThreshold: DefaultSlowThreshold,
	}

	for _, o := range options {
		o(l)
	}

	return l
}

func (l *Logger) Debug(ctx context.Context, msg string, fields map[string]any) {
	if l.production {
		return
	}

	l.logger.DebugCtx(ctx, msg, log.Fields(fields)...)
}

// Info, like every forwarding channel, writes to the console either
// directly or through the monitor, never both.
func (l *Logger) Info(ctx context.Context, msg string, fields map[string]any) {
	if l.production && l.monitor != nil {
		l.monitor.LogInfo(ctx, msg, fields)
		return
	}

	l.logger.InfoCtx(ctx, msg, log.Fields(fields)...)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields map[string]any) {
	if l.monitor != nil {
		l.monitor.LogWarning(ctx, msg, fields)
		return
	}

	l.logger.WarnCtx(ctx, msg, log.Fields(fields)...)
}

func (l *Logger) Error(ctx context.Context, msg string, err error, fields map[string]any) {
	if l.monitor != nil {
		l.monitor.LogError(ctx, msg, err, fields)
		return
	}

	attrs := log.Fields(fields)
	if err != nil {
		attrs = append(attrs, log.Error(err))
	}

	l.logger.ErrorCtx(ctx, msg, attrs...)
}

func (l *Logger) Success(ctx context.Context, msg string, fields map[string]any) {
	if l.production {
		return
	}

	l.logger.InfoCtx(ctx, msg, append(log.Fields(fields), log.Bool("success", true))...)
}

// Perf reports how long operation took.
func (l *Logger) Perf(ctx context.Context, operation string, d time.Duration, fields map[string]any) {
	l.timed(ctx, "perf", operation, d, fields)
}

// DB reports how long a database operation took.
func (l *Logger) DB(ctx context.Context, operation string, d time.Duration, fields map[string]any) {
	l.timed(ctx, "db", operation, d, fields)
}

func (l *Logger) API(ctx context.Context, method, path string, status int, d time.Duration) {
	l.logger.InfoCtx(
		ctx,
		fmt.Sprintf("%s %s %d %s", method, path, status, d),
		log.String("channel", "api"),
		log.Int("status_code", status),
		log.Int64("duration_ms", d.Milliseconds()),
	)
}

// Auth records a security relevant event such as a sign in.
func (l *Logger) Auth(ctx context.Context, event, userID string, fields map[string]any) {
	fields = with(fields, map[string]any{"channel": "auth", "user_id": userID})

	if l.production && l.monitor != nil {
		l.monitor.LogInfo(ctx, event, fields)
		return
	}

	l.logger.InfoCtx(ctx, event, log.Fields(fields)...)
}

func (l *Logger) Cache(ctx context.Context, operation, key string, hit bool) {
	l.logger.DebugCtx(
		ctx,
		"cache "+operation,
		log.String("channel", "cache"),
		log.String("key", key),
		log.Bool("hit", hit),
	)
}

func (l *Logger) timed(ctx context.Context, channel, operation string, d time.Duration, fields map[string]any) {
	fields = with(fields, map[string]any{
		"channel":     channel,
		"duration_ms": d.Milliseconds(),
	})

	if d <= l.slowThreshold {
		l.logger.InfoCtx(ctx, operation, log.Fields(fields)...)
		return
	}

	msg := fmt.Sprintf("slow %s: %s", channel, operation)
	if l.monitor != nil {
		l.monitor.LogWarning(ctx, msg, fields)
		return
	}

	l.logger.WarnCtx(ctx, msg, log.Fields(fields)...)
}

func with(fields, extra map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+len(extra))
	maps.Copy(out, fields)
	maps.Copy(out, extra)

	return out
}
