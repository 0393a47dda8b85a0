// Copyright (c) 2026.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package monitor collects application errors, warnings and
// informational events in a bounded in-memory buffer and forwards the
// actionable ones to an optional error tracking Reporter.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"
	"time"

	"github.com/namansharma28/gravitas/internal/otelutils"
	"github.com/namansharma28/gravitas/internal/ring"
	"github.com/namansharma28/gravitas/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option configures the Monitor during initialization.
	Option func(m *Monitor)

	// Level is the severity of an Entry.
	Level string

	// Entry is one logged event. Entries are never mutated once
	// appended.
	Entry struct {
		Timestamp time.Time      `json:"timestamp"`
		Level     Level          `json:"level"`
		Message   string         `json:"message"`
		Error     string         `json:"error,omitempty"`
		Stack     string         `json:"stack,omitempty"`
		Context   map[string]any `json:"context,omitempty"`
	}

	// WindowStats counts entries over a trailing window.
	WindowStats struct {
		Total    int `json:"total"`
		Errors   int `json:"errors"`
		Warnings int `json:"warnings"`
	}

	// Stats summarizes the retained entries.
	Stats struct {
		Total    int         `json:"total"`
		LastHour WindowStats `json:"lastHour"`
		LastDay  WindowStats `json:"lastDay"`
	}

	// User identifies the authenticated user errors are attributed
	// to.
	User struct {
		ID       string `json:"id"`
		Email    string `json:"email,omitempty"`
		Username string `json:"username,omitempty"`
	}

	// Monitor is safe for concurrent use.
	Monitor struct {
		mu       sync.Mutex
		entries  *ring.Buffer[Entry]
		reporter Reporter
		logger   *log.Logger
		now      func() time.Time

		maxEntries   int
		entriesTotal *prometheus.CounterVec
	}

	stackTracer interface {
		Stack() string
	}
)

const (
	LevelError Level = "error"
	LevelWarn  Level = "warn"
	LevelInfo  Level = "info"

	// DefaultMaxEntries is the number of entries retained when
	// WithMaxEntries is not used.
	DefaultMaxEntries = 1000
)

// WithMaxEntries bounds the number of retained entries. The oldest
// entry is evicted first.
func WithMaxEntries(n int) Option {
	return func(m *Monitor) {
		m.maxEntries = n
	}
}

// WithReporter forwards errors and warnings to r. A nil r disables
// forwarding.
func WithReporter(r Reporter) Option {
	return func(m *Monitor) {
		m.reporter = r
	}
}

// WithLogger sets the logger entries are echoed to.
func WithLogger(l *log.Logger) Option {
	return func(m *Monitor) {
		m.logger = l.Named("monitor")
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(m *Monitor) {
		m.registerMetrics(r)
	}
}

// WithClock overrides the time source, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

func NewMonitor(options ...Option) *Monitor {
	m := &Monitor{
		logger:     log.NewLogger(log.WithOutput(io.Discard)),
		now:        time.Now,
		maxEntries: DefaultMaxEntries,
	}

	m.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(m)
	}

	m.entries = ring.New[Entry](m.maxEntries)

	return m
}

func (m *Monitor) registerMetrics(r prometheus.Registerer) {
	m.entriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "monitor",
			Name:      "entries_total",
			Help:      "Total number of monitor entries by level.",
		},
		[]string{"level"},
	)
	if err := r.Register(m.entriesTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.entriesTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

// LogError records an error entry and forwards it to the reporter as
// an exception. err may be nil. The error is also recorded on the
// span carried by ctx.
func (m *Monitor) LogError(ctx context.Context, msg string, err error, fields map[string]any) {
	e := m.newEntry(LevelError, msg, fields)

	if err != nil {
		e.Error = otelutils.Message(err)

		var st stackTracer
		if errors.As(err, &st) {
			e.Stack = st.Stack()
		}

		otelutils.RecordError(trace.SpanFromContext(ctx), err)
	}

	m.append(ctx, e)

	m.forward(ctx, func(r Reporter) {
		exc := err
		if exc == nil {
			exc = errors.New(msg)
		}

		r.CaptureException(ctx, exc, withMessage(msg, fields))
	})
}

// LogWarning records a warning entry and forwards it to the reporter
// as a message.
func (m *Monitor) LogWarning(ctx context.Context, msg string, fields map[string]any) {
	m.append(ctx, m.newEntry(LevelWarn, msg, fields))

	m.forward(ctx, func(r Reporter) {
		r.CaptureMessage(ctx, msg, LevelWarn, maps.Clone(fields))
	})
}

// LogInfo records an informational entry. Info entries are never
// forwarded.
func (m *Monitor) LogInfo(ctx context.Context, msg string, fields map[string]any) {
	m.append(ctx, m.newEntry(LevelInfo, msg, fields))
}

// SetUser attributes subsequent reports to u. It is a no-op without a
// reporter.
func (m *Monitor) SetUser(ctx context.Context, u User) {
	m.forward(ctx, func(r Reporter) {
		r.SetUser(ctx, &u)
	})
}

// ClearUser stops attributing reports to a user.
func (m *Monitor) ClearUser(ctx context.Context) {
	m.forward(ctx, func(r Reporter) {
		r.SetUser(ctx, nil)
	})
}

// Entries returns the limit most recent entries, oldest first. A
// non-positive limit returns every entry.
func (m *Monitor) Entries(limit int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.entries.Slice()
	if limit > 0 && limit < len(all) {
		all = all[len(all)-limit:]
	}

	return all
}

// Len returns the number of retained entries.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.entries.Len()
}

// Clear drops every retained entry.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries.Clear()
}

// Stats counts the retained entries over the last hour and the last
// day.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		now     = m.now()
		hourAgo = now.Add(-time.Hour)
		dayAgo  = now.Add(-24 * time.Hour)
		stats   = Stats{Total: m.entries.Len()}
	)

	m.entries.Each(func(e Entry) bool {
		if !e.Timestamp.Before(dayAgo) {
			stats.LastDay.add(e.Level)
		}

		if !e.Timestamp.Before(hourAgo) {
			stats.LastHour.add(e.Level)
		}

		return true
	})

	return stats
}

func (s *WindowStats) add(level Level) {
	s.Total++

	switch level {
	case LevelError:
		s.Errors++
	case LevelWarn:
		s.Warnings++
	}
}

func (m *Monitor) newEntry(level Level, msg string, fields map[string]any) Entry {
	return Entry{
		Timestamp: m.now(),
		Level:     level,
		Message:   msg,
		Context:   maps.Clone(fields),
	}
}

func (m *Monitor) append(ctx context.Context, e Entry) {
	m.mu.Lock()
	m.entries.Push(e)
	m.mu.Unlock()

	m.entriesTotal.WithLabelValues(string(e.Level)).Inc()

	attrs := log.Fields(e.Context)
	if e.Error != "" {
		attrs = append(attrs, log.String("error", e.Error))
	}
	if e.Stack != "" {
		attrs = append(attrs, log.String("stack", e.Stack))
	}

	switch e.Level {
	case LevelError:
		m.logger.ErrorCtx(ctx, e.Message, attrs...)
	case LevelWarn:
		m.logger.WarnCtx(ctx, e.Message, attrs...)
	default:
		m.logger.InfoCtx(ctx, e.Message, attrs...)
	}
}

// forward calls f with the reporter, if any. Reporter failures never
// reach the caller.
func (m *Monitor) forward(ctx context.Context, f func(Reporter)) {
	if m.reporter == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.DebugCtx(
				ctx,
				"error reporter panicked",
				log.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	f(m.reporter)
}

func withMessage(msg string, fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	maps.Copy(out, fields)
	out["message"] = msg

	return out
}
