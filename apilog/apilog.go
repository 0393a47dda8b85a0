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

// Package apilog records one entry per HTTP request in a bounded,
// time windowed in-memory buffer and derives request statistics from
// it on read.
package apilog

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/namansharma28/gravitas/internal/ring"
	"github.com/namansharma28/gravitas/log"
	"github.com/prometheus/client_golang/prometheus"
)

type (
	// Option configures the Logger during initialization.
	Option func(l *Logger)

	// Entry describes one completed request.
	Entry struct {
		Timestamp  time.Time `json:"timestamp"`
		RequestID  string    `json:"requestId"`
		Method     string    `json:"method"`
		URL        string    `json:"url"`
		StatusCode int       `json:"statusCode"`
		DurationMS int64     `json:"durationMs"`
		UserAgent  string    `json:"userAgent,omitempty"`
		IP         string    `json:"ip,omitempty"`
		UserID     string    `json:"userId,omitempty"`
		Error      string    `json:"error,omitempty"`
	}

	// Logger is safe for concurrent use. Both bounds apply: at most
	// maxEntries entries are kept, and entries older than the
	// retention are dropped by the cleanup loop.
	Logger struct {
		mu      sync.Mutex
		entries *ring.Buffer[Entry]
		logger  *log.Logger
		now     func() time.Time

		maxEntries      int
		retention       time.Duration
		slowThreshold   time.Duration
		cleanupInterval time.Duration
		cleanupOnce     sync.Once

		requestsTotal *prometheus.CounterVec
	}
)

const (
	DefaultMaxEntries      = 1000
	DefaultRetention       = 24 * time.Hour
	DefaultCleanupInterval = time.Hour
	DefaultSlowThreshold   = time.Second
)

// WithMaxEntries bounds the number of retained entries. The oldest
// entry is evicted first.
func WithMaxEntries(n int) Option {
	return func(l *Logger) {
		l.maxEntries = n
	}
}

// WithRetention sets how long entries are kept. Default is 24 hours.
func WithRetention(d time.Duration) Option {
	return func(l *Logger) {
		l.retention = d
	}
}

// WithCleanupInterval sets how often old entries are swept. Default
// is 1 hour.
func WithCleanupInterval(d time.Duration) Option {
	return func(l *Logger) {
		l.cleanupInterval = d
	}
}

// WithSlowThreshold sets the duration above which Stats counts a
// request as slow. Default is 1 second.
func WithSlowThreshold(d time.Duration) Option {
	return func(l *Logger) {
		l.slowThreshold = d
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(l *Logger) {
		l.logger = logger.Named("apilog")
	}
}

func WithRegisterer(r prometheus.Registerer) Option {
	return func(l *Logger) {
		l.registerMetrics(r)
	}
}

// WithClock overrides the time source, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		l.now = now
	}
}

func NewLogger(options ...Option) *Logger {
	l := &Logger{
		logger:          log.NewLogger(log.WithOutput(io.Discard)),
		now:             time.Now,
		maxEntries:      DefaultMaxEntries,
		retention:       DefaultRetention,
		slowThreshold:   DefaultSlowThreshold,
		cleanupInterval: DefaultCleanupInterval,
	}

	l.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(l)
	}

	l.entries = ring.New[Entry](l.maxEntries)

	return l
}

func (l *Logger) registerMetrics(r prometheus.Registerer) {
	l.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "apilog",
			Name:      "requests_total",
			Help:      "Total number of logged API calls.",
		},
		[]string{"method", "status_class"},
	)
	if err := r.Register(l.requestsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.requestsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

// Log appends e, stamped with the current time, and returns the stored
// entry.
func (l *Logger) Log(ctx context.Context, e Entry) Entry {
	e.Timestamp = l.now()

	l.mu.Lock()
	l.entries.Push(e)
	l.mu.Unlock()

	l.requestsTotal.WithLabelValues(e.Method, statusClass(e.StatusCode)).Inc()

	attrs := []log.Attr{
		log.String("request_id", e.RequestID),
		log.String("method", e.Method),
		log.String("url", e.URL),
		log.Int("status_code", e.StatusCode),
		log.Int64("duration_ms", e.DurationMS),
	}
	if e.UserID != "" {
		attrs = append(attrs, log.String("user_id", e.UserID))
	}
	if e.Error != "" {
		attrs = append(attrs, log.String("error", e.Error))
	}

	l.logger.DebugCtx(ctx, "api call", attrs...)

	return e
}

// Len returns the number of retained entries.
func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.entries.Len()
}

// Clear drops every retained entry.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries.Clear()
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
