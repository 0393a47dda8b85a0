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

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/namansharma28/gravitas/internal/otelutils"
	"github.com/namansharma28/gravitas/internal/version"
	"github.com/namansharma28/gravitas/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Limiter during
	// initialization.
	Option func(l *Limiter)

	// Limiter is a fixed window rate limiter. Each identifier owns a
	// counter that starts at the first request and resets entirely
	// once its window expires.
	Limiter struct {
		store  Store
		logger *log.Logger
		tracer trace.Tracer
		now    func() time.Time

		cleanupInterval time.Duration
		cleanupOnce     sync.Once

		requestsTotal *prometheus.CounterVec
		checkDuration *prometheus.HistogramVec
	}

	// Rate defines the rate limit parameters.
	Rate struct {
		// Limit is the maximum number of requests allowed within the
		// Window duration.
		Limit int `json:"limit"`

		// Window is the time duration for the rate limit window.
		Window time.Duration `json:"window"`
	}

	// Result contains the outcome of a rate limit check.
	Result struct {
		// Allowed indicates whether the request is permitted.
		Allowed bool

		// Limit is the maximum number of requests allowed in the window.
		Limit int

		// Remaining is the number of requests remaining in the current window.
		Remaining int

		// ResetAt is the time when the current window resets.
		ResetAt time.Time
	}
)

const (
	tracerName = "github.com/namansharma28/gravitas/ratelimit"
)

var (
	// ErrInvalidRate is returned by Check when the rate has a
	// non-positive limit or window.
	ErrInvalidRate = errors.New("invalid rate")
)

func (r Rate) String() string {
	return fmt.Sprintf("%d/%s", r.Limit, r.Window)
}

// WithStore replaces the default in-memory store.
func WithStore(s Store) Option {
	return func(l *Limiter) {
		l.store = s
	}
}

// WithLogger sets a custom logger for the limiter.
func WithLogger(l *log.Logger) Option {
	return func(lim *Limiter) {
		lim.logger = l.Named("ratelimit")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Limiter) {
		l.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.Version),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(l *Limiter) {
		l.registerMetrics(r)
	}
}

// WithCleanupInterval sets the interval for background removal of
// expired windows. Default is 1 minute.
func WithCleanupInterval(d time.Duration) Option {
	return func(l *Limiter) {
		l.cleanupInterval = d
	}
}

// WithClock overrides the time source, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a new rate limiter. Without WithStore, windows
// are kept in process memory.
func NewLimiter(options ...Option) *Limiter {
	l := &Limiter{
		store:           NewMemoryStore(),
		logger:          log.NewLogger(log.WithOutput(io.Discard)),
		tracer:          otel.GetTracerProvider().Tracer(tracerName),
		now:             time.Now,
		cleanupInterval: time.Minute,
	}

	l.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(l)
	}

	return l
}

func (l *Limiter) registerMetrics(r prometheus.Registerer) {
	l.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "ratelimit",
			Name:      "requests_total",
			Help:      "Total number of rate limit checks.",
		},
		[]string{"allowed"},
	)
	if err := r.Register(l.requestsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.requestsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	l.checkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "ratelimit",
			Name:      "check_duration_seconds",
			Help:      "Duration of rate limit checks in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"allowed"},
	)
	if err := r.Register(l.checkDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.checkDuration = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
}

// Check counts one request for identifier against rate.
//
// The first request of a window (or the first after the previous
// window expired) opens a new window of rate.Window. Requests are
// allowed while the window count is below rate.Limit. A rejected
// request does not touch the stored window.
func (l *Limiter) Check(ctx context.Context, identifier string, rate Rate) (*Result, error) {
	if rate.Limit <= 0 || rate.Window <= 0 {
		return nil, fmt.Errorf("cannot check rate limit %s: %w", rate, ErrInvalidRate)
	}

	start := time.Now()

	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = l.tracer.Start(
			ctx,
			"ratelimit.Check",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("ratelimit.identifier", identifier),
				attribute.Int("ratelimit.limit", rate.Limit),
				attribute.Int64("ratelimit.window_ms", rate.Window.Milliseconds()),
			),
		)
		defer span.End()
	}

	window, allowed, err := l.store.Take(ctx, identifier, rate, l.now())
	if err != nil {
		err = fmt.Errorf("cannot check rate limit: %w", err)
		otelutils.RecordError(span, err)
		return nil, err
	}

	remaining := 0
	if allowed {
		remaining = max(rate.Limit-window.Count, 0)
	}

	if rootSpan.IsRecording() {
		span.SetAttributes(
			attribute.Bool("ratelimit.allowed", allowed),
			attribute.Int("ratelimit.count", window.Count),
			attribute.Int("ratelimit.remaining", remaining),
		)
	}

	if !allowed {
		l.logger.DebugCtx(
			ctx,
			"rate limit exceeded",
			log.String("identifier", identifier),
			log.String("rate", rate.String()),
			log.Time("reset_at", window.ResetAt),
		)
	}

	l.recordMetrics(allowed, time.Since(start))

	return &Result{
		Allowed:   allowed,
		Limit:     rate.Limit,
		Remaining: remaining,
		ResetAt:   window.ResetAt,
	}, nil
}

// Reset forgets the window of identifier so its next request is
// treated as the first one. Resetting an unknown identifier is a
// no-op.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	if err := l.store.Delete(ctx, identifier); err != nil {
		return fmt.Errorf("cannot reset rate limit of %q: %w", identifier, err)
	}

	l.logger.InfoCtx(ctx, "rate limit reset", log.String("identifier", identifier))

	return nil
}

func (l *Limiter) recordMetrics(allowed bool, duration time.Duration) {
	allowedStr := "true"
	if !allowed {
		allowedStr = "false"
	}

	l.requestsTotal.WithLabelValues(allowedStr).Inc()
	l.checkDuration.WithLabelValues(allowedStr).Observe(duration.Seconds())
}
