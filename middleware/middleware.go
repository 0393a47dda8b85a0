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

// Package middleware composes the rate limiter, the error monitor and
// the API call logger around route handlers.
//
// Layers run in this order, outermost first:
//
//	request id > rate limit > error monitoring > logging > handler
//
// The request id layer reuses the X-Request-ID header set by the
// server, or mints one, so every layer reports the same id.
package middleware

import (
	"io"
	"net/http"
	"time"

	"github.com/namansharma28/gravitas/apilog"
	"github.com/namansharma28/gravitas/log"
	"github.com/namansharma28/gravitas/monitor"
	"github.com/namansharma28/gravitas/ratelimit"
	"github.com/namansharma28/gravitas/session"
	"github.com/prometheus/client_golang/prometheus"
)

type (
	// Option configures the Chain during initialization.
	Option func(c *Chain)

	// IdentifierFunc returns the rate limit identifier of r.
	IdentifierFunc func(r *http.Request) (string, error)

	// UserIDFunc returns the user id stamped on the API log entry of
	// r, or "" for anonymous requests.
	UserIDFunc func(r *http.Request) (string, error)

	// Options configure one wrapped route.
	Options struct {
		// RouteName labels the route in monitor entries and scopes
		// its rate limit windows.
		RouteName string

		// RateLimit overrides the chain default rate.
		RateLimit *ratelimit.Rate

		SkipRateLimit bool
		SkipLogging   bool

		// UserID overrides the session lookup for API log entries.
		UserID UserIDFunc

		// Timeout overrides the chain default handler timeout. A
		// negative value disables the timeout.
		Timeout time.Duration
	}

	// Chain holds the collaborators shared by every wrapped route.
	// Any of the limiter, monitor and calls may be nil, which
	// disables the matching layer.
	Chain struct {
		limiter  *ratelimit.Limiter
		monitor  *monitor.Monitor
		calls    *apilog.Logger
		sessions session.Lookup
		logger   *log.Logger
		now      func() time.Time

		identifier     IdentifierFunc
		defaultRate    ratelimit.Rate
		slowThreshold  time.Duration
		defaultTimeout time.Duration

		outcomesTotal *prometheus.CounterVec
		failOpenTotal *prometheus.CounterVec
	}
)

const (
	// DefaultSlowThreshold is the duration above which a request is
	// reported as slow.
	DefaultSlowThreshold = time.Second
)

func WithLogger(l *log.Logger) Option {
	return func(c *Chain) {
		c.logger = l.Named("middleware")
	}
}

func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Chain) {
		c.registerMetrics(r)
	}
}

// WithSessionLookup resolves the authenticated user of requests, for
// both rate limit identifiers and API log entries.
func WithSessionLookup(l session.Lookup) Option {
	return func(c *Chain) {
		c.sessions = l
	}
}

// WithIdentifier replaces the default "user:<id>" / "ip:<addr>"
// identifier derivation.
func WithIdentifier(f IdentifierFunc) Option {
	return func(c *Chain) {
		c.identifier = f
	}
}

// WithDefaultRate sets the rate of routes without Options.RateLimit.
// Default is APIRate.
func WithDefaultRate(r ratelimit.Rate) Option {
	return func(c *Chain) {
		c.defaultRate = r
	}
}

func WithSlowThreshold(d time.Duration) Option {
	return func(c *Chain) {
		c.slowThreshold = d
	}
}

// WithDefaultTimeout bounds every handler. Zero, the default, means
// no timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Chain) {
		c.defaultTimeout = d
	}
}

// WithClock overrides the time source used to measure requests.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) {
		c.now = now
	}
}

func NewChain(
	limiter *ratelimit.Limiter,
	m *monitor.Monitor,
	calls *apilog.Logger,
	options ...Option,
) *Chain {
	c := &Chain{
		limiter:       limiter,
		monitor:       m,
		calls:         calls,
		logger:        log.NewLogger(log.WithOutput(io.Discard)),
		now:           time.Now,
		defaultRate:   APIRate,
		slowThreshold: DefaultSlowThreshold,
	}

	c.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(c)
	}

	return c
}

func (c *Chain) registerMetrics(r prometheus.Registerer) {
	c.outcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "middleware",
			Name:      "outcomes_total",
			Help:      "Total number of wrapped requests by outcome.",
		},
		[]string{"route", "outcome"},
	)
	if err := r.Register(c.outcomesTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			c.outcomesTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	c.failOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "middleware",
			Name:      "rate_limit_fail_open_total",
			Help:      "Total number of requests let through because the rate limiter failed.",
		},
		[]string{"route"},
	)
	if err := r.Register(c.failOpenTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			c.failOpenTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

// Wrap returns h wrapped with the layers enabled by o.
func (c *Chain) Wrap(h http.Handler, o Options) http.Handler {
	if c.calls != nil && !o.SkipLogging {
		h = c.logging(h, o)
	}

	if c.monitor != nil {
		h = c.monitoring(h, o)
	}

	if c.limiter != nil && !o.SkipRateLimit {
		h = c.rateLimit(h, o)
	}

	return c.requestID(h)
}

// WrapFunc is Wrap for handler functions.
func (c *Chain) WrapFunc(f http.HandlerFunc, o Options) http.Handler {
	return c.Wrap(f, o)
}

func (c *Chain) outcome(route, outcome string) {
	c.outcomesTotal.WithLabelValues(route, outcome).Inc()
}
