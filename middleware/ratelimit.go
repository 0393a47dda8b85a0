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

package middleware

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/namansharma28/gravitas/apilog"
	"github.com/namansharma28/gravitas/httpserver"
	"github.com/namansharma28/gravitas/internal/otelutils"
	"github.com/namansharma28/gravitas/log"
	"github.com/namansharma28/gravitas/ratelimit"
)

type (
	rateLimitResponse struct {
		Error      string `json:"error"`
		Message    string `json:"message"`
		RetryAfter int    `json:"retryAfter"`
	}
)

var (
	errEmptyIdentifier = errors.New("empty rate limit identifier")
)

func (c *Chain) rateLimit(next http.Handler, o Options) http.Handler {
	rate := c.defaultRate
	if o.RateLimit != nil {
		rate = *o.RateLimit
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := c.check(r, o, rate)
		if err != nil {
			c.failOpenTotal.WithLabelValues(o.RouteName).Inc()
			c.logger.WarnCtx(
				r.Context(),
				"rate limiter failed, letting request through",
				log.String("route", o.RouteName),
				log.Error(err),
			)

			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		h.Set("X-RateLimit-Reset", res.ResetAt.UTC().Format(time.RFC3339))

		if res.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		start := c.now()
		retryAfter := max(int(math.Ceil(res.ResetAt.Sub(start).Seconds())), 1)

		h.Set("Retry-After", strconv.Itoa(retryAfter))
		httpserver.RenderJSON(
			w,
			http.StatusTooManyRequests,
			rateLimitResponse{
				Error:      "Too many requests",
				Message:    fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", retryAfter),
				RetryAfter: retryAfter,
			},
		)

		c.outcome(o.RouteName, "rate_limited")

		if c.calls != nil && !o.SkipLogging {
			c.calls.Log(r.Context(), c.newEntry(r, o, http.StatusTooManyRequests, c.now().Sub(start)))
		}
	})
}

// check never panics; a panicking identifier function or limiter is
// reported as an error so that the caller fails open.
func (c *Chain) check(r *http.Request, o Options, rate ratelimit.Rate) (res *ratelimit.Result, err error) {
	defer func() {
		if v := recover(); v != nil {
			res = nil
			err = fmt.Errorf("rate limiter panicked: %s", otelutils.Message(v))
		}
	}()

	id, err := c.identify(r)
	if err != nil {
		return nil, fmt.Errorf("cannot identify client: %w", err)
	}

	if id == "" {
		return nil, errEmptyIdentifier
	}

	return c.limiter.Check(r.Context(), ratelimit.Key(o.RouteName, id), rate)
}

func (c *Chain) identify(r *http.Request) (string, error) {
	if c.identifier != nil {
		return c.identifier(r)
	}

	return ratelimit.Identifier(c.sessionUserID(r), r), nil
}

func (c *Chain) newEntry(r *http.Request, o Options, status int, d time.Duration) apilog.Entry {
	return apilog.Entry{
		RequestID:  RequestID(r.Context()),
		Method:     r.Method,
		URL:        r.URL.RequestURI(),
		StatusCode: status,
		DurationMS: d.Milliseconds(),
		UserAgent:  r.UserAgent(),
		IP:         ratelimit.ClientIP(r),
		UserID:     c.userID(r, o),
	}
}

func (c *Chain) userID(r *http.Request, o Options) string {
	if o.UserID == nil {
		return c.sessionUserID(r)
	}

	id, err := callUserID(o.UserID, r)
	if err != nil {
		c.logger.DebugCtx(r.Context(), "cannot resolve user id", log.Error(err))
		return ""
	}

	return id
}

func callUserID(f UserIDFunc, r *http.Request) (id string, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("user id function panicked: %s", otelutils.Message(v))
		}
	}()

	return f(r)
}
