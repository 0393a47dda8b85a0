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
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/namansharma28/gravitas/httpserver"
	"github.com/namansharma28/gravitas/internal/otelutils"
)

type (
	// PanicError is a recovered handler panic.
	PanicError struct {
		Value any
		stack string
	}

	errorResponse struct {
		Error     string `json:"error"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	}
)

var (
	// ErrTimeout is reported to the monitor for handlers running past
	// their timeout.
	ErrTimeout = errors.New("request timeout")
)

func newPanicError(v any) *PanicError {
	if pe, ok := v.(*PanicError); ok {
		return pe
	}

	return &PanicError{Value: v, stack: string(debug.Stack())}
}

func (e *PanicError) Error() string { return otelutils.Message(e.Value) }
func (e *PanicError) Stack() string { return e.stack }

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}

	return nil
}

func (c *Chain) monitoring(next http.Handler, o Options) http.Handler {
	timeout := c.defaultTimeout
	if o.Timeout != 0 {
		timeout = o.Timeout
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			ctx       = r.Context()
			start     = c.now()
			requestID = RequestID(ctx)
			ww        = httpserver.NewWrapResponseWriter(w)
			pe        *PanicError
			timedOut  bool
		)

		if timeout > 0 {
			var cc *callClaim
			r, cc = withCallClaim(r)

			pe, timedOut = serveWithTimeout(ww, r, next, timeout)

			if timedOut && c.calls != nil && !o.SkipLogging && cc.take() {
				e := c.newEntry(r, o, http.StatusGatewayTimeout, c.now().Sub(start))
				e.Error = ErrTimeout.Error()
				c.calls.Log(ctx, e)
			}
		} else {
			pe = serve(ww, r, next)
		}

		var (
			duration = c.now().Sub(start)
			slow     = duration > c.slowThreshold
			status   = ww.Status()
			fields   = map[string]any{
				"route":       o.RouteName,
				"method":      r.Method,
				"url":         r.URL.RequestURI(),
				"requestId":   requestID,
				"duration_ms": duration.Milliseconds(),
			}
		)

		switch {
		case pe != nil:
			if !ww.WroteHeader() {
				httpserver.RenderJSON(
					ww,
					http.StatusInternalServerError,
					errorResponse{
						Error:     "Internal server error",
						Message:   pe.Error(),
						RequestID: requestID,
					},
				)
			}

			fields["status"] = http.StatusInternalServerError
			c.monitor.LogError(ctx, fmt.Sprintf("Unhandled error in %s", o.RouteName), pe, fields)
			c.outcome(o.RouteName, "exception")

		case timedOut:
			fields["status"] = http.StatusGatewayTimeout
			fields["timeout_ms"] = timeout.Milliseconds()
			c.monitor.LogError(ctx, fmt.Sprintf("Request timeout in %s", o.RouteName), ErrTimeout, fields)
			c.outcome(o.RouteName, "timeout")

		case status >= 500:
			fields["status"] = status
			fields["slow"] = slow
			c.monitor.LogError(ctx, fmt.Sprintf("Server error in %s", o.RouteName), nil, fields)
			c.outcome(o.RouteName, "server_error")

		case status >= 400:
			fields["status"] = status
			fields["slow"] = slow
			c.monitor.LogWarning(ctx, fmt.Sprintf("Client error in %s", o.RouteName), fields)
			c.outcome(o.RouteName, "client_error")

		case slow:
			fields["status"] = status
			c.monitor.LogWarning(ctx, fmt.Sprintf("Slow request in %s", o.RouteName), fields)
			c.outcome(o.RouteName, "success")

		default:
			c.outcome(o.RouteName, "success")
		}
	})
}

// serve is the fatal error boundary: it turns a handler panic into a
// *PanicError. http.ErrAbortHandler keeps its meaning and is
// re-panicked.
func serve(w http.ResponseWriter, r *http.Request, next http.Handler) (pe *PanicError) {
	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				panic(v)
			}

			pe = newPanicError(v)
		}
	}()

	next.ServeHTTP(w, r)
	return nil
}

// serveWithTimeout runs next against a buffered writer under a context
// deadline. The buffered response is flushed to w when next returns in
// time; otherwise w receives a 504 and whatever next writes later is
// discarded.
func serveWithTimeout(
	w http.ResponseWriter,
	r *http.Request,
	next http.Handler,
	timeout time.Duration,
) (*PanicError, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	var (
		tw      = newTimeoutWriter(w.Header())
		done    = make(chan struct{})
		panicCh = make(chan *PanicError, 1)
	)

	go func() {
		defer func() {
			if v := recover(); v != nil {
				panicCh <- newPanicError(v)
			}
		}()

		next.ServeHTTP(tw, r.WithContext(ctx))
		close(done)
	}()

	select {
	case pe := <-panicCh:
		tw.discard()
		return pe, false

	case <-done:
		tw.flushTo(w)
		return nil, false

	case <-ctx.Done():
		tw.discard()

		httpserver.RenderJSON(
			w,
			http.StatusGatewayTimeout,
			errorResponse{
				Error:     "Request timeout",
				Message:   fmt.Sprintf("The request did not complete within %s", timeout),
				RequestID: RequestID(r.Context()),
			},
		)

		return nil, true
	}
}
