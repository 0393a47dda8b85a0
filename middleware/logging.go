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
	"net/http"
	"sync/atomic"

	"github.com/namansharma28/gravitas/httpserver"
)

type (
	// callClaim makes sure a request gets a single API log entry
	// when the monitoring layer gives up on a handler that is still
	// running.
	callClaim struct {
		taken atomic.Bool
	}

	callClaimKey struct{}
)

func withCallClaim(r *http.Request) (*http.Request, *callClaim) {
	cc := &callClaim{}
	return r.WithContext(context.WithValue(r.Context(), callClaimKey{}, cc)), cc
}

func callClaimFrom(ctx context.Context) *callClaim {
	cc, _ := ctx.Value(callClaimKey{}).(*callClaim)
	return cc
}

// take reports whether the caller is the one to write the entry.
func (cc *callClaim) take() bool {
	return cc == nil || cc.taken.CompareAndSwap(false, true)
}

// logging records one API log entry per request once the handler
// returned. A panic is logged with status 500 and passed on to the
// monitoring layer.
func (c *Chain) logging(next http.Handler, o Options) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			start = c.now()
			ww    = httpserver.NewWrapResponseWriter(w)
		)

		defer func() {
			v := recover()
			if v == http.ErrAbortHandler {
				panic(v)
			}

			var pe *PanicError
			if v != nil {
				pe = newPanicError(v)
			}

			if callClaimFrom(r.Context()).take() {
				e := c.newEntry(r, o, ww.Status(), c.now().Sub(start))

				if pe != nil {
					e.StatusCode = http.StatusInternalServerError
					e.Error = pe.Error()
				} else if errors.Is(r.Context().Err(), context.DeadlineExceeded) {
					e.StatusCode = http.StatusGatewayTimeout
					e.Error = ErrTimeout.Error()
				}

				c.calls.Log(r.Context(), e)
			}

			if pe != nil {
				panic(pe)
			}
		}()

		next.ServeHTTP(ww, r)
	})
}
