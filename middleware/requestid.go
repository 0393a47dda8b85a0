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
	"net/http"
	"sync"

	"github.com/namansharma28/gravitas/httpserver"
	"github.com/namansharma28/gravitas/internal/otelutils"
	"github.com/namansharma28/gravitas/log"
	"go.gearno.de/crypto/uuid"
)

type (
	contextKey struct{}

	// requestState is shared by the layers of one request.
	requestState struct {
		id string

		sessionOnce sync.Once
		sessionUser string
	}
)

// RequestID returns the id of the request carried by ctx, or "".
func RequestID(ctx context.Context) string {
	if s, ok := ctx.Value(contextKey{}).(*requestState); ok {
		return s.id
	}

	return ""
}

func stateFrom(r *http.Request) *requestState {
	if s, ok := r.Context().Value(contextKey{}).(*requestState); ok {
		return s
	}

	return &requestState{}
}

func (c *Chain) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(httpserver.RequestIDHeader)
		if id == "" || len(id) > 128 {
			v, err := uuid.NewV7()
			if err != nil {
				c.logger.ErrorCtx(r.Context(), "cannot generate request id", log.Error(err))
			}

			id = v.String()
		}

		w.Header().Set(httpserver.RequestIDHeader, id)

		ctx := context.WithValue(r.Context(), contextKey{}, &requestState{id: id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sessionUserID resolves the session user once per request. Lookup
// failures count as anonymous.
func (c *Chain) sessionUserID(r *http.Request) string {
	if c.sessions == nil {
		return ""
	}

	s := stateFrom(r)
	s.sessionOnce.Do(func() {
		defer func() {
			if v := recover(); v != nil {
				c.logger.WarnCtx(
					r.Context(),
					"session lookup panicked",
					log.String("panic", otelutils.Message(v)),
				)
			}
		}()

		id, err := c.sessions.UserID(r)
		if err != nil {
			c.logger.DebugCtx(r.Context(), "cannot resolve session user", log.Error(err))
			return
		}

		s.sessionUser = id
	})

	return s.sessionUser
}
