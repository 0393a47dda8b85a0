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

// Package api mounts the gravitas HTTP routes: a public ping endpoint
// and the administration surface of the rate limiter, the error
// monitor and the API call logger.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/namansharma28/gravitas/apilog"
	"github.com/namansharma28/gravitas/applog"
	"github.com/namansharma28/gravitas/httpserver"
	"github.com/namansharma28/gravitas/middleware"
	"github.com/namansharma28/gravitas/monitor"
	"github.com/namansharma28/gravitas/ratelimit"
	"github.com/namansharma28/gravitas/session"
)

type (
	// Deps are the collaborators of the router. Sessions may be nil,
	// in which case every admin route answers 401.
	Deps struct {
		Chain    *middleware.Chain
		Limiter  *ratelimit.Limiter
		Monitor  *monitor.Monitor
		Calls    *apilog.Logger
		AppLog   *applog.Logger
		Sessions session.Lookup
		IsAdmin  func(userID string) bool
	}

	router struct {
		Deps
	}

	pingResponse struct {
		Status    string    `json:"status"`
		Time      time.Time `json:"time"`
		RequestID string    `json:"requestId"`
	}
)

var (
	errNotFound         = errors.New("resource not found")
	errMethodNotAllowed = errors.New("method not allowed")
)

func NewRouter(d Deps) http.Handler {
	rt := &router{Deps: d}
	r := chi.NewRouter()

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpserver.RenderError(w, http.StatusNotFound, errNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpserver.RenderError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
	})

	r.Method(
		http.MethodGet,
		"/api/ping",
		d.Chain.WrapFunc(rt.ping, middleware.Public("ping")),
	)

	r.Route("/api/admin", func(r chi.Router) {
		admin := func(name string, h http.HandlerFunc) http.Handler {
			return d.Chain.Wrap(rt.requireAdmin(h), middleware.Admin(name))
		}

		r.Method(http.MethodGet, "/monitoring/errors", admin("admin.monitoring.errors", rt.listErrors))
		r.Method(http.MethodDelete, "/monitoring/errors", admin("admin.monitoring.errors.clear", rt.clearErrors))
		r.Method(http.MethodGet, "/monitoring/stats", admin("admin.monitoring.stats", rt.stats))
		r.Method(http.MethodGet, "/monitoring/requests", admin("admin.monitoring.requests", rt.listRequests))
		r.Method(http.MethodGet, "/monitoring/requests/errors", admin("admin.monitoring.requests.errors", rt.listRequestErrors))
		r.Method(http.MethodDelete, "/ratelimit/{route}/{identifier}", admin("admin.ratelimit.reset", rt.resetRateLimit))
	})

	return r
}

func (rt *router) ping(w http.ResponseWriter, r *http.Request) {
	rt.AppLog.Debug(r.Context(), "ping", nil)

	httpserver.RenderJSON(
		w,
		http.StatusOK,
		pingResponse{
			Status:    "ok",
			Time:      time.Now().UTC(),
			RequestID: middleware.RequestID(r.Context()),
		},
	)
}
