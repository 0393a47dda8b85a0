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

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/namansharma28/gravitas/apilog"
	"github.com/namansharma28/gravitas/httpserver"
	"github.com/namansharma28/gravitas/monitor"
	"github.com/namansharma28/gravitas/ratelimit"
)

type (
	listResponse[T any] struct {
		Count   int `json:"count"`
		Entries []T `json:"entries"`
	}

	statsResponse struct {
		Errors   monitor.Stats `json:"errors"`
		Requests apilog.Stats  `json:"requests"`
	}
)

const (
	defaultErrorsLimit = 50
)

var (
	errUnauthenticated = errors.New("authentication required")
	errForbidden       = errors.New("administrator access required")
)

func (rt *router) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rt.Sessions == nil {
			httpserver.RenderError(w, http.StatusUnauthorized, errUnauthenticated)
			return
		}

		userID, err := rt.Sessions.UserID(r)
		if err != nil || userID == "" {
			httpserver.RenderError(w, http.StatusUnauthorized, errUnauthenticated)
			return
		}

		if rt.IsAdmin == nil || !rt.IsAdmin(userID) {
			rt.AppLog.Auth(r.Context(), "admin access denied", userID, map[string]any{"path": r.URL.Path})
			httpserver.RenderError(w, http.StatusForbidden, errForbidden)
			return
		}

		next(w, r)
	}
}

func (rt *router) listErrors(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultErrorsLimit)
	if err != nil {
		httpserver.RenderError(w, http.StatusBadRequest, err)
		return
	}

	entries := rt.Monitor.Entries(limit)
	httpserver.RenderJSON(w, http.StatusOK, listResponse[monitor.Entry]{Count: len(entries), Entries: entries})
}

func (rt *router) clearErrors(w http.ResponseWriter, r *http.Request) {
	rt.Monitor.Clear()
	rt.AppLog.Info(r.Context(), "error monitor cleared", nil)

	w.WriteHeader(http.StatusNoContent)
}

func (rt *router) stats(w http.ResponseWriter, r *http.Request) {
	tr := apilog.TimeRangeHour
	if s := r.URL.Query().Get("range"); s != "" {
		var err error
		tr, err = apilog.ParseTimeRange(s)
		if err != nil {
			httpserver.RenderError(w, http.StatusBadRequest, err)
			return
		}
	}

	httpserver.RenderJSON(
		w,
		http.StatusOK,
		statsResponse{
			Errors:   rt.Monitor.Stats(),
			Requests: rt.Calls.Stats(tr),
		},
	)
}

func (rt *router) listRequests(w http.ResponseWriter, r *http.Request) {
	var (
		q   = r.URL.Query()
		f   = apilog.Filter{Method: q.Get("method"), UserID: q.Get("user")}
		err error
	)

	if f.StatusCode, err = intParam(r, "status", 0); err != nil {
		httpserver.RenderError(w, http.StatusBadRequest, err)
		return
	}

	if f.Limit, err = intParam(r, "limit", apilog.DefaultLimit); err != nil {
		httpserver.RenderError(w, http.StatusBadRequest, err)
		return
	}

	if s := q.Get("since"); s != "" {
		if f.Since, err = time.Parse(time.RFC3339, s); err != nil {
			httpserver.RenderError(w, http.StatusBadRequest, fmt.Errorf("cannot parse since: %w", err))
			return
		}
	}

	entries := rt.Calls.Logs(f)
	httpserver.RenderJSON(w, http.StatusOK, listResponse[apilog.Entry]{Count: len(entries), Entries: entries})
}

func (rt *router) listRequestErrors(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", apilog.DefaultLimit)
	if err != nil {
		httpserver.RenderError(w, http.StatusBadRequest, err)
		return
	}

	entries := rt.Calls.RecentErrors(limit)
	httpserver.RenderJSON(w, http.StatusOK, listResponse[apilog.Entry]{Count: len(entries), Entries: entries})
}

func (rt *router) resetRateLimit(w http.ResponseWriter, r *http.Request) {
	var (
		route      = chi.URLParam(r, "route")
		identifier = chi.URLParam(r, "identifier")
	)

	if err := rt.Limiter.Reset(r.Context(), ratelimit.Key(route, identifier)); err != nil {
		rt.AppLog.Error(r.Context(), "cannot reset rate limit", err, map[string]any{"route": route, "identifier": identifier})
		httpserver.RenderError(w, http.StatusInternalServerError, errors.New("cannot reset rate limit"))
		return
	}

	rt.AppLog.Info(r.Context(), "rate limit reset", map[string]any{"route": route, "identifier": identifier})
	w.WriteHeader(http.StatusNoContent)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}

	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s parameter %q", name, s)
	}

	return v, nil
}
