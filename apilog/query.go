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

package apilog

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

type (
	// Filter selects entries. Zero fields match everything.
	Filter struct {
		Method     string
		StatusCode int
		UserID     string
		Since      time.Time

		// Limit caps the number of returned entries. Default is 100.
		Limit int
	}

	// TimeRange is the trailing window Stats is computed over.
	TimeRange string

	Stats struct {
		TimeRange          TimeRange       `json:"timeRange"`
		TotalRequests      int             `json:"totalRequests"`
		SuccessfulRequests int             `json:"successfulRequests"`
		ClientErrors       int             `json:"clientErrors"`
		ServerErrors       int             `json:"serverErrors"`
		SuccessRate        string          `json:"successRate"`
		AvgDurationMS      int64           `json:"avgDurationMs"`
		MinDurationMS      int64           `json:"minDurationMs"`
		MaxDurationMS      int64           `json:"maxDurationMs"`
		P95DurationMS      int64           `json:"p95DurationMs"`
		SlowRequests       int             `json:"slowRequests"`
		TopEndpoints       []EndpointCount `json:"topEndpoints"`
		Methods            map[string]int  `json:"methods"`
	}

	EndpointCount struct {
		Path  string `json:"path"`
		Count int    `json:"count"`
	}
)

const (
	TimeRangeHour TimeRange = "hour"
	TimeRangeDay  TimeRange = "day"
	TimeRangeAll  TimeRange = "all"

	DefaultLimit = 100

	topEndpoints = 10
)

var (
	ErrUnknownTimeRange = errors.New("unknown time range")
)

func ParseTimeRange(s string) (TimeRange, error) {
	switch tr := TimeRange(s); tr {
	case TimeRangeHour, TimeRangeDay, TimeRangeAll:
		return tr, nil
	}

	return "", fmt.Errorf("cannot parse time range %q: %w", s, ErrUnknownTimeRange)
}

func (f Filter) match(e Entry) bool {
	if f.Method != "" && !strings.EqualFold(f.Method, e.Method) {
		return false
	}

	if f.StatusCode != 0 && f.StatusCode != e.StatusCode {
		return false
	}

	if f.UserID != "" && f.UserID != e.UserID {
		return false
	}

	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}

	return true
}

// Logs returns the most recent entries matching f, oldest first.
func (l *Logger) Logs(f Filter) []Entry {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, min(limit, l.entries.Len()))
	l.entries.Reverse(func(e Entry) bool {
		if f.match(e) {
			out = append(out, e)
		}

		return len(out) < limit
	})

	slices.Reverse(out)
	return out
}

// RecentErrors returns the limit most recent entries with a status of
// 400 or more, oldest first.
func (l *Logger) RecentErrors(limit int) []Entry {
	if limit <= 0 {
		limit = DefaultLimit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	l.entries.Reverse(func(e Entry) bool {
		if e.StatusCode >= 400 {
			out = append(out, e)
		}

		return len(out) < limit
	})

	slices.Reverse(out)
	return out
}

// Stats computes request statistics over the entries of tr. An
// unknown tr is treated as TimeRangeAll.
func (l *Logger) Stats(tr TimeRange) Stats {
	now := l.now()

	var since time.Time
	switch tr {
	case TimeRangeHour:
		since = now.Add(-time.Hour)
	case TimeRangeDay:
		since = now.Add(-24 * time.Hour)
	default:
		tr = TimeRangeAll
	}

	stats := Stats{
		TimeRange:    tr,
		TopEndpoints: []EndpointCount{},
		Methods:      map[string]int{},
	}

	var (
		durations []int64
		total     int64
		paths     = map[string]int{}
	)

	l.mu.Lock()
	l.entries.Each(func(e Entry) bool {
		if !since.IsZero() && e.Timestamp.Before(since) {
			return true
		}

		stats.TotalRequests++
		switch {
		case e.StatusCode >= 500:
			stats.ServerErrors++
		case e.StatusCode >= 400:
			stats.ClientErrors++
		default:
			stats.SuccessfulRequests++
		}

		if time.Duration(e.DurationMS)*time.Millisecond > l.slowThreshold {
			stats.SlowRequests++
		}

		durations = append(durations, e.DurationMS)
		total += e.DurationMS
		paths[path(e.URL)]++
		stats.Methods[e.Method]++

		return true
	})
	l.mu.Unlock()

	if stats.TotalRequests == 0 {
		stats.SuccessRate = "0.00%"
		return stats
	}

	slices.Sort(durations)

	stats.SuccessRate = fmt.Sprintf(
		"%.2f%%",
		float64(stats.SuccessfulRequests)/float64(stats.TotalRequests)*100,
	)
	stats.AvgDurationMS = total / int64(len(durations))
	stats.MinDurationMS = durations[0]
	stats.MaxDurationMS = durations[len(durations)-1]
	stats.P95DurationMS = durations[int(float64(len(durations)-1)*0.95)]

	for _, p := range slices.Sorted(maps.Keys(paths)) {
		stats.TopEndpoints = append(stats.TopEndpoints, EndpointCount{Path: p, Count: paths[p]})
	}

	slices.SortStableFunc(stats.TopEndpoints, func(a, b EndpointCount) int {
		return b.Count - a.Count
	})

	if len(stats.TopEndpoints) > topEndpoints {
		stats.TopEndpoints = stats.TopEndpoints[:topEndpoints]
	}

	return stats
}

// path strips the query string and fragment of a request URL.
func path(u string) string {
	u, _, _ = strings.Cut(u, "?")
	u, _, _ = strings.Cut(u, "#")

	return u
}
