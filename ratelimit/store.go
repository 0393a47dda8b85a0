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
	"sync"
	"time"
)

type (
	// Store keeps one fixed window per identifier.
	Store interface {
		// Take applies the fixed window rule for one request made at
		// now and returns the window as it stands afterwards. When the
		// request is rejected the window is returned untouched.
		Take(ctx context.Context, key string, rate Rate, now time.Time) (Window, bool, error)

		// Delete removes the window of key. Unknown keys are ignored.
		Delete(ctx context.Context, key string) error

		// DeleteExpired removes every window whose reset time is not
		// after now.
		DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	}

	// Window is the stored state of one identifier.
	Window struct {
		Count   int
		ResetAt time.Time
	}

	// MemoryStore keeps windows in a process local map.
	MemoryStore struct {
		mu      sync.Mutex
		windows map[string]*Window
	}
)

var (
	_ Store = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*Window),
	}
}

func (s *MemoryStore) Take(_ context.Context, key string, rate Rate, now time.Time) (Window, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.ResetAt) {
		w = &Window{Count: 1, ResetAt: now.Add(rate.Window)}
		s.windows[key] = w
		return *w, true, nil
	}

	if w.Count < rate.Limit {
		w.Count++
		return *w, true, nil
	}

	return *w, false, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.windows, key)
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for k, w := range s.windows {
		if !now.Before(w.ResetAt) {
			delete(s.windows, k)
			deleted++
		}
	}

	return deleted, nil
}

// Len returns the number of windows currently tracked, expired or
// not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.windows)
}
