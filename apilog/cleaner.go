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
	"context"
	"time"

	"github.com/namansharma28/gravitas/log"
)

// StartCleanup starts a goroutine that drops entries older than the
// retention every cleanup interval, until ctx is cancelled. Only the
// first call starts the goroutine.
func (l *Logger) StartCleanup(ctx context.Context) {
	if l.cleanupInterval <= 0 {
		return
	}

	l.cleanupOnce.Do(func() {
		go l.runCleanupLoop(ctx)
	})
}

func (l *Logger) runCleanupLoop(ctx context.Context) {
	l.logger.InfoCtx(ctx, "starting api log cleanup loop",
		log.Duration("interval", l.cleanupInterval),
		log.Duration("retention", l.retention),
	)

	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.InfoCtx(ctx, "stopping api log cleanup loop")
			return
		case <-ticker.C:
			if n := l.Cleanup(); n > 0 {
				l.logger.DebugCtx(ctx, "api log cleanup completed",
					log.Int("entries_deleted", n),
				)
			}
		}
	}
}

// Cleanup drops entries older than the retention and returns how many
// were dropped.
func (l *Logger) Cleanup() int {
	horizon := l.now().Add(-l.retention)

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.entries.DeleteFunc(func(e Entry) bool {
		return e.Timestamp.Before(horizon)
	})
}
