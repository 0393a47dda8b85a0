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
	"bytes"
	"maps"
	"net/http"
	"sync"
)

type (
	// timeoutWriter buffers a response until the handler returns so
	// that nothing reaches the client once the deadline passed.
	timeoutWriter struct {
		mu          sync.Mutex
		h           http.Header
		buf         bytes.Buffer
		code        int
		wroteHeader bool
		discarded   bool
	}
)

func newTimeoutWriter(h http.Header) *timeoutWriter {
	return &timeoutWriter{h: h.Clone()}
}

func (tw *timeoutWriter) Header() http.Header {
	return tw.h
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.writeHeaderLocked(code)
}

func (tw *timeoutWriter) writeHeaderLocked(code int) {
	if tw.discarded || tw.wroteHeader {
		return
	}

	tw.code = code
	tw.wroteHeader = true
}

func (tw *timeoutWriter) Write(p []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.discarded {
		return 0, http.ErrHandlerTimeout
	}

	if !tw.wroteHeader {
		tw.writeHeaderLocked(http.StatusOK)
	}

	return tw.buf.Write(p)
}

// discard makes every later write fail with http.ErrHandlerTimeout.
func (tw *timeoutWriter) discard() {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.discarded = true
	tw.buf.Reset()
}

func (tw *timeoutWriter) flushTo(w http.ResponseWriter) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	maps.Copy(w.Header(), tw.h)

	if !tw.wroteHeader {
		tw.code = http.StatusOK
	}

	w.WriteHeader(tw.code)
	_, _ = w.Write(tw.buf.Bytes())
}
