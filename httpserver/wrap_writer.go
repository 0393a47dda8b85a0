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

package httpserver

import (
	"net/http"
)

type (
	// WrapResponseWriter records what a handler sends through it.
	WrapResponseWriter interface {
		http.ResponseWriter

		// Status returns the status code sent, or 200 when the
		// handler has not written anything yet.
		Status() int

		// BytesWritten returns the number of body bytes written.
		BytesWritten() int

		// WroteHeader reports whether the status line was sent.
		WroteHeader() bool

		// Unwrap lets http.ResponseController reach the original
		// writer.
		Unwrap() http.ResponseWriter
	}

	wrapResponseWriter struct {
		http.ResponseWriter

		code        int
		bytes       int
		wroteHeader bool
	}
)

var (
	_ WrapResponseWriter = (*wrapResponseWriter)(nil)
	_ http.Flusher       = (*wrapResponseWriter)(nil)
)

func NewWrapResponseWriter(w http.ResponseWriter) WrapResponseWriter {
	return &wrapResponseWriter{ResponseWriter: w}
}

func (w *wrapResponseWriter) WriteHeader(code int) {
	// Informational responses may precede the final one.
	if code >= 100 && code <= 199 && code != http.StatusSwitchingProtocols {
		w.ResponseWriter.WriteHeader(code)
		return
	}

	if w.wroteHeader {
		return
	}

	w.code = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *wrapResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	n, err := w.ResponseWriter.Write(b)
	w.bytes += n

	return n, err
}

func (w *wrapResponseWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *wrapResponseWriter) Status() int {
	if !w.wroteHeader {
		return http.StatusOK
	}

	return w.code
}

func (w *wrapResponseWriter) BytesWritten() int           { return w.bytes }
func (w *wrapResponseWriter) WroteHeader() bool           { return w.wroteHeader }
func (w *wrapResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
