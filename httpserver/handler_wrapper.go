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
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/namansharma28/gravitas/internal/otelutils"
	"github.com/namansharma28/gravitas/internal/version"
	"github.com/namansharma28/gravitas/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/crypto/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

type (
	handlerWrapper struct {
		next            http.Handler
		requestsTotal   *prometheus.CounterVec
		requestDuration *prometheus.HistogramVec
		responseSize    *prometheus.HistogramVec
		tracer          trace.Tracer
		logger          *log.Logger
	}

	internalErrorResponse struct {
		Error     string `json:"error"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	}
)

const (
	tracerName = "github.com/namansharma28/gravitas/httpserver"

	// RequestIDHeader carries the id of a request, from the client or
	// minted here, to every layer below and back to the client.
	RequestIDHeader = "X-Request-ID"
)

func registerCollector[T prometheus.Collector](r prometheus.Registerer, c T) T {
	if err := r.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(T)
		}
	}

	return c
}

func newHandlerWrapper(
	next http.Handler,
	logger *log.Logger,
	tp trace.TracerProvider,
	registerer prometheus.Registerer,
) *handlerWrapper {
	metricLabels := []string{
		"method",
		"status_code",
		"path",
	}

	requestsTotal := registerCollector(
		registerer,
		prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: "http_server",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests served.",
			},
			metricLabels,
		),
	)

	requestDuration := registerCollector(
		registerer,
		prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: "http_server",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			metricLabels,
		),
	)

	responseSize := registerCollector(
		registerer,
		prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: "http_server",
				Name:      "response_size_bytes",
				Help:      "Size of HTTP responses in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 5),
			},
			metricLabels,
		),
	)

	return &handlerWrapper{
		next:   next,
		logger: logger,
		tracer: tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.Version),
		),
		requestsTotal:   requestsTotal,
		requestDuration: requestDuration,
		responseSize:    responseSize,
	}
}

func (hw *handlerWrapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Bypass for OPTIONS request to avoid telemetry, metrics and
	// logging noise.
	if r.Method == http.MethodOptions {
		hw.next.ServeHTTP(w, r)
		return
	}

	if r.URL.Path == "/health" {
		RenderJSON(w, http.StatusOK, struct{}{})
		return
	}

	var (
		r2        = r.Clone(r.Context())
		ctx       = r2.Context()
		start     = time.Now()
		requestID = r2.Header.Get(RequestIDHeader)
		ww        = NewWrapResponseWriter(w)
		logger    = hw.logger.With(
			log.String("http_request_method", r2.Method),
			log.String("http_request_host", r2.Host),
			log.String("http_request_path", r2.URL.Path),
			log.String("http_request_user_agent", r2.UserAgent()),
			log.String("http_request_client_ip", r2.RemoteAddr),
		)
	)

	if requestID == "" || len(requestID) > 128 {
		id, err := uuid.NewV7()
		if err != nil {
			logger.ErrorCtx(ctx, "cannot generate request id", log.Error(err))
		}

		requestID = id.String()
	}
	r2.Header.Set(RequestIDHeader, requestID)
	ww.Header().Set(RequestIDHeader, requestID)
	logger = logger.With(log.String("http_request_id", requestID))

	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r2.Header))

	ctx, span := hw.tracer.Start(
		ctx,
		fmt.Sprintf("%s %s", r2.Method, r2.URL.Path),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r2.Method),
			semconv.URLPath(r2.URL.Path),
			semconv.ServerAddress(r2.Host),
			semconv.UserAgentOriginal(r2.UserAgent()),
			semconv.ClientAddress(r2.RemoteAddr),
			attribute.String("http.request_id", requestID),
		),
	)
	defer span.End()

	// Hack to get route pattern from Chi. As today using the STD
	// router will require to much works to have proper sub router
	// support, a task for later.
	ctx = context.WithValue(ctx, chi.RouteCtxKey, chi.NewRouteContext())

	defer func() {
		duration := time.Since(start)
		rvr := recover()
		if rvr == http.ErrAbortHandler {
			panic(rvr)
		}

		if rvr != nil {
			if err, ok := rvr.(error); ok {
				otelutils.RecordError(span, err)
			} else if span.IsRecording() {
				span.SetStatus(codes.Error, otelutils.Message(rvr))
			}

			stack := make([]byte, 4096)
			length := runtime.Stack(stack, false)

			logger = logger.With(
				log.String("error", otelutils.Message(rvr)),
				log.String("stacktrace", string(stack[:length])),
			)

			if !ww.WroteHeader() {
				RenderJSON(
					ww,
					http.StatusInternalServerError,
					internalErrorResponse{
						Error:     "Internal server error",
						Message:   "An unexpected error occurred",
						RequestID: requestID,
					},
				)
			}
		}

		status := ww.Status()
		if rvr != nil {
			status = http.StatusInternalServerError
		}

		metricLabels := prometheus.Labels{
			"method":      r2.Method,
			"status_code": strconv.Itoa(status),
			"path":        chi.RouteContext(ctx).RoutePattern(),
		}

		hw.requestsTotal.With(metricLabels).Inc()
		hw.requestDuration.With(metricLabels).Observe(duration.Seconds())
		hw.responseSize.With(metricLabels).Observe(float64(ww.BytesWritten()))

		msg := fmt.Sprintf(
			"%s %s %d %s %s",
			r2.Method,
			r2.URL.Path,
			status,
			formatSize(ww.BytesWritten()),
			duration,
		)

		logger = logger.With(
			log.Int("http_response_size", ww.BytesWritten()),
			log.Int("http_response_status", status),
		)

		if span.IsRecording() {
			span.SetAttributes(semconv.HTTPResponseStatusCode(status))

			if status > 499 && rvr == nil {
				span.SetStatus(codes.Error, fmt.Sprintf("%d status code", status))
			}
		}

		if status > 499 {
			logger.ErrorCtx(ctx, msg)
		} else {
			logger.InfoCtx(ctx, msg)
		}
	}()

	hw.next.ServeHTTP(ww, r2.WithContext(ctx))
}

func formatSize(n int) string {
	switch {
	case n < 1000:
		return fmt.Sprintf("%dB", n)
	case n < 1_000_000:
		return fmt.Sprintf("%.1fkB", float64(n)/1e3)
	case n < 1_000_000_000:
		return fmt.Sprintf("%.1fMB", float64(n)/1e6)
	default:
		return fmt.Sprintf("%.1fGB", float64(n)/1e9)
	}
}
