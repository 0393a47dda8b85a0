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

package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/namansharma28/gravitas/httpclient"
	"github.com/namansharma28/gravitas/internal/otelutils"
	"github.com/namansharma28/gravitas/log"
	"go.gearno.de/crypto/uuid"
	"golang.org/x/time/rate"
)

type (
	// Reporter is an external error tracking service. Implementations
	// must not block the caller for long; HTTPReporter queues events.
	Reporter interface {
		CaptureException(ctx context.Context, err error, fields map[string]any)
		CaptureMessage(ctx context.Context, msg string, level Level, fields map[string]any)

		// SetUser attributes the following events to u, or to nobody
		// when u is nil.
		SetUser(ctx context.Context, u *User)
	}

	ReporterOption func(r *HTTPReporter)

	// HTTPReporter delivers events as JSON to the ingestion endpoint
	// named by a DSN of the form scheme://<key>@host[:port]/<project>.
	// Events are queued and sent by one background goroutine,
	// throttled by a token bucket. Events that do not fit in the
	// queue are dropped.
	HTTPReporter struct {
		endpoint    string
		key         string
		environment string
		release     string

		client  *http.Client
		logger  *log.Logger
		limiter *rate.Limiter
		user    atomic.Pointer[User]

		queueSize int
		queue     chan *Event
		dropped   atomic.Int64

		closeOnce sync.Once
		done      chan struct{}
		stopped   chan struct{}
	}

	// Event is the payload posted to the ingestion endpoint.
	Event struct {
		ID          string         `json:"event_id"`
		Timestamp   time.Time      `json:"timestamp"`
		Level       Level          `json:"level"`
		Message     string         `json:"message"`
		Exception   *Exception     `json:"exception,omitempty"`
		User        *User          `json:"user,omitempty"`
		Extra       map[string]any `json:"extra,omitempty"`
		Environment string         `json:"environment,omitempty"`
		Release     string         `json:"release,omitempty"`
	}

	Exception struct {
		Type       string `json:"type"`
		Value      string `json:"value"`
		Stacktrace string `json:"stacktrace,omitempty"`
	}
)

var (
	_ Reporter = (*HTTPReporter)(nil)

	ErrInvalidDSN = errors.New("invalid dsn")
)

// WithReporterLogger sets the logger delivery failures are logged to.
func WithReporterLogger(l *log.Logger) ReporterOption {
	return func(r *HTTPReporter) {
		r.logger = l.Named("reporter")
	}
}

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) ReporterOption {
	return func(r *HTTPReporter) {
		r.client = c
	}
}

// WithQueueSize sets how many events may wait for delivery. Default
// is 100.
func WithQueueSize(n int) ReporterOption {
	return func(r *HTTPReporter) {
		r.queueSize = n
	}
}

// WithDeliveryRate throttles delivery to limit events per second with
// the given burst. Default is 10 events per second, burst 20.
func WithDeliveryRate(limit rate.Limit, burst int) ReporterOption {
	return func(r *HTTPReporter) {
		r.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithEnvironment tags every event with env.
func WithEnvironment(env string) ReporterOption {
	return func(r *HTTPReporter) {
		r.environment = env
	}
}

// WithRelease tags every event with release.
func WithRelease(release string) ReporterOption {
	return func(r *HTTPReporter) {
		r.release = release
	}
}

// ParseDSN returns the ingestion endpoint and the key of dsn.
func ParseDSN(dsn string) (endpoint, key string, err error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", "", fmt.Errorf("cannot parse dsn: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDSN, u.Scheme)
	}

	if u.User == nil || u.User.Username() == "" {
		return "", "", fmt.Errorf("%w: missing key", ErrInvalidDSN)
	}

	if u.Host == "" {
		return "", "", fmt.Errorf("%w: missing host", ErrInvalidDSN)
	}

	project := strings.Trim(u.Path, "/")
	if project == "" || strings.Contains(project, "/") {
		return "", "", fmt.Errorf("%w: missing project", ErrInvalidDSN)
	}

	endpoint = (&url.URL{
		Scheme: u.Scheme,
		Host:   u.Host,
		Path:   "/api/" + project + "/events",
	}).String()

	return endpoint, u.User.Username(), nil
}

// ReporterFromDSN returns nil, and no error, when dsn is empty so that
// error tracking is simply off.
func ReporterFromDSN(dsn string, options ...ReporterOption) (*HTTPReporter, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, nil
	}

	return NewHTTPReporter(dsn, options...)
}

func NewHTTPReporter(dsn string, options ...ReporterOption) (*HTTPReporter, error) {
	endpoint, key, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	r := &HTTPReporter{
		endpoint:  endpoint,
		key:       key,
		logger:    log.NewLogger(log.WithOutput(io.Discard)),
		limiter:   rate.NewLimiter(10, 20),
		queueSize: 100,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	for _, o := range options {
		o(r)
	}

	if r.client == nil {
		r.client = httpclient.DefaultPooledClient(
			httpclient.WithLogger(r.logger),
			httpclient.WithTimeout(5*time.Second),
		)
	}

	r.queue = make(chan *Event, r.queueSize)

	go r.run()

	return r, nil
}

func (r *HTTPReporter) CaptureException(ctx context.Context, err error, fields map[string]any) {
	exc := &Exception{
		Type:  fmt.Sprintf("%T", err),
		Value: otelutils.Message(err),
	}

	var st stackTracer
	if errors.As(err, &st) {
		exc.Stacktrace = st.Stack()
	}

	msg, _ := fields["message"].(string)
	if msg == "" {
		msg = exc.Value
	}

	r.enqueue(ctx, &Event{
		Level:     LevelError,
		Message:   msg,
		Exception: exc,
		Extra:     fields,
	})
}

func (r *HTTPReporter) CaptureMessage(ctx context.Context, msg string, level Level, fields map[string]any) {
	r.enqueue(ctx, &Event{
		Level:   level,
		Message: otelutils.ToValidUTF8(msg),
		Extra:   fields,
	})
}

func (r *HTTPReporter) SetUser(_ context.Context, u *User) {
	if u == nil {
		r.user.Store(nil)
		return
	}

	cp := *u
	r.user.Store(&cp)
}

// Dropped returns how many events were discarded because the queue was
// full or the reporter closed.
func (r *HTTPReporter) Dropped() int64 {
	return r.dropped.Load()
}

func (r *HTTPReporter) enqueue(ctx context.Context, e *Event) {
	id, err := uuid.NewV7()
	if err != nil {
		r.logger.DebugCtx(ctx, "cannot generate event id", log.Error(err))
		r.dropped.Add(1)
		return
	}

	// Extra is marshaled by the delivery goroutine; the caller keeps
	// ownership of its map.
	e.Extra = maps.Clone(e.Extra)
	e.ID = id.String()
	e.Timestamp = time.Now()
	e.User = r.user.Load()
	e.Environment = r.environment
	e.Release = r.release

	select {
	case <-r.done:
		r.dropped.Add(1)
		return
	default:
	}

	select {
	case r.queue <- e:
	default:
		r.dropped.Add(1)
		r.logger.DebugCtx(ctx, "error reporter queue is full, dropping event")
	}
}

func (r *HTTPReporter) run() {
	defer close(r.stopped)

	ctx := context.Background()

	for {
		select {
		case e := <-r.queue:
			r.deliver(ctx, e)
		case <-r.done:
			for {
				select {
				case e := <-r.queue:
					r.deliver(ctx, e)
				default:
					return
				}
			}
		}
	}
}

func (r *HTTPReporter) deliver(ctx context.Context, e *Event) {
	if err := r.limiter.Wait(ctx); err != nil {
		r.dropped.Add(1)
		return
	}

	if err := r.send(ctx, e); err != nil {
		r.logger.DebugCtx(ctx, "cannot deliver error event", log.Error(err))
	}
}

func (r *HTTPReporter) send(ctx context.Context, e *Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cannot marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("cannot create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.key)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot post event: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	return nil
}

// Close stops accepting events and waits until the queued ones are
// delivered or ctx is done.
func (r *HTTPReporter) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		close(r.done)
	})

	select {
	case <-r.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cannot drain error reporter: %w", ctx.Err())
	}
}
