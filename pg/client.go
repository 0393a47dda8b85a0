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

package pg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/namansharma28/gravitas/internal/otelutils"
	"github.com/namansharma28/gravitas/internal/version"
	"github.com/namansharma28/gravitas/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Client during
	// initialization.
	Option func(c *Client)

	// Client provides a PostgreSQL client with a connection pool,
	// query logging, tracing, and pool metrics.
	Client struct {
		addr     string
		user     string
		password string
		database string

		poolSize int32

		pool *pgxpool.Pool

		tracerProvider trace.TracerProvider
		tracer         trace.Tracer
		logger         *log.Logger
		registerer     prometheus.Registerer
	}

	ExecFunc func(Conn) error

	// AdvisoryLock is a session level PostgreSQL advisory lock id.
	AdvisoryLock int64
)

const (
	tracerName = "github.com/namansharma28/gravitas/pg"
)

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		c.logger = l.Named("pg.client")
	}
}

// WithAddr specifies the database address in "host:port" format.
func WithAddr(addr string) Option {
	return func(c *Client) {
		c.addr = addr
	}
}

// WithUser sets the database user.
func WithUser(user string) Option {
	return func(c *Client) {
		c.user = user
	}
}

// WithPassword sets the database password.
func WithPassword(password string) Option {
	return func(c *Client) {
		c.password = password
	}
}

// WithDatabase specifies the database to connect to.
func WithDatabase(database string) Option {
	return func(c *Client) {
		c.database = database
	}
}

func WithPoolSize(i int32) Option {
	return func(c *Client) {
		c.poolSize = i
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracerProvider = tp
	}
}

// WithRegisterer sets a custom Prometheus registerer for pool metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Client) {
		c.registerer = r
	}
}

// NewClient creates a new database client. The pool connects
// lazily, so a reachable server is not required here.
//
// Example:
//
//	client, err := pg.NewClient(
//	    pg.WithAddr("db.example.com:5432"),
//	    pg.WithUser("gravitas"),
//	    pg.WithPassword("password"),
//	)
func NewClient(options ...Option) (*Client, error) {
	c := &Client{
		addr:           "localhost:5432",
		user:           "postgres",
		database:       "postgres",
		poolSize:       10,
		logger:         log.NewLogger(log.WithOutput(io.Discard)),
		tracerProvider: otel.GetTracerProvider(),
		registerer:     prometheus.DefaultRegisterer,
	}

	for _, o := range options {
		o(c)
	}

	host, portStr, err := net.SplitHostPort(c.addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	config, err := pgxpool.ParseConfig("")
	if err != nil {
		return nil, fmt.Errorf("cannot create pool config: %w", err)
	}

	config.ConnConfig.Config.Host = host
	config.ConnConfig.Config.Port = uint16(port)
	config.ConnConfig.Config.User = c.user
	config.ConnConfig.Config.Password = c.password
	config.ConnConfig.Config.Database = c.database
	config.MinConns = 1
	config.MaxConns = c.poolSize

	c.tracer = c.tracerProvider.Tracer(
		tracerName,
		trace.WithInstrumentationVersion(version.Version),
	)

	config.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   &logger{c.logger},
		LogLevel: tracelog.LogLevelWarn,
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("cannot create connection pool from config: %w", err)
	}

	c.pool = pool
	c.registerPoolMetrics()

	return c, nil
}

func (c *Client) registerPoolMetrics() {
	labels := prometheus.Labels{"database": c.database, "addr": c.addr}

	gauges := map[string]func() float64{
		"acquired_connections": func() float64 { return float64(c.pool.Stat().AcquiredConns()) },
		"idle_connections":     func() float64 { return float64(c.pool.Stat().IdleConns()) },
		"total_connections":    func() float64 { return float64(c.pool.Stat().TotalConns()) },
		"max_connections":      func() float64 { return float64(c.pool.Stat().MaxConns()) },
	}

	for name, f := range gauges {
		g := prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Subsystem:   "pgxpool",
				Name:        name,
				Help:        "PostgreSQL pool " + name + ".",
				ConstLabels: labels,
			},
			f,
		)

		if err := c.registerer.Register(g); err != nil {
			c.logger.Warn("cannot register pool metric", log.String("metric", name), log.Error(err))
		}
	}
}

// Close closes the client's connection pool, releasing all resources.
func (c *Client) Close() {
	c.pool.Close()
}

// Ping checks that a connection can be acquired and used.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return fmt.Errorf("cannot ping database: %w", err)
	}

	return nil
}

// WithConn executes the given ExecFunc with a database connection
// from the pool.
func (c *Client) WithConn(ctx context.Context, exec ExecFunc) error {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = c.tracer.Start(
			ctx,
			"WithConn",
			trace.WithSpanKind(trace.SpanKindClient),
		)
		defer span.End()
	}

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		err := fmt.Errorf("cannot acquire connection: %w", err)
		otelutils.RecordError(span, err)
		return err
	}
	defer conn.Release()

	if err := exec(conn); err != nil {
		otelutils.RecordError(span, err)
		return err
	}

	return nil
}

// WithTx executes the given ExecFunc within a transaction. If `exec`
// returns an error, the transaction is rolled back; otherwise, it
// commits.
func (c *Client) WithTx(ctx context.Context, exec ExecFunc) error {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = c.tracer.Start(
			ctx,
			"WithTx",
			trace.WithSpanKind(trace.SpanKindClient),
		)
		defer span.End()
	}

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		err := fmt.Errorf("cannot acquire connection: %w", err)
		otelutils.RecordError(span, err)
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		err := fmt.Errorf("cannot begin transaction: %w", err)
		otelutils.RecordError(span, err)
		return err
	}

	if err := exec(tx); err != nil {
		if err2 := tx.Rollback(ctx); err2 != nil {
			err = errors.Join(
				err,
				fmt.Errorf("cannot rollback transaction: %w", err2),
			)
		}

		otelutils.RecordError(span, err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		err := fmt.Errorf("cannot commit transaction: %w", err)
		otelutils.RecordError(span, err)
		return err
	}

	return nil
}

// WithAdvisoryLock executes the given ExecFunc on a connection holding
// the advisory lock, waiting for other holders to release it first.
func (c *Client) WithAdvisoryLock(ctx context.Context, lock AdvisoryLock, exec ExecFunc) error {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = c.tracer.Start(
			ctx,
			"WithAdvisoryLock",
			trace.WithSpanKind(trace.SpanKindClient),
		)
		defer span.End()
	}

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		err := fmt.Errorf("cannot acquire connection: %w", err)
		otelutils.RecordError(span, err)
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", int64(lock)); err != nil {
		err := fmt.Errorf("cannot acquire advisory lock %d: %w", lock, err)
		otelutils.RecordError(span, err)
		return err
	}

	defer func() {
		q := "SELECT pg_advisory_unlock($1)"
		if _, err := conn.Exec(context.WithoutCancel(ctx), q, int64(lock)); err != nil {
			c.logger.WarnCtx(ctx, "cannot release advisory lock", log.Int64("lock", int64(lock)), log.Error(err))
		}
	}()

	if err := exec(conn); err != nil {
		otelutils.RecordError(span, err)
		return err
	}

	return nil
}
