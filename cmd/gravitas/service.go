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

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/namansharma28/gravitas/api"
	"github.com/namansharma28/gravitas/apilog"
	"github.com/namansharma28/gravitas/applog"
	"github.com/namansharma28/gravitas/config"
	"github.com/namansharma28/gravitas/httpclient"
	"github.com/namansharma28/gravitas/httpserver"
	"github.com/namansharma28/gravitas/internal/version"
	"github.com/namansharma28/gravitas/log"
	"github.com/namansharma28/gravitas/middleware"
	"github.com/namansharma28/gravitas/migrator"
	"github.com/namansharma28/gravitas/monitor"
	"github.com/namansharma28/gravitas/pg"
	"github.com/namansharma28/gravitas/ratelimit"
	"github.com/namansharma28/gravitas/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

type (
	service struct{}
)

func (s *service) Run(
	ctx context.Context,
	cfg *config.Config,
	logger *log.Logger,
	registerer prometheus.Registerer,
	tp trace.TracerProvider,
) error {
	store, closeStore, err := newStore(ctx, cfg, logger, registerer, tp)
	if err != nil {
		return err
	}
	defer closeStore()

	limiter := ratelimit.NewLimiter(
		ratelimit.WithStore(store),
		ratelimit.WithLogger(logger),
		ratelimit.WithTracerProvider(tp),
		ratelimit.WithRegisterer(registerer),
		ratelimit.WithCleanupInterval(cfg.RateLimit.CleanupInterval.Duration()),
	)
	limiter.StartCleanup(ctx)

	monitorOptions := []monitor.Option{
		monitor.WithMaxEntries(cfg.Monitor.MaxEntries),
		monitor.WithLogger(logger),
		monitor.WithRegisterer(registerer),
	}

	reporter, err := monitor.ReporterFromDSN(
		cfg.Monitor.DSN,
		monitor.WithReporterLogger(logger),
		monitor.WithEnvironment(cfg.Environment),
		monitor.WithRelease(version.Version),
		monitor.WithHTTPClient(
			httpclient.DefaultPooledClient(
				httpclient.WithLogger(logger),
				httpclient.WithTracerProvider(tp),
				httpclient.WithRegisterer(registerer),
				httpclient.WithTimeout(5*time.Second),
			),
		),
	)
	if err != nil {
		return fmt.Errorf("cannot create error reporter: %w", err)
	}

	if reporter != nil {
		monitorOptions = append(monitorOptions, monitor.WithReporter(reporter))

		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := reporter.Close(closeCtx); err != nil {
				logger.Warn("cannot flush error reporter", log.Error(err))
			}
		}()
	}

	m := monitor.NewMonitor(monitorOptions...)

	calls := apilog.NewLogger(
		apilog.WithMaxEntries(cfg.APILog.MaxEntries),
		apilog.WithRetention(cfg.APILog.Retention.Duration()),
		apilog.WithCleanupInterval(cfg.APILog.CleanupInterval.Duration()),
		apilog.WithSlowThreshold(cfg.APILog.SlowThreshold.Duration()),
		apilog.WithLogger(logger),
		apilog.WithRegisterer(registerer),
	)
	calls.StartCleanup(ctx)

	app := applog.NewLogger(
		m,
		applog.WithLogger(logger),
		applog.WithProduction(cfg.Production()),
	)

	chainOptions := []middleware.Option{
		middleware.WithLogger(logger),
		middleware.WithRegisterer(registerer),
		middleware.WithSlowThreshold(cfg.APILog.SlowThreshold.Duration()),
		middleware.WithDefaultTimeout(cfg.HTTP.RouteTimeout.Duration()),
	}

	var sessions session.Lookup
	if cfg.Session.Secret != "" {
		jwtLookup, err := session.NewJWTLookup(cfg.Session.Secret, session.WithIssuer(cfg.Session.Issuer))
		if err != nil {
			return fmt.Errorf("cannot create session lookup: %w", err)
		}

		sessions = jwtLookup
		chainOptions = append(chainOptions, middleware.WithSessionLookup(jwtLookup))
	} else {
		app.Warn(ctx, "no session secret configured, admin routes are disabled", nil)
	}

	router := api.NewRouter(
		api.Deps{
			Chain:    middleware.NewChain(limiter, m, calls, chainOptions...),
			Limiter:  limiter,
			Monitor:  m,
			Calls:    calls,
			AppLog:   app,
			Sessions: sessions,
			IsAdmin:  cfg.IsAdmin,
		},
	)

	server := httpserver.NewServer(
		cfg.HTTP.Addr,
		router,
		httpserver.WithLogger(logger),
		httpserver.WithTracerProvider(tp),
		httpserver.WithRegisterer(registerer),
	)

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", server.Addr, err)
	}
	defer listener.Close()

	serverErrCh := make(chan error, 1)
	go func() {
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("cannot serve http request: %w", err)
		}
		close(serverErrCh)
	}()

	app.Success(
		ctx,
		"gravitas started",
		map[string]any{
			"addr":       server.Addr,
			"store":      cfg.RateLimit.Store,
			"reporting":  reporter != nil,
			"production": cfg.Production(),
		},
	)

	select {
	case err := <-serverErrCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown http server: %w", err)
	}

	return nil
}

func newStore(
	ctx context.Context,
	cfg *config.Config,
	logger *log.Logger,
	registerer prometheus.Registerer,
	tp trace.TracerProvider,
) (ratelimit.Store, func(), error) {
	switch cfg.RateLimit.Store {
	case config.StoreRedis:
		client := redis.NewClient(
			&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			},
		)

		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("cannot ping redis: %w", err)
		}

		return ratelimit.NewRedisStore(client), func() { _ = client.Close() }, nil

	case config.StorePostgres:
		client, err := pg.NewClient(
			pg.WithAddr(cfg.Postgres.Addr),
			pg.WithUser(cfg.Postgres.User),
			pg.WithPassword(cfg.Postgres.Password),
			pg.WithDatabase(cfg.Postgres.Database),
			pg.WithPoolSize(cfg.Postgres.PoolSize),
			pg.WithLogger(logger),
			pg.WithTracerProvider(tp),
			pg.WithRegisterer(registerer),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot create postgres client: %w", err)
		}

		m := migrator.NewMigrator(client, ratelimit.PGMigrations(), migrator.WithLogger(logger))
		if err := m.Run(ctx); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("cannot migrate database: %w", err)
		}

		return ratelimit.NewPGStore(client), client.Close, nil

	default:
		return ratelimit.NewMemoryStore(), func() {}, nil
	}
}
