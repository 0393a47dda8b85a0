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

// Package config loads the gravitas configuration. Defaults are set in
// code, then an optional YAML file is applied, then environment
// variables override both.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"sigs.k8s.io/yaml"
)

type (
	Config struct {
		Environment string `json:"environment" env:"APP_ENV"`

		HTTP      HTTPConfig      `json:"http"`
		Metrics   MetricsConfig   `json:"metrics"`
		Tracing   TracingConfig   `json:"tracing"`
		Session   SessionConfig   `json:"session"`
		RateLimit RateLimitConfig `json:"rate-limit"`
		Redis     RedisConfig     `json:"redis"`
		Postgres  PostgresConfig  `json:"postgres"`
		Monitor   MonitorConfig   `json:"monitor"`
		APILog    APILogConfig    `json:"api-log"`
	}

	HTTPConfig struct {
		Addr string `json:"addr" env:"HTTP_ADDR"`

		// RouteTimeout bounds every wrapped handler. Zero disables
		// it.
		RouteTimeout Duration `json:"route-timeout" env:"ROUTE_TIMEOUT"`
	}

	MetricsConfig struct {
		Addr string `json:"addr" env:"METRICS_ADDR"`
	}

	TracingConfig struct {
		Enabled       bool   `json:"enabled" env:"TRACING_ENABLED"`
		Addr          string `json:"addr" env:"TRACING_ADDR"`
		Insecure      bool   `json:"insecure" env:"TRACING_INSECURE"`
		MaxBatchSize  int    `json:"max-batch-size"`
		BatchTimeout  int    `json:"batch-timeout"`
		ExportTimeout int    `json:"export-timeout"`
		MaxQueueSize  int    `json:"max-queue-size"`
	}

	SessionConfig struct {
		Secret       string   `json:"secret" env:"SESSION_SECRET"`
		Issuer       string   `json:"issuer" env:"SESSION_ISSUER"`
		AdminUserIDs []string `json:"admin-user-ids" env:"ADMIN_USER_IDS" envSeparator:","`
	}

	RateLimitConfig struct {
		Store           string   `json:"store" env:"RATELIMIT_STORE"`
		CleanupInterval Duration `json:"cleanup-interval" env:"RATELIMIT_CLEANUP_INTERVAL"`
	}

	RedisConfig struct {
		Addr     string `json:"addr" env:"REDIS_ADDR"`
		Password string `json:"password" env:"REDIS_PASSWORD"`
		DB       int    `json:"db" env:"REDIS_DB"`
	}

	PostgresConfig struct {
		Addr     string `json:"addr" env:"PG_ADDR"`
		User     string `json:"user" env:"PG_USER"`
		Password string `json:"password" env:"PG_PASSWORD"`
		Database string `json:"database" env:"PG_DATABASE"`
		PoolSize int32  `json:"pool-size" env:"PG_POOL_SIZE"`
	}

	MonitorConfig struct {
		// DSN enables forwarding to an external error tracker.
		DSN        string `json:"dsn" env:"ERROR_TRACKING_DSN"`
		MaxEntries int    `json:"max-entries" env:"MONITOR_MAX_ENTRIES"`
	}

	APILogConfig struct {
		MaxEntries      int      `json:"max-entries" env:"APILOG_MAX_ENTRIES"`
		Retention       Duration `json:"retention" env:"APILOG_RETENTION"`
		CleanupInterval Duration `json:"cleanup-interval" env:"APILOG_CLEANUP_INTERVAL"`
		SlowThreshold   Duration `json:"slow-threshold" env:"SLOW_REQUEST_THRESHOLD"`
	}

	// Duration is a time.Duration written as "1h30m" in files and
	// environment variables.
	Duration time.Duration
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"

	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("cannot parse duration: %w", err)
	}

	*d = Duration(v)
	return nil
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Environment: EnvDevelopment,
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Tracing: TracingConfig{
			Addr:          "localhost:4318",
			MaxBatchSize:  1024,
			BatchTimeout:  10,
			ExportTimeout: 15,
			MaxQueueSize:  5000,
		},
		RateLimit: RateLimitConfig{
			Store:           StoreMemory,
			CleanupInterval: Duration(time.Minute),
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Postgres: PostgresConfig{
			Addr:     "localhost:5432",
			User:     "postgres",
			Database: "postgres",
			PoolSize: 10,
		},
		Monitor: MonitorConfig{
			MaxEntries: 1000,
		},
		APILog: APILogConfig{
			MaxEntries:      1000,
			Retention:       Duration(24 * time.Hour),
			CleanupInterval: Duration(time.Hour),
			SlowThreshold:   Duration(time.Second),
		},
	}
}

// Load builds the configuration from the defaults, the YAML file at
// filename if not empty, and environ. A nil environ reads the process
// environment.
func Load(filename string, environ map[string]string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		blob, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("cannot read %q: %w", filename, err)
		}

		if err := yaml.Unmarshal(blob, cfg); err != nil {
			return nil, fmt.Errorf("cannot decode %q: %w", filename, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("cannot parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Environ returns the process environment completed by the variables
// of the dotenv file at filename. Variables already set in the process
// win. An empty filename returns nil, which Load reads as the process
// environment.
func Environ(filename string) (map[string]string, error) {
	if filename == "" {
		return nil, nil
	}

	environ, err := godotenv.Read(filename)
	if err != nil {
		return nil, fmt.Errorf("cannot read env file %q: %w", filename, err)
	}

	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			environ[k] = v
		}
	}

	return environ, nil
}

func (c *Config) Production() bool {
	return c.Environment == EnvProduction
}

// IsAdmin reports whether userID is listed as an administrator.
func (c *Config) IsAdmin(userID string) bool {
	return userID != "" && slices.Contains(c.Session.AdminUserIDs, userID)
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		errs = append(errs, fmt.Errorf("unknown environment %q", c.Environment))
	}

	switch c.RateLimit.Store {
	case StoreMemory, StoreRedis, StorePostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown rate limit store %q", c.RateLimit.Store))
	}

	if c.RateLimit.CleanupInterval <= 0 {
		errs = append(errs, errors.New("rate limit cleanup interval must be positive"))
	}

	if c.Monitor.MaxEntries <= 0 {
		errs = append(errs, errors.New("monitor max entries must be positive"))
	}

	if c.APILog.MaxEntries <= 0 {
		errs = append(errs, errors.New("api log max entries must be positive"))
	}

	if c.APILog.Retention <= 0 || c.APILog.CleanupInterval <= 0 {
		errs = append(errs, errors.New("api log retention and cleanup interval must be positive"))
	}

	if c.HTTP.RouteTimeout < 0 {
		errs = append(errs, errors.New("route timeout cannot be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}

	return nil
}
