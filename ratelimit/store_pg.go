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
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/namansharma28/gravitas/pg"
	"go.gearno.de/x/panicf"
)

type (
	// DB is the subset of *pg.Client used by PGStore.
	DB interface {
		WithConn(context.Context, pg.ExecFunc) error
		WithTx(context.Context, pg.ExecFunc) error
	}

	// PGStore keeps windows in the UNLOGGED rate_limit_windows
	// table. The table skips the WAL; windows are lost on a database
	// crash, which only means clients get a fresh window.
	PGStore struct {
		db DB
	}
)

var (
	_ Store = (*PGStore)(nil)

	//go:embed migrations/*.sql
	migrations embed.FS
)

// PGMigrations returns the schema of PGStore, to be applied with the
// migrator package before NewPGStore is used.
func PGMigrations() fs.FS {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		panicf.Panic("cannot open embedded migrations: %w", err)
	}

	return sub
}

func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Take(ctx context.Context, key string, rate Rate, now time.Time) (Window, bool, error) {
	var (
		w       Window
		allowed bool
	)

	err := s.db.WithTx(ctx, func(conn pg.Conn) error {
		var (
			count   int
			resetAt int64
		)

		// The upsert admits the request in a single statement so that
		// concurrent first requests for a key serialize on the row
		// conflict. It returns no row when the window is full.
		q := `
INSERT INTO rate_limit_windows (key, count, reset_at)
VALUES ($1, 1, $2)
ON CONFLICT (key) DO UPDATE SET
    count = CASE
        WHEN rate_limit_windows.reset_at <= $3 THEN 1
        ELSE rate_limit_windows.count + 1
    END,
    reset_at = CASE
        WHEN rate_limit_windows.reset_at <= $3 THEN EXCLUDED.reset_at
        ELSE rate_limit_windows.reset_at
    END
WHERE rate_limit_windows.reset_at <= $3
   OR rate_limit_windows.count < $4
RETURNING count, reset_at
`
		err := conn.QueryRow(ctx, q, key, now.Add(rate.Window).UnixMilli(), now.UnixMilli(), rate.Limit).
			Scan(&count, &resetAt)
		switch {
		case err == nil:
			w = Window{Count: count, ResetAt: time.UnixMilli(resetAt)}
			allowed = true
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("cannot take window: %w", err)
		}

		q = `SELECT count, reset_at FROM rate_limit_windows WHERE key = $1`
		err = conn.QueryRow(ctx, q, key).Scan(&count, &resetAt)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			w = Window{Count: rate.Limit, ResetAt: now.Add(rate.Window)}
		case err != nil:
			return fmt.Errorf("cannot load window: %w", err)
		default:
			w = Window{Count: count, ResetAt: time.UnixMilli(resetAt)}
		}

		return nil
	})
	if err != nil {
		return Window{}, false, err
	}

	return w, allowed, nil
}

func (s *PGStore) Delete(ctx context.Context, key string) error {
	return s.db.WithConn(ctx, func(conn pg.Conn) error {
		q := `DELETE FROM rate_limit_windows WHERE key = $1`
		if _, err := conn.Exec(ctx, q, key); err != nil {
			return fmt.Errorf("cannot delete window: %w", err)
		}

		return nil
	})
}

func (s *PGStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64

	err := s.db.WithConn(ctx, func(conn pg.Conn) error {
		q := `DELETE FROM rate_limit_windows WHERE reset_at <= $1`
		tag, err := conn.Exec(ctx, q, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("cannot delete expired windows: %w", err)
		}

		deleted = tag.RowsAffected()
		return nil
	})

	return deleted, err
}
