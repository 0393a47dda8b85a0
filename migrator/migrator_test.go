package migrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/namansharma28/gravitas/pg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type (
	fakeDB struct {
		versions []string
		execs    []string
		locks    []pg.AdvisoryLock
		failOn   string
	}

	fakeConn struct {
		db *fakeDB
	}

	fakeRows struct {
		pgx.Rows
		values []string
		i      int
	}
)

func (r *fakeRows) Next() bool {
	r.i++
	return r.i <= len(r.values)
}

func (r *fakeRows) Scan(dest ...any) error {
	*dest[0].(*string) = r.values[r.i-1]
	return nil
}

func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     {}

func (c *fakeConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if c.db.failOn != "" && strings.Contains(sql, c.db.failOn) {
		return pgconn.CommandTag{}, errors.New("syntax error")
	}

	c.db.execs = append(c.db.execs, strings.TrimSpace(sql))
	if strings.HasPrefix(sql, "INSERT INTO schema_versions") {
		c.db.versions = append(c.db.versions, args[0].(string))
	}

	return pgconn.NewCommandTag("OK"), nil
}

func (c *fakeConn) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return &fakeRows{values: c.db.versions}, nil
}

func (c *fakeConn) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("unexpected QueryRow")
}

func (db *fakeDB) WithAdvisoryLock(_ context.Context, lock pg.AdvisoryLock, exec pg.ExecFunc) error {
	db.locks = append(db.locks, lock)
	return exec(&fakeConn{db: db})
}

func (db *fakeDB) WithTx(_ context.Context, exec pg.ExecFunc) error {
	return exec(&fakeConn{db: db})
}

func TestMigrator_Run(t *testing.T) {
	fsys := fstest.MapFS{
		"002_index.sql":  {Data: []byte("CREATE INDEX b")},
		"001_table.sql":  {Data: []byte("CREATE TABLE a")},
		"README.md":      {Data: []byte("not a migration")},
		"003_column.sql": {Data: []byte("ALTER TABLE a")},
	}

	db := &fakeDB{versions: []string{"001_table"}}

	err := NewMigrator(db, fsys).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []pg.AdvisoryLock{MigrationAdvisoryLock}, db.locks)
	assert.Equal(t, []string{"001_table", "002_index", "003_column"}, db.versions)
	assert.NotContains(t, db.execs, "CREATE TABLE a")
	assert.Contains(t, db.execs, "CREATE INDEX b")

	db.execs = nil
	require.NoError(t, NewMigrator(db, fsys).Run(context.Background()))
	assert.Len(t, db.execs, 1, "only the schema_versions table creation")
}

func TestMigrator_Run_Failure(t *testing.T) {
	fsys := fstest.MapFS{
		"001_table.sql": {Data: []byte("CREATE TABLE a")},
		"002_bad.sql":   {Data: []byte("CREATE BAD")},
	}

	db := &fakeDB{failOn: "CREATE BAD"}

	err := NewMigrator(db, fsys).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"002_bad"`)
	assert.Equal(t, []string{"001_table"}, db.versions)
}

func TestMigrator_Run_Empty(t *testing.T) {
	db := &fakeDB{}

	require.NoError(t, NewMigrator(db, fstest.MapFS{}).Run(context.Background()))
	assert.Empty(t, db.locks)
}
