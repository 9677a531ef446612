package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y = ? LIMIT ?"

	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2 LIMIT $3", Postgres.Rebind(q))
	assert.Equal(t, q, SQLite.Rebind(q))
}

func TestNewDBRejectsUnknownDriver(t *testing.T) {
	_, err := NewDB("mysql", "whatever")
	assert.Error(t, err)
}

func TestMigrateSQLiteIsIdempotent(t *testing.T) {
	db, err := NewDB(string(SQLite), ":memory:")
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))
	require.NoError(t, db.Migrate(ctx))

	var n int
	require.NoError(t, db.Client.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('students','operators','fingerprints','withdrawals','refresh_tokens')`,
	).Scan(&n))
	assert.Equal(t, 5, n)
}

func TestIsUniqueViolation(t *testing.T) {
	ctx := context.Background()
	db, err := NewDB(string(SQLite), ":memory:")
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Client.ExecContext(ctx, `CREATE TABLE t (id INTEGER PRIMARY KEY, code TEXT UNIQUE, note TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Client.ExecContext(ctx, `INSERT INTO t (id, code, note) VALUES (1, 'a', 'x')`)
	require.NoError(t, err)

	_, err = db.Client.ExecContext(ctx, `INSERT INTO t (id, code, note) VALUES (2, 'a', 'x')`)
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", err)))
	_, err = db.Client.ExecContext(ctx, `INSERT INTO t (id, code, note) VALUES (1, 'b', 'x')`)
	assert.True(t, IsUniqueViolation(err))
	_, err = db.Client.ExecContext(ctx, `INSERT INTO t (id, code, note) VALUES (3, 'c', NULL)`)
	require.Error(t, err)
	assert.False(t, IsUniqueViolation(err), "NOT NULL is not a uniqueness failure")

	assert.True(t, IsUniqueViolation(fmt.Errorf("bind: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("UNIQUE constraint failed: spoofed text")))
	assert.False(t, IsUniqueViolation(nil))
}

func TestRedisPingWithoutClient(t *testing.T) {
	var r *Redis
	assert.ErrorIs(t, r.Ping(context.Background()), ErrRedisDisabled)
	assert.False(t, r.Healthy(context.Background()))
	assert.NoError(t, r.Close())
}
