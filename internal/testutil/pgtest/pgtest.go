// Package pgtest provides PostgreSQL helpers for store tests. Tests using it
// are skipped unless the TEST_DATABASE environment variable points at a
// database the suite may write to.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// Pool creates a connection pool for store tests and skips the test when no
// test database is configured.
func Pool(ctx context.Context, t testing.TB) *pgxpool.Pool {
	connString := os.Getenv("TEST_DATABASE")
	if connString == "" {
		t.Skip("TEST_DATABASE not set")
	}

	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))

	t.Cleanup(pool.Close)
	return pool
}

// Connect creates a single database connection for testing
func Connect(ctx context.Context, t testing.TB) *pgx.Conn {
	connString := os.Getenv("TEST_DATABASE")
	if connString == "" {
		t.Skip("TEST_DATABASE not set")
	}

	config, err := pgx.ParseConfig(connString)
	require.NoError(t, err)

	config.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		t.Logf("PostgreSQL %s: %s", n.Severity, n.Message)
	}

	conn, err := pgx.ConnectConfig(ctx, config)
	require.NoError(t, err)

	t.Cleanup(func() {
		Close(t, conn)
	})

	return conn
}

// Close safely closes a database connection
func Close(t testing.TB, conn *pgx.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Close(ctx))
}
