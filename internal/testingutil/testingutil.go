package testingutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/pgbridge/pgbridge"
)

// TempDBPath returns a path for a database file in a per-test temp directory.
func TempDBPath(tb testing.TB) string {
	tb.Helper()
	return filepath.Join(tb.TempDir(), "db")
}

// OpenSQLDB opens a connection to a SQLite database.
func OpenSQLDB(tb testing.TB, dsn string) *sql.DB {
	tb.Helper()

	db, err := sql.Open(pgbridge.DriverName, dsn)
	if err != nil {
		tb.Fatal(err)
	}

	tb.Cleanup(func() {
		if err := db.Close(); err != nil {
			tb.Fatal(err)
		}
	})

	return db
}

// NewOpenManager returns an opened session manager that is closed at the
// end of the test.
func NewOpenManager(tb testing.TB, config pgbridge.Config) *pgbridge.SessionManager {
	tb.Helper()

	m := pgbridge.NewSessionManager(config)
	if err := m.Open(); err != nil {
		tb.Fatal(err)
	}

	tb.Cleanup(func() {
		if err := m.Close(); err != nil {
			tb.Fatal(err)
		}
	})

	return m
}

// MustCreateSession creates a new session on the manager and returns its handle.
func MustCreateSession(tb testing.TB, m *pgbridge.SessionManager) uuid.UUID {
	tb.Helper()

	session := uuid.New()
	if err := m.Create(context.Background(), session); err != nil {
		tb.Fatal(err)
	}
	return session
}

// MustExec executes a statement against the session, failing the test on error.
func MustExec(tb testing.TB, m *pgbridge.SessionManager, session uuid.UUID, query string, args ...interface{}) {
	tb.Helper()

	if err := m.RunMut(context.Background(), session, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, query, args...)
		return err
	}); err != nil {
		tb.Fatal(err)
	}
}

// QueryInt runs a single-row, single-column query against the session and
// returns the result as an int.
func QueryInt(tb testing.TB, m *pgbridge.SessionManager, session uuid.UUID, query string, args ...interface{}) int {
	tb.Helper()

	var v int
	if err := m.Run(context.Background(), session, func(ctx context.Context, conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, query, args...).Scan(&v)
	}); err != nil {
		tb.Fatal(err)
	}
	return v
}
