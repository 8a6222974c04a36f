package pgbridge_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgbridge/pgbridge"
	"github.com/pgbridge/pgbridge/internal/testingutil"
)

func TestFunctions_GenRandomUUID(t *testing.T) {
	m := testingutil.NewOpenManager(t, pgbridge.NewConfig(testingutil.TempDBPath(t)))
	session := testingutil.MustCreateSession(t, m)

	var s0, s1 string
	if err := m.Run(context.Background(), session, func(ctx context.Context, conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT gen_random_uuid(), uuid_generate_v4()`).Scan(&s0, &s1)
	}); err != nil {
		t.Fatal(err)
	}

	for _, s := range []string{s0, s1} {
		if _, err := uuid.Parse(s); err != nil {
			t.Fatalf("invalid uuid %q: %s", s, err)
		}
	}
	if s0 == s1 {
		t.Fatal("expected distinct uuids")
	}
}

func TestFunctions_Version(t *testing.T) {
	m := testingutil.NewOpenManager(t, pgbridge.NewConfig(testingutil.TempDBPath(t)))
	session := testingutil.MustCreateSession(t, m)

	var v string
	if err := m.Run(context.Background(), session, func(ctx context.Context, conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT version()`).Scan(&v)
	}); err != nil {
		t.Fatal(err)
	}
	if got, want := v, pgbridge.ServerVersion; got != want {
		t.Fatalf("version=%q, want %q", got, want)
	}
}

func TestFunctions_SplitPart(t *testing.T) {
	m := testingutil.NewOpenManager(t, pgbridge.NewConfig(testingutil.TempDBPath(t)))
	session := testingutil.MustCreateSession(t, m)

	for _, tt := range []struct {
		s, sep string
		n      int
		want   string
	}{
		{"a,b,c", ",", 1, "a"},
		{"a,b,c", ",", 3, "c"},
		{"a,b,c", ",", 4, ""},
		{"a,b,c", ",", 0, ""},
	} {
		var got string
		if err := m.Run(context.Background(), session, func(ctx context.Context, conn *sql.Conn) error {
			return conn.QueryRowContext(ctx, `SELECT split_part(?, ?, ?)`, tt.s, tt.sep, tt.n).Scan(&got)
		}); err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Fatalf("split_part(%q,%q,%d)=%q, want %q", tt.s, tt.sep, tt.n, got, tt.want)
		}
	}
}

func TestFunctions_Trunc(t *testing.T) {
	m := testingutil.NewOpenManager(t, pgbridge.NewConfig(testingutil.TempDBPath(t)))
	session := testingutil.MustCreateSession(t, m)

	var got float64
	if err := m.Run(context.Background(), session, func(ctx context.Context, conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT trunc(3.7)`).Scan(&got)
	}); err != nil {
		t.Fatal(err)
	}
	if want := 3.0; got != want {
		t.Fatalf("trunc(3.7)=%v, want %v", got, want)
	}

	if err := m.Run(context.Background(), session, func(ctx context.Context, conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT trunc(-3.7)`).Scan(&got)
	}); err != nil {
		t.Fatal(err)
	}
	if want := -3.0; got != want {
		t.Fatalf("trunc(-3.7)=%v, want %v", got, want)
	}
}

func TestFunctions_Regexp(t *testing.T) {
	m := testingutil.NewOpenManager(t, pgbridge.NewConfig(testingutil.TempDBPath(t)))
	session := testingutil.MustCreateSession(t, m)

	if got, want := testingutil.QueryInt(t, m, session, `SELECT 'hello' REGEXP '^h.*o$'`), 1; got != want {
		t.Fatalf("result=%v, want %v", got, want)
	}
	if got, want := testingutil.QueryInt(t, m, session, `SELECT 'hello' REGEXP '^x'`), 0; got != want {
		t.Fatalf("result=%v, want %v", got, want)
	}
}

func TestFunctions_Now(t *testing.T) {
	m := testingutil.NewOpenManager(t, pgbridge.NewConfig(testingutil.TempDBPath(t)))
	session := testingutil.MustCreateSession(t, m)

	var s string
	if err := m.Run(context.Background(), session, func(ctx context.Context, conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT now()`).Scan(&s)
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := time.Parse("2006-01-02 15:04:05.000000-07", s); err != nil {
		t.Fatalf("invalid timestamp %q: %s", s, err)
	}
}

func TestFunctions_PGBackendPID(t *testing.T) {
	m := testingutil.NewOpenManager(t, pgbridge.NewConfig(testingutil.TempDBPath(t)))
	session := testingutil.MustCreateSession(t, m)

	if got := testingutil.QueryInt(t, m, session, `SELECT pg_backend_pid()`); got <= 0 {
		t.Fatalf("pg_backend_pid=%v, want positive", got)
	}
}
