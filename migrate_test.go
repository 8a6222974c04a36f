package pgbridge_test

import (
	"context"
	"reflect"
	"testing"

	"github.com/pgbridge/pgbridge"
	"github.com/pgbridge/pgbridge/internal/testingutil"
)

func TestMigrationRunner_RunPendingMigrations(t *testing.T) {
	db := testingutil.OpenSQLDB(t, testingutil.TempDBPath(t))

	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	applied, err := pgbridge.NewMigrationRunner(conn).RunPendingMigrations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := applied, []int{1, 2, 3, 4}; !reflect.DeepEqual(got, want) {
		t.Fatalf("applied=%v, want %v", got, want)
	}

	// All bookkeeping tables now exist.
	for _, table := range []string{
		"__pgbridge_migrations",
		"__pgbridge_schema",
		"__pgbridge_metadata",
		"__pgbridge_enum_types",
		"__pgbridge_enum_values",
		"__pgbridge_string_constraints",
		"__pgbridge_numeric_constraints",
		"__pgbridge_session_settings",
	} {
		var n int
		if err := conn.QueryRowContext(context.Background(),
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("table %s not created", table)
		}
	}
}

func TestMigrationRunner_RunPendingMigrations_Idempotent(t *testing.T) {
	db := testingutil.OpenSQLDB(t, testingutil.TempDBPath(t))

	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	runner := pgbridge.NewMigrationRunner(conn)
	if _, err := runner.RunPendingMigrations(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A second run finds nothing pending.
	applied, err := runner.RunPendingMigrations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(applied), 0; got != want {
		t.Fatalf("applied=%v, want none", applied)
	}
}

func TestMigrations_Ordered(t *testing.T) {
	a := pgbridge.Migrations()
	if len(a) == 0 {
		t.Fatal("expected registered migrations")
	}
	for i, m := range a {
		if got, want := m.Version, i+1; got != want {
			t.Fatalf("Version=%v at index %d, want %v", got, i, want)
		}
		if m.Name == "" {
			t.Fatalf("migration v%d has no name", m.Version)
		}
	}
}
