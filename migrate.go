package pgbridge

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Migration is a single versioned schema change for the bookkeeping tables.
type Migration struct {
	Version     int
	Name        string
	Description string
	SQL         string
}

// migrations is the ordered registry of bookkeeping schema versions. New
// versions append; existing entries must never change since their checksums
// are recorded in applied databases.
var migrations = []Migration{
	{
		Version:     1,
		Name:        "initial_schema",
		Description: "Create initial pgbridge system tables",
		SQL: `
			CREATE TABLE IF NOT EXISTS __pgbridge_schema (
				table_name TEXT NOT NULL,
				column_name TEXT NOT NULL,
				pg_type TEXT NOT NULL,
				sqlite_type TEXT NOT NULL,
				PRIMARY KEY (table_name, column_name)
			);

			CREATE TABLE IF NOT EXISTS __pgbridge_metadata (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				created_at REAL DEFAULT (strftime('%s', 'now')),
				updated_at REAL DEFAULT (strftime('%s', 'now'))
			);

			INSERT OR IGNORE INTO __pgbridge_metadata (key, value) VALUES ('schema_version', '1');
		`,
	},
	{
		Version:     2,
		Name:        "enum_type_support",
		Description: "Track PostgreSQL ENUM type definitions",
		SQL: `
			CREATE TABLE IF NOT EXISTS __pgbridge_enum_types (
				type_oid INTEGER PRIMARY KEY,
				type_name TEXT NOT NULL UNIQUE,
				namespace_oid INTEGER DEFAULT 2200
			);

			CREATE TABLE IF NOT EXISTS __pgbridge_enum_values (
				value_oid INTEGER PRIMARY KEY,
				type_oid INTEGER NOT NULL REFERENCES __pgbridge_enum_types(type_oid),
				label TEXT NOT NULL,
				sort_order REAL NOT NULL,
				UNIQUE (type_oid, label)
			);
		`,
	},
	{
		Version:     3,
		Name:        "constraint_tracking",
		Description: "Track varchar length and numeric precision constraints",
		SQL: `
			CREATE TABLE IF NOT EXISTS __pgbridge_string_constraints (
				table_name TEXT NOT NULL,
				column_name TEXT NOT NULL,
				max_length INTEGER NOT NULL,
				is_char_type INTEGER DEFAULT 0,
				PRIMARY KEY (table_name, column_name)
			);

			CREATE TABLE IF NOT EXISTS __pgbridge_numeric_constraints (
				table_name TEXT NOT NULL,
				column_name TEXT NOT NULL,
				precision INTEGER NOT NULL,
				scale INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (table_name, column_name)
			);
		`,
	},
	{
		Version:     4,
		Name:        "session_settings",
		Description: "Persist per-session runtime parameters",
		SQL: `
			CREATE TABLE IF NOT EXISTS __pgbridge_session_settings (
				session_id TEXT NOT NULL,
				name TEXT NOT NULL,
				value TEXT NOT NULL,
				updated_at REAL DEFAULT (strftime('%s', 'now')),
				PRIMARY KEY (session_id, name)
			);
		`,
	},
}

// Migrations returns the registered migrations in version order.
func Migrations() []Migration {
	a := make([]Migration, len(migrations))
	copy(a, migrations)
	return a
}

// MigrationRunner applies pending bookkeeping migrations to one connection's
// database. Each migration runs inside its own immediate transaction so a
// failure leaves previously applied versions intact.
type MigrationRunner struct {
	conn *sql.Conn
}

// NewMigrationRunner returns a runner bound to conn.
func NewMigrationRunner(conn *sql.Conn) *MigrationRunner {
	return &MigrationRunner{conn: conn}
}

// RunPendingMigrations applies all unapplied migrations in version order and
// returns the applied versions. Returns an error on the first failure.
func (r *MigrationRunner) RunPendingMigrations(ctx context.Context) ([]int, error) {
	if err := r.ensureMigrationTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}

	appliedSet, err := r.appliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read applied versions: %w", err)
	}

	var applied []int
	for _, m := range migrations {
		if appliedSet[m.Version] {
			continue
		}
		if err := r.apply(ctx, m); err != nil {
			return applied, fmt.Errorf("migration v%d (%s): %w", m.Version, m.Name, err)
		}
		applied = append(applied, m.Version)
	}
	return applied, nil
}

func (r *MigrationRunner) ensureMigrationTable(ctx context.Context) error {
	_, err := r.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS __pgbridge_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			applied_at REAL NOT NULL,
			execution_time_ms INTEGER,
			checksum TEXT NOT NULL,
			status TEXT CHECK (status IN ('completed', 'failed'))
		)`)
	return err
}

func (r *MigrationRunner) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := r.conn.QueryContext(ctx,
		`SELECT version FROM __pgbridge_migrations WHERE status = 'completed'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		set[v] = true
	}
	return set, rows.Err()
}

func (r *MigrationRunner) apply(ctx context.Context, m Migration) error {
	start := timeNow()

	if _, err := r.conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return err
	}

	if _, err := r.conn.ExecContext(ctx, m.SQL); err != nil {
		_, _ = r.conn.ExecContext(ctx, "ROLLBACK")
		return err
	}

	if _, err := r.conn.ExecContext(ctx, `
		INSERT INTO __pgbridge_migrations (version, name, description, applied_at, execution_time_ms, checksum, status)
		VALUES (?, ?, ?, ?, ?, ?, 'completed')`,
		m.Version, m.Name, m.Description,
		float64(start.UnixNano())/1e9,
		timeNow().Sub(start).Milliseconds(),
		migrationChecksum(m.SQL),
	); err != nil {
		_, _ = r.conn.ExecContext(ctx, "ROLLBACK")
		return err
	}

	if _, err := r.conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = r.conn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	return nil
}

func migrationChecksum(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}

// timeNow is overridable in tests.
var timeNow = time.Now
