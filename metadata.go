package pgbridge

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgreSQL type OIDs used in statement fingerprints and type metadata.
const (
	TypeOIDBool        = 16
	TypeOIDBytea       = 17
	TypeOIDInt8        = 20
	TypeOIDInt2        = 21
	TypeOIDInt4        = 23
	TypeOIDText        = 25
	TypeOIDFloat4      = 700
	TypeOIDFloat8      = 701
	TypeOIDVarchar     = 1043
	TypeOIDDate        = 1082
	TypeOIDTime        = 1083
	TypeOIDTimestamp   = 1114
	TypeOIDTimestampTZ = 1184
	TypeOIDNumeric     = 1700
	TypeOIDUUID        = 2950
)

// typeMap maps declared PostgreSQL type names to their OID and the SQLite
// storage class they are stored as.
var typeMap = []struct {
	pgType     string
	pgOID      int
	sqliteType string
}{
	{"boolean", TypeOIDBool, "INTEGER"},
	{"bytea", TypeOIDBytea, "BLOB"},
	{"bigint", TypeOIDInt8, "INTEGER"},
	{"smallint", TypeOIDInt2, "INTEGER"},
	{"integer", TypeOIDInt4, "INTEGER"},
	{"text", TypeOIDText, "TEXT"},
	{"real", TypeOIDFloat4, "REAL"},
	{"double precision", TypeOIDFloat8, "REAL"},
	{"character varying", TypeOIDVarchar, "TEXT"},
	{"date", TypeOIDDate, "INTEGER"},
	{"time", TypeOIDTime, "INTEGER"},
	{"timestamp", TypeOIDTimestamp, "INTEGER"},
	{"timestamptz", TypeOIDTimestampTZ, "INTEGER"},
	{"numeric", TypeOIDNumeric, "TEXT"},
	{"uuid", TypeOIDUUID, "TEXT"},
}

// initTypeMetadata prepares the type bookkeeping tables on a freshly opened
// connection. Idempotent; the tables double as the v1 migration schema so
// file-backed databases migrated elsewhere see the same shape.
func initTypeMetadata(ctx context.Context, conn *sql.Conn) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS __pgbridge_schema (
			table_name TEXT NOT NULL,
			column_name TEXT NOT NULL,
			pg_type TEXT NOT NULL,
			sqlite_type TEXT NOT NULL,
			PRIMARY KEY (table_name, column_name)
		)`,
		`CREATE TABLE IF NOT EXISTS __pgbridge_type_map (
			pg_type TEXT PRIMARY KEY,
			pg_oid INTEGER NOT NULL,
			sqlite_type TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, tm := range typeMap {
		if _, err := conn.ExecContext(ctx,
			`INSERT OR IGNORE INTO __pgbridge_type_map (pg_type, pg_oid, sqlite_type) VALUES (?, ?, ?)`,
			tm.pgType, tm.pgOID, tm.sqliteType); err != nil {
			return fmt.Errorf("seed type map: %w", err)
		}
	}
	return nil
}
