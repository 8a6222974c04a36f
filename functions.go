package pgbridge

import (
	"database/sql"
	"math"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// DriverName is the name of the SQLite driver registered by this package.
// Connections opened through it have the PostgreSQL compatibility functions
// registered by the connect hook, so registration happens exactly once per
// native connection.
const DriverName = "pgbridge-sqlite3"

// ServerVersion is reported by the version() scalar function and to clients
// at startup.
const ServerVersion = "PostgreSQL 14.0 (pgbridge)"

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		ConnectHook: registerFunctions,
	})
}

// registerFunctions registers PostgreSQL-compatible scalar functions on a
// freshly opened connection. Safe to call once per connection; functions are
// connection-scoped in SQLite.
func registerFunctions(conn *sqlite3.SQLiteConn) error {
	if err := conn.RegisterFunc("gen_random_uuid", func() string {
		return uuid.NewString()
	}, false); err != nil {
		return err
	}
	if err := conn.RegisterFunc("uuid_generate_v4", func() string {
		return uuid.NewString()
	}, false); err != nil {
		return err
	}
	if err := conn.RegisterFunc("version", func() string {
		return ServerVersion
	}, true); err != nil {
		return err
	}
	if err := conn.RegisterFunc("pg_backend_pid", func() int64 {
		return int64(os.Getpid())
	}, false); err != nil {
		return err
	}

	// now() reports wall-clock time in the PostgreSQL timestamptz text
	// format, always in UTC.
	if err := conn.RegisterFunc("now", func() string {
		return timeNow().UTC().Format("2006-01-02 15:04:05.000000-07")
	}, false); err != nil {
		return err
	}

	// regexp() backs SQLite's REGEXP operator, which clients reach through
	// translated ~ expressions.
	if err := conn.RegisterFunc("regexp", func(pattern, value string) (bool, error) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(value), nil
	}, true); err != nil {
		return err
	}

	if err := conn.RegisterFunc("split_part", func(s, sep string, n int64) string {
		if n < 1 {
			return ""
		}
		parts := strings.Split(s, sep)
		if int64(len(parts)) < n {
			return ""
		}
		return parts[n-1]
	}, true); err != nil {
		return err
	}

	if err := conn.RegisterFunc("trunc", func(v float64) float64 {
		return math.Trunc(v)
	}, true); err != nil {
		return err
	}

	return nil
}
