package pgbridge

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Op is an operation executed against a session's underlying connection.
// The connection's lock is held for the duration of the call so operations
// on the same session are strictly serialized. Operations that begin a
// transaction must roll it back before returning on error; an operation
// that panics mid-transaction leaves the connection in an undefined state.
type Op func(ctx context.Context, conn *sql.Conn) error

// Conn wraps a single native SQLite connection owned by one session.
//
// The handle is shared, not copied: the canonical session map, any number of
// worker caches, and the cross-worker pool all reference the same *Conn.
// Every access to the native handle funnels through mu, so the handle is
// never used by two goroutines concurrently even though the reference
// itself is freely shareable. The handle is closed only by the manager's
// Remove path; stale references then observe ErrConnClosed.
type Conn struct {
	session uuid.UUID
	path    string
	memory  bool

	mu      sync.Mutex
	db      *sql.DB
	sqlConn *sql.Conn
	closed  atomic.Bool

	journalMode JournalMode
}

// openConn opens a native connection for session, applies the configured
// storage pragmas, and initializes type metadata. Transient (in-memory)
// databases additionally run pending migrations before the connection is
// considered ready.
func openConn(ctx context.Context, session uuid.UUID, config *Config) (_ *Conn, retErr error) {
	c := &Conn{
		session: session,
		path:    config.Path,
		memory:  IsMemoryPath(config.Path),
	}

	dsn := config.Path
	if c.memory {
		// Shared cache lets all session connections see the same
		// transient database.
		dsn = MemoryDSN
	}

	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = db.Close()
		}
	}()

	// Pin the pool to exactly one underlying connection. The *sql.Conn we
	// hold below is the session's dedicated native handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	sqlConn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	c.db, c.sqlConn = db, sqlConn

	if err := c.applyPragmas(ctx, config); err != nil {
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	if err := initTypeMetadata(ctx, sqlConn); err != nil {
		return nil, fmt.Errorf("init type metadata: %w", err)
	}

	// Transient databases start with no schema; run migrations before the
	// connection becomes usable. File-backed databases are migrated once,
	// at manager open, never per connection.
	if c.memory {
		runner := NewMigrationRunner(sqlConn)
		applied, err := runner.RunPendingMigrations(ctx)
		if err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		if len(applied) > 0 {
			TraceLog.Printf("[ConnMigrate(%s)]: applied=%d", session, len(applied))
		}
	}

	return c, nil
}

func (c *Conn) applyPragmas(ctx context.Context, config *Config) error {
	// journal_mode returns the effective mode as a row; scan it back since
	// some databases cannot honor the request (e.g. shared-cache memory
	// databases always report "memory").
	var mode string
	if err := c.sqlConn.QueryRowContext(ctx,
		fmt.Sprintf("PRAGMA journal_mode = %s", config.JournalMode)).Scan(&mode); err != nil {
		return fmt.Errorf("journal_mode: %w", err)
	}
	c.journalMode = JournalMode(strings.ToUpper(mode))

	pragmas := []string{
		fmt.Sprintf("PRAGMA synchronous = %s", config.Synchronous),
		fmt.Sprintf("PRAGMA cache_size = %d", config.CacheSize),
		"PRAGMA temp_store = MEMORY",
		fmt.Sprintf("PRAGMA mmap_size = %d", config.MmapSize),
	}
	for _, pragma := range pragmas {
		if _, err := c.sqlConn.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// Session returns the session handle that owns the connection.
func (c *Conn) Session() uuid.UUID { return c.session }

// JournalMode returns the effective journal mode of the connection.
func (c *Conn) JournalMode() JournalMode { return c.journalMode }

// Run executes op while holding the connection lock.
func (c *Conn) Run(ctx context.Context, op Op) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrConnClosed
	}
	return op(ctx, c.sqlConn)
}

// Rollback aborts any open transaction on the connection. Rolling back when
// no transaction is active is a no-op, not an error; clients issue ROLLBACK
// defensively after failures.
func (c *Conn) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrConnClosed
	}
	if _, err := c.sqlConn.ExecContext(ctx, "ROLLBACK"); err != nil {
		if strings.Contains(err.Error(), "no transaction is active") {
			return nil
		}
		return err
	}
	return nil
}

// checkpoint runs a WAL checkpoint in the given mode and reports the total
// WAL size in pages together with the number of checkpointed pages.
func (c *Conn) checkpoint(ctx context.Context, mode CheckpointMode) (walPages, checkpointed int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return 0, 0, ErrConnClosed
	}

	var busy int
	row := c.sqlConn.QueryRowContext(ctx, fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode))
	if err := row.Scan(&busy, &walPages, &checkpointed); err != nil {
		return 0, 0, err
	}
	if busy != 0 {
		return walPages, checkpointed, fmt.Errorf("checkpoint busy")
	}
	return walPages, checkpointed, nil
}

// isClosed returns true once the manager has removed the session. Cache
// tiers use it to lazily drop stale references.
func (c *Conn) isClosed() bool { return c.closed.Load() }

// close marks the connection closed and releases the native handle. It
// acquires the connection lock first so an in-flight operation finishes
// before the handle is torn down.
func (c *Conn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Swap(true) {
		return nil
	}

	var err error
	if c.sqlConn != nil {
		if e := c.sqlConn.Close(); err == nil {
			err = e
		}
	}
	if c.db != nil {
		if e := c.db.Close(); err == nil {
			err = e
		}
	}
	return err
}
