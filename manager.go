package pgbridge

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

// Session manager defaults.
const (
	DefaultMaxSessions = 100
	DefaultSynchronous = "NORMAL"
	DefaultCacheSize   = -64000    // KB, negative per SQLite convention
	DefaultMmapSize    = 268435456 // 256MB
)

// Config supplies storage pragma values and scheduling thresholds. It is
// read-only once the manager is created; the command loads it from file.
type Config struct {
	// Path of the database: a file path, or ":memory:" for a transient
	// shared-cache database.
	Path string

	// Maximum number of live sessions. Creation fails closed at the bound.
	MaxSessions int

	// Storage pragmas applied to every new connection.
	JournalMode JournalMode
	Synchronous string
	CacheSize   int
	MmapSize    int64

	// Bound on each worker's local connection cache.
	WorkerCacheSize int

	// Checkpoint scheduling thresholds.
	CheckpointMaxCommits    int
	CheckpointInterval      time.Duration
	CheckpointTruncatePages int64

	// Prepared statement cache sizing.
	StatementCacheSize int
	StatementCacheTTL  time.Duration
}

// NewConfig returns a config for the database at path with defaults set.
func NewConfig(path string) Config {
	return Config{
		Path:                    path,
		MaxSessions:             DefaultMaxSessions,
		JournalMode:             JournalModeWAL,
		Synchronous:             DefaultSynchronous,
		CacheSize:               DefaultCacheSize,
		MmapSize:                DefaultMmapSize,
		WorkerCacheSize:         DefaultWorkerCacheSize,
		CheckpointMaxCommits:    DefaultCheckpointMaxCommits,
		CheckpointInterval:      DefaultCheckpointInterval,
		CheckpointTruncatePages: DefaultCheckpointTruncatePages,
		StatementCacheSize:      DefaultStatementCacheSize,
		StatementCacheTTL:       DefaultStatementCacheTTL,
	}
}

// SessionManager owns one native database connection per client session.
//
// The canonical session map is the single source of truth for connection
// existence; the connection cache tiers only accelerate lookup. Connections
// are created lazily by Create, never recreated implicitly, and destroyed
// only by Remove or Close.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Conn

	config     Config
	walEnabled bool

	cache   *ConnCache
	workers sync.Pool

	stmtCache *StatementCache

	ckpt   *checkpointScheduler
	ckptMu sync.Mutex // serializes checkpoint execution

	ctx    context.Context
	cancel func()
	g      errgroup.Group
}

// NewSessionManager returns a manager for the database described by config.
func NewSessionManager(config Config) *SessionManager {
	m := &SessionManager{
		sessions: make(map[uuid.UUID]*Conn),
		config:   config,
		walEnabled: config.JournalMode == JournalModeWAL &&
			!IsMemoryPath(config.Path),
		cache: NewConnCache(config.WorkerCacheSize),
		stmtCache: NewStatementCache(
			config.StatementCacheSize, config.StatementCacheTTL),
		ckpt: newCheckpointScheduler(
			config.CheckpointMaxCommits,
			config.CheckpointInterval,
			config.CheckpointTruncatePages),
	}
	m.workers.New = func() interface{} { return m.cache.Worker() }
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Open prepares the database and starts the background checkpoint monitor.
// File-backed databases are migrated here, once for the whole database;
// transient databases are migrated per connection at create time instead.
func (m *SessionManager) Open() error {
	if !IsMemoryPath(m.config.Path) {
		if err := m.migrateDatabase(m.ctx); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	m.g.Go(func() error { return m.monitor(m.ctx) })
	return nil
}

// migrateDatabase runs pending migrations against the database file using a
// temporary connection. Skipped entirely when the bookkeeping tables are
// already current.
func (m *SessionManager) migrateDatabase(ctx context.Context) error {
	db, err := sql.Open(DriverName, m.config.Path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	applied, err := NewMigrationRunner(conn).RunPendingMigrations(ctx)
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		log.Printf("applied %d migrations to database %s", len(applied), m.config.Path)
	}
	return nil
}

// Close stops the monitor and tears down every live connection.
func (m *SessionManager) Close() error {
	m.cancel()
	err := m.g.Wait()

	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.sessions))
	for session, c := range m.sessions {
		conns = append(conns, c)
		delete(m.sessions, session)
	}
	m.mu.Unlock()

	for _, c := range conns {
		m.cache.Remove(c.Session())
		if e := c.close(); e != nil && err == nil {
			err = e
		}
	}
	sessionCountGauge.Set(0)
	return err
}

// Config returns the manager's configuration.
func (m *SessionManager) Config() Config { return m.config }

// StatementCache returns the shared prepared statement cache.
func (m *SessionManager) StatementCache() *StatementCache { return m.stmtCache }

// Create allocates a connection for session if none exists. Re-creating an
// existing session is a logged no-op, not an error; callers create
// defensively. Fails with ErrMaxSessions when the live-session bound is
// reached, with ErrManagerClosed after Close, and with the underlying error
// if opening or migrating the connection fails.
func (m *SessionManager) Create(ctx context.Context, session uuid.UUID) error {
	if m.ctx.Err() != nil {
		return ErrManagerClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session]; ok {
		log.Printf("connection already exists for session %s", session)
		return nil
	}
	if len(m.sessions) >= m.config.MaxSessions {
		return fmt.Errorf("%w: limit %d", ErrMaxSessions, m.config.MaxSessions)
	}

	c, err := openConn(ctx, session, &m.config)
	if err != nil {
		return fmt.Errorf("create session %s: %w", session, err)
	}
	m.sessions[session] = c
	sessionCountGauge.Set(float64(len(m.sessions)))

	// Warm the creating worker's cache; the first queries of a session
	// usually arrive on the goroutine that created it.
	w := m.checkout()
	w.PreWarm(session, c)
	m.putWorker(w)

	TraceLog.Printf("[CreateSession(%s)]", session)
	return nil
}

// Run executes a read operation against the session's connection. The
// connection lock is held only for the duration of op.
func (m *SessionManager) Run(ctx context.Context, session uuid.UUID, op Op) error {
	return m.run(ctx, session, op)
}

// RunMut executes a read-write operation against the session's connection.
// Callers follow a committing write with AdvanceCheckpoint.
func (m *SessionManager) RunMut(ctx context.Context, session uuid.UUID, op Op) error {
	return m.run(ctx, session, op)
}

func (m *SessionManager) run(ctx context.Context, session uuid.UUID, op Op) error {
	w := m.checkout()
	defer m.putWorker(w)

	// Fast path through the cache tiers.
	if c, ok := w.GetWithAffinity(session); ok {
		err := c.Run(ctx, op)
		if err != ErrConnClosed {
			return err
		}
		// The cached connection was removed underneath us; fall through
		// to the canonical map.
	}

	m.mu.RLock()
	c := m.sessions[session]
	m.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("session %s: %w", session, ErrSessionNotFound)
	}

	w.PreWarm(session, c)
	return c.Run(ctx, op)
}

// RunWithConn executes op against an already-resolved connection, skipping
// all lookup. Used by callers that cache the handle across repeated calls.
func (m *SessionManager) RunWithConn(ctx context.Context, c *Conn, op Op) error {
	return c.Run(ctx, op)
}

// Conn returns the session's connection handle from the canonical map.
func (m *SessionManager) Conn(session uuid.UUID) (*Conn, error) {
	m.mu.RLock()
	c := m.sessions[session]
	m.mu.RUnlock()
	if c == nil {
		return nil, fmt.Errorf("session %s: %w", session, ErrSessionNotFound)
	}
	return c, nil
}

// Remove evicts the session from the canonical map and all cache tiers and
// closes its connection. Subsequent lookups fail until Create is called
// again; the manager never recreates a connection behind the caller's back.
func (m *SessionManager) Remove(session uuid.UUID) error {
	m.mu.Lock()
	c, ok := m.sessions[session]
	if ok {
		delete(m.sessions, session)
		sessionCountGauge.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	// Clear the shared pool and this worker's local tier. Other workers
	// drop their stale references lazily when they observe the closed
	// connection.
	w := m.checkout()
	w.Remove(session)
	m.putWorker(w)

	err := c.close()
	TraceLog.Printf("[RemoveSession(%s)]: err=%v", session, err)
	return err
}

// Has returns true if the session has a live connection.
func (m *SessionManager) Has(session uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[session]
	return ok
}

// ActiveCount returns the number of live sessions.
func (m *SessionManager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CheckpointState returns a snapshot of the checkpoint scheduler state.
func (m *SessionManager) CheckpointState() CheckpointState {
	return m.ckpt.state()
}

// AdvanceCheckpoint records a committing write on the given session and
// runs a checkpoint if one is due. No-op outside WAL mode. Failures are
// logged and skipped: visibility delay is acceptable, breaking a
// successful write is not.
func (m *SessionManager) AdvanceCheckpoint(ctx context.Context, session uuid.UUID) {
	if !m.walEnabled {
		return
	}
	if !m.ckpt.commitDue(timeNow()) {
		return
	}
	m.checkpoint(ctx, session)
}

// checkpoint samples the WAL through a passive checkpoint, escalates to a
// truncating checkpoint when the log has grown past the threshold, and
// resets the scheduler. The sampling connection prefers a session other
// than the writer so the writer's next operation is not delayed.
func (m *SessionManager) checkpoint(ctx context.Context, excluding uuid.UUID) {
	// A checkpoint is already in flight; its reset covers this commit.
	if !m.ckptMu.TryLock() {
		return
	}
	defer m.ckptMu.Unlock()

	c := m.sampleConn(excluding)
	if c == nil {
		return
	}

	walPages, checkpointed, err := c.checkpoint(ctx, CheckpointModePassive)
	if err != nil {
		log.Printf("checkpoint failed, skipping: session=%s err=%s", c.Session(), err)
		checkpointErrorCount.Inc()
		m.ckpt.reset(timeNow(), walPages)
		return
	}
	checkpointCountVec.WithLabelValues(string(CheckpointModePassive)).Inc()

	mode := m.ckpt.mode(walPages)
	if mode == CheckpointModeTruncate {
		if _, _, err := c.checkpoint(ctx, CheckpointModeTruncate); err != nil {
			log.Printf("truncate checkpoint failed, skipping: session=%s err=%s", c.Session(), err)
			checkpointErrorCount.Inc()
			m.ckpt.reset(timeNow(), walPages)
			return
		}
		checkpointCountVec.WithLabelValues(string(CheckpointModeTruncate)).Inc()
		walPages = 0
	}

	m.ckpt.reset(timeNow(), walPages)
	TraceLog.Printf("[Checkpoint(%s)]: mode=%s pages=%d checkpointed=%d", c.Session(), mode, walPages, checkpointed)
}

// sampleConn picks a live connection to checkpoint through, preferring any
// session other than excluding. Falls back to the excluded session's own
// connection when it is the only one.
func (m *SessionManager) sampleConn(excluding uuid.UUID) *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for session, c := range m.sessions {
		if session != excluding {
			return c
		}
	}
	return m.sessions[excluding]
}

// monitor periodically flushes commits that have been waiting longer than
// the checkpoint interval, bounding visibility staleness during write lulls.
func (m *SessionManager) monitor(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if m.walEnabled && m.ckpt.stale(timeNow()) {
				m.checkpoint(ctx, uuid.Nil)
			}
		}
	}
}

func (m *SessionManager) checkout() *Worker {
	return m.workers.Get().(*Worker)
}

func (m *SessionManager) putWorker(w *Worker) {
	m.workers.Put(w)
}

var sessionCountGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "pgbridge_session_count",
	Help: "Number of live sessions",
})
