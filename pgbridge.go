package pgbridge

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
)

// pgbridge errors
var (
	ErrSessionNotFound = fmt.Errorf("session not found")
	ErrMaxSessions     = errors.New("max sessions reached")
	ErrConnClosed      = errors.New("connection closed")
	ErrManagerClosed   = errors.New("session manager closed")
)

// JournalMode represents a SQLite journal mode.
type JournalMode string

const (
	JournalModeDelete   = JournalMode("DELETE")
	JournalModeTruncate = JournalMode("TRUNCATE")
	JournalModePersist  = JournalMode("PERSIST")
	JournalModeMemory   = JournalMode("MEMORY")
	JournalModeWAL      = JournalMode("WAL")
)

// CheckpointMode represents a SQLite WAL checkpoint mode.
type CheckpointMode string

const (
	CheckpointModeNone     = CheckpointMode("")
	CheckpointModePassive  = CheckpointMode("PASSIVE")
	CheckpointModeFull     = CheckpointMode("FULL")
	CheckpointModeRestart  = CheckpointMode("RESTART")
	CheckpointModeTruncate = CheckpointMode("TRUNCATE")
)

// MemoryDSN is the data source name used for transient, shared-cache
// in-memory databases. The shared cache lets every session connection
// observe the same transient database.
const MemoryDSN = "file::memory:?cache=shared"

// IsMemoryPath returns true if path refers to a transient in-memory database.
func IsMemoryPath(path string) bool {
	return path == ":memory:" || path == MemoryDSN ||
		(strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))
}

// TraceLogFlags are the flags used by the trace logger.
const TraceLogFlags = log.LstdFlags | log.Lmicroseconds | log.LUTC

// TraceLog is a log for low-level tracing of session & checkpoint activity.
// Disabled by default; the command wires it to a rolling on-disk log.
var TraceLog = log.New(io.Discard, "", TraceLogFlags)

func assert(condition bool, msg string) {
	if !condition {
		panic("assertion failed: " + msg)
	}
}
