package pgbridge

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Checkpoint scheduling defaults.
const (
	DefaultCheckpointMaxCommits    = 100
	DefaultCheckpointInterval      = 10 * time.Second
	DefaultCheckpointTruncatePages = 1000
)

// checkpointScheduler decides when committed WAL data should be folded back
// into the main database file so connections on other sessions observe it.
//
// The policy is a heuristic, not a correctness mechanism: a session always
// sees its own writes through its own connection. A checkpoint becomes due
// when either the commit counter or the elapsed time since the last
// checkpoint reaches its threshold. Large WAL growth escalates the
// checkpoint from passive to truncating to reclaim log space.
//
// State is guarded by its own small lock, independent of any connection's
// lock, so evaluating the policy never contends with query execution.
type checkpointScheduler struct {
	maxCommits    int
	interval      time.Duration
	truncatePages int64

	mu             sync.Mutex
	commits        int
	checkpointedAt time.Time
	walPages       int64 // WAL size observed at the last checkpoint
}

func newCheckpointScheduler(maxCommits int, interval time.Duration, truncatePages int64) *checkpointScheduler {
	return &checkpointScheduler{
		maxCommits:     maxCommits,
		interval:       interval,
		truncatePages:  truncatePages,
		checkpointedAt: timeNow(),
	}
}

// commitDue records a committing write and reports whether a checkpoint is
// now due. Cheap enough to invoke on every commit.
func (s *checkpointScheduler) commitDue(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commits++
	return s.commits >= s.maxCommits || now.Sub(s.checkpointedAt) >= s.interval
}

// stale reports whether committed data has been waiting longer than the
// time threshold. Used by the background monitor to bound staleness during
// write lulls.
func (s *checkpointScheduler) stale(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits > 0 && now.Sub(s.checkpointedAt) >= s.interval
}

// mode selects the checkpoint mode given the current WAL size in pages:
// truncate when growth since the last checkpoint exceeds the threshold,
// passive otherwise.
func (s *checkpointScheduler) mode(currentWALPages int64) CheckpointMode {
	s.mu.Lock()
	defer s.mu.Unlock()

	if currentWALPages-s.walPages > s.truncatePages {
		return CheckpointModeTruncate
	}
	return CheckpointModePassive
}

// reset clears the commit counter and records the checkpoint time and the
// WAL size it left behind. Called after every checkpoint attempt regardless
// of mode.
func (s *checkpointScheduler) reset(now time.Time, walPages int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commits = 0
	s.checkpointedAt = now
	s.walPages = walPages
}

// CheckpointState is a snapshot of the scheduler state.
type CheckpointState struct {
	Commits        int       `json:"commits"`
	CheckpointedAt time.Time `json:"checkpointedAt"`
	WALPages       int64     `json:"walPages"`
}

func (s *checkpointScheduler) state() CheckpointState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CheckpointState{
		Commits:        s.commits,
		CheckpointedAt: s.checkpointedAt,
		WALPages:       s.walPages,
	}
}

var (
	checkpointCountVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgbridge_checkpoint_count",
		Help: "Number of WAL checkpoints executed, by mode",
	}, []string{"mode"})

	checkpointErrorCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgbridge_checkpoint_error_count",
		Help: "Number of failed WAL checkpoint attempts",
	})
)
