package pgbridge

import (
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultWorkerCacheSize is the bound on each worker's local connection cache.
const DefaultWorkerCacheSize = 32

// ConnCache is the fast path for session connection lookup. It is purely an
// accelerator over the manager's canonical map: every tier holds shared
// *Conn references, never exclusive ownership, so eviction or staleness can
// only cause a slower fallback lookup, never incorrect routing.
//
// Three tiers cooperate:
//
//  1. a bounded LRU private to each Worker,
//  2. an affinity hint recording the session a worker last served,
//  3. a process-wide pool shared by all workers.
type ConnCache struct {
	workerSize int
	pool       sync.Map // uuid.UUID -> *Conn
}

// NewConnCache returns a cache whose workers hold at most workerSize entries.
func NewConnCache(workerSize int) *ConnCache {
	if workerSize <= 0 {
		workerSize = DefaultWorkerCacheSize
	}
	return &ConnCache{workerSize: workerSize}
}

// Worker returns a new worker-local view of the cache. A worker is not safe
// for concurrent use; each goroutine checks one out for the duration of an
// operation.
func (cc *ConnCache) Worker() *Worker {
	lru, err := simplelru.NewLRU(cc.workerSize, nil)
	if err != nil {
		panic(err.Error()) // only errors on size <= 0
	}
	return &Worker{cc: cc, local: lru}
}

// Remove drops the session from the shared pool. Worker-local entries are
// evicted lazily when a worker observes the closed connection.
func (cc *ConnCache) Remove(session uuid.UUID) {
	cc.pool.Delete(session)
}

// Worker is one worker's private view of the connection cache.
type Worker struct {
	cc    *ConnCache
	local *simplelru.LRU

	// affinity names the session this worker last served. Advisory only:
	// a stale or missing hint falls through to the slower tiers.
	affinity uuid.UUID
}

// GetWithAffinity resolves a session connection through the cache tiers.
// Reports a miss if the session is unknown to every tier so the caller can
// fall back to the canonical map.
func (w *Worker) GetWithAffinity(session uuid.UUID) (*Conn, bool) {
	// Fast path: the worker served this session last.
	if w.affinity == session {
		if c, ok := w.localGet(session); ok {
			connCacheHitCountVec.WithLabelValues("affinity").Inc()
			return c, true
		}
	}

	if c, ok := w.localGet(session); ok {
		w.affinity = session
		connCacheHitCountVec.WithLabelValues("local").Inc()
		return c, true
	}

	if v, ok := w.cc.pool.Load(session); ok {
		c := v.(*Conn)
		if !c.isClosed() {
			w.local.Add(session, c)
			w.affinity = session
			connCacheHitCountVec.WithLabelValues("pool").Inc()
			return c, true
		}
		w.cc.pool.Delete(session)
	}

	connCacheMissCount.Inc()
	return nil, false
}

// localGet probes the worker-local LRU, dropping entries whose connection
// has been closed by the manager's remove path.
func (w *Worker) localGet(session uuid.UUID) (*Conn, bool) {
	v, ok := w.local.Get(session)
	if !ok {
		return nil, false
	}
	c := v.(*Conn)
	if c.isClosed() {
		w.local.Remove(session)
		if w.affinity == session {
			w.affinity = uuid.Nil
		}
		return nil, false
	}
	return c, true
}

// PreWarm unconditionally caches the connection in the local tier,
// establishes affinity, and publishes to the shared pool so other workers
// benefit immediately.
func (w *Worker) PreWarm(session uuid.UUID, c *Conn) {
	assert(c != nil, "prewarm with nil connection")
	w.local.Add(session, c)
	w.affinity = session
	w.cc.pool.Store(session, c)
}

// Remove clears the session from the local tier, clears affinity only if it
// currently points at the removed session, and drops the shared pool entry.
func (w *Worker) Remove(session uuid.UUID) {
	w.local.Remove(session)
	if w.affinity == session {
		w.affinity = uuid.Nil
	}
	w.cc.pool.Delete(session)
}

// Clear empties the worker-local tier.
func (w *Worker) Clear() {
	w.local.Purge()
	w.affinity = uuid.Nil
}

// Len returns the number of entries in the worker-local tier.
func (w *Worker) Len() int { return w.local.Len() }

var (
	connCacheHitCountVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgbridge_conn_cache_hit_count",
		Help: "Number of connection cache hits, by tier",
	}, []string{"tier"})

	connCacheMissCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgbridge_conn_cache_miss_count",
		Help: "Number of connection cache misses across all tiers",
	})
)
