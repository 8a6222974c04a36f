package pgbridge

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Statement cache defaults.
const (
	DefaultStatementCacheSize = 200
	DefaultStatementCacheTTL  = 5 * time.Minute
)

// FieldDescription describes one result column of a parsed statement, in
// PostgreSQL RowDescription terms.
type FieldDescription struct {
	Name         string
	TableOID     uint32
	ColumnID     int16
	TypeOID      uint32
	TypeSize     int16
	TypeModifier int32
	Format       int16
}

// Statement is the parsed, reusable form of a client query: the original
// text, its SQLite translation, and the type information the protocol layer
// needs to describe parameters and result rows.
type Statement struct {
	Query           string
	TranslatedQuery string
	ParamTypes      []uint32
	ParamFormats    []int16
	Fields          []FieldDescription
}

// StatementCache is a bounded, TTL-bearing LRU of parsed statements shared
// by all sessions. Keys combine query text with the parameter-type
// fingerprint; parameter-less queries key on text alone.
type StatementCache struct {
	mu  sync.Mutex
	lru *simplelru.LRU
	ttl time.Duration

	hits      uint64
	misses    uint64
	evictions uint64
}

type cachedStatement struct {
	stmt         Statement
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  uint64
}

// NewStatementCache returns a cache holding at most size entries, each
// valid for ttl after insertion.
func NewStatementCache(size int, ttl time.Duration) *StatementCache {
	c := &StatementCache{ttl: ttl}
	lru, err := simplelru.NewLRU(size, func(key, value interface{}) {
		c.evictions++
		stmtCacheEvictionCount.Inc()
	})
	if err != nil {
		panic(err.Error()) // only errors on size <= 0
	}
	c.lru = lru
	return c
}

// statementKey builds the cache key for a query and its parameter types.
func statementKey(query string, paramTypes []uint32) string {
	if len(paramTypes) == 0 {
		return query
	}
	return fmt.Sprintf("%s::%v", query, paramTypes)
}

// Get returns the cached statement if present and within its TTL. An
// expired entry is removed and reported as both an eviction and a miss.
func (c *StatementCache) Get(query string, paramTypes []uint32) (Statement, bool) {
	key := statementKey(query, paramTypes)

	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		stmtCacheMissCount.Inc()
		return Statement{}, false
	}

	cached := v.(*cachedStatement)
	if timeNow().Sub(cached.createdAt) > c.ttl {
		c.lru.Remove(key) // counts as an eviction via callback
		c.misses++
		stmtCacheMissCount.Inc()
		return Statement{}, false
	}

	cached.lastAccessed = timeNow()
	cached.accessCount++
	c.hits++
	stmtCacheHitCount.Inc()
	return cached.stmt, true
}

// Insert stores the statement, replacing any previous entry for the key.
// An LRU-driven replacement counts as an eviction.
func (c *StatementCache) Insert(query string, paramTypes []uint32, stmt Statement) {
	key := statementKey(query, paramTypes)
	now := timeNow()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Add(key, &cachedStatement{
		stmt:         stmt,
		createdAt:    now,
		lastAccessed: now,
		accessCount:  1,
	})
}

// InvalidateForTable removes every entry whose key textually references the
// table name. Deliberately over-approximate: cheap, may remove more than
// strictly necessary, never under-invalidates. Returns the number of
// entries removed.
func (c *StatementCache) InvalidateForTable(name string) int {
	lower := strings.ToLower(name)

	c.mu.Lock()
	defer c.mu.Unlock()

	var remove []interface{}
	for _, key := range c.lru.Keys() {
		if strings.Contains(strings.ToLower(key.(string)), lower) {
			remove = append(remove, key)
		}
	}
	for _, key := range remove {
		c.lru.Remove(key)
	}
	return len(remove)
}

// Clear empties the cache. Each removed entry counts as an eviction.
func (c *StatementCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// StatementCacheStats reports cache counters and the computed hit rate.
type StatementCacheStats struct {
	Size      int     `json:"size"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hitRate"`
}

// Stats returns a snapshot of cache statistics.
func (c *StatementCache) Stats() StatementCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := StatementCacheStats{
		Size:      c.lru.Len(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total) * 100
	}
	return stats
}

var (
	stmtCacheHitCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgbridge_stmt_cache_hit_count",
		Help: "Number of prepared statement cache hits",
	})

	stmtCacheMissCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgbridge_stmt_cache_miss_count",
		Help: "Number of prepared statement cache misses",
	})

	stmtCacheEvictionCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgbridge_stmt_cache_eviction_count",
		Help: "Number of prepared statement cache evictions",
	})
)
