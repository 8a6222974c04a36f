package pgbridge

import (
	"testing"

	"github.com/google/uuid"
)

func TestWorker_GetWithAffinity(t *testing.T) {
	cc := NewConnCache(4)
	w := cc.Worker()

	session := uuid.New()
	c := &Conn{session: session}

	if _, ok := w.GetWithAffinity(session); ok {
		t.Fatal("expected miss on empty cache")
	}

	w.PreWarm(session, c)
	if got, ok := w.GetWithAffinity(session); !ok {
		t.Fatal("expected hit after PreWarm")
	} else if got != c {
		t.Fatalf("conn=%p, want %p", got, c)
	}
}

func TestWorker_GetWithAffinity_PoolTier(t *testing.T) {
	cc := NewConnCache(4)
	session := uuid.New()
	c := &Conn{session: session}

	// Warm through one worker; a fresh worker has an empty local tier and
	// must resolve through the shared pool.
	cc.Worker().PreWarm(session, c)

	w := cc.Worker()
	if got, ok := w.GetWithAffinity(session); !ok {
		t.Fatal("expected hit through pool tier")
	} else if got != c {
		t.Fatalf("conn=%p, want %p", got, c)
	}

	// The pool hit promotes the entry into the local tier.
	if got, want := w.Len(), 1; got != want {
		t.Fatalf("Len=%v, want %v", got, want)
	}
}

func TestWorker_LocalTierBounded(t *testing.T) {
	const size = 4
	cc := NewConnCache(size)
	w := cc.Worker()

	sessions := make([]uuid.UUID, size+1)
	for i := range sessions {
		sessions[i] = uuid.New()
		w.PreWarm(sessions[i], &Conn{session: sessions[i]})
	}

	if got, want := w.Len(), size; got != want {
		t.Fatalf("Len=%v, want %v", got, want)
	}

	// The oldest entry was evicted locally but survives in the shared pool,
	// so lookup still succeeds.
	if _, ok := w.localGet(sessions[0]); ok {
		t.Fatal("expected oldest entry evicted from local tier")
	}
	if _, ok := w.GetWithAffinity(sessions[0]); !ok {
		t.Fatal("expected hit through pool tier after local eviction")
	}
}

func TestWorker_Remove(t *testing.T) {
	cc := NewConnCache(4)
	w := cc.Worker()

	session := uuid.New()
	c := &Conn{session: session}
	w.PreWarm(session, c)
	w.Remove(session)

	if _, ok := w.GetWithAffinity(session); ok {
		t.Fatal("expected miss after remove")
	}

	// Other workers miss too: the pool entry is gone.
	if _, ok := cc.Worker().GetWithAffinity(session); ok {
		t.Fatal("expected miss from other workers after remove")
	}
}

func TestWorker_ClosedConnEvictedLazily(t *testing.T) {
	cc := NewConnCache(4)
	w := cc.Worker()

	session := uuid.New()
	c := &Conn{session: session}
	w.PreWarm(session, c)

	// Simulate the manager's remove path closing the connection while other
	// workers still hold cached references.
	other := cc.Worker()
	if _, ok := other.GetWithAffinity(session); !ok {
		t.Fatal("expected hit before close")
	}
	c.closed.Store(true)

	if _, ok := w.GetWithAffinity(session); ok {
		t.Fatal("expected miss for closed connection via local tier")
	}
	if _, ok := other.GetWithAffinity(session); ok {
		t.Fatal("expected miss for closed connection via other worker")
	}
	if _, ok := cc.Worker().GetWithAffinity(session); ok {
		t.Fatal("expected miss for closed connection via pool tier")
	}
}

func TestWorker_AffinityFollowsLastServed(t *testing.T) {
	cc := NewConnCache(4)
	w := cc.Worker()

	s1, s2 := uuid.New(), uuid.New()
	c1, c2 := &Conn{session: s1}, &Conn{session: s2}
	w.PreWarm(s1, c1)
	w.PreWarm(s2, c2)

	if got, want := w.affinity, s2; got != want {
		t.Fatalf("affinity=%v, want %v", got, want)
	}

	// Serving a different session moves the hint; the stale hint never
	// returns the wrong connection.
	if got, _ := w.GetWithAffinity(s1); got != c1 {
		t.Fatalf("conn=%p, want %p", got, c1)
	}
	if got, want := w.affinity, s1; got != want {
		t.Fatalf("affinity=%v, want %v", got, want)
	}
}

func BenchmarkWorker_GetWithAffinity(b *testing.B) {
	cc := NewConnCache(DefaultWorkerCacheSize)
	w := cc.Worker()

	session := uuid.New()
	w.PreWarm(session, &Conn{session: session})

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, ok := w.GetWithAffinity(session); !ok {
			b.Fatal("miss")
		}
	}
}

func TestWorker_Clear(t *testing.T) {
	cc := NewConnCache(4)
	w := cc.Worker()

	session := uuid.New()
	w.PreWarm(session, &Conn{session: session})
	w.Clear()

	if got, want := w.Len(), 0; got != want {
		t.Fatalf("Len=%v, want %v", got, want)
	}
	if got, want := w.affinity, uuid.Nil; got != want {
		t.Fatalf("affinity=%v, want %v", got, want)
	}

	// Clear is worker-local; the shared pool still resolves.
	if _, ok := w.GetWithAffinity(session); !ok {
		t.Fatal("expected hit through pool tier after clear")
	}
}
