package pgbridge_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/pgbridge/pgbridge"
	"github.com/pgbridge/pgbridge/internal/testingutil"
)

func TestConn_Rollback(t *testing.T) {
	m := testingutil.NewOpenManager(t, pgbridge.NewConfig(testingutil.TempDBPath(t)))
	session := testingutil.MustCreateSession(t, m)

	c, err := m.Conn(session)
	if err != nil {
		t.Fatal(err)
	}

	// Rolling back with no open transaction is a no-op.
	if err := c.Rollback(context.Background()); err != nil {
		t.Fatal(err)
	}

	testingutil.MustExec(t, m, session, `CREATE TABLE t (v TEXT)`)

	// Open a transaction, write, then roll it back.
	if err := m.RunMut(context.Background(), session, func(ctx context.Context, conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `BEGIN`); err != nil {
			return err
		}
		_, err := conn.ExecContext(ctx, `INSERT INTO t (v) VALUES ('discard')`)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.Rollback(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got, want := testingutil.QueryInt(t, m, session, `SELECT COUNT(*) FROM t`), 0; got != want {
		t.Fatalf("count=%v, want %v", got, want)
	}
}

func TestConn_Rollback_AfterRemove(t *testing.T) {
	m := testingutil.NewOpenManager(t, pgbridge.NewConfig(testingutil.TempDBPath(t)))
	session := testingutil.MustCreateSession(t, m)

	c, err := m.Conn(session)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Remove(session); err != nil {
		t.Fatal(err)
	}

	if err := c.Rollback(context.Background()); err != pgbridge.ErrConnClosed {
		t.Fatalf("err=%v, want ErrConnClosed", err)
	}
}

func TestConn_JournalMode(t *testing.T) {
	t.Run("File", func(t *testing.T) {
		m := testingutil.NewOpenManager(t, pgbridge.NewConfig(testingutil.TempDBPath(t)))
		session := testingutil.MustCreateSession(t, m)

		c, err := m.Conn(session)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := c.JournalMode(), pgbridge.JournalModeWAL; got != want {
			t.Fatalf("JournalMode=%v, want %v", got, want)
		}
	})

	// Shared-cache memory databases cannot run in WAL mode; the connection
	// records the effective mode instead of the requested one.
	t.Run("Memory", func(t *testing.T) {
		m := testingutil.NewOpenManager(t, pgbridge.NewConfig(":memory:"))
		session := testingutil.MustCreateSession(t, m)

		c, err := m.Conn(session)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := c.JournalMode(), pgbridge.JournalModeMemory; got != want {
			t.Fatalf("JournalMode=%v, want %v", got, want)
		}
	})
}
