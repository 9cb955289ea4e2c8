package txn

import (
	"context"
	"database/sql"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/relabs-tech/limen/core/csql"
	"github.com/relabs-tech/limen/core/fault"
)

type fakeTx struct {
	statements []string
	committed  bool
	rolledBack bool
}

func (f *fakeTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	f.statements = append(f.statements, query)
	return nil, nil
}

func (f *fakeTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	f.statements = append(f.statements, query)
	return nil, nil
}

func (f *fakeTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	f.statements = append(f.statements, query)
	return nil
}

func (f *fakeTx) Commit() error   { f.committed = true; return nil }
func (f *fakeTx) Rollback() error { f.rolledBack = true; return nil }

func testCoordinator(lifetime time.Duration) (*Coordinator, *[]*fakeTx) {
	opened := []*fakeTx{}
	c := newCoordinator(func(ctx context.Context) (Tx, error) {
		tx := &fakeTx{}
		opened = append(opened, tx)
		return tx, nil
	}, lifetime)
	return c, &opened
}

func TestCoordinator_BeginCommit(t *testing.T) {
	ctx := context.Background()
	c, opened := testCoordinator(0)

	id, err := c.Begin(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, c.Count())

	err = c.WithTransaction(ctx, id, func(conn csql.Conn, subject string) error {
		assert.Equal(t, "u1", subject)
		_, err := conn.ExecContext(ctx, "UPDATE something;")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Commit(ctx, id); err != nil {
		t.Fatal(err)
	}
	tx := (*opened)[0]
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
	assert.Equal(t, []string{"UPDATE something;"}, tx.statements)
	assert.Equal(t, 0, c.Count())

	// the id is gone after commit
	err = c.Commit(ctx, id)
	assert.Equal(t, http.StatusRequestTimeout, fault.HTTPStatus(err))
}

func TestCoordinator_Rollback(t *testing.T) {
	ctx := context.Background()
	c, opened := testCoordinator(0)

	id, err := c.Begin(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Rollback(ctx, id); err != nil {
		t.Fatal(err)
	}
	tx := (*opened)[0]
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
	assert.Equal(t, 0, c.Count())
}

func TestCoordinator_UnknownID(t *testing.T) {
	ctx := context.Background()
	c, _ := testCoordinator(0)

	err := c.WithTransaction(ctx, "b7f0e6f8-0000-0000-0000-000000000000", func(conn csql.Conn, subject string) error {
		t.Fatal("must not be called")
		return nil
	})
	assert.True(t, fault.Expired.Has(err))
	assert.Equal(t, http.StatusRequestTimeout, fault.HTTPStatus(err))
}

func TestCoordinator_Expiry(t *testing.T) {
	ctx := context.Background()
	c, opened := testCoordinator(time.Minute)
	current := time.Now()
	c.now = func() time.Time { return current }

	id, err := c.Begin(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}

	// still usable at exactly the end of the lifetime
	current = current.Add(time.Minute)
	err = c.WithTransaction(ctx, id, func(conn csql.Conn, subject string) error { return nil })
	if err != nil {
		t.Fatal(err)
	}

	// one tick later the id behaves like an unknown one
	current = current.Add(time.Nanosecond)
	err = c.WithTransaction(ctx, id, func(conn csql.Conn, subject string) error {
		t.Fatal("must not be called")
		return nil
	})
	assert.True(t, fault.Expired.Has(err))
	assert.Equal(t, http.StatusRequestTimeout, fault.HTTPStatus(err))

	tx := (*opened)[0]
	assert.True(t, tx.rolledBack, "expired transactions are rolled back")
	assert.Equal(t, 0, c.Count())

	err = c.Commit(ctx, id)
	assert.Equal(t, http.StatusRequestTimeout, fault.HTTPStatus(err))
}

func TestCoordinator_ExpiryIsOpportunistic(t *testing.T) {
	ctx := context.Background()
	c, opened := testCoordinator(time.Minute)
	current := time.Now()
	c.now = func() time.Time { return current }

	if _, err := c.Begin(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	current = current.Add(2 * time.Minute)

	// an unrelated begin sweeps the stale transaction out
	if _, err := c.Begin(ctx, "u2"); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 1, c.Count())
	assert.True(t, (*opened)[0].rolledBack)
	assert.False(t, (*opened)[1].rolledBack)
}

func TestCoordinator_SubjectsAreIndependent(t *testing.T) {
	ctx := context.Background()
	c, _ := testCoordinator(0)

	idA, err := c.Begin(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	idB, err := c.Begin(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	assert.NotEqual(t, idA, idB)

	var subjects []string
	for _, id := range []string{idA, idB} {
		err := c.WithTransaction(ctx, id, func(conn csql.Conn, subject string) error {
			subjects = append(subjects, subject)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	assert.Equal(t, []string{"alice", "bob"}, subjects)
}
