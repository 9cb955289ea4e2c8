// Package txn manages server-held database transactions keyed by an
// opaque id. A client begins a transaction, receives the id, and routes
// any number of CRUD calls through it by passing the id back in the
// X-Transaction-Id request header. The transaction ends on explicit
// commit or rollback, or is rolled back when its lifetime runs out.
//
// Expiry is enforced lazily. There is no background timer; every
// incoming operation first discards transactions past their lifetime,
// and an expired id becomes indistinguishable from an unknown one.
package txn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relabs-tech/limen/core/csql"
	"github.com/relabs-tech/limen/core/fault"
	"github.com/relabs-tech/limen/core/logger"
)

// HeaderTransactionID is the request and response header carrying the
// transaction id.
const HeaderTransactionID = "X-Transaction-Id"

// DefaultLifetime is how long a transaction stays usable after begin.
const DefaultLifetime = 5 * time.Minute

// Tx is the subset of *sql.Tx the coordinator drives. It extends the
// query interface with the two lifecycle calls.
type Tx interface {
	csql.Conn
	Commit() error
	Rollback() error
}

// Factory opens a fresh transaction.
type Factory func(ctx context.Context) (Tx, error)

type session struct {
	id        string
	subject   string
	startedAt time.Time
	expiresAt time.Time
	tx        Tx

	// guards tx against concurrent statements and against a
	// commit or rollback racing a statement on the same id
	mutex    sync.Mutex
	finished bool
}

// Coordinator tracks open transactions. All methods are safe for
// concurrent use; operations on the same id are serialized.
type Coordinator struct {
	factory  Factory
	lifetime time.Duration

	mutex    sync.RWMutex
	sessions map[string]*session

	now   func() time.Time
	newID func() string
}

// New creates a coordinator opening transactions on the passed
// database. A non-positive lifetime selects DefaultLifetime.
func New(db *csql.DB, lifetime time.Duration) *Coordinator {
	if db == nil {
		panic("missing database")
	}
	return newCoordinator(func(ctx context.Context) (Tx, error) {
		return db.BeginTx(ctx, nil)
	}, lifetime)
}

func newCoordinator(factory Factory, lifetime time.Duration) *Coordinator {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &Coordinator{
		factory:  factory,
		lifetime: lifetime,
		sessions: make(map[string]*session),
		now:      time.Now,
		newID: func() string {
			return uuid.New().String()
		},
	}
}

// Begin opens a transaction for subject and returns its id. The subject
// recorded here scopes every call routed through the transaction,
// regardless of the credentials those later calls carry.
func (c *Coordinator) Begin(ctx context.Context, subject string) (string, error) {
	c.expire(ctx)
	tx, err := c.factory(ctx)
	if err != nil {
		return "", fault.Upstream.Wrap(err)
	}
	now := c.now()
	s := &session{
		id:        c.newID(),
		subject:   subject,
		startedAt: now,
		expiresAt: now.Add(c.lifetime),
		tx:        tx,
	}
	c.mutex.Lock()
	c.sessions[s.id] = s
	c.mutex.Unlock()
	return s.id, nil
}

// WithTransaction runs fn inside the transaction bound to id, holding
// the per-id writer lock for the duration of fn. The connection passed
// to fn is only valid until fn returns. The subject is the one recorded
// at begin time.
func (c *Coordinator) WithTransaction(ctx context.Context, id string, fn func(conn csql.Conn, subject string) error) error {
	s, err := c.lookup(ctx, id)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.finished {
		return expiredError(id)
	}
	return fn(s.tx, s.subject)
}

// Commit commits the transaction bound to id and forgets the id.
func (c *Coordinator) Commit(ctx context.Context, id string) error {
	s, err := c.lookup(ctx, id)
	if err != nil {
		return err
	}
	c.remove(s.id)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.finished {
		return expiredError(id)
	}
	s.finished = true
	if err := s.tx.Commit(); err != nil {
		return fault.Upstream.Wrap(err)
	}
	return nil
}

// Rollback rolls back the transaction bound to id and forgets the id.
func (c *Coordinator) Rollback(ctx context.Context, id string) error {
	s, err := c.lookup(ctx, id)
	if err != nil {
		return err
	}
	c.remove(s.id)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.finished {
		return expiredError(id)
	}
	s.finished = true
	if err := s.tx.Rollback(); err != nil {
		return fault.Upstream.Wrap(err)
	}
	return nil
}

// Count returns the number of open transactions.
func (c *Coordinator) Count() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.sessions)
}

func (c *Coordinator) lookup(ctx context.Context, id string) (*session, error) {
	c.expire(ctx)
	c.mutex.RLock()
	s, ok := c.sessions[id]
	c.mutex.RUnlock()
	if !ok {
		return nil, expiredError(id)
	}
	return s, nil
}

func (c *Coordinator) remove(id string) {
	c.mutex.Lock()
	delete(c.sessions, id)
	c.mutex.Unlock()
}

// expire purges transactions past their lifetime and rolls them back.
// The map is released before touching the database.
func (c *Coordinator) expire(ctx context.Context) {
	now := c.now()
	var stale []*session
	c.mutex.Lock()
	for id, s := range c.sessions {
		if now.After(s.expiresAt) {
			delete(c.sessions, id)
			stale = append(stale, s)
		}
	}
	c.mutex.Unlock()

	for _, s := range stale {
		s.mutex.Lock()
		if !s.finished {
			s.finished = true
			if err := s.tx.Rollback(); err != nil {
				logger.FromContext(ctx).WithError(err).Warningf("cannot roll back expired transaction %s", s.id)
			}
		}
		s.mutex.Unlock()
	}
}

func expiredError(id string) error {
	return fault.Expired.New("transaction %s expired or unknown", id)
}
