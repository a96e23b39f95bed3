package connection

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"hash/fnv"
	"time"

	"github.com/guacscanner/guacscanner/pkg/retry"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Lock is a held run lock.
type Lock interface {
	// Unlock releases the lock. It is safe to call once.
	Unlock(ctx context.Context) error
}

// Locker hands out the exclusive per-network run lock shared by every
// scanner process.
type Locker interface {
	// TryLock attempts to take the lock for name without waiting. It
	// returns false when another holder has it.
	TryLock(ctx context.Context, name string) (Lock, bool, error)
}

// AdvisoryLocker implements Locker with PostgreSQL session advisory locks.
// The lock lives on a dedicated connection pinned for the duration of the cycle.
type AdvisoryLocker struct {
	db     *sql.DB
	policy retry.Policy
}

// NewAdvisoryLocker returns a locker using db.
func NewAdvisoryLocker(db *sql.DB, policy retry.Policy) *AdvisoryLocker {
	return &AdvisoryLocker{db: db, policy: policy.WithKind(retry.KindStore)}
}

// lockID maps a lock name onto the 64-bit advisory lock key space.
func lockID(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte("guacscanner:" + name))
	return int64(h.Sum64())
}

// TryLock implements Locker.
func (l *AdvisoryLocker) TryLock(ctx context.Context, name string) (Lock, bool, error) {
	id := lockID(name)

	type result struct {
		conn     *sql.Conn
		acquired bool
	}
	res, err := retry.Value(ctx, l.policy, "acquire run lock", func(ctx context.Context) (result, error) {
		conn, err := l.db.Conn(ctx)
		if err != nil {
			return result{}, classify(err)
		}
		var acquired bool
		if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&acquired); err != nil {
			conn.Close()
			return result{}, classify(err)
		}
		return result{conn: conn, acquired: acquired}, nil
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "acquire run lock for %s", name)
	}
	if !res.acquired {
		res.conn.Close()
		return nil, false, nil
	}
	return &advisoryLock{conn: res.conn, id: id, name: name, timeout: l.policy.Timeout}, true, nil
}

type advisoryLock struct {
	conn    *sql.Conn
	id      int64
	name    string
	timeout time.Duration
}

func (l *advisoryLock) Unlock(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	conn := l.conn
	l.conn = nil

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	var released bool
	err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", l.id).Scan(&released)
	if err == nil && released {
		return conn.Close()
	}

	// The session still owns the lock. Discard the connection instead of
	// returning it to the pool so the server drops the lock with the session.
	conn.Raw(func(interface{}) error { return driver.ErrBadConn })
	conn.Close()
	if err != nil {
		return errors.Wrapf(err, "release run lock for %s", l.name)
	}
	log.WithField("lock", l.name).Warn("Run lock was not held at release time")
	return nil
}
