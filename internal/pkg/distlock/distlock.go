// Package distlock guarantees that only one drip run owns the progress
// store at a time.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned by AcquireOrFail when another run owns the lock.
var ErrHeld = errors.New("run lock is held by another process")

// DistLock is held for the whole of one run. Acquire never blocks: false
// means another run owns it.
type DistLock interface {
	Acquire(ctx context.Context) (bool, error)
	// Release is a no-op when the lock is not ours.
	Release(ctx context.Context) error
}

// NewLock returns a Redis lock when redisClient is set, otherwise an advisory
// lock on the CRM database.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// AcquireOrFail acquires l or returns an error wrapping ErrHeld, naming the
// current holder when the backend can report one.
func AcquireOrFail(ctx context.Context, l DistLock) error {
	ok, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if h, isHolder := l.(interface {
		Holder(ctx context.Context) (string, error)
	}); isHolder {
		if owner, err := h.Holder(ctx); err == nil && owner != "" {
			return fmt.Errorf("%w (holder %s)", ErrHeld, owner)
		}
	}
	return ErrHeld
}

// PGAdvisoryLock is the run lock without Redis. pg_try_advisory_lock is
// session-scoped, so the lock pins one pooled connection from Acquire until
// Release; a dropped connection frees it.
type PGAdvisoryLock struct {
	db     *sql.DB
	conn   *sql.Conn
	lockID int64
}

// NewPGAdvisoryLock hashes key into the advisory lock id.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries to acquire the advisory lock without blocking.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("advisory lock %d: %w", l.lockID, err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release releases the advisory lock and returns its connection to the pool.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
