// Package distlock serializes work on one tracking record across server
// instances, so concurrent webhook deliveries for the same record apply in
// order.
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

// ErrLockTimeout is returned by AcquireWithin when the lock stayed busy for
// the whole wait.
var ErrLockTimeout = errors.New("distlock: timed out waiting for lock")

// DistLock is the interface for distributed locking.
// Implementations must be safe for use from a single goroutine;
// concurrent use across goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// Factory returns a fresh lock for a key.
type Factory func(key string) DistLock

// NewFactory returns Redis-backed locks, or nil without a client. Postgres
// deployments without Redis lock inside the store transaction instead
// (see PGXactLock).
func NewFactory(redisClient *redis.Client, ttl time.Duration) Factory {
	if redisClient == nil {
		return nil
	}
	return func(key string) DistLock { return NewRedisLock(redisClient, key, ttl) }
}

// RecordKey is the lock key for one tracking record.
func RecordKey(trackingEmailID int64) string {
	return fmt.Sprintf("tracking-email:%d", trackingEmailID)
}

// AcquireWithin polls Acquire until it succeeds, ctx ends, or timeout
// elapses.
func AcquireWithin(ctx context.Context, l DistLock, timeout, poll time.Duration) error {
	if poll <= 0 {
		poll = 25 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		ok, err := l.Acquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		wait := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-deadline.C:
			wait.Stop()
			return ErrLockTimeout
		case <-wait.C:
		}
	}
}

// LockID maps a key onto the bigint space of Postgres advisory locks.
func LockID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// Querier runs the lock statements. Pass the *sql.Tx the lock should live
// in.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PGXactLock implements DistLock using transaction-scoped Postgres
// advisory locks. Postgres drops the lock at commit or rollback, so the
// lock never holds a connection of its own and Release has nothing to do.
type PGXactLock struct {
	q      Querier
	lockID int64
}

// NewPGXactLock creates a lock on key inside the transaction q.
func NewPGXactLock(q Querier, key string) *PGXactLock {
	return &PGXactLock{q: q, lockID: LockID(key)}
}

// Acquire tries pg_try_advisory_xact_lock without blocking.
func (l *PGXactLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	if err := l.q.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1)", l.lockID).Scan(&acquired); err != nil {
		return false, fmt.Errorf("distlock: advisory lock: %w", err)
	}
	return acquired, nil
}

// Release is a no-op; the transaction end releases the lock.
func (l *PGXactLock) Release(context.Context) error { return nil }
