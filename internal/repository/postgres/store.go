package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/mail-tracking/internal/pkg/distlock"
	"github.com/ignite/mail-tracking/internal/tracking"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements tracking.Store against PostgreSQL.
type Store struct {
	db *sql.DB // nil inside a transaction
	q  querier
}

var (
	_ tracking.Store    = (*Store)(nil)
	_ tracking.TxLocker = (*Store)(nil)
)

// NewStore creates a Postgres-backed tracking store.
func NewStore(db *sql.DB) *Store { return &Store{db: db, q: db} }

// RunInTx runs fn inside a transaction, committing when fn returns nil.
// Nested calls reuse the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(tracking.Store) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Store{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// RecordLock returns a transaction-scoped advisory lock on key, or nil
// when s is not bound to a transaction.
func (s *Store) RecordLock(key string) distlock.DistLock {
	tx, ok := s.q.(*sql.Tx)
	if !ok {
		return nil
	}
	return distlock.NewPGXactLock(tx, key)
}

// isUniqueViolation reports a Postgres 23505 error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func idPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
