package state

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested row cannot be located.
var ErrNotFound = errors.New("state: not found")

// ErrQueueEmpty indicates that no runs are currently claimable.
var ErrQueueEmpty = errors.New("state: queue empty")

// ErrDuplicateIdempotencyKey indicates an idempotency key already exists.
var ErrDuplicateIdempotencyKey = errors.New("state: duplicate idempotency key")

// ErrStaleLease indicates a lease operation was attempted by a worker
// that no longer holds the run's lease.
var ErrStaleLease = errors.New("state: stale lease")

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle, for callers (e.g. the
// DB-backed Event Bus) that share the same connection pool as the Run
// Store rather than opening a second one.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), as surfaced by pgx.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
