package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// CreateRun inserts a new run in QUEUED state. If the run carries an
// idempotency key that collides with an existing row, the existing run
// is returned instead and created is false.
func (s *Store) CreateRun(ctx context.Context, run Run) (out Run, created bool, err error) {
	if run.Status == "" {
		run.Status = RunStatusQueued
	}
	if run.Attempt == 0 {
		run.Attempt = 1
	}
	if run.MaxAttempts == 0 {
		run.MaxAttempts = 3
	}
	if run.Metadata == nil {
		run.Metadata = json.RawMessage(`{}`)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
INSERT INTO runs (id, agent_key, conversation_id, status, input, attempt, max_attempts, idempotency_key, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING created_at
`, run.ID, run.AgentKey, run.ConversationID, run.Status, run.Input, run.Attempt, run.MaxAttempts, run.IdempotencyKey, run.Metadata)
		if scanErr := row.Scan(&run.CreatedAt); scanErr != nil {
			if isUniqueViolation(scanErr) {
				return ErrDuplicateIdempotencyKey
			}
			return scanErr
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			if run.IdempotencyKey == nil {
				return Run{}, false, err
			}
			existing, getErr := s.GetRunByIdempotencyKey(ctx, *run.IdempotencyKey)
			if getErr != nil {
				return Run{}, false, getErr
			}
			return existing, false, nil
		}
		return Run{}, false, err
	}

	return run, true, nil
}

const runColumns = `id, agent_key, conversation_id, status, input, output, error, attempt, max_attempts,
	lease_owner, lease_expires_at, not_before, idempotency_key, cancel_requested_at,
	created_at, started_at, finished_at, metadata`

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var run Run
	var leaseOwner sql.NullString
	err := row.Scan(
		&run.ID, &run.AgentKey, &run.ConversationID, &run.Status, &run.Input, &run.Output, &run.Error,
		&run.Attempt, &run.MaxAttempts, &leaseOwner, &run.LeaseExpiresAt, &run.NotBefore,
		&run.IdempotencyKey, &run.CancelRequestedAt, &run.CreatedAt, &run.StartedAt, &run.FinishedAt, &run.Metadata,
	)
	if err != nil {
		return Run{}, err
	}
	run.LeaseOwner = leaseOwner.String
	return run, nil
}

// GetRun returns a single run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, fmt.Errorf("%w: run %s", ErrNotFound, runID)
		}
		return Run{}, err
	}
	return run, nil
}

// GetRunByIdempotencyKey returns the run created for the given idempotency key.
func (s *Store) GetRunByIdempotencyKey(ctx context.Context, key string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE idempotency_key = $1`, key)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, fmt.Errorf("%w: idempotency key %s", ErrNotFound, key)
		}
		return Run{}, err
	}
	return run, nil
}

// RequestCancel sets cancel_requested_at on a non-terminal run. If the run
// is still QUEUED it is short-circuited directly to CANCELLED.
func (s *Store) RequestCancel(ctx context.Context, runID string, now sql.NullTime) (Run, error) {
	var run Run
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1 FOR UPDATE`, runID)
		scanned, err := scanRun(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: run %s", ErrNotFound, runID)
			}
			return err
		}
		run = scanned

		if run.IsTerminal() {
			return TransitionError{Entity: "run", ID: runID, From: string(run.Status), To: string(RunStatusCancelled)}
		}

		if run.Status == RunStatusQueued {
			if _, err := tx.ExecContext(ctx, `
UPDATE runs SET status = $2, cancel_requested_at = $3, finished_at = $3
WHERE id = $1
`, runID, RunStatusCancelled, now.Time); err != nil {
				return err
			}
			run.Status = RunStatusCancelled
			run.CancelRequestedAt = &now.Time
			run.FinishedAt = &now.Time
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE runs SET cancel_requested_at = $2
WHERE id = $1 AND cancel_requested_at IS NULL
`, runID, now.Time); err != nil {
			return err
		}
		run.CancelRequestedAt = &now.Time
		return nil
	})
	return run, err
}

// IsCancelled reports whether cancellation has been requested for a run.
func (s *Store) IsCancelled(ctx context.Context, runID string) (bool, error) {
	var cancelRequestedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested_at FROM runs WHERE id = $1`, runID).Scan(&cancelRequestedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%w: run %s", ErrNotFound, runID)
		}
		return false, err
	}
	return cancelRequestedAt.Valid, nil
}
