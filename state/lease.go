package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ExtendLease renews a held lease if the run is RUNNING and still owned
// by worker. Returns false (no error) if the lease is no longer held.
func (s *Store) ExtendLease(ctx context.Context, runID, workerID string, ttl time.Duration, now time.Time) (bool, error) {
	extended := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status RunStatus
		var leaseOwner sql.NullString
		if err := tx.QueryRowContext(ctx, `
SELECT status, lease_owner FROM runs WHERE id = $1 FOR UPDATE
`, runID).Scan(&status, &leaseOwner); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: run %s", ErrNotFound, runID)
			}
			return err
		}

		if status != RunStatusRunning || leaseOwner.String != workerID {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE runs SET lease_expires_at = $2 WHERE id = $1
`, runID, now.Add(ttl)); err != nil {
			return err
		}
		extended = true
		return nil
	})
	return extended, err
}

// Release performs the terminal transition for a run: if the caller still
// holds the lease, set status to the supplied terminal outcome, stamp
// finished_at, clear the lease, and persist output or error (a nil output
// or error is stored as an empty object). If the lease is no longer held,
// nothing is changed and ErrStaleLease is returned.
func (s *Store) Release(ctx context.Context, runID, workerID string, outcome RunStatus, output, errPayload json.RawMessage, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status RunStatus
		var leaseOwner sql.NullString
		if err := tx.QueryRowContext(ctx, `
SELECT status, lease_owner FROM runs WHERE id = $1 FOR UPDATE
`, runID).Scan(&status, &leaseOwner); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: run %s", ErrNotFound, runID)
			}
			return err
		}

		if leaseOwner.String != workerID {
			return ErrStaleLease
		}

		if err := validateRunTransition(runID, status, outcome); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
UPDATE runs
SET status = $2,
    output = COALESCE($3, '{}'::jsonb),
    error = COALESCE($4, '{}'::jsonb),
    finished_at = $5,
    lease_owner = '',
    lease_expires_at = NULL
WHERE id = $1
`, runID, outcome, output, errPayload, now)
		return err
	})
}

// RequeueForRetry returns a run to QUEUED with an incremented attempt and
// a not-before deadline, if the caller holds the lease and attempts remain.
// Returns false if retries are exhausted; the caller should then call
// Release with FAILED.
func (s *Store) RequeueForRetry(ctx context.Context, runID, workerID string, errPayload json.RawMessage, delay time.Duration, now time.Time) (bool, error) {
	requeued := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status RunStatus
		var leaseOwner sql.NullString
		var attempt, maxAttempts int
		if err := tx.QueryRowContext(ctx, `
SELECT status, lease_owner, attempt, max_attempts FROM runs WHERE id = $1 FOR UPDATE
`, runID).Scan(&status, &leaseOwner, &attempt, &maxAttempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: run %s", ErrNotFound, runID)
			}
			return err
		}

		if leaseOwner.String != workerID {
			return ErrStaleLease
		}

		if attempt >= maxAttempts {
			return nil
		}

		if err := validateRunTransition(runID, status, RunStatusQueued); err != nil {
			return err
		}

		entry, err := json.Marshal(attemptHistoryEntry{Attempt: attempt, Error: errPayload, At: now})
		if err != nil {
			return err
		}

		notBefore := now.Add(delay)
		if _, err := tx.ExecContext(ctx, `
UPDATE runs
SET status = $2,
    attempt = attempt + 1,
    error = $3,
    not_before = $4,
    lease_owner = '',
    lease_expires_at = NULL,
    metadata = jsonb_set(
        metadata,
        '{attempt_history}',
        COALESCE(metadata->'attempt_history', '[]'::jsonb) || jsonb_build_array($5::jsonb),
        true
    )
WHERE id = $1
`, runID, RunStatusQueued, errPayload, notBefore, entry); err != nil {
			return err
		}

		requeued = true
		return nil
	})
	return requeued, err
}

// attemptHistoryEntry is appended to Run.Metadata.attempt_history on every
// non-terminal retry, so a run's metadata accumulates a record of each
// failed attempt alongside its final outcome.
type attemptHistoryEntry struct {
	Attempt int             `json:"attempt"`
	Error   json.RawMessage `json:"error"`
	At      time.Time       `json:"at"`
}
