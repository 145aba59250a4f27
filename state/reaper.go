package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// ErrNoExpiredLeases signals there are no runs ready to reap.
var ErrNoExpiredLeases = errors.New("state: no expired leases")

// ReapExpired finds runs with status RUNNING and an expired lease. For
// each, it either transitions to QUEUED (incrementing attempt) when
// attempts remain, or to FAILED with a LeaseLost error otherwise.
// Returns the number of runs processed.
func (s *Store) ReapExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}

	processed := 0
	for processed < limit {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			var runID string
			var attempt, maxAttempts int

			row := tx.QueryRowContext(ctx, `
SELECT id, attempt, max_attempts
FROM runs
WHERE status = $1 AND lease_expires_at IS NOT NULL AND lease_expires_at <= $2
ORDER BY lease_expires_at ASC
FOR UPDATE SKIP LOCKED
LIMIT 1
`, RunStatusRunning, now)

			if err := row.Scan(&runID, &attempt, &maxAttempts); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return ErrNoExpiredLeases
				}
				return err
			}

			if attempt < maxAttempts {
				_, err := tx.ExecContext(ctx, `
UPDATE runs
SET status = $2,
    attempt = attempt + 1,
    lease_owner = '',
    lease_expires_at = NULL,
    not_before = $3
WHERE id = $1
`, runID, RunStatusQueued, now)
				return err
			}

			leaseLostErr, _ := json.Marshal(map[string]any{
				"kind":      "LeaseLost",
				"message":   "lease expired and attempts exhausted",
				"retriable": false,
			})

			_, err := tx.ExecContext(ctx, `
UPDATE runs
SET status = $2,
    error = $3,
    finished_at = $4,
    lease_owner = '',
    lease_expires_at = NULL
WHERE id = $1
`, runID, RunStatusFailed, json.RawMessage(leaseLostErr), now)
			return err
		})

		if err != nil {
			if errors.Is(err, ErrNoExpiredLeases) {
				break
			}
			return processed, err
		}

		processed++
	}

	return processed, nil
}
