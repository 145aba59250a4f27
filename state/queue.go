package state

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Claim atomically selects up to batch claimable runs, flips them to
// RUNNING, and stamps the lease. A run is claimable when QUEUED, its
// not_before deadline (if any) has passed, and cancellation has not been
// requested. No two concurrent callers can ever receive the same run.
func (s *Store) Claim(ctx context.Context, workerID string, agentKeys []string, batch int, now time.Time, leaseTTL time.Duration) ([]Run, error) {
	if workerID == "" {
		return nil, errors.New("worker id required")
	}
	if batch <= 0 {
		return nil, nil
	}

	var claimed []Run
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
SELECT id FROM runs
WHERE status = $1
  AND cancel_requested_at IS NULL
  AND (not_before IS NULL OR not_before <= $2)
  AND ($3::text[] IS NULL OR agent_key = ANY($3))
ORDER BY created_at ASC
FOR UPDATE SKIP LOCKED
LIMIT $4
`
		var agentKeysArg any
		if len(agentKeys) > 0 {
			agentKeysArg = agentKeys
		}

		rows, err := tx.QueryContext(ctx, query, RunStatusQueued, now, agentKeysArg, batch)
		if err != nil {
			return err
		}

		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		if len(ids) == 0 {
			return ErrQueueEmpty
		}

		leaseExpiresAt := now.Add(leaseTTL)
		for _, id := range ids {
			row := tx.QueryRowContext(ctx, `
UPDATE runs
SET status = $2,
    lease_owner = $3,
    lease_expires_at = $4,
    started_at = COALESCE(started_at, $5)
WHERE id = $1
RETURNING `+runColumns, id, RunStatusRunning, workerID, leaseExpiresAt, now)
			run, err := scanRun(row)
			if err != nil {
				return err
			}
			claimed = append(claimed, run)
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, ErrQueueEmpty) {
			return nil, nil
		}
		return nil, err
	}

	return claimed, nil
}
