package state

import (
	"context"
	"database/sql"
	"encoding/json"
)

// SaveCheckpoint appends a new checkpoint at the next seq for the run and
// returns the seq used. The store is independent of the Event Store's
// sequence: each has its own counter.
func (s *Store) SaveCheckpoint(ctx context.Context, runID string, snapshot json.RawMessage) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx, `
SELECT COALESCE(MAX(seq) + 1, 0) FROM checkpoints WHERE run_id = $1
`, runID).Scan(&next)
	if err != nil {
		return 0, err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO checkpoints (run_id, seq, state) VALUES ($1, $2, $3)
`, runID, next, snapshot)
	if err != nil {
		return 0, err
	}
	return next, nil
}

// LatestCheckpoint returns the highest-seq checkpoint for a run, or
// ErrNotFound if the run has none.
func (s *Store) LatestCheckpoint(ctx context.Context, runID string) (Checkpoint, error) {
	var cp Checkpoint
	cp.RunID = runID
	err := s.db.QueryRowContext(ctx, `
SELECT seq, state, created_at FROM checkpoints
WHERE run_id = $1 ORDER BY seq DESC LIMIT 1
`, runID).Scan(&cp.Seq, &cp.State, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}
