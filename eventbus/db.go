package eventbus

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/runfleet/agentrun/state"
)

// DBBus is the DB-backed Event Bus implementation: subscribers poll the
// Event Store with a sliding lower bound. This is the default backend.
type DBBus struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewDBBus constructs a polling event bus over the given database handle.
func NewDBBus(db *sql.DB, pollInterval time.Duration) *DBBus {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &DBBus{db: db, pollInterval: pollInterval}
}

func (b *DBBus) NextSeq(ctx context.Context, runID string) (int, error) {
	var maxSeq sql.NullInt64
	err := b.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE run_id = $1`, runID).Scan(&maxSeq)
	if err != nil {
		return 0, err
	}
	if !maxSeq.Valid {
		return 0, nil
	}
	return int(maxSeq.Int64) + 1, nil
}

func (b *DBBus) Publish(ctx context.Context, event state.Event) error {
	_, err := b.db.ExecContext(ctx, `
INSERT INTO events (run_id, seq, type, payload, ts)
VALUES ($1, $2, $3, $4, $5)
`, event.RunID, event.Seq, event.Type, event.Payload, event.Timestamp)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateSeq
	}
	return err
}

func (b *DBBus) GetEvents(ctx context.Context, runID string, fromSeq int, toSeq *int) ([]state.Event, error) {
	var rows *sql.Rows
	var err error
	if toSeq != nil {
		rows, err = b.db.QueryContext(ctx, `
SELECT run_id, seq, type, payload, ts FROM events
WHERE run_id = $1 AND seq >= $2 AND seq <= $3
ORDER BY seq ASC
`, runID, fromSeq, *toSeq)
	} else {
		rows, err = b.db.QueryContext(ctx, `
SELECT run_id, seq, type, payload, ts FROM events
WHERE run_id = $1 AND seq >= $2
ORDER BY seq ASC
`, runID, fromSeq)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []state.Event
	for rows.Next() {
		var e state.Event
		if err := rows.Scan(&e.RunID, &e.Seq, &e.Type, &e.Payload, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Subscribe polls the Event Store with a sliding lower bound, emitting
// events in order until the terminal event or the context is cancelled.
func (b *DBBus) Subscribe(ctx context.Context, runID string, fromSeq int) (<-chan state.Event, func(), error) {
	out := make(chan state.Event, 16)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)

		cursor := fromSeq
		ticker := time.NewTicker(b.pollInterval)
		defer ticker.Stop()

		for {
			events, err := b.GetEvents(subCtx, runID, cursor, nil)
			if err != nil {
				return
			}
			for _, e := range events {
				select {
				case out <- e:
				case <-subCtx.Done():
					return
				}
				cursor = e.Seq + 1
				if isTerminal(e.Type) {
					return
				}
			}

			select {
			case <-subCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out, cancel, nil
}

func (b *DBBus) Close() error {
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
