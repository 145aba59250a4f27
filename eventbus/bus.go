// Package eventbus publishes run events and delivers live+replay streams
// to subscribers, backing the Event Bus contract.
package eventbus

import (
	"context"
	"errors"

	"github.com/runfleet/agentrun/state"
)

// ErrDuplicateSeq is returned when a publish collides with an existing
// (run_id, seq) pair.
var ErrDuplicateSeq = errors.New("eventbus: duplicate seq")

// Bus is the Event Bus contract from the Event Store forward: next_seq,
// publish, get_events (replay), subscribe (live + replay), close.
type Bus interface {
	NextSeq(ctx context.Context, runID string) (int, error)
	Publish(ctx context.Context, event state.Event) error
	GetEvents(ctx context.Context, runID string, fromSeq int, toSeq *int) ([]state.Event, error)
	Subscribe(ctx context.Context, runID string, fromSeq int) (<-chan state.Event, func(), error)
	Close() error
}

// isTerminal reports whether an event type ends a run's stream.
func isTerminal(eventType string) bool {
	return state.TerminalEventTypes[eventType]
}
