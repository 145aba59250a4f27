package state

import (
	"errors"
	"fmt"
)

type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
	RunStatusTimedOut  RunStatus = "TIMED_OUT"
)

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusQueued:    {RunStatusQueued, RunStatusRunning, RunStatusCancelled},
	RunStatusRunning:   {RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCancelled, RunStatusTimedOut, RunStatusQueued},
	RunStatusSucceeded: {RunStatusSucceeded},
	RunStatusFailed:    {RunStatusFailed},
	RunStatusCancelled: {RunStatusCancelled},
	RunStatusTimedOut:  {RunStatusTimedOut},
}

// TransitionError signals an illegal state transition detected in the persistence layer.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// UnknownStateError signals a state value that is not part of the documented state machine.
type UnknownStateError struct {
	Entity string
	State  string
}

func (e UnknownStateError) Error() string {
	return fmt.Sprintf("%s: unknown state %q", e.Entity, e.State)
}

func validateRunTransition(id string, from, to RunStatus) error {
	allowed, ok := runTransitions[from]
	if !ok {
		return UnknownStateError{Entity: "run", State: string(from)}
	}
	if _, ok := runTransitions[to]; !ok {
		return UnknownStateError{Entity: "run", State: string(to)}
	}
	for _, candidate := range allowed {
		if candidate == to {
			return nil
		}
	}
	return TransitionError{Entity: "run", ID: id, From: string(from), To: string(to)}
}

func IsTransitionError(err error) bool {
	var te TransitionError
	return errors.As(err, &te)
}

func IsUnknownStateError(err error) bool {
	var ue UnknownStateError
	return errors.As(err, &ue)
}
