package state

import (
	"encoding/json"
	"time"
)

// Run is one execution of an agent from submission to terminal status,
// possibly across multiple attempts.
type Run struct {
	ID             string          `json:"id"`
	AgentKey       string          `json:"agent_key"`
	ConversationID *string         `json:"conversation_id,omitempty"`
	Status         RunStatus       `json:"status"`
	Input          json.RawMessage `json:"input"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          json.RawMessage `json:"error,omitempty"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	NotBefore      *time.Time      `json:"not_before,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	CancelRequestedAt *time.Time   `json:"cancel_requested_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// IsTerminal reports whether the run has reached an absorbing status.
func (r Run) IsTerminal() bool {
	switch r.Status {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled, RunStatusTimedOut:
		return true
	default:
		return false
	}
}

// Event is a single entry in a run's append-only event log.
type Event struct {
	RunID     string          `json:"run_id"`
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"ts"`
}

// TerminalEventTypes are the event types that close a run's stream.
var TerminalEventTypes = map[string]bool{
	"run.succeeded": true,
	"run.failed":    true,
	"run.cancelled": true,
	"run.timed_out": true,
}

// Checkpoint is one entry in a run's append-sequence of opaque state
// snapshots; readers take the highest seq.
type Checkpoint struct {
	RunID     string          `json:"run_id"`
	Seq       int             `json:"seq"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

// RunResult is what a successful agent callback returns.
type RunResult struct {
	FinalOutput   json.RawMessage `json:"final_output"`
	FinalMessages json.RawMessage `json:"final_messages,omitempty"`
	Usage         json.RawMessage `json:"usage,omitempty"`
	Artifacts     []ArtifactRef   `json:"artifacts,omitempty"`
}

// ArtifactRef is a lightweight reference to an externally stored artifact.
// Content, when set by the agent callback, is raw artifact bytes awaiting
// upload; it is never persisted and is cleared once URI is populated.
type ArtifactRef struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	URI     string `json:"uri"`
	Content []byte `json:"-"`
}
