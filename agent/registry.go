// Package agent defines the polymorphism boundary over agent_key: a small
// two-method interface that every agent variant (builtin tool, function
// tool, sub-agent tool) reduces to, plus a registry mapping agent_key to
// its implementation.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// RunContext is the subset of the run context a Callback needs: emit,
// checkpoint, get_state, cancellation. Defined here (rather than imported
// from runctx) to keep this package free of a dependency on the runner
// wiring; runctx.Context satisfies it.
type RunContext interface {
	context.Context
	Emit(eventType string, payload any) error
	Checkpoint(state any) error
	GetState() ([]byte, bool)
	Cancelled() bool
	CheckCancelled() bool
}

// RunResult is what a successful Callback returns. runner/runner.go
// marshals it into the run's persisted output using the same JSON field
// names as state.RunResult.
type RunResult struct {
	FinalOutput   any
	FinalMessages any
	Usage         any
	Artifacts     []ArtifactRef
}

// ArtifactRef has the same fields and JSON shape as state.ArtifactRef.
// Content, when set, is raw artifact bytes the runner uploads before the
// final output is persisted; it is cleared once URI is populated.
type ArtifactRef struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	URI     string `json:"uri"`
	Content []byte `json:"-"`
}

// Callback is the capability every registered agent exposes.
type Callback interface {
	// Run executes one attempt, returning the result on success or an
	// error (ideally an *ErrorInfo) on failure.
	Run(ctx RunContext) (RunResult, error)
}

// ErrorClassifier is an optional second method: on_error(ctx, err) ->
// ErrorInfo. A Callback that also implements this interface gets to
// override the default classification of its own errors (e.g. downgrade
// a retriable error to terminal, or attach details).
type ErrorClassifier interface {
	OnError(ctx RunContext, err error) *ErrorInfo
}

// ErrAgentNotFound is returned by Lookup for an unregistered agent_key.
type ErrAgentNotFound struct {
	AgentKey string
}

func (e *ErrAgentNotFound) Error() string {
	return fmt.Sprintf("agent: no callback registered for agent_key %q", e.AgentKey)
}

// Registry is the process-wide, explicitly-constructed mapping from
// agent_key to Callback. Populated once at startup via configured
// discovery and then treated as read-mostly; concurrent Lookup calls
// during steady-state operation are the common case.
type Registry struct {
	mu        sync.RWMutex
	callbacks map[string]Callback
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{callbacks: make(map[string]Callback)}
}

// Register binds agent_key to callback, replacing any prior binding.
func (r *Registry) Register(agentKey string, callback Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[agentKey] = callback
}

// Unregister removes a binding, if any.
func (r *Registry) Unregister(agentKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.callbacks, agentKey)
}

// Lookup resolves agent_key to its Callback, or ErrAgentNotFound.
func (r *Registry) Lookup(agentKey string) (Callback, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.callbacks[agentKey]
	if !ok {
		return nil, &ErrAgentNotFound{AgentKey: agentKey}
	}
	return cb, nil
}

// List returns the registered agent_key values in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.callbacks))
	for k := range r.callbacks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DiscoverFromConfig registers every entry in a settings-provided
// agent_key -> Callback map in one pass. This is the Go analogue of the
// original runtime's settings-driven discovery path; there is no
// analogue here of its entry-point/plugin discovery, since Go has no
// equivalent of dynamic dotted-path import at runtime.
func (r *Registry) DiscoverFromConfig(callbacks map[string]Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, cb := range callbacks {
		r.callbacks[key] = cb
	}
}
