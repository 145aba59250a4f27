// Package runctx implements the Run Context: the per-execution handle
// passed to an agent callback, exposing emit/checkpoint/get_state/
// cancellation over the Event Bus and Run Store.
package runctx

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/runfleet/agentrun/eventbus"
	"github.com/runfleet/agentrun/state"
)

// Context is constructed once per run(ctx) invocation. The embedded
// context.Context carries deadlines (run_timeout) and cancellation from
// the Runner; Cancelled/CheckCancelled additionally track the
// cooperative, Run-Store-backed cancellation signal, which is distinct
// from context cancellation.
type Context struct {
	context.Context

	runID          string
	conversationID *string
	inputMessages  json.RawMessage
	params         json.RawMessage
	workerID       string

	bus   eventbus.Bus
	store *state.Store

	seqMu   sync.Mutex
	nextSeq int

	cancelCheckInterval time.Duration
	cancelMu            sync.Mutex
	lastCancelCheck     time.Time
	cancelledCached     bool

	stateMu      sync.Mutex
	stateLoaded  bool
	cachedState  []byte
	cachedHasAny bool

	persistTokenDeltas bool
}

// transientPublisher is implemented by Event Bus backends (the Redis
// backend) that can publish an event to live subscribers without
// persisting it. Backends without this capability always persist.
type transientPublisher interface {
	PublishTransient(ctx context.Context, event state.Event) error
}

// tokenDeltaEventType is the one high-volume event type eligible for
// transient (non-persisted) publication, per persistTokenDeltas.
const tokenDeltaEventType = "token.delta"

// New builds a Context for a claimed run. The internal seq counter is
// initialized from the Event Bus so a resumed run continues its sequence
// without collision with events from a prior attempt. persistTokenDeltas
// mirrors conf.py's PERSIST_TOKEN_DELTAS: when false and the bus can
// publish transiently (the Redis backend), token.delta events go to live
// subscribers only and are not written to the Event Store; on a bus
// without that capability they are persisted like any other event.
func New(ctx context.Context, run state.Run, bus eventbus.Bus, store *state.Store, workerID string, cancelCheckInterval time.Duration, persistTokenDeltas bool) (*Context, error) {
	seq, err := bus.NextSeq(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if cancelCheckInterval <= 0 {
		cancelCheckInterval = time.Second
	}

	messages, params := splitInput(run.Input)

	return &Context{
		Context:             ctx,
		runID:               run.ID,
		conversationID:      run.ConversationID,
		inputMessages:       messages,
		params:              params,
		workerID:            workerID,
		bus:                 bus,
		store:               store,
		nextSeq:             seq,
		cancelCheckInterval: cancelCheckInterval,
		persistTokenDeltas:  persistTokenDeltas,
	}, nil
}

// splitInput decomposes a Run's stored input ({"messages":[...],
// "params":{...}}) into its two immutable Run Context fields. Malformed
// or partial input degrades to empty values rather than failing context
// construction, since validation already happened at submission.
func splitInput(input json.RawMessage) (messages, params json.RawMessage) {
	var decoded struct {
		Messages json.RawMessage `json:"messages"`
		Params   json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(input, &decoded); err != nil {
		return json.RawMessage(`[]`), json.RawMessage(`{}`)
	}
	if decoded.Messages == nil {
		decoded.Messages = json.RawMessage(`[]`)
	}
	if decoded.Params == nil {
		decoded.Params = json.RawMessage(`{}`)
	}
	return decoded.Messages, decoded.Params
}

func (c *Context) RunID() string { return c.runID }

func (c *Context) ConversationID() *string { return c.conversationID }

func (c *Context) InputMessages() json.RawMessage { return c.inputMessages }

func (c *Context) Params() json.RawMessage { return c.params }

// Emit atomically allocates the next seq and publishes the event. Must
// never skip a seq. If the bus rejects the publish, the caller (the
// Runner) treats it as a fatal infrastructure error.
func (c *Context) Emit(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	c.seqMu.Lock()
	seq := c.nextSeq
	c.nextSeq++
	c.seqMu.Unlock()

	event := state.Event{
		RunID:     c.runID,
		Seq:       seq,
		Type:      eventType,
		Payload:   data,
		Timestamp: time.Now(),
	}

	if !c.persistTokenDeltas && eventType == tokenDeltaEventType {
		if transient, ok := c.bus.(transientPublisher); ok {
			return transient.PublishTransient(c.Context, event)
		}
	}

	return c.bus.Publish(c.Context, event)
}

// checkpointEvent is the observer-visible marker emitted alongside every
// checkpoint write.
type checkpointEvent struct {
	Seq int `json:"checkpoint_seq"`
}

// Checkpoint persists state and emits a state.checkpoint event for
// observer visibility.
func (c *Context) Checkpoint(snapshot any) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	seq, err := c.store.SaveCheckpoint(c.Context, c.runID, data)
	if err != nil {
		return err
	}

	c.stateMu.Lock()
	c.cachedState = data
	c.cachedHasAny = true
	c.stateLoaded = true
	c.stateMu.Unlock()

	return c.Emit("state.checkpoint", checkpointEvent{Seq: seq})
}

// GetState lazily loads the latest checkpoint, caching the result for
// subsequent calls within the same Context lifetime.
func (c *Context) GetState() ([]byte, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.stateLoaded {
		return c.cachedState, c.cachedHasAny
	}

	cp, err := c.store.LatestCheckpoint(c.Context, c.runID)
	c.stateLoaded = true
	if err != nil {
		c.cachedHasAny = false
		return nil, false
	}
	c.cachedState = cp.State
	c.cachedHasAny = true
	return c.cachedState, true
}

// Cancelled is a cheap, non-blocking read of the cached cancellation
// flag, refreshed only by CheckCancelled.
func (c *Context) Cancelled() bool {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	return c.cancelledCached
}

// CheckCancelled refreshes the cached flag from the Run Store, rate-
// limited to roughly once per cancelCheckInterval. Callback code doing
// long-running work should call this between subtasks; cooperative
// cancellation is the only model.
func (c *Context) CheckCancelled() bool {
	c.cancelMu.Lock()
	now := time.Now()
	if !c.lastCancelCheck.IsZero() && now.Sub(c.lastCancelCheck) < c.cancelCheckInterval {
		cached := c.cancelledCached
		c.cancelMu.Unlock()
		return cached
	}
	c.cancelMu.Unlock()

	cancelled, err := c.store.IsCancelled(c.Context, c.runID)
	if err != nil {
		// Infrastructure hiccup: keep the previous cached value rather
		// than assuming cancellation either way.
		c.cancelMu.Lock()
		cached := c.cancelledCached
		c.cancelMu.Unlock()
		return cached
	}

	c.cancelMu.Lock()
	c.cancelledCached = cancelled
	c.lastCancelCheck = now
	c.cancelMu.Unlock()
	return cancelled
}
