// Package runner implements the Runner (C7): orchestrates one run end to
// end — context build, heartbeat loop, timeout, outcome classification,
// retry decision — per the nine-step run_once procedure.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/runfleet/agentrun/agent"
	"github.com/runfleet/agentrun/eventbus"
	"github.com/runfleet/agentrun/internal/observability"
	"github.com/runfleet/agentrun/runctx"
	"github.com/runfleet/agentrun/state"
)

// Config holds the timing knobs a Runner needs: run/heartbeat/lease
// durations and retry backoff parameters.
type Config struct {
	RunTimeout          time.Duration
	HeartbeatInterval   time.Duration
	LeaseTTL            time.Duration
	CancelCheckInterval time.Duration
	RetryBackoffBase    float64
	RetryBackoffMax     time.Duration
	PersistTokenDeltas  bool
}

// ArtifactUploader uploads artifact content produced by a callback and
// returns a durable URI. Implemented by artifacts.S3Uploader.
type ArtifactUploader interface {
	UploadArtifact(ctx context.Context, runID, name, contentType string, content []byte) (string, error)
}

// Runner drives a single claimed run's attempt from invocation to
// terminal outcome or retry requeue.
type Runner struct {
	workerID string
	store    *state.Store
	bus      eventbus.Bus
	registry *agent.Registry
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	uploader ArtifactUploader
}

// New constructs a Runner bound to one worker identity.
func New(workerID string, store *state.Store, bus eventbus.Bus, registry *agent.Registry, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		workerID: workerID,
		store:    store,
		bus:      bus,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
}

// WithMetrics attaches a Metrics sink; nil disables metric emission
// (every Metrics method is nil-receiver-safe).
func (r *Runner) WithMetrics(metrics *observability.Metrics) *Runner {
	r.metrics = metrics
	return r
}

// WithArtifactUploader attaches an uploader for RunResult.Artifacts that
// carry inline content; nil leaves artifacts with inline content
// unresolved (their URI stays empty).
func (r *Runner) WithArtifactUploader(uploader ArtifactUploader) *Runner {
	r.uploader = uploader
	return r
}

// RunOnce executes a single attempt of a claimed run. No error escapes
// this function under normal operation: every callback failure, timeout,
// or cancellation is translated into a Run Store transition. A non-nil
// return indicates an infrastructure bug in the runner itself; the
// caller (worker loop) should log it and keep processing other runs.
func (r *Runner) RunOnce(ctx context.Context, run state.Run) error {
	log := r.logger.With("run_id", run.ID, "agent_key", run.AgentKey, "attempt", run.Attempt)
	log.Info("run starting")

	callback, err := r.registry.Lookup(run.AgentKey)
	if err != nil {
		log.Error("agent not found", "error", err)
		return r.releaseWithError(ctx, run, agent.NewErrorInfo(agent.ErrorKindAgentNotFound, err.Error()))
	}

	rc, err := runctx.New(ctx, run, r.bus, r.store, r.workerID, r.cfg.CancelCheckInterval, r.cfg.PersistTokenDeltas)
	if err != nil {
		log.Error("failed to build run context", "error", err)
		return r.releaseWithError(ctx, run, agent.NewErrorInfo(agent.ErrorKindInfrastructureError, err.Error()))
	}

	if err := rc.Emit("run.started", map[string]any{
		"agent_key": run.AgentKey,
		"attempt":   run.Attempt,
	}); err != nil {
		log.Error("failed to emit run.started", "error", err)
		return r.releaseWithError(ctx, run, agent.NewErrorInfo(agent.ErrorKindInfrastructureError, err.Error()))
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout)
	defer cancel()
	rc.Context = runCtx

	heartbeatDone := make(chan struct{})
	go r.heartbeatLoop(runCtx, run, rc, heartbeatDone)
	defer func() {
		cancel()
		<-heartbeatDone
	}()

	result, callbackErr := r.invoke(runCtx, callback, rc)

	switch {
	case callbackErr == nil && rc.Cancelled():
		return r.handleCancellation(ctx, run, rc)
	case callbackErr == nil:
		return r.handleSuccess(ctx, run, rc, result)
	case errors.Is(callbackErr, context.DeadlineExceeded):
		return r.handleTimeout(ctx, run, rc)
	case errors.Is(callbackErr, context.Canceled) && rc.Cancelled():
		return r.handleCancellation(ctx, run, rc)
	default:
		return r.handleError(ctx, run, rc, callback, callbackErr)
	}
}

// invoke runs the callback, translating a panic into an error so a
// misbehaving agent implementation cannot take down the worker loop.
func (r *Runner) invoke(ctx context.Context, callback agent.Callback, rc *runctx.Context) (result agent.RunResult, err error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if p := recover(); p != nil {
				err = agent.NewErrorInfo(agent.ErrorKindCallbackError, panicMessage(p))
			}
		}()
		result, err = callback.Run(rc)
	}()

	select {
	case <-done:
		return result, err
	case <-ctx.Done():
		return agent.RunResult{}, ctx.Err()
	}
}

func panicMessage(p any) string {
	if err, ok := p.(error); ok {
		return err.Error()
	}
	return "agent callback panicked"
}

func (r *Runner) heartbeatLoop(ctx context.Context, run state.Run, rc *runctx.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extended, err := r.store.ExtendLease(ctx, run.ID, r.workerID, r.cfg.LeaseTTL, time.Now())
			if err != nil || !extended {
				r.logger.Warn("lost lease during heartbeat", "run_id", run.ID, "error", err)
				r.metrics.IncLease("lost")
				return
			}
			r.metrics.IncLease("extended")
			_ = rc.Emit("run.heartbeat", map[string]any{})
			rc.CheckCancelled()
		}
	}
}

func (r *Runner) handleSuccess(ctx context.Context, run state.Run, rc *runctx.Context, result agent.RunResult) error {
	r.logger.Info("run succeeded", "run_id", run.ID)

	r.uploadArtifacts(ctx, run.ID, result.Artifacts)

	_ = rc.Emit("run.succeeded", map[string]any{
		"output": result.FinalOutput,
		"usage":  result.Usage,
	})

	output, err := json.Marshal(map[string]any{
		"final_output":   result.FinalOutput,
		"final_messages": result.FinalMessages,
		"usage":          result.Usage,
		"artifacts":      result.Artifacts,
	})
	if err != nil {
		return err
	}

	r.metrics.IncRun(string(state.RunStatusSucceeded))
	return r.store.Release(ctx, run.ID, r.workerID, state.RunStatusSucceeded, output, nil, time.Now())
}

// uploadArtifacts resolves any artifact carrying inline content into a
// durable URI, clearing the content once uploaded so it never reaches
// the persisted output JSON. A failed upload leaves the artifact's URI
// empty rather than failing the whole run.
func (r *Runner) uploadArtifacts(ctx context.Context, runID string, artifacts []agent.ArtifactRef) {
	if r.uploader == nil {
		return
	}
	for i := range artifacts {
		a := &artifacts[i]
		if a.URI != "" || len(a.Content) == 0 {
			continue
		}
		uri, err := r.uploader.UploadArtifact(ctx, runID, a.Name, a.Type, a.Content)
		if err != nil {
			r.logger.Error("artifact upload failed", "run_id", runID, "artifact", a.Name, "error", err)
			continue
		}
		a.URI = uri
		a.Content = nil
	}
}

func (r *Runner) handleTimeout(ctx context.Context, run state.Run, rc *runctx.Context) error {
	r.logger.Warn("run timed out", "run_id", run.ID)

	// rc's context is the run's own deadline context, which has already
	// expired here, so the terminal event is published with ctx instead.
	payload, _ := json.Marshal(map[string]any{
		"timeout_seconds": int(r.cfg.RunTimeout.Seconds()),
	})
	if seq, err := r.bus.NextSeq(ctx, run.ID); err == nil {
		_ = r.bus.Publish(ctx, state.Event{RunID: run.ID, Seq: seq, Type: "run.timed_out", Payload: payload, Timestamp: time.Now()})
	}

	info := agent.NewErrorInfo(agent.ErrorKindTimeout, "run exceeded timeout")
	return r.releaseWithError(ctx, run, info)
}

func (r *Runner) handleCancellation(ctx context.Context, run state.Run, rc *runctx.Context) error {
	r.logger.Info("run cancelled", "run_id", run.ID)

	_ = rc.Emit("run.cancelled", map[string]any{})

	r.metrics.IncRun(string(state.RunStatusCancelled))
	// Terminal is CANCELLED regardless of the callback's exit value;
	// bypasses the normal success/error path entirely.
	return r.store.Release(ctx, run.ID, r.workerID, state.RunStatusCancelled, nil, nil, time.Now())
}

func (r *Runner) handleError(ctx context.Context, run state.Run, rc *runctx.Context, callback agent.Callback, callbackErr error) error {
	r.logger.Error("run failed", "run_id", run.ID, "error", callbackErr)

	var info *agent.ErrorInfo
	if classifier, ok := callback.(agent.ErrorClassifier); ok {
		info = classifier.OnError(rc, callbackErr)
	}
	if info == nil {
		info = agent.ClassifyCallbackError(callbackErr)
	}

	if info.Retriable {
		delay := backoffDelay(run.Attempt, r.cfg.RetryBackoffBase, r.cfg.RetryBackoffMax)
		errPayload, err := json.Marshal(info)
		if err != nil {
			return err
		}

		requeued, err := r.store.RequeueForRetry(ctx, run.ID, r.workerID, errPayload, delay, time.Now())
		if err != nil {
			return err
		}
		if requeued {
			r.logger.Info("run requeued for retry", "run_id", run.ID, "delay", delay)
			r.metrics.IncRetry(run.AgentKey)
			return nil
		}
		// Retries exhausted: fall through to final failure below.
	}

	_ = rc.Emit("run.failed", map[string]any{"error": info})
	return r.releaseWithError(ctx, run, info)
}

func (r *Runner) releaseWithError(ctx context.Context, run state.Run, info *agent.ErrorInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return err
	}
	status := state.RunStatusFailed
	if info.Kind == agent.ErrorKindTimeout {
		status = state.RunStatusTimedOut
	}
	r.metrics.IncFailure(string(info.Kind))
	return r.store.Release(ctx, run.ID, r.workerID, status, nil, payload, time.Now())
}

// backoffDelay computes exponential backoff keyed to the true current
// attempt number: min(base^attempt, max). The original implementation
// this runtime is modeled on hardcoded attempt=1 here, making every
// retry wait the same fixed delay; this keys off the actual attempt so
// delay grows with each failure.
func backoffDelay(attempt int, base float64, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	seconds := math.Pow(base, float64(attempt))
	delay := time.Duration(seconds * float64(time.Second))
	if delay > max {
		return max
	}
	return delay
}
