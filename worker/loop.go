// Package worker implements the Worker Loop (C8): a long-lived process
// that polls the Run Queue and dispatches claimed runs to the Runner
// with bounded concurrency, alongside a reaper that requeues or fails
// runs whose lease expired without a heartbeat.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/runfleet/agentrun/internal/observability"
	"github.com/runfleet/agentrun/runner"
	"github.com/runfleet/agentrun/state"
)

// Config holds the Worker Loop's polling and concurrency knobs.
type Config struct {
	WorkerID       string
	Concurrency    int
	AgentKeys      []string
	PollInterval   time.Duration
	ReaperInterval time.Duration
	ReaperBatch    int
	LeaseTTL       time.Duration
}

// Loop claims runs from the store and dispatches each to a Runner,
// bounded to Config.Concurrency concurrent in-flight runs.
type Loop struct {
	store   *state.Store
	runner  *runner.Runner
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New constructs a Loop. cfg is normalized with conservative defaults
// for any zero-valued field.
func New(store *state.Store, r *runner.Runner, cfg Config, logger *slog.Logger) *Loop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = 5 * time.Second
	}
	if cfg.ReaperBatch <= 0 {
		cfg.ReaperBatch = 25
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{store: store, runner: r, cfg: cfg, logger: logger}
}

// WithMetrics attaches a Metrics sink; nil disables metric emission.
func (l *Loop) WithMetrics(metrics *observability.Metrics) *Loop {
	l.metrics = metrics
	return l
}

// Run blocks until ctx is cancelled, then waits for any in-flight runs to
// finish before returning. The claim loop and reaper run concurrently and
// neither returns an error: a failed claim or reap is logged and retried
// on the next tick, so a single failure does not bring down the worker.
func (l *Loop) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(l.cfg.Concurrency))

	g.Go(func() error {
		return l.claimLoop(gctx, g, sem)
	})
	g.Go(func() error {
		return l.reaperLoop(gctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (l *Loop) claimLoop(ctx context.Context, g *errgroup.Group, sem *semaphore.Weighted) error {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}

		runs, err := l.store.Claim(ctx, l.cfg.WorkerID, l.cfg.AgentKeys, 1, time.Now(), l.cfg.LeaseTTL)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Error("claim failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			continue
		}

		if len(runs) == 0 {
			sem.Release(1)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			continue
		}

		run := runs[0]
		l.metrics.IncLease("claimed")
		g.Go(func() error {
			defer sem.Release(1)
			l.dispatch(ctx, run)
			return nil
		})
	}
}

// dispatch invokes the Runner for one claimed run. Per spec, no error
// from RunOnce should escape run_once in normal operation; a non-nil
// return here indicates an infrastructure bug in the runner itself, so
// it is logged and the worker keeps processing rather than exiting.
func (l *Loop) dispatch(ctx context.Context, run state.Run) {
	if err := l.runner.RunOnce(ctx, run); err != nil {
		l.logger.Error("run_once returned an unexpected error", "run_id", run.ID, "error", err)
	}
}

func (l *Loop) reaperLoop(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			count, err := l.store.ReapExpired(ctx, time.Now(), l.cfg.ReaperBatch)
			if err != nil && !errors.Is(err, state.ErrNoExpiredLeases) {
				l.logger.Error("reap failed", "error", err)
				continue
			}
			if count > 0 {
				l.logger.Info("reaped expired leases", "count", count)
				l.metrics.IncReap("requeued_or_failed")
			}
		}
	}
}
