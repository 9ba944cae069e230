// Package runner provides durable background execution of pipeline runs.
//
// A run executes as a sequence of named, checkpointed steps: each step's
// result is recorded in the store keyed by (run, name), and a step that
// already has a recorded result is never re-executed. If the process dies
// mid-run, interrupted runs are re-dispatched at startup and resume from the
// last completed step. Step functions must therefore be safe to run at least
// once.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siteloom/siteloom/model"
	"github.com/siteloom/siteloom/store"
)

// PipelineFunc executes one run attempt end to end.
type PipelineFunc func(ctx context.Context, run *model.Run) error

// Runner dispatches runs onto background goroutines, bounds retries, and
// serializes runs per project so two prompts for the same project cannot
// interleave their staged snapshots.
type Runner struct {
	store       store.Store
	log         *zap.Logger
	maxAttempts int

	pipeline PipelineFunc
	fallback PipelineFunc

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Runner. maxAttempts bounds pipeline retries per run and
// defaults to 2.
func New(st store.Store, log *zap.Logger, maxAttempts int) *Runner {
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	return &Runner{
		store:       st,
		log:         log,
		maxAttempts: maxAttempts,
		locks:       make(map[string]*sync.Mutex),
	}
}

// SetHandlers installs the pipeline and its failure fallback. The fallback
// runs after the final failed attempt and must record a user-visible outcome;
// it shares the run's step log, so outcome writes stay idempotent.
func (r *Runner) SetHandlers(pipeline, fallback PipelineFunc) {
	r.pipeline = pipeline
	r.fallback = fallback
}

// Start re-dispatches interrupted runs and enables background execution.
// Call Stop to shut down.
func (r *Runner) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	for _, status := range []model.RunStatus{model.RunRunning, model.RunPending} {
		runs, err := r.store.ListRunsByStatus(status)
		if err != nil {
			return fmt.Errorf("listing %s runs: %w", status, err)
		}
		for _, run := range runs {
			r.log.Info("resuming interrupted run",
				zap.String("run_id", run.ID), zap.String("status", string(run.Status)))
			r.dispatch(run)
		}
	}
	return nil
}

// Stop cancels in-flight runs and waits for goroutines to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Enqueue records a new run and dispatches it onto a background goroutine.
func (r *Runner) Enqueue(projectID, prompt, runID string) (*model.Run, error) {
	now := time.Now().UTC()
	run := &model.Run{
		ID:        runID,
		ProjectID: projectID,
		Prompt:    prompt,
		Status:    model.RunPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	r.dispatch(run)
	return run, nil
}

func (r *Runner) dispatch(run *model.Run) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(run)
	}()
}

func (r *Runner) execute(run *model.Run) {
	ctx := r.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	// One run at a time per project.
	lock := r.projectLock(run.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	log := r.log.With(zap.String("run_id", run.ID), zap.String("project_id", run.ProjectID))

	run.Status = model.RunRunning
	if err := r.store.UpdateRun(run); err != nil {
		// The run must still end with a recorded outcome.
		log.Error("failed to mark run running", zap.Error(err))
		r.fail(ctx, run, err, log)
		return
	}

	var lastErr error
	for run.Attempt < r.maxAttempts {
		run.Attempt++
		if err := r.store.UpdateRun(run); err != nil {
			log.Error("failed to record attempt", zap.Error(err))
			r.fail(ctx, run, err, log)
			return
		}

		log.Info("executing run attempt", zap.Int("attempt", run.Attempt))
		lastErr = r.pipeline(ctx, run)
		if lastErr == nil {
			run.Status = model.RunComplete
			run.Error = ""
			if err := r.store.UpdateRun(run); err != nil {
				log.Error("failed to mark run complete", zap.Error(err))
			}
			r.clearStepLog(run, log)
			return
		}

		if ctx.Err() != nil {
			// Shutting down; leave the run marked running so the next
			// process resumes it from the step log.
			log.Info("run interrupted by shutdown", zap.Error(lastErr))
			return
		}
		log.Warn("run attempt failed", zap.Int("attempt", run.Attempt), zap.Error(lastErr))
	}

	r.fail(ctx, run, lastErr, log)
}

// fail marks the run errored and invokes the fallback handler so every run
// ends with a recorded outcome, even when run bookkeeping itself failed.
func (r *Runner) fail(ctx context.Context, run *model.Run, cause error, log *zap.Logger) {
	run.Status = model.RunError
	run.Error = cause.Error()
	if err := r.store.UpdateRun(run); err != nil {
		log.Error("failed to mark run errored", zap.Error(err))
	}

	if r.fallback != nil {
		if err := r.fallback(ctx, run); err != nil {
			log.Error("failure fallback failed", zap.Error(err))
		}
	}
	r.clearStepLog(run, log)
}

func (r *Runner) clearStepLog(run *model.Run, log *zap.Logger) {
	if err := r.store.DeleteSteps(run.ID); err != nil {
		log.Warn("failed to clear step log", zap.Error(err))
	}
}

func (r *Runner) projectLock(projectID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[projectID] = lock
	}
	return lock
}

// Do executes a checkpointed step. If the step already has a recorded result
// for this run, the recorded result is returned without executing fn. The
// result must be JSON-serializable.
func Do[T any](ctx context.Context, r *Runner, runID, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	rec, err := r.store.GetStep(runID, name)
	if err == nil {
		var v T
		if err := json.Unmarshal(rec.Result, &v); err != nil {
			return zero, fmt.Errorf("decoding cached step %s: %w", name, err)
		}
		return v, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return zero, fmt.Errorf("looking up step %s: %w", name, err)
	}

	v, err := fn(ctx)
	if err != nil {
		return zero, fmt.Errorf("step %s: %w", name, err)
	}

	result, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("encoding step %s result: %w", name, err)
	}
	if err := r.store.PutStep(&model.StepRecord{
		RunID:     runID,
		Name:      name,
		Result:    result,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return zero, fmt.Errorf("recording step %s: %w", name, err)
	}
	return v, nil
}
