// Package jobs runs stage-sequenced background work: the runner that steps
// through a job's stages, the manager that queues jobs onto workers, and the
// process and executor helpers stages use to reach external tools and the
// filesystem.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"virtool/internal/core"
)

// ErrCancelled is returned by Runner.Run when the job context was cancelled
// before a stage started.
var ErrCancelled = errors.New("job cancelled")

// ErrCleanup is wrapped into the error of a job whose Cleanup failed.
var ErrCleanup = errors.New("job cleanup failed")

// Stage is one named step of a job.
type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

// Runnable is a job: an ordered list of stages plus the cleanup run when a
// stage fails or the job is cancelled.
type Runnable interface {
	Stages() []Stage
	Cleanup(ctx context.Context) error
}

// ProgressFunc is told the stage about to run and how many stages came before it.
type ProgressFunc func(stage string, done, total int)

// Runner executes Runnables.
type Runner struct {
	Logger core.Logger
}

func (r Runner) logger() core.Logger {
	if r.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.Logger
}

// Run executes the stages of job in order. Cancellation of ctx is checked
// before each stage; a stage that has started always runs to completion.
// On the first failure or cancellation Cleanup is called exactly once with a
// context that is never cancelled.
func (r Runner) Run(ctx context.Context, id string, job Runnable, progress ProgressFunc) error {
	log := r.logger()
	stages := job.Stages()
	stageCtx := context.WithoutCancel(ctx)
	for i, stage := range stages {
		if ctx.Err() != nil {
			log.Info("job cancelled", "job_id", id, "stage", stage.Name)
			return r.cleanup(stageCtx, id, job, ErrCancelled)
		}
		if progress != nil {
			progress(stage.Name, i, len(stages))
		}
		log.Debug("stage started", "job_id", id, "stage", stage.Name)
		if err := stage.Run(stageCtx); err != nil {
			log.Error("stage failed", "job_id", id, "stage", stage.Name, "error", err)
			return r.cleanup(stageCtx, id, job, fmt.Errorf("stage %s: %w", stage.Name, err))
		}
		log.Debug("stage finished", "job_id", id, "stage", stage.Name)
	}
	return nil
}

// Abort runs Cleanup for a job none of whose stages will run, and returns
// cause joined with any cleanup error.
func (r Runner) Abort(ctx context.Context, id string, job Runnable, cause error) error {
	return r.cleanup(context.WithoutCancel(ctx), id, job, cause)
}

func (r Runner) cleanup(ctx context.Context, id string, job Runnable, cause error) error {
	if err := job.Cleanup(ctx); err != nil {
		r.logger().Error("job cleanup failed", "job_id", id, "error", err)
		return errors.Join(cause, fmt.Errorf("%w: %w", ErrCleanup, err))
	}
	return cause
}
