package jobs

import (
	"context"

	"golang.org/x/sync/semaphore"

	"virtool/internal/core"
)

// Executor runs blocking work such as directory removal off the job's
// critical path, bounded in concurrency.
type Executor interface {
	Run(ctx context.Context, fn func() error) error
}

// Pool is a semaphore-bounded Executor shared by all jobs.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool allows size concurrent calls; sizes below one mean one.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// Run waits for a slot and runs fn. A cancelled ctx only abandons the wait.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}

// Env carries the collaborators job factories build their stages from.
type Env struct {
	Service   *core.Service
	Processes ProcessRunner
	Executor  Executor
}

// Logger returns the service logger.
func (e Env) Logger() core.Logger { return e.Service.Logger() }
