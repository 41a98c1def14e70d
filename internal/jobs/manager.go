package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"virtool/internal/core"
)

// State is the lifecycle stage of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateRunning   State = "running"
	StateComplete  State = "complete"
	StateError     State = "error"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the job will not change state again.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError || s == StateCancelled
}

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
)

// Record tracks one job.
type Record struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Args        map[string]any `json:"args"`
	User        string         `json:"user"`
	State       State          `json:"state"`
	Stage       string         `json:"stage,omitempty"`
	Progress    float64        `json:"progress"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

func (r *Record) copy() Record {
	out := *r
	out.Args = maps.Clone(r.Args)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Factory builds the Runnable for a queued job. When args name the job's
// documents but the job still cannot run, a Factory returns the Runnable
// along with the error so the manager can run its Cleanup.
type Factory func(id string, args map[string]any) (Runnable, error)

// Manager queues jobs and runs them on a fixed set of workers. It satisfies
// core.JobScheduler.
type Manager struct {
	factories  map[string]Factory
	runner     Runner
	logger     core.Logger
	dispatcher core.Dispatcher
	now        func() time.Time
	workers    int

	queue  chan string
	mu     sync.RWMutex
	jobs   map[string]*entry
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type entry struct {
	record Record
	cancel context.CancelFunc
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger used by the manager and its runner.
func WithLogger(logger core.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
			m.runner.Logger = logger
		}
	}
}

// WithDispatcher sends every job state change to d on the jobs interface.
// Inserts are dispatched under the manager lock, so d must not call back
// into the Manager.
func WithDispatcher(d core.Dispatcher) ManagerOption {
	return func(m *Manager) {
		if d != nil {
			m.dispatcher = d
		}
	}
}

// WithWorkers sets how many jobs run at once. Values below one are ignored.
func WithWorkers(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithQueueSize bounds the number of waiting jobs.
func WithQueueSize(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.queue = make(chan string, n)
		}
	}
}

// WithClock overrides the time source for record timestamps.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(string, string, any) {}

// NewManager constructs a stopped manager. Register factories and call Start.
func NewManager(opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		factories:  make(map[string]Factory),
		logger:     slog.New(slog.DiscardHandler),
		dispatcher: noopDispatcher{},
		now:        func() time.Time { return time.Now().UTC() },
		workers:    1,
		queue:      make(chan string, 32),
		jobs:       make(map[string]*entry),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Register binds a job type to its factory.
func (m *Manager) Register(jobType string, factory Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[jobType] = factory
}

// Start launches the workers.
func (m *Manager) Start() {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.loop()
	}
}

// Stop cancels running jobs, which stop before their next stage, and waits
// for the workers to exit.
func (m *Manager) Stop(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case id := <-m.queue:
			m.process(id)
		}
	}
}

// Enqueue implements core.JobScheduler. An empty id is generated.
func (m *Manager) Enqueue(_ context.Context, id, jobType string, args map[string]any, userID string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := m.now()
	m.mu.Lock()
	if _, ok := m.factories[jobType]; !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("unknown job type %s", jobType)
	}
	if _, exists := m.jobs[id]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("job %s already exists", id)
	}
	e := &entry{record: Record{
		ID:        id,
		Type:      jobType,
		Args:      maps.Clone(args),
		User:      userID,
		State:     StateWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	m.jobs[id] = e
	// The insert goes out before a worker can take the lock and publish
	// the job as running.
	select {
	case m.queue <- id:
	default:
		delete(m.jobs, id)
		m.mu.Unlock()
		return "", errors.New("job queue full")
	}
	m.dispatcher.Dispatch(core.InterfaceJobs, core.OperationInsert, e.record.copy())
	m.mu.Unlock()
	m.logger.Info("job queued", "job_id", id, "type", jobType, "user", userID)
	return id, nil
}

// Get returns a snapshot of a job.
func (m *Manager) Get(id string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.jobs[id]
	if !ok {
		return Record{}, false
	}
	return e.record.copy(), true
}

// List returns all jobs, newest first.
func (m *Manager) List() []Record {
	m.mu.RLock()
	out := make([]Record, 0, len(m.jobs))
	for _, e := range m.jobs {
		out = append(out, e.record.copy())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cancel stops a job. A waiting job is built and its Cleanup run before
// Cancel returns; a running job stops before its next stage and reaches
// StateCancelled once its cleanup ran.
func (m *Manager) Cancel(id string) (Record, error) {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return Record{}, ErrJobNotFound
	}
	if e.record.State.Terminal() {
		snapshot := e.record.copy()
		m.mu.Unlock()
		return snapshot, ErrJobFinished
	}
	if e.record.State == StateWaiting {
		factory, args := m.claimLocked(e)
		jobType := e.record.Type
		m.mu.Unlock()
		m.abort(id, jobType, factory, args)
		snapshot, _ := m.Get(id)
		return snapshot, nil
	}
	if e.cancel != nil {
		e.cancel()
	}
	snapshot := e.record.copy()
	m.mu.Unlock()
	return snapshot, nil
}

// claimLocked moves a waiting job to running so no other caller builds it.
func (m *Manager) claimLocked(e *entry) (Factory, map[string]any) {
	e.record.State = StateRunning
	e.record.UpdatedAt = m.now()
	return m.factories[e.record.Type], maps.Clone(e.record.Args)
}

// abort cleans up a job cancelled before any stage ran.
func (m *Manager) abort(id, jobType string, factory Factory, args map[string]any) {
	job, err := factory(id, args)
	if job == nil {
		if err != nil {
			m.logger.Warn("cancelled job could not be built", "job_id", id, "type", jobType, "error", err)
		}
		m.finish(id, StateCancelled, "")
		return
	}
	if err := m.runner.Abort(m.ctx, id, job, ErrCancelled); errors.Is(err, ErrCleanup) {
		m.finish(id, StateError, err.Error())
		m.logger.Error("job failed", "job_id", id, "type", jobType, "error", err)
		return
	}
	m.finish(id, StateCancelled, "")
	m.logger.Info("job cancelled", "job_id", id, "type", jobType)
}

func (m *Manager) process(id string) {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok || e.record.State != StateWaiting {
		m.mu.Unlock()
		return
	}
	factory, args := m.claimLocked(e)
	ctx, cancel := context.WithCancel(m.ctx)
	defer cancel()
	e.cancel = cancel
	jobType := e.record.Type
	m.mu.Unlock()

	job, err := factory(id, args)
	if err != nil {
		err = fmt.Errorf("build job: %w", err)
		if job != nil {
			err = m.runner.Abort(ctx, id, job, err)
		}
		m.finish(id, StateError, err.Error())
		m.logger.Error("job failed", "job_id", id, "type", jobType, "error", err)
		return
	}
	m.logger.Info("job started", "job_id", id, "type", jobType)
	err = m.runner.Run(ctx, id, job, func(stage string, done, total int) {
		m.update(id, func(r *Record) {
			r.State = StateRunning
			r.Stage = stage
			if total > 0 {
				r.Progress = float64(done) / float64(total)
			}
		})
	})
	switch {
	case err == nil:
		m.finish(id, StateComplete, "")
		m.logger.Info("job complete", "job_id", id, "type", jobType)
	case errors.Is(err, ErrCancelled) && !errors.Is(err, ErrCleanup):
		m.finish(id, StateCancelled, "")
		m.logger.Info("job cancelled", "job_id", id, "type", jobType)
	default:
		m.finish(id, StateError, err.Error())
		m.logger.Error("job failed", "job_id", id, "type", jobType, "error", err)
	}
}

func (m *Manager) update(id string, fn func(r *Record)) {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	fn(&e.record)
	e.record.UpdatedAt = m.now()
	snapshot := e.record.copy()
	m.mu.Unlock()
	m.dispatcher.Dispatch(core.InterfaceJobs, core.OperationUpdate, snapshot)
}

func (m *Manager) finish(id string, state State, message string) {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.finishLocked(e, state, message)
	e.cancel = nil
	snapshot := e.record.copy()
	m.mu.Unlock()
	m.dispatcher.Dispatch(core.InterfaceJobs, core.OperationUpdate, snapshot)
}

func (m *Manager) finishLocked(e *entry, state State, message string) {
	now := m.now()
	e.record.State = state
	e.record.Error = message
	if state == StateComplete {
		e.record.Progress = 1
	}
	e.record.UpdatedAt = now
	e.record.CompletedAt = &now
}
