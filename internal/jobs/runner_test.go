package jobs

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
)

// fakeJob records stage execution and cleanup calls.
type fakeJob struct {
	mu         sync.Mutex
	names      []string
	fail       string
	ran        []string
	cleanups   int
	cleanupCtx context.Context
	cleanupErr error
	// hooks run inside the named stage before it returns.
	hooks map[string]func()
}

func newFakeJob(names ...string) *fakeJob {
	return &fakeJob{names: names, hooks: map[string]func(){}}
}

func (f *fakeJob) Stages() []Stage {
	stages := make([]Stage, 0, len(f.names))
	for _, name := range f.names {
		stages = append(stages, Stage{Name: name, Run: func(ctx context.Context) error {
			if hook := f.hooks[name]; hook != nil {
				hook()
			}
			f.mu.Lock()
			f.ran = append(f.ran, name)
			f.mu.Unlock()
			if name == f.fail {
				return errors.New("boom")
			}
			return nil
		}})
	}
	return stages
}

func (f *fakeJob) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	f.cleanupCtx = ctx
	return f.cleanupErr
}

func (f *fakeJob) snapshot() ([]string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...), f.cleanups
}

func TestRunnerRunsStagesInOrder(t *testing.T) {
	job := newFakeJob("a", "b", "c")
	var progress []int
	err := Runner{}.Run(context.Background(), "job", job, func(stage string, done, total int) {
		if total != 3 {
			t.Fatalf("unexpected total %d", total)
		}
		progress = append(progress, done)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	ran, cleanups := job.snapshot()
	if !reflect.DeepEqual(ran, []string{"a", "b", "c"}) || cleanups != 0 {
		t.Fatalf("unexpected run %v cleanups=%d", ran, cleanups)
	}
	if !reflect.DeepEqual(progress, []int{0, 1, 2}) {
		t.Fatalf("unexpected progress %v", progress)
	}
}

func TestRunnerCleansUpOnceOnFailure(t *testing.T) {
	job := newFakeJob("a", "b", "c")
	job.fail = "b"
	err := Runner{}.Run(context.Background(), "job", job, nil)
	if err == nil || err.Error() != "stage b: boom" {
		t.Fatalf("expected stage failure, got %v", err)
	}
	ran, cleanups := job.snapshot()
	if !reflect.DeepEqual(ran, []string{"a", "b"}) || cleanups != 1 {
		t.Fatalf("unexpected run %v cleanups=%d", ran, cleanups)
	}
}

func TestRunnerCancellationBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	job := newFakeJob("a", "b", "c")
	job.hooks["a"] = cancel
	err := Runner{}.Run(ctx, "job", job, nil)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	ran, cleanups := job.snapshot()
	// The stage that observed the cancel finishes; the next never starts.
	if !reflect.DeepEqual(ran, []string{"a"}) || cleanups != 1 {
		t.Fatalf("unexpected run %v cleanups=%d", ran, cleanups)
	}
	if job.cleanupCtx.Err() != nil {
		t.Fatalf("cleanup context must not be cancelled")
	}
}

func TestRunnerCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job := newFakeJob("a")
	if err := (Runner{}).Run(ctx, "job", job, nil); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	ran, cleanups := job.snapshot()
	if len(ran) != 0 || cleanups != 1 {
		t.Fatalf("unexpected run %v cleanups=%d", ran, cleanups)
	}
}

func TestRunnerJoinsCleanupError(t *testing.T) {
	job := newFakeJob("a")
	job.fail = "a"
	job.cleanupErr = errors.New("disk gone")
	err := Runner{}.Run(context.Background(), "job", job, nil)
	if err == nil || !errors.Is(err, job.cleanupErr) {
		t.Fatalf("expected joined cleanup error, got %v", err)
	}
}

func TestRunnerAbortCleansUpOnce(t *testing.T) {
	job := newFakeJob("a", "b")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Runner{}.Abort(ctx, "j1", job, ErrCancelled)
	if !errors.Is(err, ErrCancelled) || errors.Is(err, ErrCleanup) {
		t.Fatalf("expected bare cancellation, got %v", err)
	}
	ran, cleanups := job.snapshot()
	if len(ran) != 0 || cleanups != 1 || job.cleanupCtx.Err() != nil {
		t.Fatalf("unexpected abort ran=%v cleanups=%d", ran, cleanups)
	}

	job.cleanupErr = errors.New("disk gone")
	if err := (Runner{}).Abort(ctx, "j1", job, ErrCancelled); !errors.Is(err, ErrCleanup) || !errors.Is(err, job.cleanupErr) {
		t.Fatalf("expected cleanup failure to be marked, got %v", err)
	}
}
