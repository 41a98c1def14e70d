package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"virtool/internal/config"
	"virtool/pkg/domain"
)

type dispatchCall struct {
	iface string
	op    string
	data  any
}

type captureDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
}

func (c *captureDispatcher) Dispatch(iface, op string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, dispatchCall{iface: iface, op: op, data: data})
}

func (c *captureDispatcher) count(iface, op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.iface == iface && call.op == op {
			n++
		}
	}
	return n
}

type enqueued struct {
	id      string
	jobType string
	args    map[string]any
	user    string
}

type captureScheduler struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (c *captureScheduler) Enqueue(_ context.Context, id, jobType string, args map[string]any, userID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	if id == "" {
		id = fmt.Sprintf("job-%d", len(c.jobs)+1)
	}
	c.jobs = append(c.jobs, enqueued{id: id, jobType: jobType, args: args, user: userID})
	return id, nil
}

func testSettings(t *testing.T) config.Settings {
	t.Helper()
	return config.Settings{
		DataPath:          t.TempDir(),
		SampleGroup:       config.SampleGroupNone,
		SampleGroupRead:   true,
		SampleAllRead:     true,
		SampleUniqueNames: true,
		ExecutorSize:      1,
		Jobs:              config.Jobs{Workers: 1, QueueSize: 4},
	}
}

// steppingClock advances one second per call so created_at ordering is stable.
func steppingClock() ClockFunc {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

type fixture struct {
	svc        *Service
	dispatcher *captureDispatcher
	scheduler  *captureScheduler
}

func newFixture(t *testing.T, settings config.Settings, opts ...Option) fixture {
	t.Helper()
	f := fixture{dispatcher: &captureDispatcher{}, scheduler: &captureScheduler{}}
	opts = append([]Option{
		WithClock(steppingClock()),
		WithDispatcher(f.dispatcher),
		WithScheduler(f.scheduler),
	}, opts...)
	f.svc = NewInMemoryService(NewDefaultRulesEngine(), settings, opts...)
	return f
}

func (f fixture) seed(t *testing.T, fn func(tx domain.Transaction) error) {
	t.Helper()
	if _, err := f.svc.Store().RunInTransaction(context.Background(), fn); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func owner() Client {
	return Client{UserID: "bob", Groups: []string{"technicians"}, Permissions: domain.Permissions{
		PermissionCreateSample: true,
		PermissionUploadFile:   true,
	}}
}

// seedUploads creates a host subtraction and n read files.
func (f fixture) seedUploads(t *testing.T, n int) []string {
	t.Helper()
	var ids []string
	f.seed(t, func(tx domain.Transaction) error {
		if _, err := tx.CreateSubtraction(domain.Subtraction{Base: domain.Base{ID: "arabidopsis"}, IsHost: true, Ready: true}); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			file, err := tx.CreateFile(domain.File{Name: fmt.Sprintf("reads_%d.fq", i+1), Type: FileTypeReads, Ready: true})
			if err != nil {
				return err
			}
			ids = append(ids, file.ID)
		}
		return nil
	})
	return ids
}

func (f fixture) createSample(t *testing.T, client Client, name string, files []string) domain.Sample {
	t.Helper()
	sample, err := f.svc.CreateSample(context.Background(), client, SampleInput{Name: name, Subtraction: "arabidopsis", Files: files})
	if err != nil {
		t.Fatalf("create sample %s: %v", name, err)
	}
	return sample
}
