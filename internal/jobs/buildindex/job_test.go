package buildindex

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"virtool/internal/config"
	"virtool/internal/core"
	"virtool/internal/jobs"
	"virtool/pkg/domain"
)

func TestRemoveUnusedIndexFiles(t *testing.T) {
	base := t.TempDir()
	for _, name := range []string{"foo", "bar", "baz"} {
		if err := os.MkdirAll(filepath.Join(base, name, "nested"), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(base, "notes.txt"), nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := RemoveUnusedIndexFiles(base, []string{"foo", "bar"}); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}
	entries, _ := os.ReadDir(base)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if len(names) != 3 || names[0] != "bar" || names[1] != "foo" || names[2] != "notes.txt" {
		t.Fatalf("unexpected remaining entries %v", names)
	}
	if err := RemoveUnusedIndexFiles(filepath.Join(base, "missing"), nil); err != nil {
		t.Fatalf("missing base: %v", err)
	}
}

type fakeBowtie struct {
	calls [][]string
	fail  bool
}

func (f *fakeBowtie) Run(_ context.Context, c jobs.Command) error {
	f.calls = append(f.calls, c.Argv)
	if f.fail {
		return jobs.ProcessError{Name: c.Argv[0], ExitCode: 1}
	}
	prefix := c.Argv[len(c.Argv)-1]
	return os.WriteFile(prefix+".1.bt2", []byte("index"), 0o644)
}

type recordingScheduler struct {
	args map[string]any
}

func (r *recordingScheduler) Enqueue(_ context.Context, id, _ string, args map[string]any, _ string) (string, error) {
	r.args = args
	return id, nil
}

var editor = core.Client{UserID: "bob", Permissions: domain.Permissions{core.PermissionCreateRef: true}}

// setup seeds a reference with a ready index "old" on disk and one unbuilt
// OTU change, then starts a rebuild.
func setup(t *testing.T, bowtie *fakeBowtie) (jobs.Env, domain.Index, map[string]any) {
	t.Helper()
	ctx := context.Background()
	settings := config.Settings{
		DataPath:       t.TempDir(),
		BuildIndexProc: 3,
		Tools:          config.Tools{BowtieBuild: "bowtie2-build"},
	}
	scheduler := &recordingScheduler{}
	svc := core.NewInMemoryService(core.NewDefaultRulesEngine(), settings, core.WithScheduler(scheduler))
	if _, err := svc.Store().RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateReference(domain.Reference{Base: domain.Base{ID: "species"}}); err != nil {
			return err
		}
		_, err := tx.CreateIndex(domain.Index{Base: domain.Base{ID: "old"}, Reference: domain.Ref{ID: "species"}, Ready: true, HasFiles: true})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := os.MkdirAll(svc.Paths().Index("species", "old"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	otu := domain.OTU{
		Name:      "Tobacco mosaic virus",
		Reference: domain.Ref{ID: "species"},
		Isolates: []domain.Isolate{
			{ID: "iso-b", Sequences: []domain.Sequence{{ID: "NC_2", Sequence: "TTTT"}}},
			{ID: "iso-a", Default: true, Sequences: []domain.Sequence{{ID: "NC_1", Sequence: "ACGT"}}},
		},
	}
	if _, _, err := svc.SaveOTU(ctx, editor, otu, core.OTUChange{Method: "create"}); err != nil {
		t.Fatalf("save otu: %v", err)
	}
	index, err := svc.RebuildIndex(ctx, editor, "species")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	env := jobs.Env{Service: svc, Processes: bowtie, Executor: jobs.NewPool(1)}
	return env, index, scheduler.args
}

func TestBuildIndexReplacesOld(t *testing.T) {
	bowtie := &fakeBowtie{}
	env, index, args := setup(t, bowtie)
	job, err := New(env, "job-1", args)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := (jobs.Runner{}).Run(context.Background(), "job-1", job, nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	paths := env.Service.Paths()
	fasta, err := os.ReadFile(filepath.Join(paths.Index("species", index.ID), "ref.fa"))
	if err != nil || string(fasta) != ">NC_1\nACGT\n" {
		t.Fatalf("unexpected fasta %q %v", fasta, err)
	}
	if got := bowtie.calls[0]; got[1] != "--threads" || got[2] != "3" {
		t.Fatalf("unexpected bowtie argv %v", got)
	}
	built, _ := env.Service.Store().GetIndex(index.ID)
	old, _ := env.Service.Store().GetIndex("old")
	if !built.Ready || !built.HasFiles || old.HasFiles {
		t.Fatalf("unexpected flags new=%+v old=%+v", built, old)
	}
	if _, err := os.Stat(paths.Index("species", "old")); !os.IsNotExist(err) {
		t.Fatalf("expected superseded index directory removed")
	}
	if _, err := os.Stat(filepath.Join(paths.Index("species", index.ID), "reference.1.bt2")); err != nil {
		t.Fatalf("expected new index files kept: %v", err)
	}
	id, version, err := env.Service.GetCurrentIndex(context.Background(), "species")
	if err != nil || id != index.ID || version != 1 {
		t.Fatalf("expected current index %s/1, got %s/%d %v", index.ID, id, version, err)
	}
}

func TestBuildIndexFailureCleansUp(t *testing.T) {
	env, index, args := setup(t, &fakeBowtie{fail: true})
	job, err := New(env, "job-1", args)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = (jobs.Runner{}).Run(context.Background(), "job-1", job, nil)
	if !errors.As(err, new(jobs.ProcessError)) {
		t.Fatalf("expected bowtie failure, got %v", err)
	}
	if _, ok := env.Service.Store().GetIndex(index.ID); ok {
		t.Fatalf("expected index document removed")
	}
	if _, err := os.Stat(env.Service.Paths().Index("species", index.ID)); !os.IsNotExist(err) {
		t.Fatalf("expected index directory removed")
	}
	err = env.Service.Store().View(context.Background(), func(view domain.TransactionView) error {
		for _, record := range view.ListHistory() {
			if record.Index.ID != domain.Unbuilt || record.Index.Version != domain.Unbuilt {
				t.Errorf("expected history returned to unbuilt, got %+v", record.Index)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	old, _ := env.Service.Store().GetIndex("old")
	if !old.HasFiles {
		t.Fatalf("previous index must keep its files after a failed build")
	}
}

func TestNewRejectsBadArgs(t *testing.T) {
	env := jobs.Env{Service: core.NewInMemoryService(nil, config.Settings{DataPath: t.TempDir()})}
	if _, err := New(env, "j", map[string]any{"index_id": "i", "index_version": "one", "ref_id": "r", "manifest": map[string]int{}}); err == nil {
		t.Fatalf("expected bad version error")
	}
	if _, err := New(env, "j", map[string]any{"index_id": "i", "index_version": 1, "ref_id": "r"}); err == nil {
		t.Fatalf("expected missing manifest error")
	}
}

func TestCancelledWaitingBuildAllowsRebuild(t *testing.T) {
	bowtie := &fakeBowtie{}
	env, index, args := setup(t, bowtie)
	m := jobs.NewManager()
	m.Register(Type, Factory(env))
	if _, err := m.Enqueue(context.Background(), "job-1", Type, args, "bob"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	record, err := m.Cancel("job-1")
	if err != nil || record.State != jobs.StateCancelled {
		t.Fatalf("cancel: %+v %v", record, err)
	}
	if len(bowtie.calls) != 0 {
		t.Fatalf("expected bowtie not run, got %v", bowtie.calls)
	}
	if _, ok := env.Service.Store().GetIndex(index.ID); ok {
		t.Fatalf("expected unready index removed")
	}
	rebuilt, err := env.Service.RebuildIndex(context.Background(), editor, "species")
	if err != nil {
		t.Fatalf("rebuild after cancel: %v", err)
	}
	if rebuilt.ID == index.ID || rebuilt.Ready {
		t.Fatalf("expected a fresh unready index, got %+v", rebuilt)
	}
}
