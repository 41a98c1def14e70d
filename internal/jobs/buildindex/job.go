// Package buildindex builds a bowtie2 index for a new reference version and
// retires the index files no analysis needs any more.
package buildindex

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"virtool/internal/core"
	"virtool/internal/jobs"
)

// Type is the job type this package handles.
const Type = core.JobBuildIndex

// Job builds one index.
type Job struct {
	env       jobs.Env
	id        string
	indexID   string
	version   int
	refID     string
	manifest  map[string]int
	indexPath string
	refPath   string
}

// Factory builds index jobs from enqueued args.
func Factory(env jobs.Env) jobs.Factory {
	return func(id string, args map[string]any) (jobs.Runnable, error) {
		job, err := New(env, id, args)
		if job == nil {
			return nil, err
		}
		return job, err
	}
}

// New reads index_id, index_version, ref_id and manifest from args. Once
// the index and reference are known, a failure still returns the Job so its
// Cleanup can retire the index.
func New(env jobs.Env, id string, args map[string]any) (*Job, error) {
	indexID, err := jobs.StringArg(args, "index_id")
	if err != nil {
		return nil, err
	}
	refID, err := jobs.StringArg(args, "ref_id")
	if err != nil {
		return nil, err
	}
	paths := env.Service.Paths()
	j := &Job{
		env:       env,
		id:        id,
		indexID:   indexID,
		refID:     refID,
		indexPath: paths.Index(refID, indexID),
		refPath:   paths.Reference(refID),
	}
	if j.version, err = jobs.IntArg(args, "index_version"); err != nil {
		return j, err
	}
	if j.manifest, err = jobs.VersionsArg(args, "manifest"); err != nil {
		return j, err
	}
	return j, nil
}

// Stages lists the build steps in order.
func (j *Job) Stages() []jobs.Stage {
	return []jobs.Stage{
		{Name: "mk_index_dir", Run: j.mkIndexDir},
		{Name: "write_fasta", Run: j.writeFasta},
		{Name: "bowtie_build", Run: j.bowtieBuild},
		{Name: "replace_old", Run: j.replaceOld},
	}
}

// Cleanup deletes the partial index directory and document and returns the
// claimed history to the unbuilt pool.
func (j *Job) Cleanup(ctx context.Context) error {
	var errs []error
	if err := os.RemoveAll(j.indexPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	if err := j.env.Service.CleanupIndex(ctx, j.indexID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (j *Job) mkIndexDir(context.Context) error {
	return os.MkdirAll(j.indexPath, 0o755)
}

func (j *Job) writeFasta(ctx context.Context) error {
	ids := make([]string, 0, len(j.manifest))
	for id := range j.manifest {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	f, err := os.Create(filepath.Join(j.indexPath, "ref.fa"))
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, otuID := range ids {
		otu, err := j.env.Service.PatchToVersion(ctx, otuID, j.manifest[otuID])
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("patch otu %s: %w", otuID, err)
		}
		isolate, ok := otu.DefaultIsolate()
		if !ok {
			continue
		}
		for _, seq := range isolate.Sequences {
			if _, err := fmt.Fprintf(w, ">%s\n%s\n", seq.ID, seq.Sequence); err != nil {
				_ = f.Close()
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (j *Job) bowtieBuild(ctx context.Context) error {
	settings := j.env.Service.Settings()
	return j.env.Processes.Run(ctx, jobs.Command{Argv: []string{
		settings.Tools.BowtieBuild,
		"--threads", strconv.Itoa(max(settings.BuildIndexProc, 1)),
		filepath.Join(j.indexPath, "ref.fa"),
		filepath.Join(j.indexPath, "reference"),
	}})
}

func (j *Job) replaceOld(ctx context.Context) error {
	keep, err := j.env.Service.ReplaceOld(ctx, j.indexID)
	if err != nil {
		return err
	}
	return j.env.Executor.Run(ctx, func() error {
		return RemoveUnusedIndexFiles(j.refPath, keep)
	})
}

// RemoveUnusedIndexFiles deletes every directory under base whose name is
// not in keep. A missing base is not an error.
func RemoveUnusedIndexFiles(base string, keep []string) error {
	entries, err := os.ReadDir(base)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	retained := make(map[string]bool, len(keep))
	for _, id := range keep {
		retained[id] = true
	}
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || retained[entry.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(base, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
