// Package importreads turns uploaded read files into a sample: reads are
// trimmed with skewer, checked with FastQC and the parsed quality is stored
// on the sample document.
package importreads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"virtool/internal/core"
	"virtool/internal/fastqc"
	"virtool/internal/jobs"
)

// Type is the job type this package handles.
const Type = core.JobImportReads

// Job imports the reads of one sample.
type Job struct {
	env        jobs.Env
	id         string
	sampleID   string
	files      []string
	paired     bool
	samplePath string
}

// Factory builds import jobs from enqueued args.
func Factory(env jobs.Env) jobs.Factory {
	return func(id string, args map[string]any) (jobs.Runnable, error) {
		job, err := New(env, id, args)
		if job == nil {
			return nil, err
		}
		return job, err
	}
}

// New reads sample_id, files and paired from args. Once sample_id is known,
// a failure still returns the Job so its Cleanup can remove the sample.
func New(env jobs.Env, id string, args map[string]any) (*Job, error) {
	sampleID, err := jobs.StringArg(args, "sample_id")
	if err != nil {
		return nil, err
	}
	j := &Job{
		env:        env,
		id:         id,
		sampleID:   sampleID,
		samplePath: env.Service.Paths().Sample(sampleID),
	}
	if j.files, err = jobs.StringsArg(args, "files"); err != nil {
		return j, err
	}
	if len(j.files) < 1 || len(j.files) > 2 {
		return j, fmt.Errorf("import needs one or two files, got %d", len(j.files))
	}
	if j.paired, err = jobs.BoolArg(args, "paired"); err != nil {
		return j, err
	}
	return j, nil
}

// Stages lists the import steps in order.
func (j *Job) Stages() []jobs.Stage {
	return []jobs.Stage{
		{Name: "mk_sample_dir", Run: j.mkSampleDir},
		{Name: "copy_files", Run: j.copyFiles},
		{Name: "trim_reads", Run: j.trimReads},
		{Name: "save_trimmed", Run: j.saveTrimmed},
		{Name: "fastqc", Run: j.fastqc},
		{Name: "parse_fastqc", Run: j.parseFastQC},
		{Name: "clean_files", Run: j.cleanFiles},
	}
}

// Cleanup removes the sample along with whatever the stages left on disk.
func (j *Job) Cleanup(ctx context.Context) error {
	return j.env.Service.RemoveSamples(ctx, []string{j.sampleID})
}

func (j *Job) path(name string) string { return filepath.Join(j.samplePath, name) }

func (j *Job) uploadPath(n int) string { return j.path("upload_" + strconv.Itoa(n) + ".fastq") }

func (j *Job) mkSampleDir(context.Context) error {
	if err := os.RemoveAll(j.samplePath); err != nil {
		return err
	}
	return os.MkdirAll(j.path("analysis"), 0o755)
}

func (j *Job) copyFiles(ctx context.Context) error {
	for i, fileID := range j.files {
		if err := j.copyFile(ctx, fileID, j.uploadPath(i+1)); err != nil {
			return err
		}
	}
	return nil
}

func (j *Job) copyFile(ctx context.Context, fileID, dst string) error {
	_, rc, err := j.env.Service.OpenFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("open upload %s: %w", fileID, err)
	}
	defer rc.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy upload %s: %w", fileID, err)
	}
	return out.Close()
}

func (j *Job) trimReads(ctx context.Context) error {
	settings := j.env.Service.Settings()
	mode := "head"
	if j.paired {
		mode = "pe"
	}
	argv := []string{
		settings.Tools.Skewer,
		"-m", mode,
		"-l", "50",
		"-q", "20",
		"-Q", "25",
		"-t", strconv.Itoa(max(settings.ImportReadsProc, 1)),
		"-o", j.path("reads"),
	}
	for i := range j.files {
		argv = append(argv, j.uploadPath(i+1))
	}
	cmd := jobs.Command{Argv: argv, DiscardStdout: true}
	if settings.Tools.LDLibraryPath != "" {
		cmd.Env = map[string]string{"LD_LIBRARY_PATH": settings.Tools.LDLibraryPath}
	}
	return j.env.Processes.Run(ctx, cmd)
}

func (j *Job) saveTrimmed(context.Context) error {
	moves := [][2]string{{"reads-trimmed.fastq", "reads_1.fastq"}}
	if j.paired {
		moves = [][2]string{
			{"reads-trimmed-pair1.fastq", "reads_1.fastq"},
			{"reads-trimmed-pair2.fastq", "reads_2.fastq"},
		}
	}
	moves = append(moves, [2]string{"reads-trimmed.log", "trim.log"})
	for _, m := range moves {
		if err := os.Rename(j.path(m[0]), j.path(m[1])); err != nil {
			return err
		}
	}
	for i := range j.files {
		if err := os.Remove(j.uploadPath(i + 1)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (j *Job) fastqc(ctx context.Context) error {
	out := j.path("fastqc")
	if err := os.Mkdir(out, 0o755); err != nil {
		return err
	}
	argv := []string{
		j.env.Service.Settings().Tools.FastQC,
		"-f", "fastq",
		"-o", out,
		"-t", "2",
		"--extract",
		j.path("reads_1.fastq"),
	}
	if j.paired {
		argv = append(argv, j.path("reads_2.fastq"))
	}
	return j.env.Processes.Run(ctx, jobs.Command{Argv: argv})
}

func (j *Job) parseFastQC(ctx context.Context) error {
	work := j.path("fastqc")
	entries, err := os.ReadDir(work)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.Contains(name, "reads") || strings.Contains(name, ".") {
			continue
		}
		parts := strings.Split(name, "_")
		if len(parts) < 2 {
			continue
		}
		src := filepath.Join(work, name, "fastqc_data.txt")
		if err := os.Rename(src, j.path("fastqc_"+parts[1]+".txt")); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(work); err != nil {
		return err
	}
	quality, err := fastqc.ParseFiles(j.path("fastqc_1.txt"), j.path("fastqc_2.txt"))
	if err != nil {
		return err
	}
	_, err = j.env.Service.SetStats(ctx, j.sampleID, quality)
	return err
}

// cleanFiles discards the consumed uploads.
func (j *Job) cleanFiles(ctx context.Context) error {
	for _, fileID := range j.files {
		err := j.env.Service.RemoveFile(ctx, fileID, true)
		if err != nil && !errors.As(err, new(core.ErrNotFound)) {
			return err
		}
	}
	return nil
}
