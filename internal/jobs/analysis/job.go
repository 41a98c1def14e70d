// Package analysis runs an analysis algorithm as an external command and
// stores the results document it writes.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"virtool/internal/config"
	"virtool/internal/core"
	"virtool/internal/jobs"
)

// ResultsFile is the name the algorithm writes its output under, inside the
// analysis directory.
const ResultsFile = "results.json"

// Job runs one analysis.
type Job struct {
	env          jobs.Env
	id           string
	algorithm    config.Algorithm
	name         string
	sampleID     string
	analysisID   string
	indexID      string
	refID        string
	analysisPath string
	results      json.RawMessage
}

// Factory builds jobs for the named algorithm, which must be configured.
func Factory(env jobs.Env, algorithm string) jobs.Factory {
	return func(id string, args map[string]any) (jobs.Runnable, error) {
		job, err := New(env, algorithm, id, args)
		if job == nil {
			return nil, err
		}
		return job, err
	}
}

// New reads sample_id, analysis_id, index_id and ref_id from args. When the
// ids are present but algorithm is not configured, the Job is returned with
// the error so its Cleanup can remove the analysis.
func New(env jobs.Env, algorithm, id string, args map[string]any) (*Job, error) {
	j := &Job{env: env, id: id, name: algorithm}
	for key, dst := range map[string]*string{
		"sample_id":   &j.sampleID,
		"analysis_id": &j.analysisID,
		"index_id":    &j.indexID,
		"ref_id":      &j.refID,
	} {
		v, err := jobs.StringArg(args, key)
		if err != nil {
			return nil, err
		}
		*dst = v
	}
	j.analysisPath = env.Service.Paths().Analysis(j.sampleID, j.analysisID)
	launch, ok := env.Service.Settings().AlgorithmFor(algorithm)
	if !ok {
		return j, fmt.Errorf("algorithm %s is not configured", algorithm)
	}
	j.algorithm = launch
	return j, nil
}

// Stages lists the analysis steps in order.
func (j *Job) Stages() []jobs.Stage {
	return []jobs.Stage{
		{Name: "mk_analysis_dir", Run: j.mkAnalysisDir},
		{Name: "run_algorithm", Run: j.runAlgorithm},
		{Name: "import_results", Run: j.importResults},
		{Name: "save", Run: j.save},
	}
}

// Cleanup deletes the analysis document and directory. An analysis that is
// already gone is fine.
func (j *Job) Cleanup(ctx context.Context) error {
	err := j.env.Service.RemoveAnalysis(ctx, j.sampleID, j.analysisID)
	if errors.As(err, new(core.ErrNotFound)) {
		return nil
	}
	return err
}

func (j *Job) mkAnalysisDir(context.Context) error {
	return os.MkdirAll(j.analysisPath, 0o755)
}

func (j *Job) runAlgorithm(ctx context.Context) error {
	paths := j.env.Service.Paths()
	argv := append([]string(nil), j.algorithm.Command...)
	argv = append(argv,
		"--sample", paths.Sample(j.sampleID),
		"--index", filepath.Join(paths.Index(j.refID, j.indexID), "reference"),
		"--output", j.analysisPath,
		"--proc", strconv.Itoa(max(j.algorithm.Proc, 1)),
	)
	return j.env.Processes.Run(ctx, jobs.Command{Argv: argv})
}

func (j *Job) importResults(context.Context) error {
	data, err := os.ReadFile(filepath.Join(j.analysisPath, ResultsFile))
	if err != nil {
		return fmt.Errorf("read %s results: %w", j.name, err)
	}
	if !json.Valid(data) {
		return fmt.Errorf("%s wrote an invalid %s", j.name, ResultsFile)
	}
	j.results = data
	return nil
}

func (j *Job) save(ctx context.Context) error {
	_, err := j.env.Service.SetAnalysis(ctx, j.sampleID, j.analysisID, j.results)
	return err
}
