// Package check cross-references stored documents against the sample
// directories on disk and reports inconsistencies. It never repairs them.
package check

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"virtool/pkg/domain"
)

// Report lists the inconsistencies found by Run.
type Report struct {
	// OrphanedAnalyses exist as documents but no sample links them.
	OrphanedAnalyses []string `json:"orphaned_analyses"`
	// MissingAnalyses are linked from a sample but have no document.
	MissingAnalyses []string `json:"missing_analyses"`
	// OrphanedSamples have a directory but no document.
	OrphanedSamples []string `json:"orphaned_samples"`
	// DefiledSamples have a document but no directory.
	DefiledSamples []string `json:"defiled_samples"`
	// MismatchedSamples have a different number of read files on disk than
	// the document records.
	MismatchedSamples []string `json:"mismatched_samples"`
	Failed            bool     `json:"failed"`
}

// Options tunes a scan.
type Options struct {
	// Concurrency bounds how many sample directories are listed at once.
	Concurrency int
}

const samplePrefix = "sample_"

// IsReadFile reports whether a file name counts as a read file.
func IsReadFile(name string) bool {
	return strings.HasSuffix(name, "fastq") || strings.HasSuffix(name, "fq")
}

// Run scans store and samplesPath. A missing samples directory is treated as
// empty.
func Run(ctx context.Context, store domain.PersistentStore, samplesPath string, opts ...Options) (Report, error) {
	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}
	if opt.Concurrency < 1 {
		opt.Concurrency = 8
	}

	var (
		samples  []domain.Sample
		analyses []domain.Analysis
	)
	if err := store.View(ctx, func(view domain.TransactionView) error {
		samples = view.ListSamples()
		analyses = view.ListAnalyses()
		return nil
	}); err != nil {
		return Report{}, fmt.Errorf("load documents: %w", err)
	}

	onDisk, err := countReadFiles(ctx, samplesPath, opt.Concurrency)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		OrphanedAnalyses:  []string{},
		MissingAnalyses:   []string{},
		OrphanedSamples:   []string{},
		DefiledSamples:    []string{},
		MismatchedSamples: []string{},
	}

	existing := make(map[string]bool, len(analyses))
	for _, a := range analyses {
		existing[a.ID] = true
	}
	linked := make(map[string]bool)
	recorded := make(map[string]int, len(samples))
	for _, s := range samples {
		recorded[s.ID] = len(s.Files)
		for _, id := range s.Analyses {
			if linked[id] {
				continue
			}
			linked[id] = true
			if !existing[id] {
				report.MissingAnalyses = append(report.MissingAnalyses, id)
			}
		}
	}
	for _, a := range analyses {
		if !linked[a.ID] {
			report.OrphanedAnalyses = append(report.OrphanedAnalyses, a.ID)
		}
	}

	for id, count := range recorded {
		if _, ok := onDisk[id]; !ok {
			report.DefiledSamples = append(report.DefiledSamples, id)
		} else if onDisk[id] != count {
			report.MismatchedSamples = append(report.MismatchedSamples, id)
		}
	}
	for id := range onDisk {
		if _, ok := recorded[id]; !ok {
			report.OrphanedSamples = append(report.OrphanedSamples, id)
		}
	}

	for _, list := range [][]string{
		report.OrphanedAnalyses, report.MissingAnalyses, report.OrphanedSamples,
		report.DefiledSamples, report.MismatchedSamples,
	} {
		slices.Sort(list)
	}
	report.Failed = len(report.MissingAnalyses) > 0 || len(report.MismatchedSamples) > 0
	return report, nil
}

// countReadFiles maps sample ids to the number of read files in their
// directories.
func countReadFiles(ctx context.Context, samplesPath string, concurrency int) (map[string]int, error) {
	entries, err := os.ReadDir(samplesPath)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}

	var (
		mu     sync.Mutex
		counts = make(map[string]int, len(entries))
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			files, err := os.ReadDir(filepath.Join(samplesPath, name))
			if err != nil {
				return fmt.Errorf("list sample %s: %w", name, err)
			}
			n := 0
			for _, f := range files {
				if IsReadFile(f.Name()) {
					n++
				}
			}
			mu.Lock()
			counts[strings.TrimPrefix(name, samplePrefix)] = n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return counts, nil
}
