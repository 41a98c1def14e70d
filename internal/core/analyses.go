package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/google/uuid"

	"virtool/pkg/domain"
)

// Analysis algorithms a sample can be analyzed with.
const (
	AlgorithmPathoscope = "pathoscope_bowtie"
	AlgorithmNuVs       = "nuvs"
)

// Algorithms lists the supported analysis algorithms.
var Algorithms = []string{AlgorithmPathoscope, AlgorithmNuVs}

// AnalyzeInput requests a new analysis. RefID may be empty when exactly one
// reference exists.
type AnalyzeInput struct {
	Algorithm string `json:"algorithm"`
	RefID     string `json:"ref_id"`
}

func resolveReference(view domain.TransactionView, refID string) (domain.Reference, error) {
	if refID != "" {
		ref, ok := view.FindReference(refID)
		if !ok {
			return domain.Reference{}, ErrNotFound{Entity: domain.EntityReference, ID: refID}
		}
		return ref, nil
	}
	refs := view.ListReferences()
	if len(refs) != 1 {
		return domain.Reference{}, ErrBadRequest{Message: "ref_id is required"}
	}
	return refs[0], nil
}

// Analyze creates a pending analysis of sample against the current index of
// the reference and enqueues the algorithm job.
func (s *Service) Analyze(ctx context.Context, client Client, sampleID string, input AnalyzeInput) (domain.Analysis, error) {
	if !slices.Contains(Algorithms, input.Algorithm) {
		return domain.Analysis{}, ErrBadRequest{Message: fmt.Sprintf("unknown algorithm %q", input.Algorithm)}
	}
	jobID := uuid.NewString()
	var (
		created domain.Analysis
		sample  domain.Sample
	)
	err := s.run(ctx, "analyze", domain.EntityAnalysis, func(tx domain.Transaction) (string, error) {
		if _, err := s.readableSample(tx, client, sampleID, true); err != nil {
			return "", err
		}
		ref, err := resolveReference(tx, input.RefID)
		if err != nil {
			return "", err
		}
		index, ok := currentIndex(tx, ref.ID)
		if !ok {
			return "", ErrConflict{Message: fmt.Sprintf("reference %s has no ready index", ref.ID)}
		}
		created, err = tx.CreateAnalysis(domain.Analysis{
			Sample:    domain.Ref{ID: sampleID},
			Algorithm: input.Algorithm,
			Job:       domain.Ref{ID: jobID},
			Index:     domain.IndexRef{ID: index.ID, Version: index.Version},
			Reference: domain.Ref{ID: ref.ID},
			User:      domain.Ref{ID: client.UserID},
		})
		if err != nil {
			return "", err
		}
		sample, err = tx.UpdateSample(sampleID, func(sample *domain.Sample) error {
			sample.Analyses = append(sample.Analyses, created.ID)
			return nil
		})
		return created.ID, err
	})
	if err != nil {
		return domain.Analysis{}, err
	}

	s.dispatcher.Dispatch(InterfaceAnalyses, OperationInsert, created)
	s.dispatcher.Dispatch(InterfaceSamples, OperationUpdate, sample.Summary())

	args := map[string]any{
		"sample_id":   sampleID,
		"analysis_id": created.ID,
		"index_id":    created.Index.ID,
		"ref_id":      created.Reference.ID,
	}
	if _, err := s.scheduler.Enqueue(ctx, jobID, input.Algorithm, args, client.UserID); err != nil {
		if rmErr := s.RemoveAnalysis(ctx, sampleID, created.ID); rmErr != nil {
			s.logger.Error("rollback analysis failed", "analysis_id", created.ID, "error", rmErr)
		}
		return domain.Analysis{}, fmt.Errorf("enqueue %s job: %w", input.Algorithm, err)
	}
	return created, nil
}

// GetAnalysis returns an analysis of a sample the client can read.
func (s *Service) GetAnalysis(ctx context.Context, client Client, sampleID, analysisID string) (domain.Analysis, error) {
	var analysis domain.Analysis
	err := s.view(ctx, func(view domain.TransactionView) error {
		if _, err := s.readableSample(view, client, sampleID, false); err != nil {
			return err
		}
		var ok bool
		analysis, ok = view.FindAnalysis(analysisID)
		if !ok || analysis.Sample.ID != sampleID {
			return ErrNotFound{Entity: domain.EntityAnalysis, ID: analysisID}
		}
		return nil
	})
	return analysis, err
}

// SetAnalysis stores algorithm results, marks the analysis ready and the
// sample analyzed.
func (s *Service) SetAnalysis(ctx context.Context, sampleID, analysisID string, results json.RawMessage) (domain.Analysis, error) {
	var (
		updated domain.Analysis
		sample  domain.Sample
	)
	err := s.run(ctx, "set_analysis", domain.EntityAnalysis, func(tx domain.Transaction) (string, error) {
		if _, ok := tx.FindAnalysis(analysisID); !ok {
			return analysisID, ErrNotFound{Entity: domain.EntityAnalysis, ID: analysisID}
		}
		if _, ok := tx.FindSample(sampleID); !ok {
			return analysisID, ErrNotFound{Entity: domain.EntitySample, ID: sampleID}
		}
		var err error
		updated, err = tx.UpdateAnalysis(analysisID, func(a *domain.Analysis) error {
			a.Ready = true
			a.Results = append(json.RawMessage(nil), results...)
			return nil
		})
		if err != nil {
			return analysisID, err
		}
		sample, err = tx.UpdateSample(sampleID, func(sample *domain.Sample) error {
			sample.Analyzed = true
			switch updated.Algorithm {
			case AlgorithmNuVs:
				sample.NuVs = true
			case AlgorithmPathoscope:
				sample.Pathoscope = true
			}
			return nil
		})
		return analysisID, err
	})
	if err != nil {
		return domain.Analysis{}, err
	}
	s.dispatcher.Dispatch(InterfaceAnalyses, OperationUpdate, updated)
	s.dispatcher.Dispatch(InterfaceSamples, OperationUpdate, sample.Summary())
	return updated, nil
}

// DeleteAnalysis removes an analysis on behalf of a client with write rights
// on its sample.
func (s *Service) DeleteAnalysis(ctx context.Context, client Client, sampleID, analysisID string) error {
	if err := s.view(ctx, func(view domain.TransactionView) error {
		if _, err := s.readableSample(view, client, sampleID, true); err != nil {
			return err
		}
		if analysis, ok := view.FindAnalysis(analysisID); !ok || analysis.Sample.ID != sampleID {
			return ErrNotFound{Entity: domain.EntityAnalysis, ID: analysisID}
		}
		return nil
	}); err != nil {
		return err
	}
	return s.RemoveAnalysis(ctx, sampleID, analysisID)
}

// RemoveAnalysis deletes an analysis, recomputes the sample's analyzed flag
// from its remaining ready analyses and removes the analysis directory. A
// missing sample is tolerated.
func (s *Service) RemoveAnalysis(ctx context.Context, sampleID, analysisID string) error {
	var (
		sample    domain.Sample
		hasSample bool
	)
	err := s.run(ctx, "remove_analysis", domain.EntityAnalysis, func(tx domain.Transaction) (string, error) {
		if _, ok := tx.FindAnalysis(analysisID); !ok {
			return analysisID, ErrNotFound{Entity: domain.EntityAnalysis, ID: analysisID}
		}
		if err := tx.DeleteAnalysis(analysisID); err != nil {
			return analysisID, err
		}
		if _, ok := tx.FindSample(sampleID); !ok {
			return analysisID, nil
		}
		var err error
		sample, err = tx.UpdateSample(sampleID, func(sample *domain.Sample) error {
			remaining := make([]string, 0, len(sample.Analyses))
			analyzed := false
			for _, id := range sample.Analyses {
				if id == analysisID {
					continue
				}
				remaining = append(remaining, id)
				if a, ok := tx.FindAnalysis(id); ok && a.Ready {
					analyzed = true
				}
			}
			sample.Analyses = remaining
			sample.Analyzed = analyzed
			return nil
		})
		hasSample = err == nil
		return analysisID, err
	})
	if err != nil {
		return err
	}

	if err := os.RemoveAll(s.paths.Analysis(sampleID, analysisID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove analysis directory %s: %w", analysisID, err)
	}
	s.dispatcher.Dispatch(InterfaceAnalyses, OperationRemove, []string{analysisID})
	if hasSample {
		s.dispatcher.Dispatch(InterfaceSamples, OperationUpdate, sample.Summary())
	}
	return nil
}
