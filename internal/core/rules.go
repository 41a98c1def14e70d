package core

import (
	"context"
	"fmt"

	"virtool/pkg/domain"
)

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(AnalysisSampleLinkRule())
	engine.Register(IndexFilesRetentionRule())
	return engine
}

// AnalysisSampleLinkRule blocks analyses created for samples that do not exist.
func AnalysisSampleLinkRule() domain.Rule {
	return analysisSampleLinkRule{}
}

type analysisSampleLinkRule struct{}

func (analysisSampleLinkRule) Name() string { return "analysis_sample_link" }

func (r analysisSampleLinkRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityAnalysis || change.Action != domain.ActionCreate {
			continue
		}
		analysis, ok := change.After.(domain.Analysis)
		if !ok {
			continue
		}
		if _, ok := view.FindSample(analysis.Sample.ID); ok {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     r.Name(),
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("analysis %s references missing sample %s", analysis.ID, analysis.Sample.ID),
			Entity:   domain.EntityAnalysis,
			EntityID: analysis.ID,
		})
	}
	return res, nil
}

// IndexFilesRetentionRule warns when an index still needed by a running
// analysis has lost its files.
func IndexFilesRetentionRule() domain.Rule {
	return indexFilesRetentionRule{}
}

type indexFilesRetentionRule struct{}

func (indexFilesRetentionRule) Name() string { return "index_files_retention" }

func (r indexFilesRetentionRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	relevant := false
	for _, change := range changes {
		if change.Entity == domain.EntityIndex || change.Entity == domain.EntityAnalysis {
			relevant = true
			break
		}
	}
	if !relevant {
		return res, nil
	}
	reported := make(map[string]bool)
	for _, analysis := range view.ListAnalyses() {
		if analysis.Ready || reported[analysis.Index.ID] {
			continue
		}
		index, ok := view.FindIndex(analysis.Index.ID)
		if !ok || index.HasFiles {
			continue
		}
		reported[index.ID] = true
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     r.Name(),
			Severity: domain.SeverityWarn,
			Message:  fmt.Sprintf("index %s is used by pending analysis %s but has no files", index.ID, analysis.ID),
			Entity:   domain.EntityIndex,
			EntityID: index.ID,
		})
	}
	return res, nil
}
