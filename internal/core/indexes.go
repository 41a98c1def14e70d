package core

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"virtool/pkg/domain"
)

// currentIndex returns the highest-version ready index of a reference.
func currentIndex(view domain.TransactionView, refID string) (domain.Index, bool) {
	var (
		best  domain.Index
		found bool
	)
	for _, index := range view.ListIndexes() {
		if index.Reference.ID != refID || !index.Ready {
			continue
		}
		if !found || index.Version > best.Version {
			best, found = index, true
		}
	}
	return best, found
}

// GetCurrentIndex returns the id and version of the index new analyses of
// the reference run against.
func (s *Service) GetCurrentIndex(ctx context.Context, refID string) (string, int, error) {
	var index domain.Index
	err := s.view(ctx, func(view domain.TransactionView) error {
		var ok bool
		index, ok = currentIndex(view, refID)
		if !ok {
			return ErrNotFound{Entity: domain.EntityIndex, ID: "current index of " + refID}
		}
		return nil
	})
	return index.ID, index.Version, err
}

// ListIndexes returns the indexes of a reference, newest version first.
func (s *Service) ListIndexes(ctx context.Context, refID string) ([]domain.Index, error) {
	out := []domain.Index{}
	err := s.view(ctx, func(view domain.TransactionView) error {
		if _, ok := view.FindReference(refID); !ok {
			return ErrNotFound{Entity: domain.EntityReference, ID: refID}
		}
		for _, index := range view.ListIndexes() {
			if index.Reference.ID == refID {
				out = append(out, index)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, err
}

// RebuildIndex starts a build of a new index version containing every
// unbuilt change of the reference.
func (s *Service) RebuildIndex(ctx context.Context, client Client, refID string) (domain.Index, error) {
	if !client.Can(PermissionCreateRef) {
		return domain.Index{}, ErrInsufficientRights{}
	}
	jobID := uuid.NewString()
	var (
		created domain.Index
		claimed []domain.HistoryRecord
	)
	err := s.run(ctx, "rebuild_index", domain.EntityIndex, func(tx domain.Transaction) (string, error) {
		if _, ok := tx.FindReference(refID); !ok {
			return "", ErrNotFound{Entity: domain.EntityReference, ID: refID}
		}
		version := 0
		for _, index := range tx.ListIndexes() {
			if index.Reference.ID != refID {
				continue
			}
			if !index.Ready {
				return "", ErrConflict{Message: fmt.Sprintf("index build %s already in progress", index.ID)}
			}
			if index.Version >= version {
				version = index.Version + 1
			}
		}
		var unbuilt []domain.HistoryRecord
		for _, record := range tx.ListHistory() {
			if record.Reference.ID == refID && record.Index.ID == domain.Unbuilt {
				unbuilt = append(unbuilt, record)
			}
		}
		if len(unbuilt) == 0 {
			return "", ErrBadRequest{Message: "There are no unbuilt changes"}
		}

		manifest := make(map[string]int)
		for _, otu := range tx.ListOTUs() {
			if otu.Reference.ID == refID {
				manifest[otu.ID] = otu.Version
			}
		}
		var err error
		created, err = tx.CreateIndex(domain.Index{
			Version:   version,
			Reference: domain.Ref{ID: refID},
			HasFiles:  true,
			Manifest:  manifest,
			Job:       domain.Ref{ID: jobID},
			User:      domain.Ref{ID: client.UserID},
		})
		if err != nil {
			return "", err
		}
		for _, record := range unbuilt {
			updated, err := tx.UpdateHistory(record.ID, func(h *domain.HistoryRecord) error {
				h.Index = domain.HistoryIndex{ID: created.ID, Version: strconv.Itoa(created.Version)}
				return nil
			})
			if err != nil {
				return created.ID, err
			}
			claimed = append(claimed, updated)
		}
		return created.ID, nil
	})
	if err != nil {
		return domain.Index{}, err
	}

	s.dispatcher.Dispatch(InterfaceIndexes, OperationInsert, created)
	s.dispatcher.Dispatch(InterfaceHistory, OperationUpdate, claimed)

	args := map[string]any{
		"index_id":      created.ID,
		"index_version": created.Version,
		"ref_id":        refID,
		"manifest":      created.Manifest,
	}
	if _, err := s.scheduler.Enqueue(ctx, jobID, JobBuildIndex, args, client.UserID); err != nil {
		if cleanErr := s.CleanupIndex(ctx, created.ID); cleanErr != nil {
			s.logger.Error("rollback index failed", "index_id", created.ID, "error", cleanErr)
		}
		return domain.Index{}, fmt.Errorf("enqueue index build: %w", err)
	}
	return created, nil
}

// ReplaceOld marks a freshly built index ready and retires the file flags of
// its superseded siblings. Siblings referenced by an analysis that is not
// ready keep their files. It returns the ids of the reference's indexes that
// still have files, which is the set of directories to keep on disk.
func (s *Service) ReplaceOld(ctx context.Context, indexID string) ([]string, error) {
	var (
		keep    []string
		touched []domain.Index
	)
	err := s.run(ctx, "replace_old", domain.EntityIndex, func(tx domain.Transaction) (string, error) {
		index, ok := tx.FindIndex(indexID)
		if !ok {
			return indexID, ErrNotFound{Entity: domain.EntityIndex, ID: indexID}
		}
		ready, err := tx.UpdateIndex(indexID, func(i *domain.Index) error {
			i.Ready = true
			i.HasFiles = true
			return nil
		})
		if err != nil {
			return indexID, err
		}
		touched = append(touched, ready)

		inUse := make(map[string]bool)
		for _, analysis := range tx.ListAnalyses() {
			if !analysis.Ready {
				inUse[analysis.Index.ID] = true
			}
		}
		for _, sibling := range tx.ListIndexes() {
			if sibling.Reference.ID != index.Reference.ID || sibling.ID == indexID || !sibling.HasFiles || inUse[sibling.ID] {
				continue
			}
			retired, err := tx.UpdateIndex(sibling.ID, func(i *domain.Index) error {
				i.HasFiles = false
				return nil
			})
			if err != nil {
				return indexID, err
			}
			touched = append(touched, retired)
		}
		keep = keep[:0]
		for _, sibling := range tx.ListIndexes() {
			if sibling.Reference.ID == index.Reference.ID && sibling.HasFiles {
				keep = append(keep, sibling.ID)
			}
		}
		return indexID, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keep)
	for _, index := range touched {
		s.dispatcher.Dispatch(InterfaceIndexes, OperationUpdate, index)
	}
	return keep, nil
}

// CleanupIndex undoes a failed build: the index document is deleted and
// history records that pointed at it return to unbuilt. A missing index
// document is tolerated so cleanup can be repeated.
func (s *Service) CleanupIndex(ctx context.Context, indexID string) error {
	var reset []domain.HistoryRecord
	deleted := false
	err := s.run(ctx, "cleanup_index", domain.EntityIndex, func(tx domain.Transaction) (string, error) {
		if _, ok := tx.FindIndex(indexID); ok {
			if err := tx.DeleteIndex(indexID); err != nil {
				return indexID, err
			}
			deleted = true
		}
		for _, record := range tx.ListHistory() {
			if record.Index.ID != indexID {
				continue
			}
			updated, err := tx.UpdateHistory(record.ID, func(h *domain.HistoryRecord) error {
				h.Index = domain.HistoryIndex{ID: domain.Unbuilt, Version: domain.Unbuilt}
				return nil
			})
			if err != nil {
				return indexID, err
			}
			reset = append(reset, updated)
		}
		return indexID, nil
	})
	if err != nil {
		return err
	}
	if deleted {
		s.dispatcher.Dispatch(InterfaceIndexes, OperationRemove, []string{indexID})
	}
	if len(reset) > 0 {
		s.dispatcher.Dispatch(InterfaceHistory, OperationUpdate, reset)
	}
	return nil
}
