package core

import (
	"context"
	"fmt"
	"sort"

	"virtool/pkg/domain"
)

// OTUChange describes an edit recorded in the history collection.
type OTUChange struct {
	Method      string
	Description string
}

// SaveOTU creates or replaces an OTU, bumps its version and appends an
// unbuilt history record holding the resulting document.
func (s *Service) SaveOTU(ctx context.Context, client Client, otu domain.OTU, change OTUChange) (domain.OTU, domain.HistoryRecord, error) {
	if !client.Can(PermissionCreateRef) {
		return domain.OTU{}, domain.HistoryRecord{}, ErrInsufficientRights{}
	}
	if otu.Name == "" {
		return domain.OTU{}, domain.HistoryRecord{}, ErrBadRequest{Message: "name is required"}
	}
	var (
		saved  domain.OTU
		record domain.HistoryRecord
	)
	err := s.run(ctx, "save_otu", domain.EntityOTU, func(tx domain.Transaction) (string, error) {
		if _, ok := tx.FindReference(otu.Reference.ID); !ok {
			return otu.ID, ErrNotFound{Entity: domain.EntityReference, ID: otu.Reference.ID}
		}
		var err error
		if existing, ok := tx.FindOTU(otu.ID); ok && otu.ID != "" {
			next := otu.Clone()
			saved, err = tx.UpdateOTU(otu.ID, func(o *domain.OTU) error {
				next.Base = o.Base
				next.Version = existing.Version + 1
				*o = next
				return nil
			})
		} else {
			next := otu.Clone()
			next.Version = 0
			saved, err = tx.CreateOTU(next)
		}
		if err != nil {
			return otu.ID, err
		}
		method := change.Method
		if method == "" {
			method = "edit"
		}
		snapshot := saved.Clone()
		record, err = tx.CreateHistory(domain.HistoryRecord{
			OTU:         domain.HistoryOTU{ID: saved.ID, Name: saved.Name, Version: saved.Version},
			Reference:   saved.Reference,
			Index:       domain.HistoryIndex{ID: domain.Unbuilt, Version: domain.Unbuilt},
			Method:      method,
			Description: change.Description,
			Snapshot:    &snapshot,
			User:        domain.Ref{ID: client.UserID},
		})
		return saved.ID, err
	})
	if err != nil {
		return domain.OTU{}, domain.HistoryRecord{}, err
	}
	s.dispatcher.Dispatch(InterfaceHistory, OperationInsert, record)
	return saved, record, nil
}

// ListHistory returns the history of an OTU ordered by version.
func (s *Service) ListHistory(ctx context.Context, otuID string) ([]domain.HistoryRecord, error) {
	out := []domain.HistoryRecord{}
	err := s.view(ctx, func(view domain.TransactionView) error {
		for _, record := range view.ListHistory() {
			if record.OTU.ID == otuID {
				out = append(out, record)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].OTU.Version < out[j].OTU.Version })
	return out, err
}

// PatchToVersion returns the OTU document as it was at version.
func (s *Service) PatchToVersion(ctx context.Context, otuID string, version int) (domain.OTU, error) {
	var patched domain.OTU
	err := s.view(ctx, func(view domain.TransactionView) error {
		return patchToVersion(view, otuID, version, &patched)
	})
	return patched, err
}

func patchToVersion(view domain.TransactionView, otuID string, version int, out *domain.OTU) error {
	if current, ok := view.FindOTU(otuID); ok && current.Version == version {
		*out = current.Clone()
		return nil
	}
	for _, record := range view.ListHistory() {
		if record.OTU.ID != otuID || record.OTU.Version != version || record.Snapshot == nil {
			continue
		}
		*out = record.Snapshot.Clone()
		return nil
	}
	return ErrNotFound{Entity: domain.EntityOTU, ID: fmt.Sprintf("%s@%d", otuID, version)}
}
