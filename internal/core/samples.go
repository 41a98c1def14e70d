package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"virtool/internal/blob"
	"virtool/internal/config"
	"virtool/pkg/domain"
)

// Paging defaults for sample listings.
const (
	DefaultPage    = 1
	DefaultPerPage = 15
	MaxPerPage     = 100
)

// SampleQuery filters and pages FindSamples.
type SampleQuery struct {
	Term    string
	Page    int
	PerPage int
}

// SamplePage is one page of readable samples.
type SamplePage struct {
	Documents  []domain.SampleSummary `json:"documents"`
	TotalCount int                    `json:"total_count"`
	FoundCount int                    `json:"found_count"`
	Page       int                    `json:"page"`
	PerPage    int                    `json:"per_page"`
	PageCount  int                    `json:"page_count"`
}

// SampleInput is the body of a sample creation request.
type SampleInput struct {
	Name        string   `json:"name"`
	Host        string   `json:"host"`
	Isolate     string   `json:"isolate"`
	Locale      string   `json:"locale"`
	Group       string   `json:"group"`
	Subtraction string   `json:"subtraction"`
	Files       []string `json:"files"`
}

// SampleEdit carries the editable sample fields; nil fields are untouched.
type SampleEdit struct {
	Name    *string `json:"name"`
	Host    *string `json:"host"`
	Isolate *string `json:"isolate"`
	Locale  *string `json:"locale"`
}

// RightsUpdate changes a sample's owner group and rights flags.
type RightsUpdate struct {
	Group      *string `json:"group"`
	AllRead    *bool   `json:"all_read"`
	AllWrite   *bool   `json:"all_write"`
	GroupRead  *bool   `json:"group_read"`
	GroupWrite *bool   `json:"group_write"`
}

// QualityExport locates an exported quality report.
type QualityExport struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

func normalizeQuery(q SampleQuery) (SampleQuery, error) {
	if q.Page == 0 {
		q.Page = DefaultPage
	}
	if q.PerPage == 0 {
		q.PerPage = DefaultPerPage
	}
	if q.Page < 1 {
		return q, ErrBadRequest{Message: "page must be at least 1"}
	}
	if q.PerPage < 1 || q.PerPage > MaxPerPage {
		return q, ErrBadRequest{Message: fmt.Sprintf("per_page must be between 1 and %d", MaxPerPage)}
	}
	return q, nil
}

func matchesTerm(sample domain.Sample, term string) bool {
	if term == "" {
		return true
	}
	term = strings.ToLower(term)
	return strings.Contains(strings.ToLower(sample.Name), term) || strings.Contains(strings.ToLower(sample.User.ID), term)
}

// FindSamples lists samples the client can read, newest first.
func (s *Service) FindSamples(ctx context.Context, client Client, query SampleQuery) (SamplePage, error) {
	query, err := normalizeQuery(query)
	if err != nil {
		return SamplePage{}, err
	}
	var readable []domain.Sample
	if err := s.view(ctx, func(view domain.TransactionView) error {
		for _, sample := range view.ListSamples() {
			if sample.User.ID == client.UserID || sample.AllRead || (sample.GroupRead && client.InGroup(sample.Group)) {
				readable = append(readable, sample)
			}
		}
		return nil
	}); err != nil {
		return SamplePage{}, err
	}

	found := make([]domain.Sample, 0, len(readable))
	for _, sample := range readable {
		if matchesTerm(sample, query.Term) {
			found = append(found, sample)
		}
	}
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].CreatedAt.Equal(found[j].CreatedAt) {
			return found[i].ID > found[j].ID
		}
		return found[i].CreatedAt.After(found[j].CreatedAt)
	})

	page := SamplePage{
		Documents:  []domain.SampleSummary{},
		TotalCount: len(readable),
		FoundCount: len(found),
		Page:       query.Page,
		PerPage:    query.PerPage,
		PageCount:  (len(found) + query.PerPage - 1) / query.PerPage,
	}
	start := (query.Page - 1) * query.PerPage
	if start < len(found) {
		end := min(start+query.PerPage, len(found))
		for _, sample := range found[start:end] {
			page.Documents = append(page.Documents, sample.Summary())
		}
	}
	return page, nil
}

func (s *Service) readableSample(view domain.TransactionView, client Client, id string, needWrite bool) (domain.Sample, error) {
	sample, ok := view.FindSample(id)
	if !ok {
		return domain.Sample{}, ErrNotFound{Entity: domain.EntitySample, ID: id}
	}
	read, write := SampleRights(sample, client)
	if !read || (needWrite && !write) {
		return domain.Sample{}, ErrInsufficientRights{}
	}
	return sample, nil
}

// GetSample returns the complete sample document.
func (s *Service) GetSample(ctx context.Context, client Client, id string) (domain.Sample, error) {
	var sample domain.Sample
	err := s.view(ctx, func(view domain.TransactionView) error {
		var err error
		sample, err = s.readableSample(view, client, id, false)
		return err
	})
	return sample, err
}

func nameTaken(view domain.TransactionView, name, exceptID string) bool {
	for _, sample := range view.ListSamples() {
		if sample.Name == name && sample.ID != exceptID {
			return true
		}
	}
	return false
}

// CreateSample validates input, inserts the sample, reserves its files and
// enqueues the read import.
func (s *Service) CreateSample(ctx context.Context, client Client, input SampleInput) (domain.Sample, error) {
	if !client.Can(PermissionCreateSample) {
		return domain.Sample{}, ErrInsufficientRights{}
	}
	if strings.TrimSpace(input.Name) == "" {
		return domain.Sample{}, ErrBadRequest{Message: "name is required"}
	}
	if input.Subtraction == "" {
		return domain.Sample{}, ErrBadRequest{Message: "subtraction is required"}
	}
	if len(input.Files) < 1 || len(input.Files) > 2 {
		return domain.Sample{}, ErrBadRequest{Message: "one or two files are required"}
	}

	var created domain.Sample
	err := s.run(ctx, "create_sample", domain.EntitySample, func(tx domain.Transaction) (string, error) {
		if s.settings.SampleUniqueNames && nameTaken(tx, input.Name, "") {
			return "", ErrConflict{Message: "Sample name already exists"}
		}

		group := input.Group
		switch s.settings.SampleGroup {
		case config.SampleGroupForceChoice:
			if group == "" {
				return "", ErrBadRequest{Message: "Server requires a 'group' field for sample creation"}
			}
			if _, ok := tx.FindGroup(group); !ok {
				return "", ErrNotFound{Entity: domain.EntityGroup, ID: group}
			}
		case config.SampleGroupUsersPrimary:
			user, ok := tx.FindUser(client.UserID)
			if !ok {
				return "", ErrNotFound{Entity: domain.EntityUser, ID: client.UserID}
			}
			group = user.PrimaryGroup
		default:
			group = "none"
		}

		subtraction, ok := tx.FindSubtraction(input.Subtraction)
		if !ok || !subtraction.IsHost {
			return "", ErrNotFound{Entity: domain.EntitySubtraction, ID: input.Subtraction}
		}
		for _, fileID := range input.Files {
			if _, ok := tx.FindFile(fileID); !ok {
				return "", ErrNotFound{Entity: domain.EntityFile, ID: fileID}
			}
		}

		var err error
		created, err = tx.CreateSample(domain.Sample{
			Name:        input.Name,
			Host:        input.Host,
			Isolate:     input.Isolate,
			Locale:      input.Locale,
			Group:       group,
			GroupRead:   s.settings.SampleGroupRead,
			GroupWrite:  s.settings.SampleGroupWrite,
			AllRead:     s.settings.SampleAllRead,
			AllWrite:    s.settings.SampleAllWrite,
			User:        domain.Ref{ID: client.UserID},
			Subtraction: domain.Ref{ID: input.Subtraction},
			Files:       append([]string(nil), input.Files...),
			Paired:      len(input.Files) == 2,
			Format:      "fastq",
			Imported:    domain.InProgress,
			Hold:        true,
		})
		if err != nil {
			return "", err
		}
		for _, fileID := range input.Files {
			if _, err := tx.UpdateFile(fileID, func(f *domain.File) error {
				f.Reserved = true
				return nil
			}); err != nil {
				return created.ID, err
			}
		}
		return created.ID, nil
	})
	if err != nil {
		return domain.Sample{}, err
	}

	s.reservations.Add(created.Files...)
	s.dispatcher.Dispatch(InterfaceSamples, OperationInsert, created.Summary())
	s.dispatcher.Dispatch(InterfaceFiles, OperationUpdate, created.Files)

	args := map[string]any{
		"sample_id": created.ID,
		"files":     append([]string(nil), created.Files...),
		"paired":    created.Paired,
	}
	if _, err := s.scheduler.Enqueue(ctx, "", JobImportReads, args, client.UserID); err != nil {
		if rmErr := s.RemoveSamples(ctx, []string{created.ID}); rmErr != nil {
			s.logger.Error("rollback sample failed", "sample_id", created.ID, "error", rmErr)
		}
		return domain.Sample{}, fmt.Errorf("enqueue import for sample %s: %w", created.ID, err)
	}
	return created, nil
}

// EditSample updates the descriptive fields of a sample.
func (s *Service) EditSample(ctx context.Context, client Client, id string, edit SampleEdit) (domain.Sample, error) {
	if edit.Name != nil && strings.TrimSpace(*edit.Name) == "" {
		return domain.Sample{}, ErrBadRequest{Message: "name must not be empty"}
	}
	var updated domain.Sample
	err := s.run(ctx, "edit_sample", domain.EntitySample, func(tx domain.Transaction) (string, error) {
		if _, err := s.readableSample(tx, client, id, true); err != nil {
			return id, err
		}
		if edit.Name != nil && s.settings.SampleUniqueNames && nameTaken(tx, *edit.Name, id) {
			return id, ErrConflict{Message: "Sample name already exists"}
		}
		var err error
		updated, err = tx.UpdateSample(id, func(sample *domain.Sample) error {
			if edit.Name != nil {
				sample.Name = *edit.Name
			}
			if edit.Host != nil {
				sample.Host = *edit.Host
			}
			if edit.Isolate != nil {
				sample.Isolate = *edit.Isolate
			}
			if edit.Locale != nil {
				sample.Locale = *edit.Locale
			}
			return nil
		})
		return id, err
	})
	if err != nil {
		return domain.Sample{}, err
	}
	s.dispatcher.Dispatch(InterfaceSamples, OperationUpdate, updated.Summary())
	return updated, nil
}

// SetSampleRights changes ownership and rights flags. Only the owner or an
// administrator may do this.
func (s *Service) SetSampleRights(ctx context.Context, client Client, id string, update RightsUpdate) (domain.Sample, error) {
	var updated domain.Sample
	err := s.run(ctx, "set_sample_rights", domain.EntitySample, func(tx domain.Transaction) (string, error) {
		sample, ok := tx.FindSample(id)
		if !ok {
			return id, ErrNotFound{Entity: domain.EntitySample, ID: id}
		}
		if !client.IsAdministrator() && sample.User.ID != client.UserID {
			return id, ErrInsufficientRights{Message: "Must be administrator or sample owner"}
		}
		if update.Group != nil && *update.Group != "none" {
			if _, ok := tx.FindGroup(*update.Group); !ok {
				return id, ErrNotFound{Entity: domain.EntityGroup, ID: *update.Group}
			}
		}
		var err error
		updated, err = tx.UpdateSample(id, func(sample *domain.Sample) error {
			if update.Group != nil {
				sample.Group = *update.Group
			}
			setBool(&sample.AllRead, update.AllRead)
			setBool(&sample.AllWrite, update.AllWrite)
			setBool(&sample.GroupRead, update.GroupRead)
			setBool(&sample.GroupWrite, update.GroupWrite)
			return nil
		})
		return id, err
	})
	if err != nil {
		return domain.Sample{}, err
	}
	s.dispatcher.Dispatch(InterfaceSamples, OperationUpdate, updated.Summary())
	return updated, nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// ArchiveSamples flags samples as archived. Unknown ids are skipped.
func (s *Service) ArchiveSamples(ctx context.Context, ids []string) ([]domain.Sample, error) {
	var archived []domain.Sample
	err := s.run(ctx, "archive_samples", domain.EntitySample, func(tx domain.Transaction) (string, error) {
		for _, id := range ids {
			if _, ok := tx.FindSample(id); !ok {
				continue
			}
			sample, err := tx.UpdateSample(id, func(sample *domain.Sample) error {
				sample.Archived = true
				return nil
			})
			if err != nil {
				return id, err
			}
			archived = append(archived, sample)
		}
		return strings.Join(ids, ","), nil
	})
	if err != nil {
		return nil, err
	}
	for _, sample := range archived {
		s.dispatcher.Dispatch(InterfaceSamples, OperationUpdate, sample.Summary())
	}
	return archived, nil
}

// RemoveSample deletes one sample after checking the client may write it.
func (s *Service) RemoveSample(ctx context.Context, client Client, id string) error {
	if err := s.view(ctx, func(view domain.TransactionView) error {
		_, err := s.readableSample(view, client, id, true)
		return err
	}); err != nil {
		return err
	}
	return s.RemoveSamples(ctx, []string{id})
}

// RemoveSamples deletes samples with their analyses and sample directories
// and frees the files they reserved.
func (s *Service) RemoveSamples(ctx context.Context, ids []string) error {
	var removed, analyses, files []string
	err := s.run(ctx, "remove_samples", domain.EntitySample, func(tx domain.Transaction) (string, error) {
		wanted := make(map[string]bool, len(ids))
		for _, id := range ids {
			wanted[id] = true
		}
		for _, analysis := range tx.ListAnalyses() {
			if !wanted[analysis.Sample.ID] {
				continue
			}
			if err := tx.DeleteAnalysis(analysis.ID); err != nil {
				return analysis.Sample.ID, err
			}
			analyses = append(analyses, analysis.ID)
		}
		for _, id := range ids {
			sample, ok := tx.FindSample(id)
			if !ok {
				continue
			}
			if err := tx.DeleteSample(id); err != nil {
				return id, err
			}
			removed = append(removed, id)
			files = append(files, sample.Files...)
		}
		for _, fileID := range files {
			if _, ok := tx.FindFile(fileID); !ok {
				continue
			}
			if _, err := tx.UpdateFile(fileID, func(f *domain.File) error {
				f.Reserved = false
				return nil
			}); err != nil {
				return fileID, err
			}
		}
		return strings.Join(ids, ","), nil
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range ids {
		if err := os.RemoveAll(s.paths.Sample(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove sample directory %s: %w", id, err))
		}
	}
	s.reservations.Release(files...)
	if len(analyses) > 0 {
		s.dispatcher.Dispatch(InterfaceAnalyses, OperationRemove, analyses)
	}
	if len(removed) > 0 {
		s.dispatcher.Dispatch(InterfaceSamples, OperationRemove, removed)
	}
	return errors.Join(errs...)
}

// SetStats stores parsed read quality, marks the import complete and frees
// the sample's files from the reservation set.
func (s *Service) SetStats(ctx context.Context, sampleID string, quality domain.Quality) (domain.Sample, error) {
	var updated domain.Sample
	err := s.run(ctx, "set_stats", domain.EntitySample, func(tx domain.Transaction) (string, error) {
		if _, ok := tx.FindSample(sampleID); !ok {
			return sampleID, ErrNotFound{Entity: domain.EntitySample, ID: sampleID}
		}
		var err error
		updated, err = tx.UpdateSample(sampleID, func(sample *domain.Sample) error {
			q := quality
			sample.Quality = &q
			sample.Imported = domain.Complete
			return nil
		})
		return sampleID, err
	})
	if err != nil {
		return domain.Sample{}, err
	}
	s.reservations.Release(updated.Files...)
	s.dispatcher.Dispatch(InterfaceSamples, OperationUpdate, updated.Summary())
	return updated, nil
}

// ListAnalyses returns the analyses of a sample. Both read and write rights
// are required.
func (s *Service) ListAnalyses(ctx context.Context, client Client, sampleID string) ([]domain.Analysis, error) {
	var out []domain.Analysis
	err := s.view(ctx, func(view domain.TransactionView) error {
		if _, err := s.readableSample(view, client, sampleID, true); err != nil {
			return err
		}
		out = []domain.Analysis{}
		for _, analysis := range view.ListAnalyses() {
			if analysis.Sample.ID == sampleID {
				out = append(out, analysis)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ExportQuality writes the sample quality document to the blob store and
// returns a presigned URL for it. Each sample version is exported once.
func (s *Service) ExportQuality(ctx context.Context, client Client, sampleID string) (QualityExport, error) {
	var export QualityExport
	err := s.observe(ctx, "export_quality", domain.EntitySample, func(ctx context.Context) (string, error) {
		sample, err := s.GetSample(ctx, client, sampleID)
		if err != nil {
			return sampleID, err
		}
		if sample.Quality == nil {
			return sampleID, ErrConflict{Message: "Sample quality is not available"}
		}
		payload, err := json.Marshal(sample.Quality)
		if err != nil {
			return sampleID, fmt.Errorf("encode quality: %w", err)
		}
		key := fmt.Sprintf("exports/quality/%s-%d.json", sample.ID, sample.Version)
		_, err = s.blobs.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
			ContentType: "application/json",
			Metadata:    map[string]string{"sample_id": sample.ID},
		})
		if err != nil && !errors.Is(err, blob.ErrExists) {
			return sampleID, fmt.Errorf("store quality export: %w", err)
		}
		url, err := s.blobs.PresignURL(ctx, key, blob.SignedURLOptions{Method: "GET"})
		if err != nil {
			return sampleID, fmt.Errorf("presign quality export: %w", err)
		}
		export = QualityExport{Key: key, URL: url}
		return sampleID, nil
	})
	return export, err
}
