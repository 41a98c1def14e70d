package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"

	"virtool/internal/blob"
	"virtool/pkg/domain"
)

// FileTypeReads marks uploads holding sequencing reads.
const FileTypeReads = "reads"

// FileKey returns the blob key of an uploaded file.
func FileKey(id, name string) string {
	return "files/" + id + "-" + path.Base(name)
}

// UploadFile stores an upload in the blob store and records it.
func (s *Service) UploadFile(ctx context.Context, client Client, name string, r io.Reader) (domain.File, error) {
	if !client.Can(PermissionUploadFile) {
		return domain.File{}, ErrInsufficientRights{}
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" {
		return domain.File{}, ErrBadRequest{Message: "file name is required"}
	}
	id := uuid.NewString()
	key := FileKey(id, name)
	var created domain.File
	err := s.observe(ctx, "upload_file", domain.EntityFile, func(ctx context.Context) (string, error) {
		info, err := s.blobs.Put(ctx, key, r, blob.PutOptions{
			ContentType: "application/octet-stream",
			Metadata:    map[string]string{"name": name, "user": client.UserID},
		})
		if err != nil {
			return id, fmt.Errorf("store upload: %w", err)
		}
		_, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			created, err = tx.CreateFile(domain.File{
				Base:  domain.Base{ID: id},
				Name:  name,
				Type:  FileTypeReads,
				Size:  info.Size,
				Key:   key,
				Ready: true,
				User:  domain.Ref{ID: client.UserID},
			})
			return err
		})
		if err != nil {
			if _, delErr := s.blobs.Delete(ctx, key); delErr != nil {
				s.logger.Warn("discard orphaned upload failed", "key", key, "error", delErr)
			}
			return id, err
		}
		return id, nil
	})
	if err != nil {
		return domain.File{}, err
	}
	s.dispatcher.Dispatch(InterfaceFiles, OperationInsert, created)
	return created, nil
}

// ListAvailableFiles returns uploads that are not claimed by a sample.
func (s *Service) ListAvailableFiles(ctx context.Context) ([]domain.File, error) {
	out := []domain.File{}
	err := s.view(ctx, func(view domain.TransactionView) error {
		for _, file := range view.ListFiles() {
			if file.Reserved || s.reservations.Has(file.ID) {
				continue
			}
			out = append(out, file)
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// OpenFile returns the document and contents of an upload. Callers close the reader.
func (s *Service) OpenFile(ctx context.Context, id string) (domain.File, io.ReadCloser, error) {
	var file domain.File
	if err := s.view(ctx, func(view domain.TransactionView) error {
		var ok bool
		file, ok = view.FindFile(id)
		if !ok {
			return ErrNotFound{Entity: domain.EntityFile, ID: id}
		}
		return nil
	}); err != nil {
		return domain.File{}, nil, err
	}
	_, rc, err := s.blobs.Get(ctx, file.Key)
	if errors.Is(err, blob.ErrNotFound) {
		return domain.File{}, nil, ErrNotFound{Entity: domain.EntityFile, ID: id}
	}
	if err != nil {
		return domain.File{}, nil, err
	}
	return file, rc, nil
}

// RemoveFile deletes an upload. Files reserved by an import are refused
// unless force is set, which import jobs use to discard consumed uploads.
func (s *Service) RemoveFile(ctx context.Context, id string, force bool) error {
	var removed domain.File
	err := s.run(ctx, "remove_file", domain.EntityFile, func(tx domain.Transaction) (string, error) {
		file, ok := tx.FindFile(id)
		if !ok {
			return id, ErrNotFound{Entity: domain.EntityFile, ID: id}
		}
		if !force && (file.Reserved || s.reservations.Has(id)) {
			return id, ErrConflict{Message: fmt.Sprintf("file %s is reserved by a sample import", id)}
		}
		removed = file
		return id, tx.DeleteFile(id)
	})
	if err != nil {
		return err
	}
	if removed.Key != "" {
		if _, err := s.blobs.Delete(ctx, removed.Key); err != nil {
			return fmt.Errorf("delete upload %s: %w", id, err)
		}
	}
	s.reservations.Release(id)
	s.dispatcher.Dispatch(InterfaceFiles, OperationRemove, []string{id})
	return nil
}
