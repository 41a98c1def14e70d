package core

import (
	"fmt"

	"virtool/pkg/domain"
)

// ErrNotFound is returned when a referenced document does not exist.
type ErrNotFound struct {
	Entity domain.EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ErrConflict reports a request that clashes with existing state.
type ErrConflict struct {
	Message string
}

func (e ErrConflict) Error() string { return e.Message }

// ErrInsufficientRights is returned when the client lacks sample rights or a permission.
type ErrInsufficientRights struct {
	Message string
}

func (e ErrInsufficientRights) Error() string {
	if e.Message == "" {
		return "insufficient rights"
	}
	return e.Message
}

// ErrBadRequest reports invalid input.
type ErrBadRequest struct {
	Message string
}

func (e ErrBadRequest) Error() string { return e.Message }
