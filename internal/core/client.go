package core

import (
	"context"
	"slices"

	"virtool/pkg/domain"
)

// AdministratorGroup grants every right to its members.
const AdministratorGroup = "administrator"

// Permission names checked by service operations.
const (
	PermissionCreateSample = "create_sample"
	PermissionCreateRef    = "create_ref"
	PermissionUploadFile   = "upload_file"
	PermissionCancelJob    = "cancel_job"
)

// AllPermissions lists every permission a group or user can carry, sorted.
var AllPermissions = []string{
	PermissionCancelJob,
	PermissionCreateRef,
	PermissionCreateSample,
	"modify_hmm",
	"modify_subtraction",
	"remove_file",
	"remove_job",
	PermissionUploadFile,
}

// Client identifies the user a request is made on behalf of.
type Client struct {
	UserID        string
	Groups        []string
	Administrator bool
	Permissions   domain.Permissions
}

// IsAdministrator reports whether the client bypasses rights checks.
func (c Client) IsAdministrator() bool {
	return c.Administrator || slices.Contains(c.Groups, AdministratorGroup)
}

// Can reports whether the client holds permission.
func (c Client) Can(permission string) bool {
	return c.IsAdministrator() || c.Permissions[permission]
}

// InGroup reports membership of group. The "none" group has no members.
func (c Client) InGroup(group string) bool {
	return group != "" && group != "none" && slices.Contains(c.Groups, group)
}

// SampleRights returns the read and write rights client holds on sample.
func SampleRights(sample domain.Sample, client Client) (read, write bool) {
	if client.IsAdministrator() || sample.User.ID == client.UserID {
		return true, true
	}
	member := client.InGroup(sample.Group)
	read = sample.AllRead || (member && sample.GroupRead)
	if !read {
		return false, false
	}
	write = sample.AllWrite || (member && sample.GroupWrite)
	return read, write
}

// CanRead is the read half of SampleRights.
func CanRead(sample domain.Sample, client Client) bool {
	read, _ := SampleRights(sample, client)
	return read
}

// ClientFor resolves the client for userID, merging the permissions of the
// user's groups into the user's own.
func (s *Service) ClientFor(ctx context.Context, userID string) (Client, error) {
	var client Client
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		user, ok := view.FindUser(userID)
		if !ok {
			return ErrNotFound{Entity: domain.EntityUser, ID: userID}
		}
		perms := make(domain.Permissions, len(user.Permissions))
		for name, granted := range user.Permissions {
			if granted {
				perms[name] = true
			}
		}
		for _, groupID := range user.Groups {
			group, ok := view.FindGroup(groupID)
			if !ok {
				continue
			}
			for name, granted := range group.Permissions {
				if granted {
					perms[name] = true
				}
			}
		}
		client = Client{
			UserID:        user.ID,
			Groups:        append([]string(nil), user.Groups...),
			Administrator: user.Administrator,
			Permissions:   perms,
		}
		return nil
	})
	return client, err
}
