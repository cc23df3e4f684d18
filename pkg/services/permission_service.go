package services

import (
	"context"
	"fmt"

	"github.com/rustyops/rustyci/pkg/models"
	"github.com/rustyops/rustyci/pkg/query"
	"github.com/rustyops/rustyci/pkg/storage"
)

// PermissionService manages permission grants. Permissions attach to
// either a user or a role, never both, and are typically append-only.
type PermissionService struct {
	store storage.Store
}

// NewPermissionService creates the service.
func NewPermissionService(store storage.Store) *PermissionService {
	return &PermissionService{store: store}
}

// Create registers a permission grant.
func (s *PermissionService) Create(ctx context.Context, perm models.Permission) (models.Permission, error) {
	if (perm.UserID == "") == (perm.RoleID == "") {
		return models.Permission{}, NewValidationError("principal",
			"exactly one of user_id and role_id must be set")
	}
	if perm.Resource == "" || perm.Right == "" {
		return models.Permission{}, NewValidationError("permission",
			"resource and right cannot be empty")
	}
	if perm.Item == "" {
		perm.Item = models.PermissionItemAll
	}
	id, err := s.store.Create(ctx, models.IndexPermissions, perm)
	if err != nil {
		return models.Permission{}, err
	}
	perm.ID = id
	return perm, nil
}

// List returns permissions matching the filter.
func (s *PermissionService) List(ctx context.Context, f query.Filter, o *query.Options, paged bool) ([]models.Permission, error) {
	return storage.GetAll[models.Permission](ctx, s.store, models.IndexPermissions, f, o, paged)
}

// Delete removes a permission grant by id.
func (s *PermissionService) Delete(ctx context.Context, id string) error {
	n, err := s.store.DeleteOne(ctx, models.IndexPermissions, storage.ByID(id))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("permission %s: %w", id, ErrNotFound)
	}
	return nil
}
