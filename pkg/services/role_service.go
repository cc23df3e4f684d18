package services

import (
	"context"
	"fmt"

	"github.com/rustyops/rustyci/pkg/models"
	"github.com/rustyops/rustyci/pkg/query"
	"github.com/rustyops/rustyci/pkg/storage"
)

// RoleService manages roles and their user membership. Roles have no
// wire group of their own; the bootstrap seeding and the authorizer
// are their consumers.
type RoleService struct {
	store storage.Store
}

// NewRoleService creates the service.
func NewRoleService(store storage.Store) *RoleService {
	return &RoleService{store: store}
}

// Create registers a new role with a unique name.
func (s *RoleService) Create(ctx context.Context, name, description string) (models.Role, error) {
	if name == "" {
		return models.Role{}, NewValidationError("name", "name cannot be empty")
	}
	_, exists, err := storage.GetOne[models.Role](ctx, s.store, models.IndexRoles,
		query.Filter{"name": {query.OpEquals: name}})
	if err != nil {
		return models.Role{}, err
	}
	if exists {
		return models.Role{}, fmt.Errorf("role %s: %w", name, ErrAlreadyExists)
	}

	role := models.Role{Name: name, Description: description}
	id, err := s.store.Create(ctx, models.IndexRoles, role)
	if err != nil {
		return models.Role{}, err
	}
	role.ID = id
	return role, nil
}

// GetByName returns one role.
func (s *RoleService) GetByName(ctx context.Context, name string) (models.Role, bool, error) {
	return storage.GetOne[models.Role](ctx, s.store, models.IndexRoles,
		query.Filter{"name": {query.OpEquals: name}})
}

// List returns roles matching the filter.
func (s *RoleService) List(ctx context.Context, f query.Filter, o *query.Options, paged bool) ([]models.Role, error) {
	return storage.GetAll[models.Role](ctx, s.store, models.IndexRoles, f, o, paged)
}

// AddUser adds a user to the role's membership. Idempotent.
func (s *RoleService) AddUser(ctx context.Context, roleID, userID string) (models.Role, error) {
	role, found, err := storage.GetOne[models.Role](ctx, s.store, models.IndexRoles, storage.ByID(roleID))
	if err != nil {
		return models.Role{}, err
	}
	if !found {
		return models.Role{}, fmt.Errorf("role %s: %w", roleID, ErrNotFound)
	}
	for _, member := range role.Users {
		if member == userID {
			return role, nil
		}
	}
	role.Users = append(role.Users, userID)
	if _, err := s.store.Update(ctx, models.IndexRoles, role.ID, role); err != nil {
		return models.Role{}, err
	}
	return role, nil
}

// RemoveUser drops a user from the role's membership.
func (s *RoleService) RemoveUser(ctx context.Context, roleID, userID string) (models.Role, error) {
	role, found, err := storage.GetOne[models.Role](ctx, s.store, models.IndexRoles, storage.ByID(roleID))
	if err != nil {
		return models.Role{}, err
	}
	if !found {
		return models.Role{}, fmt.Errorf("role %s: %w", roleID, ErrNotFound)
	}
	members := role.Users[:0]
	for _, member := range role.Users {
		if member != userID {
			members = append(members, member)
		}
	}
	role.Users = members
	if _, err := s.store.Update(ctx, models.IndexRoles, role.ID, role); err != nil {
		return models.Role{}, err
	}
	return role, nil
}

// Delete removes a role by id.
func (s *RoleService) Delete(ctx context.Context, id string) error {
	n, err := s.store.DeleteOne(ctx, models.IndexRoles, storage.ByID(id))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("role %s: %w", id, ErrNotFound)
	}
	return nil
}
