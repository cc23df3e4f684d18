package services

import (
	"context"
	"fmt"

	"github.com/rustyops/rustyci/pkg/models"
	"github.com/rustyops/rustyci/pkg/query"
	"github.com/rustyops/rustyci/pkg/storage"
)

// GroupService manages project groups.
type GroupService struct {
	store storage.Store
}

// NewGroupService creates the service.
func NewGroupService(store storage.Store) *GroupService {
	return &GroupService{store: store}
}

// Register creates a group.
func (s *GroupService) Register(ctx context.Context, name string) (models.Group, error) {
	if name == "" {
		return models.Group{}, NewValidationError("name", "name cannot be empty")
	}
	group := models.Group{Name: name}
	id, err := s.store.Create(ctx, models.IndexGroups, group)
	if err != nil {
		return models.Group{}, err
	}
	group.ID = id
	return group, nil
}

// List returns groups matching the filter.
func (s *GroupService) List(ctx context.Context, f query.Filter, o *query.Options, paged bool) ([]models.Group, error) {
	return storage.GetAll[models.Group](ctx, s.store, models.IndexGroups, f, o, paged)
}

// Delete removes a group by id.
func (s *GroupService) Delete(ctx context.Context, id string) error {
	n, err := s.store.DeleteOne(ctx, models.IndexGroups, storage.ByID(id))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	return nil
}
