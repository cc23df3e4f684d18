package services

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rustyops/rustyci/pkg/models"
	"github.com/rustyops/rustyci/pkg/query"
	"github.com/rustyops/rustyci/pkg/storage"
)

// ProjectService manages the source repositories pipelines run
// against.
type ProjectService struct {
	store storage.Store
}

// NewProjectService creates the service.
func NewProjectService(store storage.Store) *ProjectService {
	return &ProjectService{store: store}
}

// Register creates a project. The main branch defaults when empty.
func (s *ProjectService) Register(ctx context.Context, project models.Project) (models.Project, error) {
	if err := validateProject(&project); err != nil {
		return models.Project{}, err
	}
	if project.GroupID != "" {
		_, found, err := storage.GetOne[models.Group](ctx, s.store, models.IndexGroups, storage.ByID(project.GroupID))
		if err != nil {
			return models.Project{}, err
		}
		if !found {
			return models.Project{}, fmt.Errorf("group %s: %w", project.GroupID, ErrNotFound)
		}
	}
	id, err := s.store.Create(ctx, models.IndexProjects, project)
	if err != nil {
		return models.Project{}, err
	}
	project.ID = id
	return project, nil
}

// Update replaces a project.
func (s *ProjectService) Update(ctx context.Context, id string, project models.Project) (models.Project, error) {
	if err := validateProject(&project); err != nil {
		return models.Project{}, err
	}
	if _, err := s.GetByID(ctx, id); err != nil {
		return models.Project{}, err
	}
	project.ID = id
	if _, err := s.store.Update(ctx, models.IndexProjects, id, project); err != nil {
		return models.Project{}, err
	}
	return project, nil
}

// GetByID returns one project.
func (s *ProjectService) GetByID(ctx context.Context, id string) (models.Project, error) {
	project, found, err := storage.GetOne[models.Project](ctx, s.store, models.IndexProjects, storage.ByID(id))
	if err != nil {
		return models.Project{}, err
	}
	if !found {
		return models.Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return project, nil
}

// List returns projects matching the filter.
func (s *ProjectService) List(ctx context.Context, f query.Filter, o *query.Options, paged bool) ([]models.Project, error) {
	return storage.GetAll[models.Project](ctx, s.store, models.IndexProjects, f, o, paged)
}

// Delete removes a project by id.
func (s *ProjectService) Delete(ctx context.Context, id string) error {
	n, err := s.store.DeleteOne(ctx, models.IndexProjects, storage.ByID(id))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

func validateProject(project *models.Project) error {
	ve := &ValidationError{}
	if project.Name == "" || len(project.Name) > 512 {
		ve.AddFieldError("name", "name length must be between 1 and 512")
	}
	if parsed, err := url.Parse(project.URL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		ve.AddFieldError("url", "url must be well-formed")
	}
	if ve.HasErrors() {
		return ve
	}
	if project.MainBranch == "" {
		project.MainBranch = models.DefaultMainBranch
	}
	return nil
}
