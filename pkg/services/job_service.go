package services

import (
	"context"
	"fmt"

	"github.com/rustyops/rustyci/pkg/models"
	"github.com/rustyops/rustyci/pkg/query"
	"github.com/rustyops/rustyci/pkg/storage"
	"github.com/rustyops/rustyci/pkg/template"
)

// JobService manages the pipeline templates attached to projects.
// Register and Update validate the template eagerly so malformed YAML
// never reaches the agents.
type JobService struct {
	store storage.Store
}

// NewJobService creates the service.
func NewJobService(store storage.Store) *JobService {
	return &JobService{store: store}
}

// Register creates a job after validating its template and project
// reference.
func (s *JobService) Register(ctx context.Context, job models.Job) (models.Job, error) {
	if err := s.validate(ctx, &job); err != nil {
		return models.Job{}, err
	}
	id, err := s.store.Create(ctx, models.IndexJobs, job)
	if err != nil {
		return models.Job{}, err
	}
	job.ID = id
	return job, nil
}

// Update replaces a job, re-validating template and project.
func (s *JobService) Update(ctx context.Context, id string, job models.Job) (models.Job, error) {
	if _, err := s.GetByID(ctx, id); err != nil {
		return models.Job{}, err
	}
	if err := s.validate(ctx, &job); err != nil {
		return models.Job{}, err
	}
	job.ID = id
	if _, err := s.store.Update(ctx, models.IndexJobs, id, job); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// GetByID returns one job.
func (s *JobService) GetByID(ctx context.Context, id string) (models.Job, error) {
	job, found, err := storage.GetOne[models.Job](ctx, s.store, models.IndexJobs, storage.ByID(id))
	if err != nil {
		return models.Job{}, err
	}
	if !found {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, nil
}

// List returns jobs matching the filter.
func (s *JobService) List(ctx context.Context, f query.Filter, o *query.Options, paged bool) ([]models.Job, error) {
	return storage.GetAll[models.Job](ctx, s.store, models.IndexJobs, f, o, paged)
}

// Delete removes a job by id.
func (s *JobService) Delete(ctx context.Context, id string) error {
	n, err := s.store.DeleteOne(ctx, models.IndexJobs, storage.ByID(id))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *JobService) validate(ctx context.Context, job *models.Job) error {
	if job.Name == "" {
		return NewValidationError("name", "name cannot be empty")
	}
	if _, err := template.Parse(job.Template); err != nil {
		return NewValidationError("template", err.Error())
	}
	_, found, err := storage.GetOne[models.Project](ctx, s.store, models.IndexProjects, storage.ByID(job.ProjectID))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("project %s: %w", job.ProjectID, ErrNotFound)
	}
	return nil
}
