package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rustyops/rustyci/pkg/models"
	"github.com/rustyops/rustyci/pkg/query"
	"github.com/rustyops/rustyci/pkg/storage"
	"github.com/rustyops/rustyci/pkg/telemetry"
	"github.com/rustyops/rustyci/pkg/template"
)

// PipelineService owns the pipeline lifecycle state machine:
//
//	Defined → Assigned → InProgress → {Success, Failure, Unstable}
//	   ▲          │
//	   └─ reset ──┘
//
// Storage offers single-document atomicity only, so the racy
// read-then-write paths are serialized with keyed mutexes: per-job
// numbering, the per-agent assignment cap, and the per-pipeline lease
// guard.
type PipelineService struct {
	store         storage.Store
	jobLocks      *keyedMutex
	agentLocks    *keyedMutex
	pipelineLocks *keyedMutex
	maxAssigned   int
}

// NewPipelineService creates the service. maxAssigned caps how many
// pipelines one agent may hold in Assigned at once.
func NewPipelineService(store storage.Store, maxAssigned int) *PipelineService {
	if maxAssigned < 1 {
		maxAssigned = 1
	}
	return &PipelineService{
		store:         store,
		jobLocks:      newKeyedMutex(),
		agentLocks:    newKeyedMutex(),
		pipelineLocks: newKeyedMutex(),
		maxAssigned:   maxAssigned,
	}
}

// Create registers a new pipeline for a job. The job must exist and
// its template must validate; the pipeline number is one past the
// job's current pipeline count, serialized per job.
func (s *PipelineService) Create(ctx context.Context, jobID, branch string) (models.Pipeline, error) {
	job, found, err := storage.GetOne[models.Job](ctx, s.store, models.IndexJobs, storage.ByID(jobID))
	if err != nil {
		return models.Pipeline{}, err
	}
	if !found {
		return models.Pipeline{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if _, err := template.Parse(job.Template); err != nil {
		return models.Pipeline{}, NewValidationError("template", err.Error())
	}

	unlock := s.jobLocks.Lock(jobID)
	defer unlock()

	existing, err := s.store.GetAll(ctx, models.IndexPipelines,
		query.Filter{"job_id": {query.OpEquals: jobID}}, nil, false)
	if err != nil {
		return models.Pipeline{}, err
	}

	pipeline := models.Pipeline{
		Number:       int64(len(existing)) + 1,
		Branch:       branch,
		RegisterDate: models.NowRFC3339(),
		Status:       models.StatusDefined,
		StageStatus:  map[string]models.PipelineStatus{},
		JobID:        jobID,
	}
	id, err := s.store.Create(ctx, models.IndexPipelines, pipeline)
	if err != nil {
		return models.Pipeline{}, err
	}
	pipeline.ID = id

	telemetry.PipelinesRegistered.Inc()
	slog.Info("Pipeline registered", "pipeline_id", id, "job_id", jobID, "number", pipeline.Number)
	return pipeline, nil
}

// Assign leases a Defined pipeline to an agent. The pipeline lock
// serializes the lease guard against rival agents; the agent lock
// serializes the concurrency cap check. Lock order is pipeline then
// agent, everywhere.
func (s *PipelineService) Assign(ctx context.Context, pipelineID, agentID string) (models.Pipeline, error) {
	unlockPipeline := s.pipelineLocks.Lock(pipelineID)
	defer unlockPipeline()
	unlockAgent := s.agentLocks.Lock(agentID)
	defer unlockAgent()

	pipeline, err := s.get(ctx, pipelineID)
	if err != nil {
		return models.Pipeline{}, err
	}
	if pipeline.Status != models.StatusDefined || pipeline.AgentID != "" {
		return models.Pipeline{}, fmt.Errorf("pipeline %s: %w", pipelineID, ErrAlreadyAssigned)
	}

	assigned, err := s.store.GetAll(ctx, models.IndexPipelines, query.Filter{
		"status":   {query.OpEquals: string(models.StatusAssigned)},
		"agent_id": {query.OpEquals: agentID},
	}, nil, false)
	if err != nil {
		return models.Pipeline{}, err
	}
	if len(assigned)+1 > s.maxAssigned {
		return models.Pipeline{}, fmt.Errorf("agent %s: %w", agentID, ErrAgentSaturated)
	}

	pipeline.Status = models.StatusAssigned
	pipeline.AgentID = agentID
	return s.save(ctx, pipeline, models.StatusAssigned)
}

// SetRunning moves an Assigned pipeline to InProgress. Only the owning
// agent may transition it.
func (s *PipelineService) SetRunning(ctx context.Context, pipelineID, agentID string) (models.Pipeline, error) {
	pipeline, err := s.get(ctx, pipelineID)
	if err != nil {
		return models.Pipeline{}, err
	}
	if pipeline.Status != models.StatusAssigned || pipeline.AgentID != agentID {
		return models.Pipeline{}, fmt.Errorf("pipeline %s: %w", pipelineID, ErrCannotUpdate)
	}
	pipeline.Status = models.StatusInProgress
	pipeline.StartDate = models.NowRFC3339()
	return s.save(ctx, pipeline, models.StatusInProgress)
}

// Finalize terminates an InProgress pipeline with one of the terminal
// statuses. Only the owning agent may finalize.
func (s *PipelineService) Finalize(ctx context.Context, pipelineID, agentID string, status models.PipelineStatus) (models.Pipeline, error) {
	if !status.IsTerminal() {
		return models.Pipeline{}, fmt.Errorf("status %s is not terminal: %w", status, ErrInvalidInput)
	}
	pipeline, err := s.get(ctx, pipelineID)
	if err != nil {
		return models.Pipeline{}, err
	}
	if pipeline.Status != models.StatusInProgress || pipeline.AgentID != agentID {
		return models.Pipeline{}, fmt.Errorf("pipeline %s: %w", pipelineID, ErrCannotUpdate)
	}
	pipeline.Status = status
	pipeline.EndDate = models.NowRFC3339()
	return s.save(ctx, pipeline, status)
}

// Reset returns a leased, non-terminal pipeline to Defined, revoking
// the lease. The cleanup sweep calls it for orphaned pipelines.
func (s *PipelineService) Reset(ctx context.Context, pipelineID string) (models.Pipeline, error) {
	pipeline, err := s.get(ctx, pipelineID)
	if err != nil {
		return models.Pipeline{}, err
	}
	if pipeline.Status.IsTerminal() || pipeline.Status == models.StatusDefined {
		return models.Pipeline{}, fmt.Errorf("pipeline %s: %w", pipelineID, ErrCannotUpdate)
	}
	pipeline.Status = models.StatusDefined
	pipeline.AgentID = ""
	pipeline.StartDate = ""

	telemetry.PipelinesReset.Inc()
	return s.save(ctx, pipeline, models.StatusDefined)
}

// UpdateStage records a stage status. Free transition: the value is
// purely informational, only ownership is checked.
func (s *PipelineService) UpdateStage(ctx context.Context, pipelineID, agentID, stage string, status models.PipelineStatus) (models.Pipeline, error) {
	pipeline, err := s.get(ctx, pipelineID)
	if err != nil {
		return models.Pipeline{}, err
	}
	if pipeline.AgentID != agentID {
		return models.Pipeline{}, fmt.Errorf("pipeline %s: %w", pipelineID, ErrCannotUpdate)
	}
	if pipeline.StageStatus == nil {
		pipeline.StageStatus = map[string]models.PipelineStatus{}
	}
	pipeline.StageStatus[stage] = status
	_, err = s.store.Update(ctx, models.IndexPipelines, pipeline.ID, pipeline)
	return pipeline, err
}

// Get returns pipelines matching the filter.
func (s *PipelineService) Get(ctx context.Context, f query.Filter, o *query.Options, paged bool) ([]models.Pipeline, error) {
	return storage.GetAll[models.Pipeline](ctx, s.store, models.IndexPipelines, f, o, paged)
}

// GetOne returns the pipeline matching the filter iff exactly one does.
func (s *PipelineService) GetOne(ctx context.Context, f query.Filter) (models.Pipeline, bool, error) {
	return storage.GetOne[models.Pipeline](ctx, s.store, models.IndexPipelines, f)
}

// Logs returns the drained log record of a pipeline.
func (s *PipelineService) Logs(ctx context.Context, pipelineID string) (models.PipelineLogs, error) {
	logs, found, err := storage.GetOne[models.PipelineLogs](ctx, s.store, models.IndexPipelineLogs, storage.ByID(pipelineID))
	if err != nil {
		return models.PipelineLogs{}, err
	}
	if !found {
		return models.PipelineLogs{}, fmt.Errorf("logs for pipeline %s: %w", pipelineID, ErrNotFound)
	}
	return logs, nil
}

func (s *PipelineService) get(ctx context.Context, pipelineID string) (models.Pipeline, error) {
	pipeline, found, err := storage.GetOne[models.Pipeline](ctx, s.store, models.IndexPipelines, storage.ByID(pipelineID))
	if err != nil {
		return models.Pipeline{}, err
	}
	if !found {
		return models.Pipeline{}, fmt.Errorf("pipeline %s: %w", pipelineID, ErrNotFound)
	}
	return pipeline, nil
}

func (s *PipelineService) save(ctx context.Context, pipeline models.Pipeline, status models.PipelineStatus) (models.Pipeline, error) {
	if _, err := s.store.Update(ctx, models.IndexPipelines, pipeline.ID, pipeline); err != nil {
		return models.Pipeline{}, err
	}
	telemetry.PipelineTransitions.WithLabelValues(string(status)).Inc()
	slog.Info("Pipeline transitioned",
		"pipeline_id", pipeline.ID, "status", status, "agent_id", pipeline.AgentID)
	return pipeline, nil
}
