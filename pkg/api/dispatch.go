package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rustyops/rustyci/pkg/models"
	"github.com/rustyops/rustyci/pkg/query"
	"github.com/rustyops/rustyci/pkg/services"
)

// Argument shapes decoded from request variables.
type (
	listArgs struct {
		Filter  query.Filter   `json:"filter"`
		Options *query.Options `json:"options"`
		Paged   bool           `json:"paged"`
	}
	idArgs struct {
		ID string `json:"id"`
	}
	credentialsArgs struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	nameArgs struct {
		Name string `json:"name"`
	}
	projectArgs struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		URL        string `json:"url"`
		GroupID    string `json:"group_id"`
		MainBranch string `json:"main_branch"`
	}
	jobArgs struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Template    string `json:"template"`
		ProjectID   string `json:"project_id"`
	}
	pipelineRegisterArgs struct {
		JobID  string `json:"job_id"`
		Branch string `json:"branch"`
	}
	pipelineLeaseArgs struct {
		ID      string `json:"id"`
		AgentID string `json:"agent_id"`
	}
	pipelineFinalizeArgs struct {
		ID      string `json:"id"`
		AgentID string `json:"agent_id"`
		Status  string `json:"status"`
	}
	pipelineStageArgs struct {
		ID      string `json:"id"`
		AgentID string `json:"agent_id"`
		Stage   string `json:"stage"`
		Status  string `json:"status"`
	}
	loginResult struct {
		Token string `json:"token"`
	}
	deleteResult struct {
		ID string `json:"id"`
	}
)

func decodeVars[T any](vars json.RawMessage) (T, error) {
	var args T
	if len(vars) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(vars, &args); err != nil {
		return args, fmt.Errorf("malformed variables: %w", err)
	}
	return args, nil
}

// dispatch routes one wire operation to its service call.
func (a *Adapter) dispatch(ctx context.Context, group, field string, vars json.RawMessage) (any, error) {
	switch group {
	case "auth":
		return a.dispatchAuth(ctx, field, vars)
	case "users":
		return a.dispatchUsers(ctx, field, vars)
	case "projects":
		return a.dispatchProjects(ctx, field, vars)
	case "project_groups":
		return a.dispatchGroups(ctx, field, vars)
	case "jobs":
		return a.dispatchJobs(ctx, field, vars)
	case "pipelines":
		return a.dispatchPipelines(ctx, field, vars)
	case "agents":
		return a.dispatchAgents(ctx, field, vars)
	default:
		return nil, fmt.Errorf("unknown group %q", group)
	}
}

func (a *Adapter) dispatchAuth(ctx context.Context, field string, vars json.RawMessage) (any, error) {
	switch field {
	case "login":
		args, err := decodeVars[credentialsArgs](vars)
		if err != nil {
			return nil, err
		}
		token, err := a.authorizer.Login(ctx, args.Username, args.Password)
		if err != nil {
			return nil, err
		}
		return loginResult{Token: token}, nil
	default:
		return nil, unknownField("auth", field)
	}
}

func (a *Adapter) dispatchUsers(ctx context.Context, field string, vars json.RawMessage) (any, error) {
	switch field {
	case "register":
		args, err := decodeVars[credentialsArgs](vars)
		if err != nil {
			return nil, err
		}
		return a.users.Register(ctx, args.Username, args.Password)
	case "get":
		args, err := decodeVars[listArgs](vars)
		if err != nil {
			return nil, err
		}
		return a.users.List(ctx, args.Filter, args.Options, args.Paged)
	case "delete":
		args, err := decodeVars[idArgs](vars)
		if err != nil {
			return nil, err
		}
		return deleteResult{ID: args.ID}, a.users.Delete(ctx, args.ID)
	default:
		return nil, unknownField("users", field)
	}
}

func (a *Adapter) dispatchProjects(ctx context.Context, field string, vars json.RawMessage) (any, error) {
	switch field {
	case "register", "update":
		args, err := decodeVars[projectArgs](vars)
		if err != nil {
			return nil, err
		}
		project := models.Project{
			Name:       args.Name,
			URL:        args.URL,
			GroupID:    args.GroupID,
			MainBranch: args.MainBranch,
		}
		if field == "update" {
			return a.projects.Update(ctx, args.ID, project)
		}
		return a.projects.Register(ctx, project)
	case "get":
		args, err := decodeVars[listArgs](vars)
		if err != nil {
			return nil, err
		}
		return a.projects.List(ctx, args.Filter, args.Options, args.Paged)
	case "delete":
		args, err := decodeVars[idArgs](vars)
		if err != nil {
			return nil, err
		}
		return deleteResult{ID: args.ID}, a.projects.Delete(ctx, args.ID)
	default:
		return nil, unknownField("projects", field)
	}
}

func (a *Adapter) dispatchGroups(ctx context.Context, field string, vars json.RawMessage) (any, error) {
	switch field {
	case "register":
		args, err := decodeVars[nameArgs](vars)
		if err != nil {
			return nil, err
		}
		return a.groups.Register(ctx, args.Name)
	case "get":
		args, err := decodeVars[listArgs](vars)
		if err != nil {
			return nil, err
		}
		return a.groups.List(ctx, args.Filter, args.Options, args.Paged)
	case "delete":
		args, err := decodeVars[idArgs](vars)
		if err != nil {
			return nil, err
		}
		return deleteResult{ID: args.ID}, a.groups.Delete(ctx, args.ID)
	default:
		return nil, unknownField("project_groups", field)
	}
}

func (a *Adapter) dispatchJobs(ctx context.Context, field string, vars json.RawMessage) (any, error) {
	switch field {
	case "register", "update":
		args, err := decodeVars[jobArgs](vars)
		if err != nil {
			return nil, err
		}
		job := models.Job{
			Name:        args.Name,
			Description: args.Description,
			Template:    args.Template,
			ProjectID:   args.ProjectID,
		}
		if field == "update" {
			return a.jobs.Update(ctx, args.ID, job)
		}
		return a.jobs.Register(ctx, job)
	case "get":
		args, err := decodeVars[listArgs](vars)
		if err != nil {
			return nil, err
		}
		return a.jobs.List(ctx, args.Filter, args.Options, args.Paged)
	case "delete":
		args, err := decodeVars[idArgs](vars)
		if err != nil {
			return nil, err
		}
		return deleteResult{ID: args.ID}, a.jobs.Delete(ctx, args.ID)
	default:
		return nil, unknownField("jobs", field)
	}
}

func (a *Adapter) dispatchPipelines(ctx context.Context, field string, vars json.RawMessage) (any, error) {
	switch field {
	case "register":
		args, err := decodeVars[pipelineRegisterArgs](vars)
		if err != nil {
			return nil, err
		}
		return a.pipelines.Create(ctx, args.JobID, args.Branch)
	case "get":
		args, err := decodeVars[listArgs](vars)
		if err != nil {
			return nil, err
		}
		return a.pipelines.Get(ctx, args.Filter, args.Options, args.Paged)
	case "assign":
		args, err := decodeVars[pipelineLeaseArgs](vars)
		if err != nil {
			return nil, err
		}
		pipeline, err := a.pipelines.Assign(ctx, args.ID, args.AgentID)
		return pipeline, pipelineWireError(err, args.ID)
	case "setRunning":
		args, err := decodeVars[pipelineLeaseArgs](vars)
		if err != nil {
			return nil, err
		}
		pipeline, err := a.pipelines.SetRunning(ctx, args.ID, args.AgentID)
		return pipeline, pipelineWireError(err, args.ID)
	case "finalize":
		args, err := decodeVars[pipelineFinalizeArgs](vars)
		if err != nil {
			return nil, err
		}
		status, err := models.ParsePipelineStatus(args.Status)
		if err != nil {
			return nil, err
		}
		pipeline, err := a.pipelines.Finalize(ctx, args.ID, args.AgentID, status)
		return pipeline, pipelineWireError(err, args.ID)
	case "updateStage":
		args, err := decodeVars[pipelineStageArgs](vars)
		if err != nil {
			return nil, err
		}
		status, err := models.ParsePipelineStatus(args.Status)
		if err != nil {
			return nil, err
		}
		pipeline, err := a.pipelines.UpdateStage(ctx, args.ID, args.AgentID, args.Stage, status)
		return pipeline, pipelineWireError(err, args.ID)
	case "reset":
		args, err := decodeVars[idArgs](vars)
		if err != nil {
			return nil, err
		}
		pipeline, err := a.pipelines.Reset(ctx, args.ID)
		return pipeline, pipelineWireError(err, args.ID)
	case "logs":
		args, err := decodeVars[idArgs](vars)
		if err != nil {
			return nil, err
		}
		return a.pipelines.Logs(ctx, args.ID)
	default:
		return nil, unknownField("pipelines", field)
	}
}

func (a *Adapter) dispatchAgents(ctx context.Context, field string, vars json.RawMessage) (any, error) {
	switch field {
	case "register":
		return a.agents.Register(ctx)
	case "get":
		return a.agents.List(ctx)
	case "healthcheck":
		args, err := decodeVars[idArgs](vars)
		if err != nil {
			return nil, err
		}
		return a.agents.Healthcheck(ctx, args.ID)
	case "unregister":
		args, err := decodeVars[idArgs](vars)
		if err != nil {
			return nil, err
		}
		return deleteResult{ID: args.ID}, a.agents.Unregister(ctx, args.ID)
	default:
		return nil, unknownField("agents", field)
	}
}

func unknownField(group, field string) error {
	return fmt.Errorf("unknown field %q in group %q", field, group)
}

// pipelineWireError rewrites lease-conflict errors into their exact
// wire messages.
func pipelineWireError(err error, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, services.ErrAlreadyAssigned):
		return fmt.Errorf("pipeline %s already assigned", id)
	case errors.Is(err, services.ErrCannotUpdate):
		return fmt.Errorf("pipeline %s cannot update", id)
	default:
		return err
	}
}
