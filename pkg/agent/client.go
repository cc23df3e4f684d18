// Package agent implements the pipeline execution agent: the server
// client, the supervised runtime loops, and the stage executor.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rustyops/rustyci/pkg/auth"
	"github.com/rustyops/rustyci/pkg/models"
	"github.com/rustyops/rustyci/pkg/query"
)

// RequestError is a client-side HTTP failure: transport errors and
// non-200 statuses.
type RequestError struct {
	Operation string
	Status    int
	Err       error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request %s: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("request %s: status %d", e.Operation, e.Status)
}

func (e *RequestError) Unwrap() error { return e.Err }

// graphqlRequest and graphqlResponse mirror the server's wire envelope.
type graphqlRequest struct {
	Query     string `json:"query"`
	Variables any    `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// tokenCell holds the current JWT behind a mutex. The renewal loop
// writes it; every request reads it.
type tokenCell struct {
	mu    sync.Mutex
	token string
}

func (t *tokenCell) set(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

func (t *tokenCell) get() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

// Client talks to the server's dispatch endpoint. Requests carry the
// bearer token when one is held, falling back to basic credentials.
type Client struct {
	baseURL  string
	username string
	password string
	token    tokenCell
	http     *http.Client
}

// NewClient creates the client.
func NewClient(baseURL, username, password string) *Client {
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// AuthHeader returns the Authorization header value for the current
// credential state. Used both for HTTP calls and the WS handshake.
func (c *Client) AuthHeader() string {
	if token := c.token.get(); token != "" {
		return "Bearer " + token
	}
	return auth.BasicHeader(c.username, c.password)
}

// Login mints a fresh JWT with the basic credentials and stores it.
func (c *Client) Login(ctx context.Context) error {
	var result struct {
		Token string `json:"token"`
	}
	err := c.call(ctx, "mutation { auth { login } }", "login",
		map[string]string{"username": c.username, "password": c.password}, &result)
	if err != nil {
		return err
	}
	c.token.set(result.Token)
	return nil
}

// RegisterAgent registers this agent and returns its identity.
func (c *Client) RegisterAgent(ctx context.Context) (models.Agent, error) {
	var agent models.Agent
	err := c.call(ctx, "mutation { agents { register } }", "register", nil, &agent)
	return agent, err
}

// Healthcheck refreshes the agent's expiry.
func (c *Client) Healthcheck(ctx context.Context, agentID string) error {
	var agent models.Agent
	return c.call(ctx, "mutation { agents { healthcheck } }", "healthcheck",
		map[string]string{"id": agentID}, &agent)
}

// UnregisterAgent removes the agent registration.
func (c *Client) UnregisterAgent(ctx context.Context, agentID string) error {
	var result struct{}
	return c.call(ctx, "mutation { agents { unregister } }", "unregister",
		map[string]string{"id": agentID}, &result)
}

// GetPipelines fetches pipelines matching the filter.
func (c *Client) GetPipelines(ctx context.Context, filter query.Filter, options *query.Options, paged bool) ([]models.Pipeline, error) {
	var pipelines []models.Pipeline
	err := c.call(ctx, "query { pipelines { get } }", "get", map[string]any{
		"filter":  filter,
		"options": options,
		"paged":   paged,
	}, &pipelines)
	return pipelines, err
}

// Assign tries to lease a pipeline for this agent.
func (c *Client) Assign(ctx context.Context, pipelineID, agentID string) (models.Pipeline, error) {
	var pipeline models.Pipeline
	err := c.call(ctx, "mutation { pipelines { assign } }", "assign",
		map[string]string{"id": pipelineID, "agent_id": agentID}, &pipeline)
	return pipeline, err
}

// SetRunning transitions an assigned pipeline to InProgress.
func (c *Client) SetRunning(ctx context.Context, pipelineID, agentID string) (models.Pipeline, error) {
	var pipeline models.Pipeline
	err := c.call(ctx, "mutation { pipelines { setRunning } }", "setRunning",
		map[string]string{"id": pipelineID, "agent_id": agentID}, &pipeline)
	return pipeline, err
}

// Finalize terminates a pipeline.
func (c *Client) Finalize(ctx context.Context, pipelineID, agentID string, status models.PipelineStatus) error {
	var pipeline models.Pipeline
	return c.call(ctx, "mutation { pipelines { finalize } }", "finalize",
		map[string]string{"id": pipelineID, "agent_id": agentID, "status": string(status)}, &pipeline)
}

// UpdateStage records a stage status.
func (c *Client) UpdateStage(ctx context.Context, pipelineID, agentID, stage string, status models.PipelineStatus) error {
	var pipeline models.Pipeline
	return c.call(ctx, "mutation { pipelines { updateStage } }", "updateStage", map[string]string{
		"id": pipelineID, "agent_id": agentID, "stage": stage, "status": string(status),
	}, &pipeline)
}

// GetJob fetches one job by id.
func (c *Client) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	var jobs []models.Job
	err := c.call(ctx, "query { jobs { get } }", "get", map[string]any{
		"filter": query.Filter{"id": {query.OpEquals: jobID}},
	}, &jobs)
	if err != nil {
		return models.Job{}, err
	}
	if len(jobs) != 1 {
		return models.Job{}, fmt.Errorf("job %s not found", jobID)
	}
	return jobs[0], nil
}

// GetProject fetches one project by id.
func (c *Client) GetProject(ctx context.Context, projectID string) (models.Project, error) {
	var projects []models.Project
	err := c.call(ctx, "query { projects { get } }", "get", map[string]any{
		"filter": query.Filter{"id": {query.OpEquals: projectID}},
	}, &projects)
	if err != nil {
		return models.Project{}, err
	}
	if len(projects) != 1 {
		return models.Project{}, fmt.Errorf("project %s not found", projectID)
	}
	return projects[0], nil
}

// call posts one operation and decodes the named data field into out.
func (c *Client) call(ctx context.Context, queryStr, field string, variables, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: queryStr, Variables: variables})
	if err != nil {
		return &RequestError{Operation: field, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/graphql", bytes.NewReader(body))
	if err != nil {
		return &RequestError{Operation: field, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.AuthHeader())

	resp, err := c.http.Do(req)
	if err != nil {
		return &RequestError{Operation: field, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &RequestError{Operation: field, Status: resp.StatusCode}
	}

	var envelope graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return &RequestError{Operation: field, Err: err}
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("%s: %s", field, envelope.Errors[0].Message)
	}

	raw, ok := envelope.Data[field]
	if !ok {
		return &RequestError{Operation: field, Err: fmt.Errorf("missing data field %q", field)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &RequestError{Operation: field, Err: err}
	}
	return nil
}
