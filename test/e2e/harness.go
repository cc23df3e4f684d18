// Package e2e boots a complete RustyCI server on the in-memory
// backends and exercises it over the real HTTP and WebSocket surface.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rustyops/rustyci/pkg/api"
	"github.com/rustyops/rustyci/pkg/auth"
	"github.com/rustyops/rustyci/pkg/events"
	"github.com/rustyops/rustyci/pkg/messaging"
	"github.com/rustyops/rustyci/pkg/messaging/membroker"
	"github.com/rustyops/rustyci/pkg/models"
	"github.com/rustyops/rustyci/pkg/scheduler"
	"github.com/rustyops/rustyci/pkg/services"
	"github.com/rustyops/rustyci/pkg/storage/memstore"
	"github.com/rustyops/rustyci/pkg/template"
)

// Credentials every TestApp seeds.
const (
	AdminUser     = "admin"
	AdminPassword = "admin-pw"
	AgentUser     = "ci-agent"
	AgentPassword = "agent-pw"
)

// TestApp is a full server instance listening on an ephemeral port.
type TestApp struct {
	Store  *memstore.Store
	Broker messaging.Broker
	Bus    *messaging.Bus

	Pipelines *services.PipelineService
	Agents    *services.AgentService

	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/ws"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	agentTTL        time.Duration
	agentsMax       int
	maxAssignedJobs int
	sweepInterval   time.Duration
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithAgentTTL sets the agent registration lifetime.
func WithAgentTTL(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.agentTTL = d }
}

// WithMaxAssignedJobs caps concurrent leases per agent.
func WithMaxAssignedJobs(n int) TestAppOption {
	return func(c *testAppConfig) { c.maxAssignedJobs = n }
}

// WithSweepInterval sets the agent and pipeline sweep cadence.
func WithSweepInterval(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.sweepInterval = d }
}

// NewTestApp creates and starts a full RustyCI test instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{
		agentTTL:        time.Hour,
		agentsMax:       24,
		maxAssignedJobs: 1,
		sweepInterval:   25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(tc)
	}

	ctx := context.Background()

	// 1. In-memory backends. The memstore publishes change events on
	// the bus directly, so no notify listener is needed.
	bus := messaging.NewBus()
	store := memstore.New(bus)
	broker := membroker.New()

	// 2. Domain services and the seeded principals.
	users := services.NewUserService(store)
	roles := services.NewRoleService(store)
	perms := services.NewPermissionService(store)
	projects := services.NewProjectService(store)
	groups := services.NewGroupService(store)
	jobs := services.NewJobService(store)
	pipelines := services.NewPipelineService(store, tc.maxAssignedJobs)
	agents := services.NewAgentService(store, tc.agentTTL, tc.agentsMax)
	authorizer := auth.NewAuthorizer(store, time.Hour)

	require.NoError(t, services.Bootstrap(ctx, users, roles, perms, AgentUser, AgentPassword))
	seedAdmin(t, users, perms)

	// 3. Subscription manager and scheduler fleet.
	connManager := events.NewConnectionManager(authorizer, bus, 5*time.Second)
	connManager.Start(ctx)

	fleet := scheduler.NewFleet(scheduler.Config{
		AgentSweepInterval:    tc.sweepInterval,
		PipelineSweepInterval: tc.sweepInterval,
		LogScanInterval:       tc.sweepInterval,
	}, agents, pipelines, store, broker, bus)
	fleet.Start(ctx)

	// 4. HTTP server on a random port.
	adapter := api.NewAdapter(authorizer, users, projects, groups, jobs, pipelines, agents)
	server := api.NewServer("127.0.0.1:0", adapter, connManager, "http://localhost:8080")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.StartWithListener(ln)
	}()

	addr := ln.Addr().String()
	app := &TestApp{
		Store:     store,
		Broker:    broker,
		Bus:       bus,
		Pipelines: pipelines,
		Agents:    agents,
		BaseURL:   fmt.Sprintf("http://%s", addr),
		WSURL:     fmt.Sprintf("ws://%s/ws", addr),
		t:         t,
	}

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		fleet.Stop()
		connManager.Stop()
		_ = broker.Close()
	})

	return app
}

// seedAdmin registers a user holding every right the scenarios need.
func seedAdmin(t *testing.T, users *services.UserService, perms *services.PermissionService) {
	t.Helper()
	ctx := context.Background()

	user, err := users.Register(ctx, AdminUser, AdminPassword)
	require.NoError(t, err)
	for _, resource := range []string{"USERS", "PROJECTS", "PROJECT_GROUPS", "JOBS", "PIPELINES", "AGENTS"} {
		for _, right := range []string{"GET", "REGISTER", "UPDATE", "DELETE"} {
			_, err := perms.Create(ctx, models.Permission{
				UserID: user.ID, Resource: resource, Right: right, Item: models.PermissionItemAll,
			})
			require.NoError(t, err)
		}
	}
}

// AdminHeader returns the admin's Authorization header value.
func (app *TestApp) AdminHeader() string {
	return auth.BasicHeader(AdminUser, AdminPassword)
}

// AgentHeader returns the agent principal's Authorization header value.
func (app *TestApp) AgentHeader() string {
	return auth.BasicHeader(AgentUser, AgentPassword)
}

// Call posts one dispatch operation over real HTTP and decodes the
// response envelope.
func (app *TestApp) Call(t *testing.T, authHeader, query string, variables any) api.Response {
	t.Helper()

	body, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, app.BaseURL+"/graphql", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope api.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope
}

// MustCall is Call asserting the operation succeeded.
func (app *TestApp) MustCall(t *testing.T, authHeader, query string, variables any) api.Response {
	t.Helper()
	resp := app.Call(t, authHeader, query, variables)
	require.Empty(t, resp.Errors, "operation failed: %v", resp.Errors)
	return resp
}

// Decode unmarshals the named data field into out.
func Decode(t *testing.T, resp api.Response, field string, out any) {
	t.Helper()
	raw, err := json.Marshal(resp.Data[field])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

// FieldID extracts the id of the entity under the named data field.
func FieldID(t *testing.T, resp api.Response, field string) string {
	t.Helper()
	var entity struct {
		ID string `json:"id"`
	}
	Decode(t, resp, field, &entity)
	require.NotEmpty(t, entity.ID)
	return entity.ID
}

// SeedJob registers a project and a job over the API and returns the
// job id. The template is raw YAML; encoding happens here.
func (app *TestApp) SeedJob(t *testing.T, name, yaml string) string {
	t.Helper()

	resp := app.MustCall(t, app.AdminHeader(), `mutation { projects { register } }`,
		map[string]string{"name": name, "url": "http://git.example/" + name})
	projectID := FieldID(t, resp, "register")

	resp = app.MustCall(t, app.AdminHeader(), `mutation { jobs { register } }`, map[string]string{
		"name":       name,
		"template":   template.Encode(yaml),
		"project_id": projectID,
	})
	return FieldID(t, resp, "register")
}

// RegisterPipeline registers a pipeline for the job and returns it.
func (app *TestApp) RegisterPipeline(t *testing.T, jobID string) models.Pipeline {
	t.Helper()
	resp := app.MustCall(t, app.AdminHeader(), `mutation { pipelines { register } }`,
		map[string]string{"job_id": jobID})
	var pipeline models.Pipeline
	Decode(t, resp, "register", &pipeline)
	return pipeline
}

// GetPipeline fetches one pipeline by id over the API.
func (app *TestApp) GetPipeline(t *testing.T, id string) models.Pipeline {
	t.Helper()
	resp := app.MustCall(t, app.AdminHeader(), `{ pipelines { get } }`,
		map[string]any{"filter": map[string]any{"id": map[string]any{"equals": id}}})
	var pipelines []models.Pipeline
	Decode(t, resp, "get", &pipelines)
	require.Len(t, pipelines, 1)
	return pipelines[0]
}
