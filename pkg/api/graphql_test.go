package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyops/rustyci/pkg/auth"
	"github.com/rustyops/rustyci/pkg/models"
	"github.com/rustyops/rustyci/pkg/services"
	"github.com/rustyops/rustyci/pkg/storage/memstore"
	"github.com/rustyops/rustyci/pkg/template"
)

func TestParseOperation(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		opType  string
		group   string
		field   string
		wantErr bool
	}{
		{
			name:   "mutation",
			query:  `mutation { users { register } }`,
			opType: "mutation", group: "users", field: "register",
		},
		{
			name:   "default optype is query",
			query:  `{ pipelines { get } }`,
			opType: "query", group: "pipelines", field: "get",
		},
		{
			name:   "explicit query",
			query:  `query { agents { get } }`,
			opType: "query", group: "agents", field: "get",
		},
		{
			name:   "inline arguments are skipped",
			query:  `mutation { pipelines { assign(id: "x", agent_id: "y") { id status } } }`,
			opType: "mutation", group: "pipelines", field: "assign",
		},
		{
			name:   "subscription",
			query:  `subscription { pipelines { pipelineInserted } }`,
			opType: "subscription", group: "pipelines", field: "pipelineInserted",
		},
		{name: "empty", query: "", wantErr: true},
		{name: "group only", query: `mutation { users }`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opType, group, field, err := parseOperation(tt.query)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.opType, opType)
			assert.Equal(t, tt.group, group)
			assert.Equal(t, tt.field, field)
		})
	}
}

func TestRightFor(t *testing.T) {
	assert.Equal(t, "GET", rightFor("get"))
	assert.Equal(t, "GET", rightFor("logs"))
	assert.Equal(t, "REGISTER", rightFor("register"))
	assert.Equal(t, "DELETE", rightFor("unregister"))
	assert.Equal(t, "UPDATE", rightFor("setRunning"))
	assert.Equal(t, "PROJECT_GROUPS", resourceFor("project_groups"))
}

type testAPI struct {
	echo  *echo.Echo
	store *memstore.Store
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := memstore.New(nil)
	users := services.NewUserService(store)
	adapter := NewAdapter(
		auth.NewAuthorizer(store, time.Hour),
		users,
		services.NewProjectService(store),
		services.NewGroupService(store),
		services.NewJobService(store),
		services.NewPipelineService(store, 1),
		services.NewAgentService(store, time.Hour, 24),
	)

	e := echo.New()
	e.POST("/graphql", adapter.Handle)
	return &testAPI{echo: e, store: store}
}

// call posts one operation and decodes the response envelope.
func (ta *testAPI) call(t *testing.T, authHeader, query string, variables any) (int, Response) {
	t.Helper()
	body, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	ta.echo.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

// seedAdmin registers a user with every right the tests exercise.
func (ta *testAPI) seedAdmin(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	users := services.NewUserService(ta.store)
	perms := services.NewPermissionService(ta.store)

	user, err := users.Register(ctx, "admin", "pw")
	require.NoError(t, err)
	for _, resource := range []string{"USERS", "PROJECTS", "PROJECT_GROUPS", "JOBS", "PIPELINES", "AGENTS"} {
		for _, right := range []string{"GET", "REGISTER", "UPDATE", "DELETE"} {
			_, err := perms.Create(ctx, models.Permission{
				UserID: user.ID, Resource: resource, Right: right,
			})
			require.NoError(t, err)
		}
	}
	return auth.BasicHeader("admin", "pw")
}

func TestHandleRejectsMalformedBody(t *testing.T) {
	ta := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	ta.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthGate(t *testing.T) {
	ta := newTestAPI(t)

	// Protected operation without a credential.
	code, resp := ta.call(t, "", `{ pipelines { get } }`, nil)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "CredentialMissing", resp.Errors[0].Message)

	// Wrong password.
	code, resp = ta.call(t, auth.BasicHeader("ghost", "nope"), `{ pipelines { get } }`, nil)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "UnauthenticatedError", resp.Errors[0].Message)

	// Authenticated but no permissions.
	_, err := services.NewUserService(ta.store).Register(context.Background(), "nobody", "pw")
	require.NoError(t, err)
	code, resp = ta.call(t, auth.BasicHeader("nobody", "pw"), `{ pipelines { get } }`, nil)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "UnauthorizedError", resp.Errors[0].Message)
}

func TestPublicOperations(t *testing.T) {
	ta := newTestAPI(t)

	// users.register needs no credential.
	code, resp := ta.call(t, "", `mutation { users { register } }`,
		map[string]string{"username": "alice", "password": "pw"})
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, resp.Errors)
	require.Contains(t, resp.Data, "register")

	// auth.login mints a token for the registered user.
	code, resp = ta.call(t, "", `mutation { auth { login } }`,
		map[string]string{"username": "alice", "password": "pw"})
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, resp.Errors)
	login, err := json.Marshal(resp.Data["login"])
	require.NoError(t, err)
	var result loginResult
	require.NoError(t, json.Unmarshal(login, &result))
	assert.NotEmpty(t, result.Token)

	// Bad login stays opaque.
	code, resp = ta.call(t, "", `mutation { auth { login } }`,
		map[string]string{"username": "alice", "password": "wrong"})
	require.Equal(t, http.StatusOK, code)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "UnauthenticatedError", resp.Errors[0].Message)
}

func TestPipelineDispatchFlow(t *testing.T) {
	ta := newTestAPI(t)
	header := ta.seedAdmin(t)

	_, resp := ta.call(t, header, `mutation { projects { register } }`,
		map[string]string{"name": "p", "url": "http://p.example"})
	require.Empty(t, resp.Errors)
	projectID := fieldID(t, resp, "register")

	_, resp = ta.call(t, header, `mutation { jobs { register } }`, map[string]string{
		"name":       "build",
		"template":   template.Encode("stages:\n  t:\n    script:\n      - echo hi\n"),
		"project_id": projectID,
	})
	require.Empty(t, resp.Errors)
	jobID := fieldID(t, resp, "register")

	_, resp = ta.call(t, header, `mutation { pipelines { register } }`,
		map[string]string{"job_id": jobID})
	require.Empty(t, resp.Errors)
	pipelineID := fieldID(t, resp, "register")

	_, resp = ta.call(t, header, `mutation { pipelines { assign } }`,
		map[string]string{"id": pipelineID, "agent_id": "agent-1"})
	require.Empty(t, resp.Errors)

	// A second assign reports the exact wire message.
	_, resp = ta.call(t, header, `mutation { pipelines { assign } }`,
		map[string]string{"id": pipelineID, "agent_id": "agent-2"})
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, fmt.Sprintf("pipeline %s already assigned", pipelineID), resp.Errors[0].Message)

	// Wrong agent cannot transition.
	_, resp = ta.call(t, header, `mutation { pipelines { setRunning } }`,
		map[string]string{"id": pipelineID, "agent_id": "agent-2"})
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, fmt.Sprintf("pipeline %s cannot update", pipelineID), resp.Errors[0].Message)

	_, resp = ta.call(t, header, `mutation { pipelines { setRunning } }`,
		map[string]string{"id": pipelineID, "agent_id": "agent-1"})
	require.Empty(t, resp.Errors)

	_, resp = ta.call(t, header, `mutation { pipelines { finalize } }`,
		map[string]string{"id": pipelineID, "agent_id": "agent-1", "status": "Success"})
	require.Empty(t, resp.Errors)

	_, resp = ta.call(t, header, `{ pipelines { get } }`,
		map[string]any{"filter": map[string]any{"id": map[string]any{"equals": pipelineID}}})
	require.Empty(t, resp.Errors)
	listed, err := json.Marshal(resp.Data["get"])
	require.NoError(t, err)
	var pipelines []models.Pipeline
	require.NoError(t, json.Unmarshal(listed, &pipelines))
	require.Len(t, pipelines, 1)
	assert.Equal(t, models.StatusSuccess, pipelines[0].Status)
}

func TestMalformedTemplateRejectedOnWire(t *testing.T) {
	ta := newTestAPI(t)
	header := ta.seedAdmin(t)

	_, resp := ta.call(t, header, `mutation { projects { register } }`,
		map[string]string{"name": "p", "url": "http://p.example"})
	require.Empty(t, resp.Errors)
	projectID := fieldID(t, resp, "register")

	_, resp = ta.call(t, header, `mutation { jobs { register } }`, map[string]string{
		"name":       "bad",
		"template":   template.Encode("stages: {}\n"),
		"project_id": projectID,
	})
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0].Message, "stages cannot be empty")
}

// fieldID extracts the id of the entity under the named data field.
func fieldID(t *testing.T, resp Response, field string) string {
	t.Helper()
	raw, err := json.Marshal(resp.Data[field])
	require.NoError(t, err)
	var entity struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(raw, &entity))
	require.NotEmpty(t, entity.ID)
	return entity.ID
}
