package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/rustyops/rustyci/pkg/auth"
	"github.com/rustyops/rustyci/pkg/services"
)

// Request is the GraphQL-shaped request body. Arguments travel in
// Variables; the query string only names the operation.
type Request struct {
	Query     string          `json:"query"`
	Variables json.RawMessage `json:"variables"`
}

// Response is the GraphQL-shaped response envelope.
type Response struct {
	Data   map[string]any  `json:"data,omitempty"`
	Errors []ResponseError `json:"errors,omitempty"`
}

// ResponseError carries one wire error message.
type ResponseError struct {
	Message string `json:"message"`
}

// Adapter dispatches wire operations onto the service layer.
type Adapter struct {
	authorizer *auth.Authorizer
	users      *services.UserService
	projects   *services.ProjectService
	groups     *services.GroupService
	jobs       *services.JobService
	pipelines  *services.PipelineService
	agents     *services.AgentService
}

// NewAdapter creates the adapter.
func NewAdapter(authorizer *auth.Authorizer, users *services.UserService, projects *services.ProjectService, groups *services.GroupService, jobs *services.JobService, pipelines *services.PipelineService, agents *services.AgentService) *Adapter {
	return &Adapter{
		authorizer: authorizer,
		users:      users,
		projects:   projects,
		groups:     groups,
		jobs:       jobs,
		pipelines:  pipelines,
		agents:     agents,
	}
}

// Handle serves POST /graphql. Service and auth failures travel as
// wire error messages with HTTP 200; only an undecodable body is 400.
func (a *Adapter) Handle(c *echo.Context) error {
	var req Request
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse("malformed request body"))
	}

	opType, group, field, err := parseOperation(req.Query)
	if err != nil {
		return c.JSON(http.StatusOK, errorResponse(err.Error()))
	}

	ctx := c.Request().Context()
	if !auth.IsPublic(opType, group, field) {
		cred := auth.ParseHeader(c.Request().Header.Get("Authorization"))
		if cred.Kind == auth.KindNone {
			return c.JSON(http.StatusOK, errorResponse(wireMessage(auth.ErrCredentialMissing)))
		}
		username, err := a.authorizer.Authenticate(ctx, cred)
		if err != nil {
			return c.JSON(http.StatusOK, errorResponse(wireMessage(err)))
		}
		required := resourceFor(group) + ":" + rightFor(field)
		if err := a.authorizer.Authorize(ctx, cred, username, required); err != nil {
			return c.JSON(http.StatusOK, errorResponse(wireMessage(err)))
		}
	}

	result, err := a.dispatch(ctx, group, field, req.Variables)
	if err != nil {
		return c.JSON(http.StatusOK, errorResponse(wireMessage(err)))
	}
	return c.JSON(http.StatusOK, Response{Data: map[string]any{field: result}})
}

func errorResponse(messages ...string) Response {
	resp := Response{}
	for _, msg := range messages {
		resp.Errors = append(resp.Errors, ResponseError{Message: msg})
	}
	return resp
}

// parseOperation extracts "<optype> <group> <field>" from the query
// string. Parenthesized argument lists are skipped; selection sets and
// punctuation are ignored. Implementing a query language is out of
// scope: arguments travel in variables.
func parseOperation(query string) (opType, group, field string, err error) {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return "", "", "", fmt.Errorf("empty query")
	}

	opType = "query"
	switch tokens[0] {
	case "query", "mutation", "subscription":
		opType = tokens[0]
		tokens = tokens[1:]
	}
	if len(tokens) < 2 {
		return "", "", "", fmt.Errorf("malformed query: want <group> { <field> }")
	}
	return opType, tokens[0], tokens[1], nil
}

// tokenize splits the query into identifier tokens, skipping anything
// inside parentheses.
func tokenize(query string) []string {
	var tokens []string
	var cur strings.Builder
	depth := 0

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	for _, r := range query {
		switch {
		case r == '(':
			flush()
			depth++
		case r == ')':
			if depth > 0 {
				depth--
			}
		case depth > 0:
			// Inside an argument list.
		case isIdentRune(r):
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

func isIdentRune(r rune) bool {
	return r == '_' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// resourceFor maps a wire group to its permission resource.
func resourceFor(group string) string {
	return strings.ToUpper(group)
}

// rightFor maps a wire field to its permission right.
func rightFor(field string) string {
	switch field {
	case "get", "logs":
		return "GET"
	case "register", "login":
		return "REGISTER"
	case "delete", "unregister":
		return "DELETE"
	default:
		// assign, setRunning, finalize, updateStage, reset, update,
		// healthcheck.
		return "UPDATE"
	}
}
