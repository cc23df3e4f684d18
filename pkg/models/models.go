// Package models defines the persistent entities shared by the server,
// the scheduler fleet, and agents, plus the storage index names they
// live under.
package models

import "time"

// Storage index names. Every entity collection is addressed by one of
// these through the storage port.
const (
	IndexUsers        = "users"
	IndexRoles        = "roles"
	IndexPermissions  = "permissions"
	IndexProjects     = "projects"
	IndexGroups       = "projectGroups"
	IndexJobs         = "jobs"
	IndexPipelines    = "pipelines"
	IndexAgents       = "agents"
	IndexPipelineLogs = "pipelineLogs"
)

// Virtual stage names used for the template-level before/after scripts.
// They appear in Pipeline.StageStatus and in streamed log lines next to
// the user-defined stages.
const (
	StageBefore = "rusty-before"
	StageAfter  = "rusty-after"
)

// User is an authenticatable principal. Password holds the bcrypt hash;
// the users service redacts it on reads.
type User struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Password string   `json:"password,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// Role groups users for permission assignment.
type Role struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Users       []string `json:"users,omitempty"`
}

// Permission grants a right on a resource to a user or a role.
// Item is "ALL" or "ID[<uuid>]".
type Permission struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id,omitempty"`
	RoleID   string `json:"role_id,omitempty"`
	Resource string `json:"resource"`
	Right    string `json:"right"`
	Item     string `json:"item"`
}

// Format renders the permission in the "RESOURCE:RIGHT" form the
// authorizer matches against.
func (p Permission) Format() string {
	return p.Resource + ":" + p.Right
}

// PermissionItemAll grants a right on every item of a resource.
const PermissionItemAll = "ALL"

// Project is a source repository pipelines run against.
type Project struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	URL        string `json:"url"`
	GroupID    string `json:"group_id,omitempty"`
	MainBranch string `json:"main_branch"`
}

// DefaultMainBranch is used when a project is registered without one.
const DefaultMainBranch = "master"

// Group is an organizational bucket for projects.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Job is a named pipeline template attached to a project. Template is
// base64url-encoded YAML (see pkg/template).
type Job struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Template    string `json:"template"`
	ProjectID   string `json:"project_id"`
}

// Pipeline is one execution instance of a job. Number is monotonic per
// job starting at 1. AgentID is set exactly while an agent holds the
// lease (status Assigned or InProgress).
type Pipeline struct {
	ID           string                    `json:"id"`
	Number       int64                     `json:"number"`
	Branch       string                    `json:"branch,omitempty"`
	RegisterDate string                    `json:"register_date"`
	StartDate    string                    `json:"start_date,omitempty"`
	EndDate      string                    `json:"end_date,omitempty"`
	Status       PipelineStatus            `json:"status"`
	StageStatus  map[string]PipelineStatus `json:"stage_status,omitempty"`
	JobID        string                    `json:"job_id"`
	AgentID      string                    `json:"agent_id,omitempty"`
}

// Agent is a registered worker. Expiry is a Unix second count; the TTL
// sweep deletes agents once it lapses.
type Agent struct {
	ID     string `json:"id"`
	Expiry int64  `json:"expiry"`
}

// PipelineLogs is the durable log record for one pipeline, keyed by the
// pipeline id. Entries are the raw queue messages in drain order.
type PipelineLogs struct {
	ID      string   `json:"id"`
	Entries []string `json:"entries"`
}

// LogLine is the JSON wire format of a single streamed log line.
type LogLine struct {
	Stage string `json:"stage"`
	Line  string `json:"line"`
}

// NowRFC3339 returns the current UTC time in the RFC3339 format all
// entity timestamps use.
func NowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
