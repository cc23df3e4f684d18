package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rustyops/rustyci/pkg/models"
)

// agentRoleName is the role carrying the permissions the dispatch
// protocol needs.
const agentRoleName = "agents"

// agentGrants are the permissions seeded onto the agent role: the
// dispatch protocol surface and nothing more.
var agentGrants = []models.Permission{
	{Resource: "AGENTS", Right: "GET"},
	{Resource: "AGENTS", Right: "REGISTER"},
	{Resource: "AGENTS", Right: "UPDATE"},
	{Resource: "AGENTS", Right: "DELETE"},
	{Resource: "PIPELINES", Right: "GET"},
	{Resource: "PIPELINES", Right: "REGISTER"},
	{Resource: "PIPELINES", Right: "UPDATE"},
	{Resource: "JOBS", Right: "GET"},
	{Resource: "PROJECTS", Right: "GET"},
}

// Bootstrap seeds the agent principal on server start: the user with
// the configured credentials, the agents role containing it, and the
// role's dispatch-protocol permissions. Idempotent; reruns converge
// to the same state.
func Bootstrap(ctx context.Context, users *UserService, roles *RoleService, perms *PermissionService, agentUser, agentPassword string) error {
	if agentUser == "" || agentPassword == "" {
		return nil
	}

	user, err := users.Register(ctx, agentUser, agentPassword)
	if errors.Is(err, ErrAlreadyExists) {
		user, err = users.GetByUsername(ctx, agentUser)
	}
	if err != nil {
		return err
	}

	role, found, err := roles.GetByName(ctx, agentRoleName)
	if err != nil {
		return err
	}
	if !found {
		role, err = roles.Create(ctx, agentRoleName, "pipeline execution agents")
		if err != nil {
			return err
		}
	}
	if _, err := roles.AddUser(ctx, role.ID, user.ID); err != nil {
		return err
	}

	existing, err := perms.List(ctx, nil, nil, false)
	if err != nil {
		return err
	}
	granted := make(map[string]bool, len(existing))
	for _, perm := range existing {
		if perm.RoleID == role.ID {
			granted[perm.Format()] = true
		}
	}
	for _, grant := range agentGrants {
		if granted[grant.Format()] {
			continue
		}
		grant.RoleID = role.ID
		grant.Item = models.PermissionItemAll
		if _, err := perms.Create(ctx, grant); err != nil {
			return err
		}
	}

	slog.Info("Agent principal bootstrapped", "username", agentUser, "role", agentRoleName)
	return nil
}
