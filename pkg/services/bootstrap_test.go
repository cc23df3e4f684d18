package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyops/rustyci/pkg/query"
	"github.com/rustyops/rustyci/pkg/storage/memstore"
)

func TestBootstrapSeedsAgentPrincipal(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	users := NewUserService(store)
	roles := NewRoleService(store)
	perms := NewPermissionService(store)

	require.NoError(t, Bootstrap(ctx, users, roles, perms, "agent", "hunter2"))

	user, err := users.GetByUsername(ctx, "agent")
	require.NoError(t, err)

	role, found, err := roles.GetByName(ctx, agentRoleName)
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, role.Users, user.ID)

	granted, err := perms.List(ctx, query.Filter{"role_id": {query.OpEquals: role.ID}}, nil, false)
	require.NoError(t, err)
	assert.Len(t, granted, len(agentGrants))
}

func TestBootstrapIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	users := NewUserService(store)
	roles := NewRoleService(store)
	perms := NewPermissionService(store)

	require.NoError(t, Bootstrap(ctx, users, roles, perms, "agent", "hunter2"))
	require.NoError(t, Bootstrap(ctx, users, roles, perms, "agent", "hunter2"))

	all, err := users.List(ctx, nil, nil, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	role, _, err := roles.GetByName(ctx, agentRoleName)
	require.NoError(t, err)
	assert.Len(t, role.Users, 1)

	granted, err := perms.List(ctx, nil, nil, false)
	require.NoError(t, err)
	assert.Len(t, granted, len(agentGrants))
}

func TestBootstrapSkipsWhenUnconfigured(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	require.NoError(t, Bootstrap(ctx, NewUserService(store), NewRoleService(store), NewPermissionService(store), "", ""))

	all, err := NewUserService(store).List(ctx, nil, nil, false)
	require.NoError(t, err)
	assert.Empty(t, all)
}
