package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyops/rustyci/pkg/auth"
	"github.com/rustyops/rustyci/pkg/models"
	"github.com/rustyops/rustyci/pkg/query"
	"github.com/rustyops/rustyci/pkg/storage"
	"github.com/rustyops/rustyci/pkg/storage/memstore"
)

func TestUserRegister(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(nil)
	users := NewUserService(store)

	user, err := users.Register(ctx, "alice", "s3cret")
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.Empty(t, user.Password, "password must be redacted on return")

	// The stored hash verifies against the original password.
	stored, found, err := storage.GetOne[models.User](ctx, store, models.IndexUsers,
		query.Filter{"username": {query.OpEquals: "alice"}})
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, strings.HasPrefix(stored.Password, "$2"))
	assert.True(t, auth.VerifyPassword(stored.Password, "s3cret"))
}

func TestUserRegisterValidation(t *testing.T) {
	ctx := context.Background()
	users := NewUserService(memstore.New(nil))

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"empty username", "", "pw"},
		{"empty password", "bob", ""},
		{"forbidden character", "bob smith", "pw"},
		{"forbidden unicode", "böb", "pw"},
		{"too long", strings.Repeat("a", 513), "pw"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := users.Register(ctx, tt.username, tt.password)
			require.Error(t, err)
			assert.True(t, IsValidationError(err), "want validation error, got %v", err)
		})
	}

	// Allowed specials pass.
	_, err := users.Register(ctx, "ci_agent-01@local", "pw")
	assert.NoError(t, err)
}

func TestUserRegisterDuplicate(t *testing.T) {
	ctx := context.Background()
	users := NewUserService(memstore.New(nil))

	_, err := users.Register(ctx, "alice", "pw")
	require.NoError(t, err)
	_, err = users.Register(ctx, "alice", "pw2")
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestUserListRedactsPasswords(t *testing.T) {
	ctx := context.Background()
	users := NewUserService(memstore.New(nil))
	_, err := users.Register(ctx, "alice", "pw")
	require.NoError(t, err)

	listed, err := users.List(ctx, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Empty(t, listed[0].Password)

	got, err := users.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, got.Password)
}
