package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rustyops/rustyci/pkg/auth"
	"github.com/rustyops/rustyci/pkg/models"
	"github.com/rustyops/rustyci/pkg/query"
	"github.com/rustyops/rustyci/pkg/storage"
)

// usernameSpecials are the non-alphanumeric characters a username may
// contain.
const usernameSpecials = "!@#$%^&_-"

// maxUsernameLength bounds usernames (and passwords) on registration.
const maxUsernameLength = 512

// UserService manages user registration and lookup. Passwords are
// bcrypt-hashed before they touch storage and redacted on reads.
type UserService struct {
	store storage.Store
}

// NewUserService creates the service.
func NewUserService(store storage.Store) *UserService {
	return &UserService{store: store}
}

// Register creates a new user with a hashed password.
func (s *UserService) Register(ctx context.Context, username, password string) (models.User, error) {
	if err := validateUsername(username); err != nil {
		return models.User{}, err
	}
	if password == "" {
		return models.User{}, NewValidationError("password", "password cannot be empty")
	}

	_, exists, err := storage.GetOne[models.User](ctx, s.store, models.IndexUsers,
		query.Filter{"username": {query.OpEquals: username}})
	if err != nil {
		return models.User{}, err
	}
	if exists {
		return models.User{}, fmt.Errorf("username %s: %w", username, ErrAlreadyExists)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return models.User{}, err
	}
	user := models.User{Username: username, Password: hash}
	id, err := s.store.Create(ctx, models.IndexUsers, user)
	if err != nil {
		return models.User{}, err
	}
	user.ID = id
	user.Password = ""

	slog.Info("User registered", "user_id", id, "username", username)
	return user, nil
}

// List returns users matching the filter, passwords redacted.
func (s *UserService) List(ctx context.Context, f query.Filter, o *query.Options, paged bool) ([]models.User, error) {
	users, err := storage.GetAll[models.User](ctx, s.store, models.IndexUsers, f, o, paged)
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i].Password = ""
	}
	return users, nil
}

// GetByUsername returns one user, password redacted.
func (s *UserService) GetByUsername(ctx context.Context, username string) (models.User, error) {
	user, found, err := storage.GetOne[models.User](ctx, s.store, models.IndexUsers,
		query.Filter{"username": {query.OpEquals: username}})
	if err != nil {
		return models.User{}, err
	}
	if !found {
		return models.User{}, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	user.Password = ""
	return user, nil
}

// Delete removes a user by id.
func (s *UserService) Delete(ctx context.Context, id string) error {
	n, err := s.store.DeleteOne(ctx, models.IndexUsers, storage.ByID(id))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

// validateUsername checks the charset and length rules.
func validateUsername(username string) error {
	ve := &ValidationError{}
	if username == "" || len(username) > maxUsernameLength {
		ve.AddFieldError("username", fmt.Sprintf("username length must be between 1 and %d", maxUsernameLength))
	}
	for _, r := range username {
		alnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !alnum && !strings.ContainsRune(usernameSpecials, r) {
			ve.AddFieldError("username", fmt.Sprintf("username contains forbidden character %q", r))
			break
		}
	}
	if ve.HasErrors() {
		return ve
	}
	return nil
}
