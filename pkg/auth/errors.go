package auth

import "errors"

var (
	// ErrCredentialMissing is returned when a protected operation is
	// called without any credential.
	ErrCredentialMissing = errors.New("credential missing")

	// ErrUnauthenticated is the single opaque authentication failure.
	// Unknown user, wrong password, and bad signature all collapse into
	// it so callers cannot enumerate users.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnauthorized is returned when an authenticated principal lacks
	// the required permission.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrJwtTokenExpired is returned for a bearer token whose exp claim
	// has lapsed. Reported before signature verification so expired
	// tokens are distinguishable even when the key is unknown.
	ErrJwtTokenExpired = errors.New("jwt token expired")

	// ErrWrongCredentialType is returned when an operation needs a
	// credential kind the caller did not supply.
	ErrWrongCredentialType = errors.New("wrong credential type")
)
