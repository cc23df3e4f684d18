package api

import (
	"errors"
	"log/slog"

	"github.com/rustyops/rustyci/pkg/auth"
	"github.com/rustyops/rustyci/pkg/services"
)

// wireMessage maps an error to the message carried in the response's
// errors array. Auth failures map to their taxonomy names; validation
// and service errors travel verbatim.
func wireMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrCredentialMissing):
		return "CredentialMissing"
	case errors.Is(err, auth.ErrJwtTokenExpired):
		return "JwtTokenExpiredError"
	case errors.Is(err, auth.ErrUnauthenticated):
		return "UnauthenticatedError"
	case errors.Is(err, auth.ErrUnauthorized):
		return "UnauthorizedError"
	case errors.Is(err, auth.ErrWrongCredentialType):
		return "WrongCredentialType"
	}

	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return validErr.Error()
	}
	if errors.Is(err, services.ErrNotFound) ||
		errors.Is(err, services.ErrAlreadyExists) ||
		errors.Is(err, services.ErrAgentSaturated) ||
		errors.Is(err, services.ErrFleetFull) ||
		errors.Is(err, services.ErrInvalidInput) {
		return err.Error()
	}

	slog.Error("Wire operation failed", "error", err)
	return err.Error()
}
