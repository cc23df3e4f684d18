package services

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")

	// ErrAlreadyAssigned is returned when assigning a pipeline that is
	// no longer Defined or already carries an agent
	ErrAlreadyAssigned = errors.New("pipeline already assigned")

	// ErrCannotUpdate is returned when a lifecycle transition is
	// attempted from the wrong state or by a non-owning agent
	ErrCannotUpdate = errors.New("pipeline cannot update")

	// ErrAgentSaturated is returned when an assignment would exceed the
	// agent's concurrent in-flight cap
	ErrAgentSaturated = errors.New("agent reached max assigned pipelines")

	// ErrFleetFull is returned when registering an agent beyond the
	// fleet registration cap
	ErrFleetFull = errors.New("agent fleet is full")
)

// FieldErrors carries the messages attached to one field.
type FieldErrors struct {
	Errors []string `json:"errors"`
}

// ValidationError aggregates field-scoped validation failures in the
// structured form the wire exposes:
// {"errors":[...],"properties":{"field":{"errors":[...]}}}.
type ValidationError struct {
	Errors     []string               `json:"errors"`
	Properties map[string]FieldErrors `json:"properties"`
}

func (e *ValidationError) Error() string {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf("validation error: %v", e.Errors)
	}
	return string(raw)
}

// NewValidationError creates a validation error with a single
// field-scoped message.
func NewValidationError(field, message string) error {
	return &ValidationError{
		Errors:     []string{},
		Properties: map[string]FieldErrors{field: {Errors: []string{message}}},
	}
}

// AddFieldError appends a message to a field, allocating as needed.
func (e *ValidationError) AddFieldError(field, message string) {
	if e.Properties == nil {
		e.Properties = make(map[string]FieldErrors)
	}
	fe := e.Properties[field]
	fe.Errors = append(fe.Errors, message)
	e.Properties[field] = fe
}

// HasErrors reports whether any message was recorded.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0 || len(e.Properties) > 0
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
