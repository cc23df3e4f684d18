package models

import "fmt"

// PipelineStatus is the lifecycle state of a pipeline. The same values
// are used for per-stage statuses in Pipeline.StageStatus.
type PipelineStatus string

const (
	StatusDefined    PipelineStatus = "Defined"
	StatusAssigned   PipelineStatus = "Assigned"
	StatusInProgress PipelineStatus = "InProgress"
	StatusSuccess    PipelineStatus = "Success"
	StatusFailure    PipelineStatus = "Failure"
	StatusUnstable   PipelineStatus = "Unstable"
)

// IsTerminal reports whether the status ends the pipeline lifecycle.
func (s PipelineStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusUnstable:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s PipelineStatus) Valid() bool {
	switch s {
	case StatusDefined, StatusAssigned, StatusInProgress,
		StatusSuccess, StatusFailure, StatusUnstable:
		return true
	}
	return false
}

// ParsePipelineStatus converts a wire string into a PipelineStatus.
func ParsePipelineStatus(s string) (PipelineStatus, error) {
	ps := PipelineStatus(s)
	if !ps.Valid() {
		return "", fmt.Errorf("unknown pipeline status %q", s)
	}
	return ps, nil
}
