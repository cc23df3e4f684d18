package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   PipelineStatus
		terminal bool
	}{
		{StatusDefined, false},
		{StatusAssigned, false},
		{StatusInProgress, false},
		{StatusSuccess, true},
		{StatusFailure, true},
		{StatusUnstable, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestParsePipelineStatus(t *testing.T) {
	s, err := ParsePipelineStatus("InProgress")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, s)

	_, err = ParsePipelineStatus("Running")
	assert.Error(t, err)
}

func TestPermissionFormat(t *testing.T) {
	p := Permission{Resource: "PIPELINES", Right: "UPDATE", Item: PermissionItemAll}
	assert.Equal(t, "PIPELINES:UPDATE", p.Format())
}
