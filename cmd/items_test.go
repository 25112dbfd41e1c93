package cmd

import (
	"testing"

	"charon/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidDestination(t *testing.T) {
	assert.True(t, validDestination(core.QueueVector))
	assert.True(t, validDestination(core.QueueGraph))
	assert.True(t, validDestination(core.QueuePriorityExport))
	assert.False(t, validDestination(""))
	assert.False(t, validDestination("everywhere"))
}

func TestNewItemsCmd_Structure(t *testing.T) {
	cmd := NewItemsCmd()
	require.Equal(t, "items", cmd.Use)

	names := make([]string, 0, 2)
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "status")
	assert.Contains(t, names, "requeue")
}

func TestRequeueCmd_RejectsUnknownDestination(t *testing.T) {
	cmd := NewItemsCmd()
	cmd.SetArgs([]string{"requeue", "abc123", "--destination", "everywhere"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown destination")
}
