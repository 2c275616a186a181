package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpflowServer(t *testing.T) {
	s := NewOpflowServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.catalog)
	assert.NotNil(t, s.Sessions())
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"opflow.templates", "List catalog templates or fetch one by id"},
		{"opflow.instantiate", "Create a draft workflow from a template or from custom behaviors"},
		{"opflow.transition", "Activate, archive or delete a workflow"},
		{"opflow.fire", "Dispatch a trigger event to every active workflow subscribed to it"},
		{"opflow.query", "Query workflows, events, step states, behaviors or recent failure notifications"},
		{"opflow.schedule", "Create, list or remove cron-fired trigger events"},
		{"opflow.secrets", "Store, list or delete organization secrets. Values are encrypted at rest and never returned; behaviors reference them by name (webhook.post secret_ref, token_ref)."},
	}

	s := NewOpflowServer(ServerDeps{})
	require.Len(t, s.mcpServer.ListTools(), len(tests))

	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
