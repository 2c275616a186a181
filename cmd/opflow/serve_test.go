package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/execution"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/pkg/schema"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	t.Setenv("OPFLOW_HOME", t.TempDir())
	t.Setenv("OPFLOW_VAULT_KEY", "")
	cfg := defaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "nested", "opflow.db")
	return cfg
}

func TestNewApp_Wiring(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, testConfig(t), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer a.close()

	assert.Equal(t, 5, a.registry.Count())
	assert.True(t, a.registry.Has("webhook.post"))
	require.NotNil(t, a.cron)
	assert.NotNil(t, a.server.MCPServer().GetTool("opflow.schedule"))
	assert.NotNil(t, a.server.MCPServer().GetTool("opflow.fire"))
	assert.Nil(t, a.vault)

	// No subscribers: an empty, successful result.
	res, err := a.dispatcher.Fire(ctx, "org-1", "checkout_start", execution.NewContext("checkout"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Steps)
}

func TestNewApp_SchedulerDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	cfg.Scheduler = false
	a, err := newApp(ctx, cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer a.close()

	assert.Nil(t, a.cron)
}

func TestNewApp_Vault(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	cfg.VaultKey = strings.Repeat("0f", 32)
	cfg.Scheduler = false
	a, err := newApp(ctx, cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.NotNil(t, a.vault)
	require.NoError(t, a.vault.Store(ctx, "org-1", "crm_token", []byte("tok-live")))
	raw, err := a.store.GetSecret(ctx, "org-1", "crm_token")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "tok-live")
	assert.NotNil(t, a.server.MCPServer().GetTool("opflow.secrets"))

	// A second app over the same database and key reads it back.
	a.close()
	b, err := newApp(ctx, cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer b.close()
	got, err := b.vault.Resolve(ctx, "org-1", "crm_token")
	require.NoError(t, err)
	assert.Equal(t, "tok-live", string(got))
}

func TestRollbackLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, "info", "json")
	hook := rollbackLogger(logger)

	err := hook(context.Background(), engine.RollbackInfo{
		OrganizationID: "org-1",
		Failed:         execution.StepResult{BehaviorID: "b2", FailureKind: schema.FailureExternalCall},
		Completed:      []execution.StepResult{{BehaviorID: "b1"}},
	})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "pipeline rolled back")
	assert.Contains(t, out, `"failed_behavior":"b2"`)
	assert.Contains(t, out, `"completed":["b1"]`)
}
