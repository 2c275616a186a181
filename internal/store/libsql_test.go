package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

// forEachStore runs the same contract test against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("libsql", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func newWorkflow(org, trigger string, created time.Time) *schema.Workflow {
	return &schema.Workflow{
		ID:             uuid.New().String(),
		OrganizationID: org,
		Name:           "checkout",
		Status:         schema.WorkflowStatusDraft,
		Participants: []schema.Participant{
			{ObjectID: "p-1", ObjectKind: "product", Role: "product"},
		},
		Behaviors: []schema.BehaviorInstance{
			{ID: "b-1", Type: "data.set", Enabled: true, Priority: 10,
				Config: map[string]any{"values": map[string]any{"a": "b"}}},
		},
		Execution: schema.ExecutionContract{
			TriggerOn:     trigger,
			FailurePolicy: schema.PolicyContinue,
		},
		TemplateID: "simple-product-checkout",
		CreatedAt:  created,
	}
}

// --- Workflow Tests ---

func TestCreateAndGetWorkflow(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		wf := newWorkflow("org-1", "checkout_start", time.Time{})
		require.NoError(t, s.CreateWorkflow(ctx, wf))
		assert.False(t, wf.CreatedAt.IsZero())

		got, err := s.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, wf.ID, got.ID)
		assert.Equal(t, "org-1", got.OrganizationID)
		assert.Equal(t, schema.WorkflowStatusDraft, got.Status)
		assert.Equal(t, "simple-product-checkout", got.TemplateID)
		assert.Equal(t, "checkout_start", got.Execution.TriggerOn)
		require.Len(t, got.Behaviors, 1)
		assert.Equal(t, "data.set", got.Behaviors[0].Type)
		assert.Equal(t, "b", got.Behaviors[0].Config["values"].(map[string]any)["a"])
		require.Len(t, got.Participants, 1)
		assert.Equal(t, "product", got.Participants[0].Role)
	})
}

func TestCreateWorkflow_Duplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		wf := newWorkflow("org-1", "checkout_start", time.Time{})
		require.NoError(t, s.CreateWorkflow(ctx, wf))
		err := s.CreateWorkflow(ctx, wf)
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	})
}

func TestGetWorkflow_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetWorkflow(context.Background(), "nonexistent")
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	})
}

func TestUpdateWorkflowStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		wf := newWorkflow("org-1", "checkout_start", time.Time{})
		require.NoError(t, s.CreateWorkflow(ctx, wf))

		require.NoError(t, s.UpdateWorkflowStatus(ctx, wf.ID, schema.WorkflowStatusDraft, schema.WorkflowStatusActive))
		got, err := s.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.WorkflowStatusActive, got.Status)

		// Stale expectation.
		err = s.UpdateWorkflowStatus(ctx, wf.ID, schema.WorkflowStatusDraft, schema.WorkflowStatusActive)
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))

		err = s.UpdateWorkflowStatus(ctx, "missing", schema.WorkflowStatusDraft, schema.WorkflowStatusActive)
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	})
}

func TestListWorkflows(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

		// Inserted out of creation order.
		third := newWorkflow("org-1", "checkout_start", base.Add(2*time.Second))
		first := newWorkflow("org-1", "checkout_start", base)
		second := newWorkflow("org-1", "checkout_start", base.Add(time.Second))
		other := newWorkflow("org-2", "checkout_start", base)
		form := newWorkflow("org-1", "form_submission", base)
		for _, wf := range []*schema.Workflow{third, first, second, other, form} {
			require.NoError(t, s.CreateWorkflow(ctx, wf))
		}
		require.NoError(t, s.UpdateWorkflowStatus(ctx, second.ID, schema.WorkflowStatusDraft, schema.WorkflowStatusActive))

		got, err := s.ListWorkflows(ctx, WorkflowFilter{OrganizationID: "org-1", TriggerEvent: "checkout_start"})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []string{first.ID, second.ID, third.ID}, []string{got[0].ID, got[1].ID, got[2].ID})

		active := schema.WorkflowStatusActive
		got, err = s.ListWorkflows(ctx, WorkflowFilter{OrganizationID: "org-1", Status: &active})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, second.ID, got[0].ID)

		got, err = s.ListWorkflows(ctx, WorkflowFilter{TemplateID: "simple-product-checkout", Limit: 2})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		got, err = s.ListWorkflows(ctx, WorkflowFilter{OrganizationID: "org-3"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestListWorkflows_Offset(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

		var ids []string
		for i := 0; i < 4; i++ {
			wf := newWorkflow("org-1", "checkout_start", base.Add(time.Duration(i)*time.Second))
			require.NoError(t, s.CreateWorkflow(ctx, wf))
			ids = append(ids, wf.ID)
		}

		got, err := s.ListWorkflows(ctx, WorkflowFilter{OrganizationID: "org-1", Offset: 1})
		require.NoError(t, err)
		require.Len(t, got, 3, "offset without limit skips and returns the rest")
		assert.Equal(t, ids[1], got[0].ID)

		got, err = s.ListWorkflows(ctx, WorkflowFilter{OrganizationID: "org-1", Offset: 1, Limit: 2})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, []string{ids[1], ids[2]}, []string{got[0].ID, got[1].ID})

		got, err = s.ListWorkflows(ctx, WorkflowFilter{OrganizationID: "org-1", Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestDeleteWorkflow(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		wf := newWorkflow("org-1", "checkout_start", time.Time{})
		require.NoError(t, s.CreateWorkflow(ctx, wf))
		require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: wf.ID, Type: schema.EventWorkflowCreated}))

		require.NoError(t, s.DeleteWorkflow(ctx, wf.ID))
		_, err := s.GetWorkflow(ctx, wf.ID)
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

		events, err := s.GetEvents(ctx, wf.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, events)

		assert.True(t, schema.HasCode(s.DeleteWorkflow(ctx, wf.ID), schema.ErrCodeNotFound))
	})
}

// --- Scheduled Trigger Tests ---

func TestScheduledTriggerCRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		st := &ScheduledTrigger{
			ID:             uuid.New().String(),
			OrganizationID: "org-1",
			TriggerEvent:   "report_start",
			CronExpression: "*/5 * * * *",
			Inputs:         []ScheduledInput{{Kind: "form_responses", Payload: map[string]any{"q": "a"}}},
			Objects:        []ScheduledObject{{ID: "p-1", Kind: "product"}},
			Data:           map[string]any{"source": "cron"},
			Enabled:        true,
		}
		require.NoError(t, s.CreateScheduledTrigger(ctx, st))

		got, err := s.GetScheduledTrigger(ctx, st.ID)
		require.NoError(t, err)
		assert.Equal(t, "report_start", got.TriggerEvent)
		assert.True(t, got.Enabled)
		require.Len(t, got.Inputs, 1)
		assert.Equal(t, "a", got.Inputs[0].Payload["q"])
		assert.Equal(t, "cron", got.Data["source"])
		assert.Nil(t, got.NextRunAt)

		next := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
		disabled := false
		require.NoError(t, s.UpdateScheduledTrigger(ctx, st.ID, ScheduledTriggerUpdate{
			Enabled:       &disabled,
			NextRunAt:     &next,
			LastRunStatus: "completed",
		}))
		got, err = s.GetScheduledTrigger(ctx, st.ID)
		require.NoError(t, err)
		assert.False(t, got.Enabled)
		require.NotNil(t, got.NextRunAt)
		assert.WithinDuration(t, next, *got.NextRunAt, time.Second)
		assert.Equal(t, "completed", got.LastRunStatus)

		enabled := true
		list, err := s.ListScheduledTriggers(ctx, ScheduledTriggerFilter{Enabled: &enabled})
		require.NoError(t, err)
		assert.Empty(t, list)
		list, err = s.ListScheduledTriggers(ctx, ScheduledTriggerFilter{OrganizationID: "org-1"})
		require.NoError(t, err)
		assert.Len(t, list, 1)

		require.NoError(t, s.DeleteScheduledTrigger(ctx, st.ID))
		_, err = s.GetScheduledTrigger(ctx, st.ID)
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
		assert.True(t, schema.HasCode(s.UpdateScheduledTrigger(ctx, st.ID, ScheduledTriggerUpdate{LastRunStatus: "x"}), schema.ErrCodeNotFound))
	})
}

func TestSecrets(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.StoreSecret(ctx, "org-1", "hook", []byte("v1")))
		require.NoError(t, s.StoreSecret(ctx, "org-1", "api", []byte("a")))
		require.NoError(t, s.StoreSecret(ctx, "org-2", "hook", []byte("other")))

		got, err := s.GetSecret(ctx, "org-1", "hook")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)

		// Rotation overwrites in place.
		require.NoError(t, s.StoreSecret(ctx, "org-1", "hook", []byte("v2")))
		got, err = s.GetSecret(ctx, "org-1", "hook")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)

		names, err := s.ListSecrets(ctx, "org-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"api", "hook"}, names)

		_, err = s.GetSecret(ctx, "org-3", "hook")
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

		require.NoError(t, s.DeleteSecret(ctx, "org-1", "hook"))
		assert.True(t, schema.HasCode(s.DeleteSecret(ctx, "org-1", "hook"), schema.ErrCodeNotFound))
		got, err = s.GetSecret(ctx, "org-2", "hook")
		require.NoError(t, err)
		assert.Equal(t, []byte("other"), got)
	})
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- comment only;\nCREATE TABLE a (x INT);\n\n-- lead\nCREATE INDEX i ON a (x);")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[1], "CREATE INDEX")
}
