package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/behaviors"
	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/execution"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/trigger"
	"github.com/rendis/opflow/pkg/schema"
)

type mockFirer struct {
	mu    sync.Mutex
	reqs  []engine.FireRequest
	fail  map[string]error
}

func (f *mockFirer) FireBatch(_ context.Context, reqs []engine.FireRequest) []engine.FireResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.FireResponse, len(reqs))
	for i, r := range reqs {
		f.reqs = append(f.reqs, r)
		out[i] = engine.FireResponse{Index: i, Err: f.fail[r.Event]}
		if out[i].Err == nil {
			out[i].Result = &execution.Result{Success: r.Event != "always_fails"}
		}
	}
	return out
}

func (f *mockFirer) calls() []engine.FireRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.FireRequest(nil), f.reqs...)
}

var testNow = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

func newTestScheduler(st TriggerStore, firer Firer) *Scheduler {
	s := NewScheduler(st, firer, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return testNow }
	return s
}

func dueTrigger(id, event string) *store.ScheduledTrigger {
	past := testNow.Add(-time.Minute)
	return &store.ScheduledTrigger{
		ID:             id,
		OrganizationID: "org-1",
		TriggerEvent:   event,
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}
}

func TestCalculateNextRun(t *testing.T) {
	s := newTestScheduler(store.NewMemoryStore(), &mockFirer{})

	next, err := s.CalculateNextRun("*/15 * * * *", testNow)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 4, 10, 45, 0, 0, time.UTC), next)

	next, err = s.CalculateNextRun("@daily", testNow)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 5, 0, 0, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("not a cron", testNow)
	assert.Error(t, err)
}

func TestRegister(t *testing.T) {
	st := store.NewMemoryStore()
	s := newTestScheduler(st, &mockFirer{})

	trig := &store.ScheduledTrigger{
		OrganizationID: "org-1",
		TriggerEvent:   "form_submission",
		CronExpression: "0 9 * * *",
		Enabled:        true,
	}
	require.NoError(t, s.Register(context.Background(), trig))
	assert.NotEmpty(t, trig.ID)

	got, err := st.GetScheduledTrigger(context.Background(), trig.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, time.Date(2026, 5, 5, 9, 0, 0, 0, time.UTC), got.NextRunAt.UTC())
}

func TestRegister_Rejects(t *testing.T) {
	s := newTestScheduler(store.NewMemoryStore(), &mockFirer{})

	err := s.Register(context.Background(), &store.ScheduledTrigger{OrganizationID: "org-1", TriggerEvent: "x", CronExpression: "bogus"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = s.Register(context.Background(), &store.ScheduledTrigger{TriggerEvent: "x", CronExpression: "@hourly"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestRunDue_FiresDueAndUpdates(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	firer := &mockFirer{}
	s := newTestScheduler(st, firer)

	due := dueTrigger("t-1", "checkout_start")
	future := dueTrigger("t-2", "checkout_start")
	later := testNow.Add(time.Hour)
	future.NextRunAt = &later
	disabled := dueTrigger("t-3", "checkout_start")
	disabled.Enabled = false
	unscheduled := dueTrigger("t-4", "form_submission")
	unscheduled.NextRunAt = nil
	for _, trig := range []*store.ScheduledTrigger{due, future, disabled, unscheduled} {
		require.NoError(t, st.CreateScheduledTrigger(ctx, trig))
	}

	assert.Equal(t, 2, s.RunDue(ctx))
	require.Len(t, firer.calls(), 2)

	got, err := st.GetScheduledTrigger(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)
	assert.True(t, got.LastRunAt.Equal(testNow))
	assert.Equal(t, time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC), got.NextRunAt.UTC())
}

func TestRunDue_RecordsFailures(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	firer := &mockFirer{fail: map[string]error{"broken": errors.New("no workflows accept the context")}}
	s := newTestScheduler(st, firer)

	require.NoError(t, st.CreateScheduledTrigger(ctx, dueTrigger("t-err", "broken")))
	require.NoError(t, st.CreateScheduledTrigger(ctx, dueTrigger("t-fail", "always_fails")))

	s.RunDue(ctx)

	got, err := st.GetScheduledTrigger(ctx, "t-err")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.LastRunStatus)
	got, err = st.GetScheduledTrigger(ctx, "t-fail")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.LastRunStatus)
}

func TestRunDue_SkipsInflight(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	firer := &mockFirer{}
	s := newTestScheduler(st, firer)
	require.NoError(t, st.CreateScheduledTrigger(ctx, dueTrigger("t-1", "checkout_start")))

	require.True(t, s.tryAcquire("t-1"))
	assert.Equal(t, 0, s.RunDue(ctx))
	s.release("t-1")
	assert.Equal(t, 1, s.RunDue(ctx))
}

func TestBuildContext(t *testing.T) {
	trig := &store.ScheduledTrigger{
		TriggerEvent: "form_submission",
		Inputs:       []store.ScheduledInput{{Kind: "form_responses", Payload: map[string]any{"q": "a"}}},
		Objects:      []store.ScheduledObject{{ID: "e-1", Kind: "event"}},
		Data:         map[string]any{"source": "cron"},
	}

	ec := BuildContext(trig)
	assert.Equal(t, "form_submission", ec.WorkflowName)
	assert.True(t, ec.HasInputKind("form_responses"))
	assert.True(t, ec.HasObjectKind("event"))
	assert.Equal(t, "cron", ec.Data["source"])

	ec.Inputs[0].Payload["q"] = "b"
	assert.Equal(t, "a", trig.Inputs[0].Payload["q"], "context does not alias the stored trigger")

	trig.TriggerEvent = "checkout_start"
	assert.Equal(t, "checkout", BuildContext(trig).WorkflowName)
	trig.WorkflowName = "custom"
	assert.Equal(t, "custom", BuildContext(trig).WorkflowName)
}

func TestStartStop(t *testing.T) {
	st := store.NewMemoryStore()
	firer := &mockFirer{}
	s := newTestScheduler(st, firer)
	require.NoError(t, st.CreateScheduledTrigger(context.Background(), dueTrigger("t-1", "checkout_start")))

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return len(firer.calls()) == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestRunDue_EndToEnd(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	reg := behaviors.NewRegistry()
	reg.MustRegister(behaviors.Func("stamp", behaviors.BehaviorSchema{}, func(_ context.Context, _ string, _ map[string]any, _ *execution.Context) (*execution.Outcome, error) {
		return execution.Ok("", map[string]any{"stamped": true}), nil
	}))
	sched, err := engine.NewScheduler(reg, engine.WithEventLog(st))
	require.NoError(t, err)
	dispatcher := engine.NewDispatcher(trigger.NewResolver(st), sched, engine.WithDispatchEvents(st))

	require.NoError(t, st.CreateWorkflow(ctx, &schema.Workflow{
		ID:             "wf-1",
		OrganizationID: "org-1",
		Name:           "nightly",
		Status:         schema.WorkflowStatusActive,
		Behaviors:      []schema.BehaviorInstance{{ID: "b-1", Type: "stamp", Enabled: true, Priority: 1}},
		Execution:      schema.ExecutionContract{TriggerOn: "nightly_start", FailurePolicy: schema.PolicyRollback},
	}))

	s := newTestScheduler(st, dispatcher)
	require.NoError(t, st.CreateScheduledTrigger(ctx, dueTrigger("t-1", "nightly_start")))
	require.Equal(t, 1, s.RunDue(ctx))

	got, err := st.GetScheduledTrigger(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.LastRunStatus)

	events, err := st.GetEvents(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, schema.EventExecutionCompleted, events[len(events)-1].Type)
}
