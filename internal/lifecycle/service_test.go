package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/behaviors"
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/templates"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/schema"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	deps, err := behaviors.NewBuiltinDeps()
	require.NoError(t, err)
	reg := behaviors.NewRegistry()
	require.NoError(t, behaviors.RegisterBuiltins(reg, deps))

	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	v, err := validation.NewWorkflowValidator(reg, cel)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	return NewService(st, templates.Default(), v, nil), st
}

func checkoutBindings() []Binding {
	return []Binding{
		{Role: "product", ObjectID: "prod-1"},
		{Role: "checkout_page", ObjectID: "page-1"},
	}
}

func TestInstantiate_SimpleProductCheckout(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	wf, err := svc.Instantiate(ctx, InstantiateRequest{
		TemplateID:     templates.SimpleProductCheckout,
		OrganizationID: "org-1",
		Participants:   checkoutBindings(),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusDraft, wf.Status)
	assert.Empty(t, wf.Behaviors)
	assert.Equal(t, "checkout_start", wf.Execution.TriggerOn)
	assert.Equal(t, templates.SimpleProductCheckout, wf.TemplateID)
	assert.Equal(t, "Simple Product Checkout", wf.Name)
	require.Len(t, wf.Participants, 2)
	assert.Equal(t, "product", wf.Participants[0].ObjectKind, "kind defaults from the template role")

	stored, err := st.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, stored.ID)

	events, err := st.GetEvents(ctx, wf.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventWorkflowCreated, events[0].Type)
}

func TestInstantiate_MissingParticipantCreatesNothing(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	_, err := svc.Instantiate(ctx, InstantiateRequest{
		TemplateID:     templates.SimpleProductCheckout,
		OrganizationID: "org-1",
		Participants:   []Binding{{Role: "product", ObjectID: "prod-1"}},
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeMissingParticipant))

	var opErr *schema.OpcodeError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, []string{"checkout_page"}, opErr.Details["missing_roles"])

	all, err := st.ListWorkflows(ctx, store.WorkflowFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestInstantiate_BindingErrors(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := map[string][]Binding{
		"unknown role": append(checkoutBindings(), Binding{Role: "cashier", ObjectID: "x"}),
		"double bound": append(checkoutBindings(), Binding{Role: "product", ObjectID: "prod-2"}),
		"no object id": {{Role: "product"}, {Role: "checkout_page", ObjectID: "page-1"}},
	}
	for name, bindings := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Instantiate(ctx, InstantiateRequest{
				TemplateID:     templates.SimpleProductCheckout,
				OrganizationID: "org-1",
				Participants:   bindings,
			})
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
		})
	}

	_, err := svc.Instantiate(ctx, InstantiateRequest{TemplateID: "nope", OrganizationID: "org-1"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	_, err = svc.Instantiate(ctx, InstantiateRequest{TemplateID: templates.SimpleProductCheckout})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestInstantiate_OverridesByPosition(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tpl, err := templates.Default().Get(templates.InvoiceCheckout)
	require.NoError(t, err)

	override := map[string]any{"values": map[string]any{"invoice_status": "final"}}
	wf, err := svc.Instantiate(ctx, InstantiateRequest{
		TemplateID:        templates.InvoiceCheckout,
		OrganizationID:    "org-1",
		Name:              "My checkout",
		Participants:      checkoutBindings(),
		BehaviorOverrides: map[int]map[string]any{2: override},
	})
	require.NoError(t, err)
	require.Len(t, wf.Behaviors, len(tpl.Behaviors))
	assert.Equal(t, "My checkout", wf.Name)

	ids := map[string]bool{}
	for i, b := range wf.Behaviors {
		assert.Equal(t, tpl.Behaviors[i].Type, b.Type, "template order is kept")
		assert.NotEmpty(t, b.ID)
		assert.False(t, ids[b.ID], "ids are unique")
		ids[b.ID] = true
	}
	assert.Equal(t, tpl.Behaviors[0].Config, wf.Behaviors[0].Config)
	assert.Equal(t, override, wf.Behaviors[2].Config)

	// The override is copied, not aliased.
	override["values"].(map[string]any)["invoice_status"] = "mutated"
	assert.Equal(t, "final", wf.Behaviors[2].Config["values"].(map[string]any)["invoice_status"])
}

func TestInstantiate_InvalidOverrides(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	_, err := svc.Instantiate(ctx, InstantiateRequest{
		TemplateID:        templates.InvoiceCheckout,
		OrganizationID:    "org-1",
		Participants:      checkoutBindings(),
		BehaviorOverrides: map[int]map[string]any{7: {}},
	})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	// Config that does not satisfy data.set's schema.
	_, err = svc.Instantiate(ctx, InstantiateRequest{
		TemplateID:        templates.InvoiceCheckout,
		OrganizationID:    "org-1",
		Participants:      checkoutBindings(),
		BehaviorOverrides: map[int]map[string]any{2: {"value": 1}},
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	all, err := st.ListWorkflows(ctx, store.WorkflowFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreateCustom(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	wf, err := svc.CreateCustom(ctx, CustomRequest{
		OrganizationID: "org-1",
		Name:           "Custom intake",
		Behaviors: []schema.BehaviorSpec{
			{Type: "guard.require", Enabled: true, Priority: 5, Config: map[string]any{"expression": "true"}},
		},
		Execution: schema.ExecutionContract{TriggerOn: "form_submission"},
	})
	require.NoError(t, err)
	assert.Empty(t, wf.TemplateID)
	assert.Equal(t, schema.WorkflowStatusDraft, wf.Status)
	assert.Equal(t, schema.PolicyRollback, wf.Execution.FailurePolicy)
	require.Len(t, wf.Behaviors, 1)
	assert.NotEmpty(t, wf.Behaviors[0].ID)

	_, err = svc.CreateCustom(ctx, CustomRequest{
		OrganizationID: "org-1",
		Name:           "Broken",
		Behaviors:      []schema.BehaviorSpec{{Type: "ticket.create", Enabled: true}},
		Execution:      schema.ExecutionContract{TriggerOn: "form_submission"},
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnknownBehaviorType))
}

func TestLifecycleTransitions(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	wf, err := svc.Instantiate(ctx, InstantiateRequest{
		TemplateID:     templates.SimpleProductCheckout,
		OrganizationID: "org-1",
		Participants:   checkoutBindings(),
	})
	require.NoError(t, err)

	_, err = svc.Archive(ctx, wf.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition), "draft cannot be archived")

	active, err := svc.Activate(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusActive, active.Status)

	_, err = svc.Activate(ctx, wf.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))

	assert.True(t, schema.HasCode(svc.Delete(ctx, wf.ID), schema.ErrCodeInvalidTransition))

	archived, err := svc.Archive(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusArchived, archived.Status)

	_, err = svc.Transition(ctx, wf.ID, schema.WorkflowStatusActive)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition), "archived is terminal")

	events, err := st.GetEvents(ctx, wf.ID, 0)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{schema.EventWorkflowCreated, schema.EventWorkflowActivated, schema.EventWorkflowArchived}, types)

	_, err = svc.Activate(ctx, "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestDeleteDraft(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	wf, err := svc.Instantiate(ctx, InstantiateRequest{
		TemplateID:     templates.SimpleProductCheckout,
		OrganizationID: "org-1",
		Participants:   checkoutBindings(),
	})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, wf.ID))

	_, err = svc.Get(ctx, wf.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestListInCreationOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		wf, err := svc.Instantiate(ctx, InstantiateRequest{
			TemplateID:     templates.SimpleProductCheckout,
			OrganizationID: "org-1",
			Participants:   checkoutBindings(),
		})
		require.NoError(t, err)
		ids = append(ids, wf.ID)
	}

	got, err := svc.List(ctx, store.WorkflowFilter{OrganizationID: "org-1"})
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, wf := range got {
		assert.Equal(t, ids[i], wf.ID)
	}
}

func TestConcurrentActivation_OnlyOneWins(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	wf, err := svc.Instantiate(ctx, InstantiateRequest{
		TemplateID:     templates.SimpleProductCheckout,
		OrganizationID: "org-1",
		Participants:   checkoutBindings(),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Activate(ctx, wf.ID); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
