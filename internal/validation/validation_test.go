package validation

import (
	"errors"
	"testing"

	"github.com/rendis/opflow/internal/execution"
	"github.com/rendis/opflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubLookup is a minimal BehaviorLookup.
type stubLookup map[string][]byte

func (s stubLookup) Has(t string) bool { _, ok := s[t]; return ok }
func (s stubLookup) ConfigSchema(t string) ([]byte, bool) {
	b, ok := s[t]
	return b, ok && len(b) > 0
}

type stubCompiler struct{ bad string }

func (c stubCompiler) Compile(expr string) error {
	if expr == c.bad {
		return errors.New("syntax error")
	}
	return nil
}

func validWorkflow() *schema.Workflow {
	return &schema.Workflow{
		ID:             "wf-1",
		OrganizationID: "org-1",
		Name:           "Checkout",
		Status:         schema.WorkflowStatusDraft,
		Participants: []schema.Participant{
			{ObjectID: "p-1", ObjectKind: "product", Role: "product"},
		},
		Behaviors: []schema.BehaviorInstance{
			{ID: "b-1", Type: "data.set", Enabled: true, Priority: 10, Config: map[string]any{"values": map[string]any{"a": 1}}},
		},
		Execution: schema.ExecutionContract{
			TriggerOn:      "checkout_start",
			RequiredInputs: []string{schema.InputProductSelection},
			FailurePolicy:  schema.PolicyRollback,
		},
	}
}

const setSchema = `{"type":"object","required":["values"],"properties":{"values":{"type":"object"}}}`

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	v, err := NewWorkflowValidator(stubLookup{"data.set": []byte(setSchema), "noop": nil}, stubCompiler{bad: "data.x >"})
	require.NoError(t, err)
	return v
}

// --- Workflow validation ---

func TestValidate_ValidWorkflow(t *testing.T) {
	v := newValidator(t)
	res := v.Validate(validWorkflow())
	assert.True(t, res.Valid(), "errors: %v", res.Errors)
	assert.NoError(t, v.ValidateWorkflow(validWorkflow()))
}

func TestValidate_Nil(t *testing.T) {
	v := newValidator(t)
	assert.False(t, v.Validate(nil).Valid())
}

func TestValidate_StructuralErrors(t *testing.T) {
	v := newValidator(t)

	wf := validWorkflow()
	wf.Status = "paused"
	res := v.Validate(wf)
	require.False(t, res.Valid())
	assert.Contains(t, res.Errors[0].Message, "status")

	wf = validWorkflow()
	wf.Execution.FailurePolicy = "retry"
	assert.False(t, v.Validate(wf).Valid())

	wf = validWorkflow()
	wf.OrganizationID = ""
	assert.False(t, v.Validate(wf).Valid())
}

func TestValidate_UnknownBehaviorType(t *testing.T) {
	v := newValidator(t)
	wf := validWorkflow()
	wf.Behaviors[0].Type = "ticket.create"

	err := v.ValidateWorkflow(wf)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnknownBehaviorType))
}

func TestValidate_ConfigAgainstBehaviorSchema(t *testing.T) {
	v := newValidator(t)
	wf := validWorkflow()
	wf.Behaviors[0].Config = map[string]any{"other": true}

	res := v.Validate(wf)
	require.False(t, res.Valid())
	assert.Equal(t, "behaviors[0].config", res.Errors[0].Path)
}

func TestValidate_DuplicateIDsAndRoles(t *testing.T) {
	v := newValidator(t)
	wf := validWorkflow()
	wf.Behaviors = append(wf.Behaviors, schema.BehaviorInstance{ID: "b-1", Type: "noop", Enabled: true})
	wf.Participants = append(wf.Participants, schema.Participant{ObjectID: "p-2", Role: "product"})

	res := v.Validate(wf)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, "behaviors[1].id", res.Errors[0].Path)
	assert.Equal(t, "participants[1].role", res.Errors[1].Path)
}

func TestValidate_ConditionAndWarnings(t *testing.T) {
	v := newValidator(t)
	wf := validWorkflow()
	wf.Behaviors[0].Trigger = &schema.TriggerPredicate{Condition: "data.x >"}
	wf.Behaviors = append(wf.Behaviors, schema.BehaviorInstance{ID: "b-2", Type: "noop", Enabled: false})
	wf.Execution.RequiredInputs = append(wf.Execution.RequiredInputs, "signature")

	res := v.Validate(wf)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "behaviors[0].trigger.condition", res.Errors[0].Path)
	assert.Len(t, res.Warnings, 2)
}

// --- JSON Schema values ---

func TestValidateValue(t *testing.T) {
	jsv, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	sch := []byte(`{"type":"object","required":["email"],"properties":{"email":{"type":"string","format":"email"}}}`)
	assert.NoError(t, jsv.ValidateValue(map[string]any{"email": "a@b.co"}, sch))
	assert.Error(t, jsv.ValidateValue(map[string]any{"email": "nope"}, sch))
	assert.Error(t, jsv.ValidateValue(map[string]any{}, sch))
	assert.NoError(t, jsv.ValidateValue("anything", nil))
	assert.NoError(t, jsv.ValidateConfig(nil, []byte(`{"type":"object"}`)))

	err = jsv.ValidateValue(1, []byte(`{not json`))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

// --- Context validation ---

func TestEventName(t *testing.T) {
	assert.Equal(t, "checkout", EventName("checkout_start"))
	assert.Equal(t, "booking", EventName("booking_started"))
	assert.Equal(t, "form_submission", EventName("form_submission"))
	assert.Equal(t, "_start", EventName("_start"))
}

func TestValidateContext_Valid(t *testing.T) {
	c := execution.NewContext("checkout").AddObject("p-1", "product")
	res := ValidateContext(validWorkflow(), c)
	assert.True(t, res.Valid(), "errors: %v", res.Errors)
}

func TestValidateContext_WorkflowMismatch(t *testing.T) {
	c := execution.NewContext("checkout_start").AddObject("p-1", "product")
	res := ValidateContext(validWorkflow(), c)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, schema.ErrCodeWorkflowMismatch, res.Errors[0].Code)
	assert.True(t, schema.HasCode(res.ToError(), schema.ErrCodeWorkflowMismatch))
}

func TestValidateContext_RequiredInputs(t *testing.T) {
	wf := validWorkflow()
	wf.Execution.RequiredInputs = []string{schema.InputFormResponses, schema.InputProductSelection, "signature"}

	res := ValidateContext(wf, execution.NewContext("checkout"))
	require.Len(t, res.Errors, 3)
	for _, e := range res.Errors {
		assert.Equal(t, schema.ErrCodeUnsatisfiableInput, e.Code)
	}

	c := execution.NewContext("checkout").AddInput("form_responses", nil).AddObject("p-1", "product")
	res = ValidateContext(wf, c)
	require.Len(t, res.Errors, 1, "unrecognized kinds are never satisfiable")
	assert.Contains(t, res.Errors[0].Message, "signature")
}

func TestValidateContext_NilArgs(t *testing.T) {
	assert.False(t, ValidateContext(nil, execution.NewContext("x")).Valid())
	assert.False(t, ValidateContext(validWorkflow(), nil).Valid())
}
