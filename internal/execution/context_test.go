package execution

import (
	"testing"

	"github.com/rendis/opflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext_KindLookups(t *testing.T) {
	c := NewContext("checkout").
		AddInput("form_responses", map[string]any{"email": "a@b.c"}).
		AddObject("prod-1", "product")

	assert.True(t, c.HasInputKind("form_responses"))
	assert.True(t, c.HasInputKind("other", "form_responses"))
	assert.False(t, c.HasInputKind("product_selection"))
	assert.True(t, c.HasObjectKind("product"))
	assert.False(t, c.HasObjectKind("event"))
}

func TestContext_MergeLaterKeysWin(t *testing.T) {
	c := NewContext("checkout")
	c.Merge(map[string]any{"billingMethod": "stripe", "customerData": map[string]any{"name": "A"}})
	c.Merge(map[string]any{"billingMethod": "invoice"})
	c.Merge(nil)

	v, ok := c.Get("billingMethod")
	require.True(t, ok)
	assert.Equal(t, "invoice", v)
	_, ok = c.Get("customerData")
	assert.True(t, ok)
}

func TestContext_MergeIsShallow(t *testing.T) {
	c := NewContext("checkout")
	c.Merge(map[string]any{"customerData": map[string]any{"name": "A", "vat": "X"}})
	c.Merge(map[string]any{"customerData": map[string]any{"name": "B"}})

	assert.Equal(t, map[string]any{"name": "B"}, c.Data["customerData"])
}

func TestContext_MergeOnNilData(t *testing.T) {
	c := &Context{WorkflowName: "checkout"}
	_, ok := c.Get("x")
	assert.False(t, ok)
	c.Merge(map[string]any{"x": 1})
	assert.Equal(t, 1, c.Data["x"])
}

func TestContext_SnapshotIsIndependent(t *testing.T) {
	c := NewContext("checkout").AddInput("form_responses", map[string]any{"q": "a"})
	c.Merge(map[string]any{"transactionData": map[string]any{"total": 10}})

	snap := c.Snapshot()
	c.Data["transactionData"].(map[string]any)["total"] = 20
	c.Inputs[0].Payload["q"] = "b"
	c.Merge(map[string]any{"late": true})

	assert.Equal(t, 10, snap.Data["transactionData"].(map[string]any)["total"])
	assert.Equal(t, "a", snap.Inputs[0].Payload["q"])
	assert.NotContains(t, snap.Data, "late")
}

func TestContext_Vars(t *testing.T) {
	c := NewContext("form").AddInput("form_responses", nil).AddObject("e-1", "event")
	c.Merge(map[string]any{"ticketId": "t-1"})

	vars := c.Vars()
	assert.Equal(t, "form", vars["workflow_name"])
	require.Len(t, vars["inputs"], 1)
	require.Len(t, vars["objects"], 1)
	assert.Equal(t, "t-1", vars["data"].(map[string]any)["ticketId"])
}

func TestResult_ExecutedAndFailed(t *testing.T) {
	r := &Result{Steps: []StepResult{
		{Type: "A", Status: schema.StepStatusCompleted, Success: true},
		{Type: "B", Status: schema.StepStatusFailed},
		{Type: "C", Status: schema.StepStatusSkipped},
	}}
	assert.Equal(t, []string{"A", "B"}, r.Executed())
	require.Len(t, r.Failed(), 1)
	assert.Equal(t, "B", r.Failed()[0].Type)
}

func TestOutcomeConstructors(t *testing.T) {
	ok := Ok("done", map[string]any{"k": 1})
	assert.True(t, ok.Success)
	assert.Equal(t, 1, ok.Data["k"])

	fail := Fail(schema.FailurePrecondition, "capacity %d exceeded", 50)
	assert.False(t, fail.Success)
	assert.Equal(t, schema.FailurePrecondition, fail.Kind)
	assert.Equal(t, "capacity 50 exceeded", fail.Message)
}
