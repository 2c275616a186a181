package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/opflow/internal/execution"
	"github.com/rendis/opflow/pkg/schema"
)

// Input classes. Each required input kind on a contract belongs to one.
const (
	classForm    = "form"
	classProduct = "product"
)

var inputClasses = map[string]string{
	schema.InputFormResponses:    classForm,
	"form_response":              classForm,
	schema.InputProductSelection: classProduct,
	"products":                   classProduct,
}

// InputClassOf returns the class a required input kind belongs to, or "" if
// the kind is not recognized.
func InputClassOf(kind string) string {
	return inputClasses[kind]
}

// triggerSuffixes are stripped from a trigger name to obtain the logical
// event name a context must carry.
var triggerSuffixes = []string{"_start", "_started"}

// EventName derives the context workflow name a trigger expects, e.g.
// "checkout_start" -> "checkout". Triggers without a known suffix map to
// themselves.
func EventName(trigger string) string {
	for _, suffix := range triggerSuffixes {
		if strings.HasSuffix(trigger, suffix) && len(trigger) > len(suffix) {
			return strings.TrimSuffix(trigger, suffix)
		}
	}
	return trigger
}

// ValidateContext checks an execution context against a workflow's
// execution contract: every required input class must be satisfied and the
// context's workflow name must match the contract's trigger.
func ValidateContext(wf *schema.Workflow, c *execution.Context) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if wf == nil || c == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow and context are required")
		return result
	}

	contract := wf.Execution
	for i, kind := range contract.RequiredInputs {
		path := fmt.Sprintf("execution.required_inputs[%d]", i)
		switch InputClassOf(kind) {
		case classForm:
			if len(c.Inputs) == 0 {
				result.AddError(path, schema.ErrCodeUnsatisfiableInput,
					fmt.Sprintf("workflow %q requires %s but the context has no inputs", wf.Name, kind))
			}
		case classProduct:
			if len(c.Objects) == 0 {
				result.AddError(path, schema.ErrCodeUnsatisfiableInput,
					fmt.Sprintf("workflow %q requires %s but the context has no objects", wf.Name, kind))
			}
		default:
			result.AddError(path, schema.ErrCodeUnsatisfiableInput,
				fmt.Sprintf("workflow %q requires unrecognized input kind %q", wf.Name, kind))
		}
	}

	if want := EventName(contract.TriggerOn); c.WorkflowName != want {
		result.AddError("workflow_name", schema.ErrCodeWorkflowMismatch,
			fmt.Sprintf("context workflow %q does not match trigger %q (expected %q)",
				c.WorkflowName, contract.TriggerOn, want))
	}

	return result
}
