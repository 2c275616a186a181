package validation

import (
	"fmt"

	"github.com/rendis/opflow/pkg/schema"
)

// validateSemantic checks what the JSON Schema cannot express: unique
// behavior ids, registered behavior types, configs matching each behavior's
// declared schema, compilable trigger conditions and participant roles.
func validateSemantic(wf *schema.Workflow, lookup BehaviorLookup, jsv *JSONSchemaValidator, conditions ConditionCompiler) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seen := make(map[string]bool, len(wf.Behaviors))
	for i := range wf.Behaviors {
		b := &wf.Behaviors[i]
		path := fmt.Sprintf("behaviors[%d]", i)

		if seen[b.ID] {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate behavior id %q", b.ID))
		}
		seen[b.ID] = true

		if lookup != nil {
			if !lookup.Has(b.Type) {
				result.AddError(path+".type", schema.ErrCodeUnknownBehaviorType,
					fmt.Sprintf("behavior type %q not registered", b.Type))
			} else if cfgSchema, ok := lookup.ConfigSchema(b.Type); ok && jsv != nil {
				if err := jsv.ValidateConfig(b.Config, cfgSchema); err != nil {
					result.AddError(path+".config", schema.ErrCodeValidation,
						fmt.Sprintf("invalid config for %q: %s", b.Type, errMessage(err)))
				}
			}
		}

		if b.Trigger != nil && b.Trigger.Condition != "" && conditions != nil {
			if err := conditions.Compile(b.Trigger.Condition); err != nil {
				result.AddError(path+".trigger.condition", schema.ErrCodeValidation, errMessage(err))
			}
		}

		if !b.Enabled {
			result.AddWarning(path+".enabled", schema.ErrCodeValidation,
				fmt.Sprintf("behavior %q is disabled and will never run", b.Type))
		}
	}

	roles := make(map[string]bool, len(wf.Participants))
	for i, p := range wf.Participants {
		if roles[p.Role] {
			result.AddError(fmt.Sprintf("participants[%d].role", i), schema.ErrCodeValidation,
				fmt.Sprintf("role %q bound more than once", p.Role))
		}
		roles[p.Role] = true
	}

	for i, kind := range wf.Execution.RequiredInputs {
		if InputClassOf(kind) == "" {
			result.AddWarning(fmt.Sprintf("execution.required_inputs[%d]", i), schema.ErrCodeUnsatisfiableInput,
				fmt.Sprintf("required input %q is not a known input class; no context can satisfy it", kind))
		}
	}

	return result
}

func errMessage(err error) string {
	if opErr, ok := err.(*schema.OpcodeError); ok {
		return opErr.Message
	}
	return err.Error()
}
