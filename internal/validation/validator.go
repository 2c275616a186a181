package validation

import "github.com/rendis/opflow/pkg/schema"

// Validator checks workflows before they are persisted.
// Uses JSON Schema Draft 2020-12 for structure and behavior configs.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) error
	ValidateValue(value any, valueSchema []byte) error
}

// BehaviorLookup is the view of the behavior registry the validator needs.
// Satisfied by *behaviors.Registry.
type BehaviorLookup interface {
	Has(behaviorType string) bool
	ConfigSchema(behaviorType string) ([]byte, bool)
}

// ConditionCompiler checks trigger condition expressions.
// Satisfied by *expressions.CELEngine.
type ConditionCompiler interface {
	Compile(expression string) error
}
