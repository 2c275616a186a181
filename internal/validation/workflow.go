package validation

import "github.com/rendis/opflow/pkg/schema"

// WorkflowValidator runs the two-stage workflow validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (behavior types, configs, conditions, roles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	behaviors  BehaviorLookup
	conditions ConditionCompiler
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup and conditions may be nil to skip the corresponding checks.
func NewWorkflowValidator(lookup BehaviorLookup, conditions ConditionCompiler) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		behaviors:  lookup,
		conditions: conditions,
	}, nil
}

// Validate runs both stages and returns an aggregated result.
// Structural errors short-circuit the semantic stage.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if wf == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return result
	}

	if err := wv.jsonSchema.ValidateDocument(wf); err != nil {
		result.AddError("/", schema.ErrCodeValidation, errMessage(err))
		return result
	}

	result.Merge(validateSemantic(wf, wv.behaviors, wv.jsonSchema, wv.conditions))
	return result
}

// ValidateWorkflow satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}

// ValidateValue delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateValue(value any, valueSchema []byte) error {
	return wv.jsonSchema.ValidateValue(value, valueSchema)
}

// Schemas exposes the underlying JSON Schema validator.
func (wv *WorkflowValidator) Schemas() *JSONSchemaValidator {
	return wv.jsonSchema
}

var _ Validator = (*WorkflowValidator)(nil)
