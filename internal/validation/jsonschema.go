package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/opflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// workflowSchemaJSON is the JSON Schema for a persisted Workflow document.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://opflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["organization_id", "name", "status", "execution"],
  "properties": {
    "id": { "type": "string" },
    "organization_id": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "status": { "type": "string", "enum": ["draft", "active", "archived"] },
    "subtype": { "type": "string" },
    "participants": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/participant" }
    },
    "behaviors": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/behavior" }
    },
    "execution": { "$ref": "#/$defs/execution" },
    "template_id": { "type": "string" },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "participant": {
      "type": "object",
      "required": ["object_id", "role"],
      "properties": {
        "object_id": { "type": "string", "minLength": 1 },
        "object_kind": { "type": "string" },
        "role": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "behavior": {
      "type": "object",
      "required": ["id", "type", "enabled", "priority"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "enabled": { "type": "boolean" },
        "priority": { "type": "integer" },
        "description": { "type": "string" },
        "trigger": { "$ref": "#/$defs/trigger" },
        "config": { "type": "object" },
        "workflow_id": { "type": "string" }
      },
      "additionalProperties": false
    },
    "trigger": {
      "type": "object",
      "properties": {
        "input_kinds": { "type": "array", "items": { "type": "string" } },
        "object_kinds": { "type": "array", "items": { "type": "string" } },
        "workflow_names": { "type": "array", "items": { "type": "string" } },
        "condition": { "type": "string" }
      },
      "additionalProperties": false
    },
    "execution": {
      "type": "object",
      "required": ["trigger_on", "failure_policy"],
      "properties": {
        "trigger_on": { "type": "string", "minLength": 1 },
        "required_inputs": { "type": "array", "items": { "type": "string" } },
        "output_actions": { "type": "array", "items": { "type": "string" } },
        "failure_policy": { "type": "string", "enum": ["rollback", "continue", "notify"] },
        "zero_tolerance": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates workflow documents and arbitrary values
// against JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache of dynamically compiled schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://opflow.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://opflow.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument validates a workflow against the workflow JSON Schema.
func (v *JSONSchemaValidator) ValidateDocument(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}

	doc, err := toJSONValue(wf)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toOpcodeError(err)
	}
	return nil
}

// ValidateValue validates any JSON-shaped value against a schema given as raw bytes.
// An empty schema accepts everything.
func (v *JSONSchemaValidator) ValidateValue(value any, valueSchema []byte) error {
	if len(valueSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(valueSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}

	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize value").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toOpcodeError(err)
	}
	return nil
}

// ValidateConfig validates a behavior configuration map. A nil config is
// checked as an empty object.
func (v *JSONSchemaValidator) ValidateConfig(config map[string]any, configSchema []byte) error {
	if config == nil {
		config = map[string]any{}
	}
	return v.ValidateValue(config, configSchema)
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL and its own compiler.
	url := fmt.Sprintf("opflow://value-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toOpcodeError converts a jsonschema.ValidationError into an OpcodeError
// listing each leaf violation with its instance location.
func toOpcodeError(err error) *schema.OpcodeError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
