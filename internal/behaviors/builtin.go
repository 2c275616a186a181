package behaviors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/opflow/internal/execution"
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/schema"
)

// Built-in behavior types.
const (
	TypeDataSet       = "data.set"
	TypeDataTransform = "data.transform"
	TypeGuardRequire  = "guard.require"
	TypeGuardSchema   = "guard.schema"
)

// BuiltinDeps holds the engines the built-in behaviors evaluate with.
type BuiltinDeps struct {
	CEL     *expressions.CELEngine
	Expr    *expressions.ExprEngine
	JQ      *expressions.GoJQEngine
	Schemas *validation.JSONSchemaValidator
}

// NewBuiltinDeps constructs every engine the built-ins need.
func NewBuiltinDeps() (BuiltinDeps, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return BuiltinDeps{}, fmt.Errorf("cel engine: %w", err)
	}
	jsv, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return BuiltinDeps{}, fmt.Errorf("json schema validator: %w", err)
	}
	return BuiltinDeps{
		CEL:     cel,
		Expr:    expressions.NewExprEngine(),
		JQ:      expressions.NewGoJQEngine(),
		Schemas: jsv,
	}, nil
}

// Builtins returns the generic data-plumbing behaviors.
func Builtins(deps BuiltinDeps) []Behavior {
	return []Behavior{
		&dataSet{engine: deps.Expr},
		&dataTransform{engine: deps.JQ},
		&guardRequire{engine: deps.CEL},
		&guardSchema{schemas: deps.Schemas},
	}
}

// RegisterBuiltins registers all built-in behaviors into the registry.
func RegisterBuiltins(reg *Registry, deps BuiltinDeps) error {
	for _, b := range Builtins(deps) {
		if err := reg.Register(b); err != nil {
			return err
		}
	}
	return nil
}

// --- data.set ---

type dataSet struct {
	engine *expressions.ExprEngine
}

func (b *dataSet) Type() string { return TypeDataSet }

func (b *dataSet) Schema() BehaviorSchema {
	return BehaviorSchema{
		Description: "Write fixed or computed values into the context data. String values starting with '=' are Expr expressions.",
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"required": ["values"],
			"properties": {"values": {"type": "object", "minProperties": 1}}
		}`),
	}
}

func (b *dataSet) Execute(ctx context.Context, _ string, config map[string]any, ec *execution.Context) (*execution.Outcome, error) {
	values, ok := config["values"].(map[string]any)
	if !ok || len(values) == 0 {
		return execution.Fail(schema.FailureValidation, "data.set requires a non-empty 'values' object"), nil
	}

	exprs := make(map[string]string)
	out := make(map[string]any, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok && strings.HasPrefix(s, "=") {
			exprs[k] = strings.TrimPrefix(s, "=")
			continue
		}
		out[k] = schema.CloneValue(v)
	}

	if len(exprs) > 0 {
		computed, err := b.engine.EvaluateEach(ctx, exprs, ec.Vars())
		if err != nil {
			return nil, err
		}
		for k, v := range computed {
			out[k] = v
		}
	}

	return execution.Ok(fmt.Sprintf("set %d keys", len(out)), out), nil
}

// --- data.transform ---

type dataTransform struct {
	engine *expressions.GoJQEngine
}

func (b *dataTransform) Type() string { return TypeDataTransform }

func (b *dataTransform) Schema() BehaviorSchema {
	return BehaviorSchema{
		Description: "Run a jq program over the context and store the result under a data key.",
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"required": ["program", "target"],
			"properties": {
				"program": {"type": "string", "minLength": 1},
				"target": {"type": "string", "minLength": 1}
			}
		}`),
	}
}

func (b *dataTransform) Execute(ctx context.Context, _ string, config map[string]any, ec *execution.Context) (*execution.Outcome, error) {
	program, _ := config["program"].(string)
	target, _ := config["target"].(string)
	if program == "" || target == "" {
		return execution.Fail(schema.FailureValidation, "data.transform requires 'program' and 'target'"), nil
	}

	result, err := b.engine.Evaluate(ctx, program, ec.Vars())
	if err != nil {
		return nil, err
	}
	return execution.Ok("transformed into "+target, map[string]any{target: result}), nil
}

// --- guard.require ---

type guardRequire struct {
	engine *expressions.CELEngine
}

func (b *guardRequire) Type() string { return TypeGuardRequire }

func (b *guardRequire) Schema() BehaviorSchema {
	return BehaviorSchema{
		Description: "Fail the step unless a CEL expression over the context evaluates to true.",
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"required": ["expression"],
			"properties": {
				"expression": {"type": "string", "minLength": 1},
				"message": {"type": "string"},
				"kind": {"type": "string", "enum": ["validation_failed", "precondition_not_met", "external_call_failed", "unknown"]}
			}
		}`),
	}
}

func (b *guardRequire) Execute(ctx context.Context, _ string, config map[string]any, ec *execution.Context) (*execution.Outcome, error) {
	expression, _ := config["expression"].(string)
	if expression == "" {
		return execution.Fail(schema.FailureValidation, "guard.require requires a non-empty 'expression'"), nil
	}

	ok, err := b.engine.EvaluateBool(ctx, expression, ec.Vars())
	if err != nil {
		return nil, err
	}
	if ok {
		return execution.Ok("guard passed", nil), nil
	}

	kind := schema.FailurePrecondition
	if k, _ := config["kind"].(string); k != "" {
		kind = schema.FailureKind(k)
	}
	msg, _ := config["message"].(string)
	if msg == "" {
		msg = fmt.Sprintf("guard %q not satisfied", expression)
	}
	return execution.Fail(kind, "%s", msg), nil
}

// --- guard.schema ---

type guardSchema struct {
	schemas *validation.JSONSchemaValidator
}

func (b *guardSchema) Type() string { return TypeGuardSchema }

func (b *guardSchema) Schema() BehaviorSchema {
	return BehaviorSchema{
		Description: "Validate a context data key against a JSON Schema.",
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"required": ["key", "schema"],
			"properties": {
				"key": {"type": "string", "minLength": 1},
				"schema": {"type": ["object", "string"]}
			}
		}`),
	}
}

func (b *guardSchema) Execute(_ context.Context, _ string, config map[string]any, ec *execution.Context) (*execution.Outcome, error) {
	key, _ := config["key"].(string)
	value, ok := ec.Get(key)
	if !ok {
		return execution.Fail(schema.FailureValidation, "context data has no key %q", key), nil
	}

	var raw []byte
	switch s := config["schema"].(type) {
	case string:
		raw = []byte(s)
	case nil:
		return execution.Fail(schema.FailureValidation, "guard.schema requires a 'schema'"), nil
	default:
		encoded, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("marshal schema: %w", err)
		}
		raw = encoded
	}

	if err := b.schemas.ValidateValue(value, raw); err != nil {
		o := execution.Fail(schema.FailureValidation, "%s: %s", key, errorMessage(err))
		o.Err = err
		return o, nil
	}
	return execution.Ok(key+" is valid", nil), nil
}

func errorMessage(err error) string {
	var opErr *schema.OpcodeError
	if errors.As(err, &opErr) {
		return opErr.Message
	}
	return err.Error()
}
