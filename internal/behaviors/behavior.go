package behaviors

import (
	"context"
	"encoding/json"

	"github.com/rendis/opflow/internal/execution"
)

// Behavior is an executable unit of business logic attached to a workflow.
//
// Execute reads from and writes to the execution context only through the
// returned Outcome: successful outcome data is merged into the context by
// the scheduler. A returned error is treated as a failure of kind unknown.
type Behavior interface {
	Type() string
	Schema() BehaviorSchema
	Execute(ctx context.Context, orgID string, config map[string]any, ec *execution.Context) (*execution.Outcome, error)
}

// BehaviorSchema describes a behavior's configuration contract.
type BehaviorSchema struct {
	Description  string          `json:"description,omitempty"`
	ConfigSchema json.RawMessage `json:"config_schema,omitempty"`
	// Reads and Writes document the context data keys the behavior touches.
	Reads  []string `json:"reads,omitempty"`
	Writes []string `json:"writes,omitempty"`
}

// BehaviorInfo is a summary of a registered behavior for listing.
type BehaviorInfo struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ExecuteFunc is the signature of Behavior.Execute.
type ExecuteFunc func(ctx context.Context, orgID string, config map[string]any, ec *execution.Context) (*execution.Outcome, error)

// Func adapts a plain function into a Behavior.
func Func(behaviorType string, s BehaviorSchema, fn ExecuteFunc) Behavior {
	return &funcBehavior{typ: behaviorType, schema: s, fn: fn}
}

type funcBehavior struct {
	typ    string
	schema BehaviorSchema
	fn     ExecuteFunc
}

func (f *funcBehavior) Type() string           { return f.typ }
func (f *funcBehavior) Schema() BehaviorSchema { return f.schema }

func (f *funcBehavior) Execute(ctx context.Context, orgID string, config map[string]any, ec *execution.Context) (*execution.Outcome, error) {
	return f.fn(ctx, orgID, config, ec)
}
