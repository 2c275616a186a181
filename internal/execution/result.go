package execution

import (
	"fmt"

	"github.com/rendis/opflow/pkg/schema"
)

// Outcome is what a behavior reports back to the scheduler.
type Outcome struct {
	Success bool               `json:"success"`
	Message string             `json:"message,omitempty"`
	Data    map[string]any     `json:"data,omitempty"`
	Kind    schema.FailureKind `json:"kind,omitempty"`
	Err     error              `json:"-"`
}

// Ok builds a successful outcome whose data is merged into the context.
func Ok(message string, data map[string]any) *Outcome {
	return &Outcome{Success: true, Message: message, Data: data}
}

// Fail builds a failed outcome of the given kind.
func Fail(kind schema.FailureKind, format string, args ...any) *Outcome {
	return &Outcome{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// StepResult records one scheduled behavior.
type StepResult struct {
	BehaviorID  string             `json:"behavior_id"`
	Type        string             `json:"type"`
	WorkflowID  string             `json:"workflow_id,omitempty"`
	Status      schema.StepStatus  `json:"status"`
	Success     bool               `json:"success"`
	Message     string             `json:"message,omitempty"`
	Data        map[string]any     `json:"data,omitempty"`
	FailureKind schema.FailureKind `json:"failure_kind,omitempty"`
	DurationMs  int64              `json:"duration_ms,omitempty"`
}

// Result is the outcome of one pipeline run. It is not persisted.
type Result struct {
	Success bool                 `json:"success"`
	Policy  schema.FailurePolicy `json:"policy"`
	Steps   []StepResult         `json:"steps"`
	Context *Context             `json:"context"`
	Errors  []string             `json:"errors,omitempty"`
	// Excluded lists workflows whose contract rejected the context.
	Excluded []string `json:"excluded,omitempty"`
}

// Executed returns the behavior types that actually ran, in order.
func (r *Result) Executed() []string {
	out := make([]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		if s.Status != schema.StepStatusSkipped {
			out = append(out, s.Type)
		}
	}
	return out
}

// Failed returns the step results that failed.
func (r *Result) Failed() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if s.Status == schema.StepStatusFailed {
			out = append(out, s)
		}
	}
	return out
}
