package schema

import "time"

// WorkflowStatus is the lifecycle state of a persisted workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// FailurePolicy governs what the scheduler does when a behavior fails.
type FailurePolicy string

const (
	// PolicyRollback halts the pipeline at the first failure. Side effects of
	// earlier steps are not undone.
	PolicyRollback FailurePolicy = "rollback"
	PolicyContinue FailurePolicy = "continue"
	// PolicyNotify behaves like PolicyContinue and additionally reports each
	// failure to the configured notifier.
	PolicyNotify FailurePolicy = "notify"
)

// Valid reports whether p is a known policy.
func (p FailurePolicy) Valid() bool {
	switch p {
	case PolicyRollback, PolicyContinue, PolicyNotify:
		return true
	}
	return false
}

// Strictness orders policies for merged pipelines: rollback > notify > continue.
func (p FailurePolicy) Strictness() int {
	switch p {
	case PolicyRollback:
		return 2
	case PolicyNotify:
		return 1
	default:
		return 0
	}
}

// Required input classes understood by the context validator.
const (
	InputFormResponses    = "form_responses"
	InputProductSelection = "product_selection"
)

// ParticipantRole declares a slot a template expects to be bound at creation.
type ParticipantRole struct {
	Role       string `json:"role"`
	ObjectKind string `json:"object_kind"`
	Required   bool   `json:"required"`
}

// BehaviorSpec is a template's default behavior entry.
type BehaviorSpec struct {
	Type        string            `json:"type"`
	Enabled     bool              `json:"enabled"`
	Priority    int               `json:"priority"`
	Description string            `json:"description,omitempty"`
	Trigger     *TriggerPredicate `json:"trigger,omitempty"`
	Config      map[string]any    `json:"config,omitempty"`
}

// ExecutionContract declares when a workflow runs and what it needs.
type ExecutionContract struct {
	TriggerOn      string        `json:"trigger_on"`
	RequiredInputs []string      `json:"required_inputs,omitempty"`
	OutputActions  []string      `json:"output_actions,omitempty"`
	FailurePolicy  FailurePolicy `json:"failure_policy"`
	// ZeroTolerance makes any failed step fail the whole execution even
	// under the continue and notify policies.
	ZeroTolerance bool `json:"zero_tolerance,omitempty"`
}

// Template is an immutable catalog blueprint for constructing a Workflow.
type Template struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Category     string            `json:"category"`
	Subtype      string            `json:"subtype,omitempty"`
	Participants []ParticipantRole `json:"participants"`
	Behaviors    []BehaviorSpec    `json:"behaviors"`
	Execution    ExecutionContract `json:"execution"`
}

// Participant is a domain object bound to a workflow role.
type Participant struct {
	ObjectID   string `json:"object_id"`
	ObjectKind string `json:"object_kind"`
	Role       string `json:"role"`
}

// TriggerPredicate narrows when a behavior is eligible. A nil field places no
// constraint on that dimension; a nil predicate always matches.
type TriggerPredicate struct {
	InputKinds    []string `json:"input_kinds,omitempty"`
	ObjectKinds   []string `json:"object_kinds,omitempty"`
	WorkflowNames []string `json:"workflow_names,omitempty"`
	// Condition is an optional CEL expression over the execution context.
	Condition string `json:"condition,omitempty"`
}

// BehaviorInstance is a configured behavior embedded in a Workflow.
type BehaviorInstance struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Enabled     bool              `json:"enabled"`
	Priority    int               `json:"priority"`
	Description string            `json:"description,omitempty"`
	Trigger     *TriggerPredicate `json:"trigger,omitempty"`
	Config      map[string]any    `json:"config,omitempty"`

	// WorkflowID is set when behaviors from several workflows are merged.
	WorkflowID string `json:"workflow_id,omitempty"`
}

// Workflow is a persisted, organization-owned instance of behaviors.
type Workflow struct {
	ID             string             `json:"id"`
	OrganizationID string             `json:"organization_id"`
	Name           string             `json:"name"`
	Description    string             `json:"description,omitempty"`
	Status         WorkflowStatus     `json:"status"`
	Subtype        string             `json:"subtype,omitempty"`
	Participants   []Participant      `json:"participants"`
	Behaviors      []BehaviorInstance `json:"behaviors"`
	Execution      ExecutionContract  `json:"execution"`
	TemplateID     string             `json:"template_id,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// CloneConfig returns a deep copy of a JSON-shaped configuration map.
func CloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies maps and slices; other values are returned as is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneConfig(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

// Clone returns a deep copy of the predicate.
func (p *TriggerPredicate) Clone() *TriggerPredicate {
	if p == nil {
		return nil
	}
	return &TriggerPredicate{
		InputKinds:    cloneStrings(p.InputKinds),
		ObjectKinds:   cloneStrings(p.ObjectKinds),
		WorkflowNames: cloneStrings(p.WorkflowNames),
		Condition:     p.Condition,
	}
}

// Clone returns a deep copy of the behavior instance.
func (b BehaviorInstance) Clone() BehaviorInstance {
	b.Trigger = b.Trigger.Clone()
	b.Config = CloneConfig(b.Config)
	return b
}

// Clone returns a deep copy of the template.
func (t *Template) Clone() *Template {
	out := *t
	out.Participants = append([]ParticipantRole(nil), t.Participants...)
	out.Behaviors = make([]BehaviorSpec, len(t.Behaviors))
	for i, b := range t.Behaviors {
		b.Trigger = b.Trigger.Clone()
		b.Config = CloneConfig(b.Config)
		out.Behaviors[i] = b
	}
	out.Execution.RequiredInputs = cloneStrings(t.Execution.RequiredInputs)
	out.Execution.OutputActions = cloneStrings(t.Execution.OutputActions)
	return &out
}

// Clone returns a deep copy of the workflow.
func (w *Workflow) Clone() *Workflow {
	out := *w
	out.Participants = append([]Participant(nil), w.Participants...)
	out.Behaviors = make([]BehaviorInstance, len(w.Behaviors))
	for i, b := range w.Behaviors {
		out.Behaviors[i] = b.Clone()
	}
	out.Execution.RequiredInputs = cloneStrings(w.Execution.RequiredInputs)
	out.Execution.OutputActions = cloneStrings(w.Execution.OutputActions)
	return &out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
