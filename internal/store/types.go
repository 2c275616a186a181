package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// Event is an immutable entry in a workflow's audit log.
type Event struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	BehaviorID string          `json:"behavior_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// ScheduledTrigger fires a trigger event on a cron schedule with a fixed
// execution context.
type ScheduledTrigger struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	TriggerEvent   string `json:"trigger_event"`
	// WorkflowName is the context workflow name; empty derives it from TriggerEvent.
	WorkflowName   string            `json:"workflow_name,omitempty"`
	CronExpression string            `json:"cron_expression"`
	Inputs         []ScheduledInput  `json:"inputs,omitempty"`
	Objects        []ScheduledObject `json:"objects,omitempty"`
	Data           map[string]any    `json:"data,omitempty"`
	Enabled        bool              `json:"enabled"`
	LastRunAt      *time.Time        `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time        `json:"next_run_at,omitempty"`
	LastRunStatus  string            `json:"last_run_status,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// ScheduledInput is a tagged input payload carried by a scheduled trigger.
type ScheduledInput struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ScheduledObject is a participant reference carried by a scheduled trigger.
type ScheduledObject struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	OrganizationID string                 `json:"organization_id,omitempty"`
	Status         *schema.WorkflowStatus `json:"status,omitempty"`
	TriggerEvent   string                 `json:"trigger_event,omitempty"`
	TemplateID     string                 `json:"template_id,omitempty"`
	Limit          int                    `json:"limit,omitempty"`
	Offset         int                    `json:"offset,omitempty"`
}

// ScheduledTriggerUpdate specifies mutable fields of a scheduled trigger.
type ScheduledTriggerUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledTriggerFilter specifies criteria for listing scheduled triggers.
type ScheduledTriggerFilter struct {
	OrganizationID string `json:"organization_id,omitempty"`
	Enabled        *bool  `json:"enabled,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// workflowDocument is the JSON column holding a workflow's nested parts.
type workflowDocument struct {
	Participants []schema.Participant      `json:"participants"`
	Behaviors    []schema.BehaviorInstance `json:"behaviors"`
	Execution    schema.ExecutionContract  `json:"execution"`
}
