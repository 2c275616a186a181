package store

import (
	"context"

	"github.com/rendis/opflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	// UpdateWorkflowStatus moves a workflow from one status to another.
	// Returns NOT_FOUND for an unknown id and INVALID_TRANSITION when the
	// stored status is no longer from.
	UpdateWorkflowStatus(ctx context.Context, id string, from, to schema.WorkflowStatus) error
	// ListWorkflows returns matches in creation order (created_at, then id).
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Audit log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error)

	// Scheduled Triggers
	CreateScheduledTrigger(ctx context.Context, st *ScheduledTrigger) error
	GetScheduledTrigger(ctx context.Context, id string) (*ScheduledTrigger, error)
	UpdateScheduledTrigger(ctx context.Context, id string, update ScheduledTriggerUpdate) error
	ListScheduledTriggers(ctx context.Context, filter ScheduledTriggerFilter) ([]*ScheduledTrigger, error)
	DeleteScheduledTrigger(ctx context.Context, id string) error

	// Secrets hold vault ciphertext keyed by organization and name.
	StoreSecret(ctx context.Context, orgID, name string, value []byte) error
	GetSecret(ctx context.Context, orgID, name string) ([]byte, error)
	DeleteSecret(ctx context.Context, orgID, name string) error
	ListSecrets(ctx context.Context, orgID string) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
