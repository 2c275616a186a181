package engine

import (
	"context"

	"github.com/rendis/opflow/internal/execution"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// Notification is emitted under the notify failure policy when a step fails.
type Notification struct {
	OrganizationID string             `json:"organization_id"`
	WorkflowID     string             `json:"workflow_id,omitempty"`
	BehaviorID     string             `json:"behavior_id"`
	BehaviorType   string             `json:"behavior_type"`
	Message        string             `json:"message"`
	Kind           schema.FailureKind `json:"kind"`
}

// Notifier receives step failure notifications. Delivery is fire-and-forget:
// a returned error is logged and never changes step or run status.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function into a Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// RollbackInfo describes a pipeline halted by the rollback policy.
type RollbackInfo struct {
	OrganizationID string
	Failed         execution.StepResult
	// Completed lists the steps that succeeded before the failure, in order.
	// Their external side effects have already happened.
	Completed []execution.StepResult
	Context   *execution.Context
}

// RollbackHook is invoked after a rollback halt. It is advisory: the engine
// performs no compensation itself and ignores the hook's error beyond logging.
type RollbackHook func(ctx context.Context, info RollbackInfo) error

// EventAppender is satisfied by the Store; used to record step and run events.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}
