package engine

import (
	"context"
	"encoding/json"

	"github.com/rendis/opflow/internal/execution"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// RunOptions selects the failure semantics of one run.
type RunOptions struct {
	Policy        schema.FailurePolicy
	ZeroTolerance bool
}

func (o RunOptions) policy() schema.FailurePolicy {
	if o.Policy == "" {
		return schema.PolicyRollback
	}
	return o.Policy
}

// failureAction describes what the scheduler does after a failed step.
type failureAction struct {
	// Halt stops the pipeline; remaining steps are marked skipped.
	Halt bool
	// Notify reports the failure to the notifier.
	Notify bool
	// FailRun flips the run's overall success to false.
	FailRun bool
}

// decideFailure maps a failed step to the action required by the policy.
func decideFailure(opts RunOptions) failureAction {
	switch opts.policy() {
	case schema.PolicyContinue:
		return failureAction{FailRun: opts.ZeroTolerance}
	case schema.PolicyNotify:
		return failureAction{Notify: true, FailRun: opts.ZeroTolerance}
	default:
		return failureAction{Halt: true, FailRun: true}
	}
}

// handleFailure applies the policy to a failed step: records the policy
// events and invokes the notifier or rollback hook. It returns the action
// so the caller can halt.
func (s *Scheduler) handleFailure(
	ctx context.Context,
	orgID string,
	opts RunOptions,
	step execution.StepResult,
	completed []execution.StepResult,
	ec *execution.Context,
) failureAction {
	action := decideFailure(opts)
	logger := s.log(ctx)

	if action.Notify && s.notifier != nil {
		n := Notification{
			OrganizationID: orgID,
			WorkflowID:     step.WorkflowID,
			BehaviorID:     step.BehaviorID,
			BehaviorType:   step.Type,
			Message:        step.Message,
			Kind:           step.FailureKind,
		}
		if err := s.notifier.Notify(ctx, n); err != nil {
			logger.Warn("failure notification not delivered", "behavior_type", step.Type, "error", err)
		}
		s.record(ctx, step.WorkflowID, step.BehaviorID, schema.EventFailureNotified, map[string]any{
			"behavior_type": step.Type,
			"kind":          string(step.FailureKind),
			"message":       step.Message,
		})
	}

	if action.Halt {
		s.record(ctx, step.WorkflowID, step.BehaviorID, schema.EventRollbackHalted, map[string]any{
			"behavior_type": step.Type,
			"completed":     len(completed),
		})
		if s.rollback != nil {
			info := RollbackInfo{
				OrganizationID: orgID,
				Failed:         step,
				Completed:      append([]execution.StepResult(nil), completed...),
				Context:        ec.Snapshot(),
			}
			if err := s.rollback(ctx, info); err != nil {
				logger.Warn("rollback hook failed", "behavior_type", step.Type, "error", err)
			}
		}
	}
	return action
}

// record appends an audit event when an event log is configured. Events are
// only written for behaviors that belong to a persisted workflow.
func (s *Scheduler) record(ctx context.Context, workflowID, behaviorID, eventType string, payload map[string]any) {
	if s.events == nil || workflowID == "" {
		return
	}
	raw, _ := json.Marshal(payload)
	if err := s.events.AppendEvent(ctx, &store.Event{
		WorkflowID: workflowID,
		BehaviorID: behaviorID,
		Type:       eventType,
		Payload:    raw,
	}); err != nil {
		s.log(ctx).Warn("event not recorded", "event_type", eventType, "error", err)
	}
}
