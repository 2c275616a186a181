// Package trigger finds the active workflows that react to a business event
// and flattens their behaviors into one pipeline.
package trigger

import (
	"context"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// WorkflowLister is the part of the store the resolver reads.
type WorkflowLister interface {
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error)
}

// Resolver looks up workflows by trigger event.
type Resolver struct {
	workflows WorkflowLister
}

// NewResolver creates a Resolver reading from the given store.
func NewResolver(workflows WorkflowLister) *Resolver {
	return &Resolver{workflows: workflows}
}

// ResolveForTrigger returns the organization's active workflows whose
// contract triggers on event, in creation order. Draft and archived
// workflows never match.
func (r *Resolver) ResolveForTrigger(ctx context.Context, orgID, event string) ([]*schema.Workflow, error) {
	if orgID == "" || event == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "organization id and trigger event are required")
	}
	active := schema.WorkflowStatusActive
	wfs, err := r.workflows.ListWorkflows(ctx, store.WorkflowFilter{
		OrganizationID: orgID,
		Status:         &active,
		TriggerEvent:   event,
	})
	if err != nil {
		return nil, err
	}

	// The filter is pushed down to the store; re-check so a lenient
	// implementation cannot leak other statuses or tenants.
	out := wfs[:0]
	for _, wf := range wfs {
		if wf.Status == schema.WorkflowStatusActive && wf.OrganizationID == orgID && wf.Execution.TriggerOn == event {
			out = append(out, wf)
		}
	}
	return out, nil
}

// FlattenBehaviors concatenates the behaviors of every workflow, preserving
// workflow order then in-workflow order. Each entry is a deep copy tagged
// with its source workflow id. Priorities are not renormalized.
func FlattenBehaviors(wfs []*schema.Workflow) []schema.BehaviorInstance {
	n := 0
	for _, wf := range wfs {
		n += len(wf.Behaviors)
	}
	out := make([]schema.BehaviorInstance, 0, n)
	for _, wf := range wfs {
		for _, b := range wf.Behaviors {
			cp := b.Clone()
			cp.WorkflowID = wf.ID
			out = append(out, cp)
		}
	}
	return out
}
