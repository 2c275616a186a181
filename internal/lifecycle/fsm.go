package lifecycle

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// ValidTransitions lists the statuses each workflow status may move to.
// archived is terminal.
var ValidTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusDraft:  {schema.WorkflowStatusActive},
	schema.WorkflowStatusActive: {schema.WorkflowStatusArchived},
}

// TransitionHook is called before or after a state transition.
type TransitionHook func(ctx context.Context, wf *schema.Workflow, from, to schema.WorkflowStatus) error

// StatusStore is the part of the store the FSM writes through.
type StatusStore interface {
	UpdateWorkflowStatus(ctx context.Context, id string, from, to schema.WorkflowStatus) error
	AppendEvent(ctx context.Context, event *store.Event) error
}

type hookKey struct {
	from, to schema.WorkflowStatus
}

// WorkflowFSM manages workflow lifecycle state transitions.
type WorkflowFSM struct {
	mu     sync.Mutex
	store  StatusStore
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

// NewWorkflowFSM creates a WorkflowFSM that persists through st.
func NewWorkflowFSM(st StatusStore) *WorkflowFSM {
	return &WorkflowFSM{
		store:  st,
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error aborts it.
func (f *WorkflowFSM) OnBefore(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition is persisted.
func (f *WorkflowFSM) OnAfter(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates, persists and records a status change. The stored
// status is compared-and-set, so a concurrent transition fails with
// INVALID_TRANSITION rather than being overwritten. On success wf.Status is
// updated in place.
func (f *WorkflowFSM) Transition(ctx context.Context, wf *schema.Workflow, to schema.WorkflowStatus) error {
	from := wf.Status
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": wf.ID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	f.mu.Lock()
	before := append([]TransitionHook(nil), f.before[key]...)
	after := append([]TransitionHook(nil), f.after[key]...)
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(ctx, wf, from, to); err != nil {
			return err
		}
	}

	if err := f.store.UpdateWorkflowStatus(ctx, wf.ID, from, to); err != nil {
		return err
	}
	wf.Status = to

	if eventType := eventFor(to); eventType != "" {
		payload, _ := json.Marshal(map[string]string{"from": string(from), "to": string(to)})
		event := &store.Event{WorkflowID: wf.ID, Type: eventType, Payload: payload}
		if err := f.store.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit workflow event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range after {
		if err := hook(ctx, wf, from, to); err != nil {
			return err
		}
	}
	return nil
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to schema.WorkflowStatus) bool {
	for _, a := range ValidTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func eventFor(to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusActive:
		return schema.EventWorkflowActivated
	case schema.WorkflowStatusArchived:
		return schema.EventWorkflowArchived
	default:
		return ""
	}
}
