package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/rendis/opflow/internal/execution"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/trigger"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/schema"
)

// WorkflowResolver finds the active workflows subscribed to an event.
type WorkflowResolver interface {
	ResolveForTrigger(ctx context.Context, orgID, event string) ([]*schema.Workflow, error)
}

// Dispatcher turns a trigger event into one merged pipeline run across every
// subscribed workflow whose contract accepts the context.
type Dispatcher struct {
	resolver    WorkflowResolver
	scheduler   *Scheduler
	events      EventAppender
	logger      *slog.Logger
	concurrency int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchEvents records execution and exclusion events per workflow.
func WithDispatchEvents(e EventAppender) DispatcherOption {
	return func(d *Dispatcher) { d.events = e }
}

// WithDispatchLogger sets the dispatcher's logger.
func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithBatchConcurrency bounds how many batch requests run at once.
func WithBatchConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) { d.concurrency = n }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(resolver WorkflowResolver, scheduler *Scheduler, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		resolver:    resolver,
		scheduler:   scheduler,
		logger:      slog.Default(),
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// MergedOptions picks the strictest policy among the workflows
// (rollback > notify > continue) and enables zero tolerance when any of them
// requests it.
func MergedOptions(wfs []*schema.Workflow) RunOptions {
	var opts RunOptions
	for i, wf := range wfs {
		p := wf.Execution.FailurePolicy
		if p == "" {
			p = schema.PolicyRollback
		}
		if i == 0 || p.Strictness() > opts.Policy.Strictness() {
			opts.Policy = p
		}
		if wf.Execution.ZeroTolerance {
			opts.ZeroTolerance = true
		}
	}
	return opts
}

// Fire resolves the workflows subscribed to event, validates the context per
// workflow, and runs the merged pipeline of the workflows that accept it.
//
// No subscribed workflow yields a successful empty result. When every
// subscribed workflow rejects the context, Fire returns the validation error
// and runs nothing.
func (d *Dispatcher) Fire(ctx context.Context, orgID, event string, ec *execution.Context) (*execution.Result, error) {
	if ec == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution context is required")
	}
	ctx = logging.WithOrganizationID(ctx, orgID)
	logger := logging.LogWith(ctx, d.logger)

	wfs, err := d.resolver.ResolveForTrigger(ctx, orgID, event)
	if err != nil {
		return nil, err
	}
	if len(wfs) == 0 {
		logger.Debug("no workflows subscribed", "event", event)
		return &execution.Result{
			Success: true,
			Policy:  schema.PolicyRollback,
			Steps:   []execution.StepResult{},
			Context: ec.Snapshot(),
		}, nil
	}

	var (
		accepted []*schema.Workflow
		excluded []string
		rejected = &schema.ValidationResult{}
	)
	for _, wf := range wfs {
		vr := validation.ValidateContext(wf, ec)
		if vr.Valid() {
			accepted = append(accepted, wf)
			continue
		}
		excluded = append(excluded, wf.ID)
		rejected.Merge(vr)
		d.record(ctx, wf.ID, schema.EventWorkflowExcluded, map[string]any{
			"event":  event,
			"errors": vr.Messages(),
		})
		logger.Info("workflow excluded", "workflow_id", wf.ID, "errors", vr.Messages())
	}
	if len(accepted) == 0 {
		return nil, rejected.ToError()
	}

	opts := MergedOptions(accepted)
	for _, wf := range accepted {
		d.record(ctx, wf.ID, schema.EventExecutionStarted, map[string]any{
			"event":  event,
			"policy": string(opts.Policy),
		})
	}

	result, runErr := d.scheduler.Run(ctx, orgID, trigger.FlattenBehaviors(accepted), ec, opts)
	if result == nil {
		return nil, runErr
	}
	result.Excluded = excluded
	result.Errors = append(result.Errors, rejected.Messages()...)

	for _, wf := range accepted {
		failedSteps := 0
		for _, s := range result.Steps {
			if s.WorkflowID == wf.ID && s.Status == schema.StepStatusFailed {
				failedSteps++
			}
		}
		eventType := schema.EventExecutionCompleted
		if !result.Success {
			eventType = schema.EventExecutionFailed
		}
		d.record(ctx, wf.ID, eventType, map[string]any{
			"event":        event,
			"success":      result.Success,
			"failed_steps": failedSteps,
		})
	}
	logger.Info("trigger dispatched", "event", event, "workflows", len(accepted),
		"excluded", len(excluded), "success", result.Success)
	return result, runErr
}

// FireRequest is one entry of a batch dispatch.
type FireRequest struct {
	OrganizationID string
	Event          string
	Context        *execution.Context
}

// FireResponse pairs a batch entry with its outcome. Index refers to the
// position in the request slice.
type FireResponse struct {
	Index  int
	Result *execution.Result
	Err    error
}

// FireBatch dispatches independent requests concurrently on a bounded pool.
// Each request must carry its own context. Responses are returned in request
// order.
func (d *Dispatcher) FireBatch(ctx context.Context, reqs []FireRequest) []FireResponse {
	out := make([]FireResponse, len(reqs))
	pool := NewWorkerPool(d.concurrency)
	var mu sync.Mutex

	for i, req := range reqs {
		out[i].Index = i
		err := pool.Submit(ctx, func(ctx context.Context) error {
			res, err := d.Fire(ctx, req.OrganizationID, req.Event, req.Context)
			mu.Lock()
			out[i].Result = res
			out[i].Err = err
			mu.Unlock()
			return err
		})
		if err != nil {
			out[i].Err = err
		}
	}
	pool.Shutdown()
	return out
}

func (d *Dispatcher) record(ctx context.Context, workflowID, eventType string, payload map[string]any) {
	if d.events == nil {
		return
	}
	raw, _ := json.Marshal(payload)
	if err := d.events.AppendEvent(ctx, &store.Event{
		WorkflowID: workflowID,
		Type:       eventType,
		Payload:    raw,
	}); err != nil {
		logging.LogWith(ctx, d.logger).Warn("event not recorded", "event_type", eventType, "error", err)
	}
}
