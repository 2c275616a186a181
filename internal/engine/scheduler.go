// Package engine orders and runs behavior pipelines and dispatches trigger
// events to the workflows that subscribe to them.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/rendis/opflow/internal/behaviors"
	"github.com/rendis/opflow/internal/execution"
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/pkg/schema"
)

// BehaviorSource resolves behavior types to implementations.
type BehaviorSource interface {
	Get(behaviorType string) (behaviors.Behavior, error)
}

// ConditionEvaluator evaluates trigger conditions against the live context.
type ConditionEvaluator interface {
	EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error)
}

// Scheduler runs an ordered pipeline of behavior instances against one
// execution context. A Scheduler is safe for concurrent use; each Run owns
// its context exclusively.
type Scheduler struct {
	source     BehaviorSource
	conditions ConditionEvaluator
	notifier   Notifier
	rollback   RollbackHook
	breakers   *CircuitBreakerRegistry
	events     EventAppender
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNotifier sets the notifier used by the notify policy.
func WithNotifier(n Notifier) Option { return func(s *Scheduler) { s.notifier = n } }

// WithRollbackHook sets the hook invoked after a rollback halt.
func WithRollbackHook(h RollbackHook) Option { return func(s *Scheduler) { s.rollback = h } }

// WithCircuitBreakers enables per-behavior-type circuit breaking.
func WithCircuitBreakers(r *CircuitBreakerRegistry) Option {
	return func(s *Scheduler) { s.breakers = r }
}

// WithEventLog records step events for behaviors that carry a workflow id.
func WithEventLog(e EventAppender) Option { return func(s *Scheduler) { s.events = e } }

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithConditions overrides the engine used for trigger conditions.
func WithConditions(c ConditionEvaluator) Option { return func(s *Scheduler) { s.conditions = c } }

// NewScheduler creates a Scheduler over the given behavior source.
func NewScheduler(source BehaviorSource, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		source: source,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.conditions == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, fmt.Errorf("create condition engine: %w", err)
		}
		s.conditions = cel
	}
	return s, nil
}

// Run executes the pipeline. The returned error is reserved for problems that
// prevent the run from starting (nil context, unknown behavior types) and for
// cancellation; behavior failures are reported in the Result.
//
// Behavior types are resolved for the planned steps only (enabled and matching
// the context); a disabled or unmatched behavior with an unregistered type
// never fails the run. Workflow validation rejects unknown types earlier.
func (s *Scheduler) Run(
	ctx context.Context,
	orgID string,
	list []schema.BehaviorInstance,
	ec *execution.Context,
	opts RunOptions,
) (*execution.Result, error) {
	if ec == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution context is required")
	}

	plan := Order(list, ec)
	impls, err := s.resolve(plan)
	if err != nil {
		return nil, err
	}

	result := &execution.Result{
		Success: true,
		Policy:  opts.policy(),
		Steps:   make([]execution.StepResult, 0, len(plan)),
	}
	logger := s.log(logging.WithOrganizationID(ctx, orgID))
	logger.Debug("pipeline started", "workflow_name", ec.WorkflowName, "steps", len(plan), "policy", result.Policy)

	var completed []execution.StepResult
	for i, b := range plan {
		if err := ctx.Err(); err != nil {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Sprintf("run cancelled: %v", err))
			s.skipRemaining(ctx, result, plan[i:], "run cancelled")
			result.Context = ec.Snapshot()
			return result, err
		}

		step := s.runStep(ctx, orgID, b, impls[i], ec)
		result.Steps = append(result.Steps, step)

		switch step.Status {
		case schema.StepStatusCompleted:
			completed = append(completed, step)
			s.record(ctx, b.WorkflowID, b.ID, schema.EventStepCompleted, stepPayload(step))
			continue
		case schema.StepStatusSkipped:
			s.record(ctx, b.WorkflowID, b.ID, schema.EventStepSkipped, stepPayload(step))
			continue
		}

		s.record(ctx, b.WorkflowID, b.ID, schema.EventStepFailed, stepPayload(step))
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", step.Type, step.Message))

		action := s.handleFailure(ctx, orgID, opts, step, completed, ec)
		if action.FailRun {
			result.Success = false
		}
		if action.Halt {
			s.skipRemaining(ctx, result, plan[i+1:], fmt.Sprintf("halted after %s failed", step.Type))
			break
		}
	}

	result.Context = ec.Snapshot()
	logger.Debug("pipeline finished", "success", result.Success, "failed", len(result.Failed()))
	return result, nil
}

// resolve looks up every planned type before anything runs so a pipeline
// with an unregistered type has no side effects.
func (s *Scheduler) resolve(plan []schema.BehaviorInstance) ([]behaviors.Behavior, error) {
	impls := make([]behaviors.Behavior, len(plan))
	unknown := map[string]bool{}
	for i, b := range plan {
		impl, err := s.source.Get(b.Type)
		if err != nil {
			unknown[b.Type] = true
			continue
		}
		impls[i] = impl
	}
	if len(unknown) == 0 {
		return impls, nil
	}
	types := make([]string, 0, len(unknown))
	for t := range unknown {
		types = append(types, t)
	}
	sort.Strings(types)
	return nil, schema.NewErrorf(schema.ErrCodeUnknownBehaviorType,
		"no behavior registered for type(s) %v", types).
		WithDetails(map[string]any{"types": types})
}

func (s *Scheduler) runStep(
	ctx context.Context,
	orgID string,
	b schema.BehaviorInstance,
	impl behaviors.Behavior,
	ec *execution.Context,
) (step execution.StepResult) {
	step = execution.StepResult{
		BehaviorID: b.ID,
		Type:       b.Type,
		WorkflowID: b.WorkflowID,
	}
	stepCtx := logging.WithIDs(ctx, orgID, b.WorkflowID, b.ID)
	start := s.now()
	defer func() { step.DurationMs = s.now().Sub(start).Milliseconds() }()

	if b.Trigger != nil && b.Trigger.Condition != "" {
		ok, err := s.conditions.EvaluateBool(stepCtx, b.Trigger.Condition, ec.Vars())
		if err != nil {
			return failed(step, schema.FailureValidation, fmt.Sprintf("trigger condition: %v", err))
		}
		if !ok {
			step.Status = schema.StepStatusSkipped
			step.Message = "trigger condition not met"
			return step
		}
	}

	if s.breakers != nil {
		if err := s.breakers.Allow(b.Type); err != nil {
			return failed(step, schema.FailureExternalCall, err.Error())
		}
	}

	// The behavior works on a copy; its direct writes reach ec only on success.
	work := ec.Snapshot()
	outcome, err := invoke(stepCtx, impl, orgID, schema.CloneConfig(b.Config), work)
	switch {
	case err != nil:
		step = failed(step, schema.FailureUnknown, err.Error())
	case outcome == nil:
		step = failed(step, schema.FailureUnknown, "behavior returned no outcome")
	case outcome.Success:
		ec.Data = work.Data
		ec.Merge(outcome.Data)
		step.Status = schema.StepStatusCompleted
		step.Success = true
		step.Message = outcome.Message
		step.Data = outcome.Data
	default:
		kind := outcome.Kind
		if kind == "" {
			kind = schema.FailureUnknown
		}
		msg := outcome.Message
		if msg == "" && outcome.Err != nil {
			msg = outcome.Err.Error()
		}
		step = failed(step, kind, msg)
	}

	if s.breakers != nil {
		s.breakers.Record(b.Type, step.Success, step.FailureKind)
	}
	if !step.Success {
		s.log(stepCtx).Info("behavior failed", "behavior_type", b.Type, "kind", step.FailureKind, "message", step.Message)
	}
	return step
}

// invoke calls the behavior, converting a panic into an error.
func invoke(
	ctx context.Context,
	impl behaviors.Behavior,
	orgID string,
	config map[string]any,
	ec *execution.Context,
) (outcome *execution.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = schema.NewErrorf(schema.ErrCodeExecution, "behavior %s panicked: %v", impl.Type(), r)
		}
	}()
	return impl.Execute(ctx, orgID, config, ec)
}

func failed(step execution.StepResult, kind schema.FailureKind, msg string) execution.StepResult {
	step.Status = schema.StepStatusFailed
	step.Success = false
	step.FailureKind = kind
	step.Message = msg
	return step
}

func (s *Scheduler) skipRemaining(ctx context.Context, result *execution.Result, rest []schema.BehaviorInstance, reason string) {
	for _, b := range rest {
		step := execution.StepResult{
			BehaviorID: b.ID,
			Type:       b.Type,
			WorkflowID: b.WorkflowID,
			Status:     schema.StepStatusSkipped,
			Message:    reason,
		}
		result.Steps = append(result.Steps, step)
		s.record(ctx, b.WorkflowID, b.ID, schema.EventStepSkipped, stepPayload(step))
	}
}

func stepPayload(step execution.StepResult) map[string]any {
	p := map[string]any{
		"behavior_type": step.Type,
		"status":        string(step.Status),
	}
	if step.Message != "" {
		p["message"] = step.Message
	}
	if step.FailureKind != "" {
		p["kind"] = string(step.FailureKind)
	}
	if step.DurationMs > 0 {
		p["duration_ms"] = step.DurationMs
	}
	return p
}

func (s *Scheduler) log(ctx context.Context) *slog.Logger {
	return logging.LogWith(ctx, s.logger)
}
