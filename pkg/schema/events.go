package schema

// Event type constants for the audit log.
const (
	EventWorkflowCreated   = "workflow_created"
	EventWorkflowActivated = "workflow_activated"
	EventWorkflowArchived  = "workflow_archived"

	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventWorkflowExcluded   = "workflow_excluded"

	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"

	EventFailureNotified = "failure_notified"
	EventRollbackHalted  = "rollback_halted"
)

// StepStatus is the outcome recorded for one scheduled behavior.
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// FailureKind classifies a behavior failure. The scheduler only logs it.
type FailureKind string

const (
	FailureValidation   FailureKind = "validation_failed"
	FailurePrecondition FailureKind = "precondition_not_met"
	FailureExternalCall FailureKind = "external_call_failed"
	FailureUnknown      FailureKind = "unknown"
)
