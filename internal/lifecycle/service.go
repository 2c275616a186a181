// Package lifecycle creates workflows from templates or from scratch and
// moves them through draft -> active -> archived.
package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/templates"
	"github.com/rendis/opflow/pkg/schema"
)

// WorkflowValidator checks a fully built workflow before it is persisted.
// Satisfied by *validation.WorkflowValidator.
type WorkflowValidator interface {
	ValidateWorkflow(wf *schema.Workflow) error
}

// Binding binds a real object to a template role.
type Binding struct {
	Role       string `json:"role"`
	ObjectID   string `json:"object_id"`
	ObjectKind string `json:"object_kind,omitempty"`
}

// InstantiateRequest creates a workflow from a catalog template.
type InstantiateRequest struct {
	TemplateID     string    `json:"template_id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name,omitempty"`
	Description    string    `json:"description,omitempty"`
	Participants   []Binding `json:"participants"`
	// BehaviorOverrides replaces the default config of the template behavior
	// at the given position.
	BehaviorOverrides map[int]map[string]any `json:"behavior_overrides,omitempty"`
}

// CustomRequest creates a workflow from scratch.
type CustomRequest struct {
	OrganizationID string                   `json:"organization_id"`
	Name           string                   `json:"name"`
	Description    string                   `json:"description,omitempty"`
	Subtype        string                   `json:"subtype,omitempty"`
	Participants   []schema.Participant     `json:"participants,omitempty"`
	Behaviors      []schema.BehaviorSpec    `json:"behaviors,omitempty"`
	Execution      schema.ExecutionContract `json:"execution"`
}

// Service implements the workflow store operations on top of a Store.
type Service struct {
	store     store.Store
	catalog   *templates.Catalog
	validator WorkflowValidator
	fsm       *WorkflowFSM
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a Service. validator may be nil to skip validation.
func NewService(st store.Store, catalog *templates.Catalog, validator WorkflowValidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		catalog:   catalog,
		validator: validator,
		fsm:       NewWorkflowFSM(st),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// FSM exposes the transition machine so callers can register hooks.
func (s *Service) FSM() *WorkflowFSM { return s.fsm }

// Instantiate builds a draft workflow from a template. Every required role
// must be bound exactly once; nothing is persisted on failure.
func (s *Service) Instantiate(ctx context.Context, req InstantiateRequest) (*schema.Workflow, error) {
	if req.OrganizationID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "organization_id is required")
	}
	tpl, err := s.catalog.Get(req.TemplateID)
	if err != nil {
		return nil, err
	}

	participants, err := bindParticipants(tpl, req.Participants)
	if err != nil {
		return nil, err
	}

	for idx := range req.BehaviorOverrides {
		if idx < 0 || idx >= len(tpl.Behaviors) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"behavior override index %d out of range (template %q has %d behaviors)", idx, tpl.ID, len(tpl.Behaviors))
		}
	}

	behaviors := make([]schema.BehaviorInstance, 0, len(tpl.Behaviors))
	for i, spec := range tpl.Behaviors {
		config := spec.Config
		if override, ok := req.BehaviorOverrides[i]; ok {
			config = override
		}
		behaviors = append(behaviors, newInstance(spec, config))
	}

	name := req.Name
	if name == "" {
		name = tpl.Name
	}
	description := req.Description
	if description == "" {
		description = tpl.Description
	}

	wf := &schema.Workflow{
		ID:             newWorkflowID(),
		OrganizationID: req.OrganizationID,
		Name:           name,
		Description:    description,
		Status:         schema.WorkflowStatusDraft,
		Subtype:        tpl.Subtype,
		Participants:   participants,
		Behaviors:      behaviors,
		Execution:      tpl.Execution,
		TemplateID:     tpl.ID,
	}
	return s.create(ctx, wf)
}

// CreateCustom builds a draft workflow without a template. An empty failure
// policy defaults to rollback.
func (s *Service) CreateCustom(ctx context.Context, req CustomRequest) (*schema.Workflow, error) {
	if req.OrganizationID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "organization_id is required")
	}

	behaviors := make([]schema.BehaviorInstance, 0, len(req.Behaviors))
	for _, spec := range req.Behaviors {
		behaviors = append(behaviors, newInstance(spec, spec.Config))
	}
	participants := append([]schema.Participant{}, req.Participants...)

	execution := req.Execution
	execution.RequiredInputs = append([]string(nil), req.Execution.RequiredInputs...)
	execution.OutputActions = append([]string(nil), req.Execution.OutputActions...)
	if execution.FailurePolicy == "" {
		execution.FailurePolicy = schema.PolicyRollback
	}

	wf := &schema.Workflow{
		ID:             newWorkflowID(),
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		Description:    req.Description,
		Status:         schema.WorkflowStatusDraft,
		Subtype:        req.Subtype,
		Participants:   participants,
		Behaviors:      behaviors,
		Execution:      execution,
	}
	return s.create(ctx, wf)
}

func (s *Service) create(ctx context.Context, wf *schema.Workflow) (*schema.Workflow, error) {
	now := s.now()
	wf.CreatedAt = now
	wf.UpdatedAt = now

	if s.validator != nil {
		if err := s.validator.ValidateWorkflow(wf); err != nil {
			return nil, err
		}
	}

	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]any{
		"template_id": wf.TemplateID,
		"behaviors":   len(wf.Behaviors),
	})
	if err := s.store.AppendEvent(ctx, &store.Event{
		WorkflowID: wf.ID,
		Type:       schema.EventWorkflowCreated,
		Payload:    payload,
	}); err != nil {
		// Keep creation all-or-nothing.
		_ = s.store.DeleteWorkflow(ctx, wf.ID)
		return nil, schema.NewErrorf(schema.ErrCodeStore, "record workflow creation: %s", err.Error()).WithCause(err)
	}

	ctx = logging.WithIDs(ctx, wf.OrganizationID, wf.ID, "")
	logging.LogWith(ctx, s.logger).Info("workflow created",
		slog.String("template_id", wf.TemplateID),
		slog.Int("behaviors", len(wf.Behaviors)))
	return wf, nil
}

// Activate moves a draft workflow to active.
func (s *Service) Activate(ctx context.Context, id string) (*schema.Workflow, error) {
	return s.transition(ctx, id, schema.WorkflowStatusActive)
}

// Archive moves an active workflow to archived. Archived is terminal.
func (s *Service) Archive(ctx context.Context, id string) (*schema.Workflow, error) {
	return s.transition(ctx, id, schema.WorkflowStatusArchived)
}

// Transition moves a workflow to the given status.
func (s *Service) Transition(ctx context.Context, id string, to schema.WorkflowStatus) (*schema.Workflow, error) {
	return s.transition(ctx, id, to)
}

func (s *Service) transition(ctx context.Context, id string, to schema.WorkflowStatus) (*schema.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	from := wf.Status
	if err := s.fsm.Transition(ctx, wf, to); err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, wf.OrganizationID, wf.ID, "")
	logging.LogWith(ctx, s.logger).Info("workflow transitioned",
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	return wf, nil
}

// Get returns a workflow by id.
func (s *Service) Get(ctx context.Context, id string) (*schema.Workflow, error) {
	return s.store.GetWorkflow(ctx, id)
}

// List returns workflows matching the filter in creation order.
func (s *Service) List(ctx context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error) {
	return s.store.ListWorkflows(ctx, filter)
}

// Delete removes a draft workflow. Workflows that were ever activated are
// kept for their audit trail and must be archived instead.
func (s *Service) Delete(ctx context.Context, id string) error {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status != schema.WorkflowStatusDraft {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"workflow %q is %s; only draft workflows can be deleted", id, wf.Status)
	}
	return s.store.DeleteWorkflow(ctx, id)
}

// bindParticipants matches bindings to template roles.
func bindParticipants(tpl *schema.Template, bindings []Binding) ([]schema.Participant, error) {
	roles := make(map[string]schema.ParticipantRole, len(tpl.Participants))
	for _, r := range tpl.Participants {
		roles[r.Role] = r
	}

	bound := make(map[string]bool, len(bindings))
	participants := make([]schema.Participant, 0, len(bindings))
	for _, b := range bindings {
		role, ok := roles[b.Role]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"template %q has no role %q", tpl.ID, b.Role)
		}
		if bound[b.Role] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"role %q bound more than once", b.Role)
		}
		if b.ObjectID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"role %q bound without an object id", b.Role)
		}
		bound[b.Role] = true

		kind := b.ObjectKind
		if kind == "" {
			kind = role.ObjectKind
		}
		participants = append(participants, schema.Participant{
			ObjectID:   b.ObjectID,
			ObjectKind: kind,
			Role:       b.Role,
		})
	}

	var missing []string
	for _, r := range tpl.Participants {
		if r.Required && !bound[r.Role] {
			missing = append(missing, r.Role)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, schema.NewErrorf(schema.ErrCodeMissingParticipant,
			"template %q requires participant roles: %s", tpl.ID, strings.Join(missing, ", ")).
			WithDetails(map[string]any{"missing_roles": missing})
	}
	return participants, nil
}

func newInstance(spec schema.BehaviorSpec, config map[string]any) schema.BehaviorInstance {
	return schema.BehaviorInstance{
		ID:          uuid.NewString(),
		Type:        spec.Type,
		Enabled:     spec.Enabled,
		Priority:    spec.Priority,
		Description: spec.Description,
		Trigger:     spec.Trigger.Clone(),
		Config:      schema.CloneConfig(config),
	}
}

// newWorkflowID returns a time-ordered id so that id order breaks
// creation-time ties in creation order.
func newWorkflowID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
