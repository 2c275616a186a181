package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/opflow/internal/behaviors"
	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/execution"
	"github.com/rendis/opflow/internal/lifecycle"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/templates"
	"github.com/rendis/opflow/pkg/schema"
)

// WorkflowService is the lifecycle surface exposed over MCP.
type WorkflowService interface {
	Instantiate(ctx context.Context, req lifecycle.InstantiateRequest) (*schema.Workflow, error)
	CreateCustom(ctx context.Context, req lifecycle.CustomRequest) (*schema.Workflow, error)
	Transition(ctx context.Context, id string, to schema.WorkflowStatus) (*schema.Workflow, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*schema.Workflow, error)
	List(ctx context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error)
}

// Firer dispatches a trigger event. Satisfied by *engine.Dispatcher.
type Firer interface {
	Fire(ctx context.Context, orgID, event string, ec *execution.Context) (*execution.Result, error)
}

// EventReader reads a workflow's audit log.
type EventReader interface {
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*store.Event, error)
}

// BehaviorLister lists the registered behavior types.
type BehaviorLister interface {
	List() []behaviors.BehaviorInfo
}

// ScheduleService manages cron-fired triggers. Satisfied by *scheduler.Scheduler.
type ScheduleService interface {
	Register(ctx context.Context, st *store.ScheduledTrigger) error
	List(ctx context.Context, orgID string) ([]*store.ScheduledTrigger, error)
	Remove(ctx context.Context, id string) error
}

// SecretManager writes and lists vault entries. Satisfied by secrets.Vault.
type SecretManager interface {
	Store(ctx context.Context, orgID, name string, value []byte) error
	Delete(ctx context.Context, orgID, name string) error
	List(ctx context.Context, orgID string) ([]string, error)
}

// NotificationSource lists recent failure notifications.
type NotificationSource interface {
	List(orgID string, limit int) []engine.Notification
}

// ServerDeps holds the dependencies for creating an OpflowServer.
type ServerDeps struct {
	Catalog       *templates.Catalog
	Workflows     WorkflowService
	Dispatcher    Firer
	Events        EventReader
	Behaviors     BehaviorLister
	Notifications NotificationSource
	Schedules     ScheduleService
	Secrets       SecretManager
	Sessions      *SessionRegistry
	Logger        *slog.Logger
}

// OpflowServer wraps an MCP server with the workflow tool handlers.
type OpflowServer struct {
	catalog    *templates.Catalog
	workflows  WorkflowService
	dispatcher Firer
	events     EventReader
	behaviors  BehaviorLister
	notes      NotificationSource
	schedules  ScheduleService
	secrets    SecretManager
	sessions   *SessionRegistry
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewOpflowServer creates a new OpflowServer with all tools registered.
func NewOpflowServer(deps ServerDeps) *OpflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	catalog := deps.Catalog
	if catalog == nil {
		catalog = templates.Default()
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &OpflowServer{
		catalog:    catalog,
		workflows:  deps.Workflows,
		dispatcher: deps.Dispatcher,
		events:     deps.Events,
		behaviors:  deps.Behaviors,
		notes:      deps.Notifications,
		schedules:  deps.Schedules,
		secrets:    deps.Secrets,
		sessions:   sessions,
		logger:     logger,
	}

	mcpSrv := server.NewMCPServer(
		"opflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Opflow runs organization workflows built from prioritized behaviors. Use opflow.templates to browse the catalog, opflow.instantiate to create a draft workflow, opflow.transition to activate or archive it, opflow.fire to dispatch a trigger event, opflow.query to inspect workflows, events and behaviors, opflow.schedule to fire events on a cron schedule, and opflow.secrets to store credentials that webhook behaviors reference by name."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *OpflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *OpflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the organization-to-session registry.
func (s *OpflowServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *OpflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: templatesTool(), Handler: s.handleTemplates},
		{Tool: instantiateTool(), Handler: s.handleInstantiate},
		{Tool: transitionTool(), Handler: s.handleTransition},
		{Tool: fireTool(), Handler: s.handleFire},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: secretsTool(), Handler: s.handleSecrets},
	}
}

// --- Tool definitions ---

func templatesTool() mcp.Tool {
	return mcp.NewTool("opflow.templates",
		mcp.WithDescription("List catalog templates or fetch one by id"),
		mcp.WithString("template_id", mcp.Description("Template id; omit to list")),
		mcp.WithString("category", mcp.Description("Category filter for listing (checkout, registration, support)")),
	)
}

func instantiateTool() mcp.Tool {
	return mcp.NewTool("opflow.instantiate",
		mcp.WithDescription("Create a draft workflow from a template or from custom behaviors"),
		mcp.WithString("organization_id", mcp.Required(), mcp.Description("Owning organization")),
		mcp.WithString("template_id", mcp.Description("Catalog template id; omit to build a custom workflow")),
		mcp.WithString("name", mcp.Description("Workflow name (defaults to the template name)")),
		mcp.WithString("description", mcp.Description("Workflow description")),
		mcp.WithArray("participants",
			mcp.Description("Role bindings: [{role, object_id, object_kind}]"),
			mcp.Items(map[string]any{"type": "object"}),
		),
		mcp.WithObject("behavior_overrides", mcp.Description("Config overrides keyed by behavior position, e.g. {\"0\": {...}}")),
		mcp.WithArray("behaviors",
			mcp.Description("Custom workflows only: behavior specs [{type, enabled, priority, trigger, config}]"),
			mcp.Items(map[string]any{"type": "object"}),
		),
		mcp.WithObject("execution", mcp.Description("Custom workflows only: {trigger_on, required_inputs, failure_policy, zero_tolerance}")),
	)
}

func transitionTool() mcp.Tool {
	return mcp.NewTool("opflow.transition",
		mcp.WithDescription("Activate, archive or delete a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Target workflow")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("activate", "archive", "delete"),
			mcp.Description("Lifecycle action; delete is allowed for drafts only"),
		),
	)
}

func fireTool() mcp.Tool {
	return mcp.NewTool("opflow.fire",
		mcp.WithDescription("Dispatch a trigger event to every active workflow subscribed to it"),
		mcp.WithString("organization_id", mcp.Required(), mcp.Description("Organization whose workflows run")),
		mcp.WithString("event", mcp.Required(), mcp.Description("Trigger event, e.g. checkout_start")),
		mcp.WithString("workflow_name", mcp.Description("Context workflow name (derived from the event when omitted)")),
		mcp.WithArray("inputs",
			mcp.Description("Tagged inputs: [{kind, payload}]"),
			mcp.Items(map[string]any{"type": "object"}),
		),
		mcp.WithArray("objects",
			mcp.Description("Participant references: [{id, kind}]"),
			mcp.Items(map[string]any{"type": "object"}),
		),
		mcp.WithObject("data", mcp.Description("Initial context data")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("opflow.query",
		mcp.WithDescription("Query workflows, events, step states, behaviors or recent failure notifications"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "events", "steps", "behaviors", "notifications"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (organization_id, status, trigger_event, template_id, workflow_id, since, limit, offset)")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("opflow.schedule",
		mcp.WithDescription("Create, list or remove cron-fired trigger events"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("create", "list", "remove"),
			mcp.Description("Schedule action"),
		),
		mcp.WithString("organization_id", mcp.Description("Owning organization (create, list)")),
		mcp.WithString("trigger_event", mcp.Description("Event fired on each run (create)")),
		mcp.WithString("cron_expression", mcp.Description("Five-field cron expression or descriptor such as @hourly (create)")),
		mcp.WithString("workflow_name", mcp.Description("Context workflow name (derived from the event when omitted)")),
		mcp.WithArray("inputs",
			mcp.Description("Tagged inputs: [{kind, payload}]"),
			mcp.Items(map[string]any{"type": "object"}),
		),
		mcp.WithArray("objects",
			mcp.Description("Participant references: [{id, kind}]"),
			mcp.Items(map[string]any{"type": "object"}),
		),
		mcp.WithObject("data", mcp.Description("Initial context data")),
		mcp.WithString("trigger_id", mcp.Description("Scheduled trigger id (remove)")),
	)
}

func secretsTool() mcp.Tool {
	return mcp.NewTool("opflow.secrets",
		mcp.WithDescription("Store, list or delete organization secrets. Values are encrypted at rest and never returned; behaviors reference them by name (webhook.post secret_ref, token_ref)."),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("set", "list", "delete"),
			mcp.Description("Secrets action"),
		),
		mcp.WithString("organization_id", mcp.Required(), mcp.Description("Owning organization")),
		mcp.WithString("name", mcp.Description("Secret name (set, delete)")),
		mcp.WithString("value", mcp.Description("Secret value (set)")),
	)
}
