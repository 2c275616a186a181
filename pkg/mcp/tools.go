package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/opflow/internal/execution"
	"github.com/rendis/opflow/internal/lifecycle"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/schema"
)

type instantiateArgs struct {
	OrganizationID    string                    `json:"organization_id"`
	TemplateID        string                    `json:"template_id"`
	Name              string                    `json:"name"`
	Description       string                    `json:"description"`
	Participants      []lifecycle.Binding       `json:"participants"`
	BehaviorOverrides map[int]map[string]any    `json:"behavior_overrides"`
	Behaviors         []schema.BehaviorSpec     `json:"behaviors"`
	Execution         *schema.ExecutionContract `json:"execution"`
}

type fireArgs struct {
	OrganizationID string                `json:"organization_id"`
	Event          string                `json:"event"`
	WorkflowName   string                `json:"workflow_name"`
	Inputs         []execution.Input     `json:"inputs"`
	Objects        []execution.ObjectRef `json:"objects"`
	Data           map[string]any        `json:"data"`
}

type scheduleArgs struct {
	Action         string                  `json:"action"`
	OrganizationID string                  `json:"organization_id"`
	TriggerEvent   string                  `json:"trigger_event"`
	CronExpression string                  `json:"cron_expression"`
	WorkflowName   string                  `json:"workflow_name"`
	Inputs         []store.ScheduledInput  `json:"inputs"`
	Objects        []store.ScheduledObject `json:"objects"`
	Data           map[string]any          `json:"data"`
	TriggerID      string                  `json:"trigger_id"`
}

type secretsArgs struct {
	Action         string `json:"action"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Value          string `json:"value"`
}

// handleTemplates lists the catalog or returns a single template.
func (s *OpflowServer) handleTemplates(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if id := req.GetString("template_id", ""); id != "" {
		tpl, err := s.catalog.Get(id)
		if err != nil {
			return toolError("template lookup failed", err), nil
		}
		return marshalResult(tpl)
	}
	category := req.GetString("category", "")
	return marshalResult(map[string]any{
		"templates":  s.catalog.List(category),
		"categories": s.catalog.Categories(),
	})
}

// handleInstantiate creates a draft workflow.
func (s *OpflowServer) handleInstantiate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args instantiateArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.OrganizationID == "" {
		return mcp.NewToolResultError("organization_id is required"), nil
	}
	s.captureSession(ctx, args.OrganizationID)

	var (
		wf  *schema.Workflow
		err error
	)
	if args.TemplateID != "" {
		wf, err = s.workflows.Instantiate(ctx, lifecycle.InstantiateRequest{
			TemplateID:        args.TemplateID,
			OrganizationID:    args.OrganizationID,
			Name:              args.Name,
			Description:       args.Description,
			Participants:      args.Participants,
			BehaviorOverrides: args.BehaviorOverrides,
		})
	} else {
		if args.Execution == nil {
			return mcp.NewToolResultError("custom workflows require execution"), nil
		}
		participants := make([]schema.Participant, 0, len(args.Participants))
		for _, b := range args.Participants {
			participants = append(participants, schema.Participant{ObjectID: b.ObjectID, ObjectKind: b.ObjectKind, Role: b.Role})
		}
		wf, err = s.workflows.CreateCustom(ctx, lifecycle.CustomRequest{
			OrganizationID: args.OrganizationID,
			Name:           args.Name,
			Description:    args.Description,
			Participants:   participants,
			Behaviors:      args.Behaviors,
			Execution:      *args.Execution,
		})
	}
	if err != nil {
		return toolError("instantiate failed", err), nil
	}
	return marshalResult(wf)
}

// handleTransition applies a lifecycle action.
func (s *OpflowServer) handleTransition(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "activate", "archive":
		to := schema.WorkflowStatusActive
		if action == "archive" {
			to = schema.WorkflowStatusArchived
		}
		wf, err := s.workflows.Transition(ctx, id, to)
		if err != nil {
			return toolError(action+" failed", err), nil
		}
		return marshalResult(wf)
	case "delete":
		if err := s.workflows.Delete(ctx, id); err != nil {
			return toolError("delete failed", err), nil
		}
		return marshalResult(map[string]any{"ok": true, "workflow_id": id, "deleted": true})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// handleFire dispatches a trigger event with a fresh execution context.
func (s *OpflowServer) handleFire(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args fireArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.OrganizationID == "" || args.Event == "" {
		return mcp.NewToolResultError("organization_id and event are required"), nil
	}
	s.captureSession(ctx, args.OrganizationID)

	name := args.WorkflowName
	if name == "" {
		name = validation.EventName(args.Event)
	}
	ec := execution.NewContext(name)
	for _, in := range args.Inputs {
		ec.AddInput(in.Kind, in.Payload)
	}
	for _, o := range args.Objects {
		ec.AddObject(o.ID, o.Kind)
	}
	ec.Merge(args.Data)

	result, err := s.dispatcher.Fire(ctx, args.OrganizationID, args.Event, ec)
	if err != nil {
		logging.LogWith(logging.WithOrganizationID(ctx, args.OrganizationID), s.logger).
			Info("fire rejected", "event", args.Event, "error", err)
		return toolError("fire failed", err), nil
	}
	return marshalResult(result)
}

// handleQuery lists workflows, events, step states, behaviors or notifications.
func (s *OpflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "steps":
		return s.querySteps(ctx, filter)
	case "behaviors":
		if s.behaviors == nil {
			return marshalResult(map[string]any{"behaviors": []any{}})
		}
		return marshalResult(map[string]any{"behaviors": s.behaviors.List()})
	case "notifications":
		if s.notes == nil {
			return marshalResult(map[string]any{"notifications": []any{}})
		}
		return marshalResult(map[string]any{
			"notifications": s.notes.List(extractString(filter, "organization_id"), extractInt(filter, "limit", 50)),
		})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleSchedule creates, lists or removes scheduled triggers.
func (s *OpflowServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.schedules == nil {
		return mcp.NewToolResultError("scheduler is disabled"), nil
	}
	var args scheduleArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	switch args.Action {
	case "create":
		st := &store.ScheduledTrigger{
			OrganizationID: args.OrganizationID,
			TriggerEvent:   args.TriggerEvent,
			WorkflowName:   args.WorkflowName,
			CronExpression: args.CronExpression,
			Inputs:         args.Inputs,
			Objects:        args.Objects,
			Data:           args.Data,
			Enabled:        true,
		}
		if err := s.schedules.Register(ctx, st); err != nil {
			return toolError("schedule failed", err), nil
		}
		s.captureSession(ctx, args.OrganizationID)
		return marshalResult(st)
	case "list":
		triggers, err := s.schedules.List(ctx, args.OrganizationID)
		if err != nil {
			return toolError("list schedules failed", err), nil
		}
		if triggers == nil {
			triggers = []*store.ScheduledTrigger{}
		}
		return marshalResult(map[string]any{"triggers": triggers})
	case "remove":
		if args.TriggerID == "" {
			return mcp.NewToolResultError("trigger_id is required"), nil
		}
		if err := s.schedules.Remove(ctx, args.TriggerID); err != nil {
			return toolError("remove schedule failed", err), nil
		}
		return marshalResult(map[string]any{"trigger_id": args.TriggerID, "removed": true})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown schedule action: %s", args.Action)), nil
	}
}

// handleSecrets manages vault entries. Values go in and never come back out.
func (s *OpflowServer) handleSecrets(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.secrets == nil {
		return mcp.NewToolResultError("secret vault is not configured (set OPFLOW_VAULT_KEY)"), nil
	}
	var args secretsArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.OrganizationID == "" {
		return mcp.NewToolResultError("organization_id is required"), nil
	}

	switch args.Action {
	case "set":
		if err := s.secrets.Store(ctx, args.OrganizationID, args.Name, []byte(args.Value)); err != nil {
			return toolError("store secret failed", err), nil
		}
		return marshalResult(map[string]any{"organization_id": args.OrganizationID, "name": args.Name, "stored": true})
	case "list":
		names, err := s.secrets.List(ctx, args.OrganizationID)
		if err != nil {
			return toolError("list secrets failed", err), nil
		}
		if names == nil {
			names = []string{}
		}
		return marshalResult(map[string]any{"organization_id": args.OrganizationID, "names": names})
	case "delete":
		if err := s.secrets.Delete(ctx, args.OrganizationID, args.Name); err != nil {
			return toolError("delete secret failed", err), nil
		}
		return marshalResult(map[string]any{"organization_id": args.OrganizationID, "name": args.Name, "deleted": true})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown secrets action: %s", args.Action)), nil
	}
}

// --- Query helpers ---

func (s *OpflowServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		OrganizationID: extractString(filter, "organization_id"),
		TriggerEvent:   extractString(filter, "trigger_event"),
		TemplateID:     extractString(filter, "template_id"),
		Limit:          extractInt(filter, "limit", 50),
		Offset:         extractInt(filter, "offset", 0),
	}
	if status := extractString(filter, "status"); status != "" {
		ws := schema.WorkflowStatus(status)
		wf.Status = &ws
	}

	workflows, err := s.workflows.List(ctx, wf)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *OpflowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	workflowID := extractString(filter, "workflow_id")
	if workflowID == "" {
		return mcp.NewToolResultError("event query requires 'workflow_id' in filter"), nil
	}
	events, err := s.events.GetEvents(ctx, workflowID, int64(extractInt(filter, "since", 0)))
	if err != nil {
		return toolError("query failed", err), nil
	}
	if eventType := extractString(filter, "event_type"); eventType != "" {
		kept := events[:0]
		for _, e := range events {
			if e.Type == eventType {
				kept = append(kept, e)
			}
		}
		events = kept
	}
	if limit := extractInt(filter, "limit", 0); limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *OpflowServer) querySteps(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	workflowID := extractString(filter, "workflow_id")
	if workflowID == "" {
		return mcp.NewToolResultError("step query requires 'workflow_id' in filter"), nil
	}
	events, err := s.events.GetEvents(ctx, workflowID, 0)
	if err != nil {
		return toolError("query failed", err), nil
	}
	states, err := store.ReplaySteps(workflowID, events)
	if err != nil {
		return toolError("replay failed", err), nil
	}
	out := make([]*store.StepState, 0, len(states))
	for _, st := range states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BehaviorID < out[j].BehaviorID })
	return marshalResult(map[string]any{"steps": out})
}

// --- Internal helpers ---

// captureSession maps the organization to the caller's MCP session so
// failure notifications can be pushed back to it.
func (s *OpflowServer) captureSession(ctx context.Context, orgID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(orgID, session.SessionID())
	}
}

func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	v, _ := filter[key].(string)
	return v
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// toolError renders an error as a tool error result. Structured errors keep
// their code and details.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var oe *schema.OpcodeError
	if errors.As(err, &oe) {
		data, mErr := json.Marshal(map[string]any{"error": oe})
		if mErr == nil {
			return mcp.NewToolResultError(string(data))
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
