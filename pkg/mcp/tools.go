package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/hrflow/internal/authz"
	"github.com/rendis/hrflow/internal/diagram"
	"github.com/rendis/hrflow/internal/engine"
	"github.com/rendis/hrflow/internal/store"
	"github.com/rendis/hrflow/pkg/schema"
)

// handleDefine registers a new definition version.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actor, errRes := s.requireActor(ctx, req)
	if errRes != nil {
		return errRes, nil
	}
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Round-trip through JSON to get a typed definition.
	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	stored, err := s.definitions.Register(ctx, def, actor.ID)
	if err != nil {
		return toolError("define failed", err), nil
	}
	return marshalResult(map[string]any{
		"name":    stored.Name,
		"version": stored.Version,
	})
}

// handleStart creates an instance from a definition and starts it unless
// draft is set.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("definition")
	if err != nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	actor, errRes := s.requireActor(ctx, req)
	if errRes != nil {
		return errRes, nil
	}
	args := req.GetArguments()

	var payload schema.Payload
	if raw := req.GetString("due_at", ""); raw != "" {
		due, parseErr := time.Parse(time.RFC3339, raw)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("due_at must be RFC3339: %v", parseErr)), nil
		}
		payload.DueAt = &due
	}

	def, err := s.resolveDefinition(ctx, name, extractInt(args, "version", 0))
	if err != nil {
		return toolError("definition lookup failed", err), nil
	}

	inst, err := s.runner.Create(ctx, engine.CreateRequest{
		Definition: def,
		Initiator:  actor.ID,
		Data:       mcp.ParseStringMap(req, "data", nil),
	})
	if err != nil {
		return toolError("create failed", err), nil
	}
	if extractBool(args, "draft") {
		return marshalResult(inst)
	}

	snap, err := s.runner.Start(ctx, inst.ID, actor, payload)
	if err != nil {
		return toolError("start failed", err), nil
	}
	return marshalResult(snap)
}

// handleAct applies a step action. Delegation goes through Runner.Delegate.
func (s *Server) handleAct(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	actionName, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	actor, errRes := s.requireActor(ctx, req)
	if errRes != nil {
		return errRes, nil
	}

	action := schema.Action(actionName)
	if !action.Valid() || action == schema.ActionCancel {
		return mcp.NewToolResultError(fmt.Sprintf("unsupported action: %s", actionName)), nil
	}

	var snap *engine.Snapshot
	if action == schema.ActionDelegate {
		to := req.GetString("delegate_to", "")
		if to == "" {
			return mcp.NewToolResultError("delegate_to is required for delegate"), nil
		}
		snap, err = s.runner.Delegate(ctx, instanceID, stepID, actor, to, req.GetString("reason", ""))
	} else {
		payload := schema.Payload{Comment: req.GetString("comment", "")}
		if raw := req.GetString("due_at", ""); raw != "" {
			due, parseErr := time.Parse(time.RFC3339, raw)
			if parseErr != nil {
				return mcp.NewToolResultError(fmt.Sprintf("due_at must be RFC3339: %v", parseErr)), nil
			}
			payload.DueAt = &due
		}
		snap, err = s.runner.Act(ctx, instanceID, stepID, actor, action, payload)
	}
	if err != nil {
		return toolError(actionName+" failed", err), nil
	}
	return marshalResult(snap)
}

// handleCancel cancels an instance.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	actor, errRes := s.requireActor(ctx, req)
	if errRes != nil {
		return errRes, nil
	}

	snap, err := s.runner.Cancel(ctx, instanceID, actor, req.GetString("reason", ""))
	if err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(snap)
}

// handleStatus returns an instance snapshot.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	snap, err := s.runner.Snapshot(ctx, instanceID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(snap)
}

// handleQuery lists instances, actions, inbox entries, definitions or users.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "instances":
		return s.queryInstances(ctx, filter)
	case "actions":
		return s.queryActions(ctx, filter)
	case "inbox":
		return s.queryInbox(ctx, filter)
	case "definitions":
		return s.queryDefinitions(ctx)
	case "users":
		return s.queryUsers(ctx)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleUser registers or updates a user. Granting roles to anyone, or
// registering someone other than yourself, requires the override capability.
func (s *Server) handleUser(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	actor, errRes := s.requireActor(ctx, req)
	if errRes != nil {
		return errRes, nil
	}

	// nil roles leaves the stored roles alone; any roles value, even an
	// empty list, replaces them.
	roles := extractStrings(req.GetArguments(), "roles")
	if (roles != nil || userID != actor.ID) && !s.policy.Has(actor, authz.CapOverride) {
		return toolError("user registration failed",
			schema.NewErrorf(schema.ErrCodeNotAuthorized, "actor %q may not register users or grant roles", actor.ID)), nil
	}

	u, err := s.users.Register(ctx, &store.User{
		ID:    userID,
		Name:  req.GetString("name", ""),
		Email: req.GetString("email", ""),
		Roles: roles,
	})
	if err != nil {
		return toolError("user registration failed", err), nil
	}
	return marshalResult(u)
}

// handleDiagram renders a definition or instance in the requested format.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	name := req.GetString("definition", "")
	instanceID := req.GetString("instance_id", "")
	if name == "" && instanceID == "" {
		return mcp.NewToolResultError("at least one of definition or instance_id is required"), nil
	}

	var def *schema.WorkflowDefinition
	var steps []*store.Step

	if instanceID != "" {
		snap, snapErr := s.runner.Snapshot(ctx, instanceID)
		if snapErr != nil {
			return toolError("instance lookup failed", snapErr), nil
		}
		def = &snap.Instance.Definition
		steps = snap.Steps
	} else {
		stored, defErr := s.resolveDefinition(ctx, name, extractInt(req.GetArguments(), "version", 0))
		if defErr != nil {
			return toolError("definition lookup failed", defErr), nil
		}
		def = &stored.Definition
	}

	model, err := diagram.Build(def, steps, time.Now().UTC())
	if err != nil {
		return toolError("diagram build failed", err), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// --- Query helpers ---

func (s *Server) queryInstances(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.InstanceFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		st := schema.InstanceStatus(status)
		f.Status = &st
	}
	if initiator, ok := filter["initiator"].(string); ok {
		f.Initiator = initiator
	}
	if name, ok := filter["definition"].(string); ok {
		f.DefinitionName = name
	}

	instances, err := s.queries.ListInstances(ctx, f)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"instances": instances})
}

func (s *Server) queryActions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	instanceID, _ := filter["instance_id"].(string)
	if instanceID == "" {
		return mcp.NewToolResultError("action query requires 'instance_id' in filter"), nil
	}

	var (
		actions []*store.ActionRecord
		err     error
	)
	if stepID, ok := filter["step_id"].(string); ok && stepID != "" {
		actions, err = s.actions.StepHistory(ctx, instanceID, stepID)
	} else {
		actions, err = s.actions.History(ctx, instanceID, int64(extractInt(filter, "since", 0)))
	}
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"actions": actions})
}

// queryInbox returns a user's notifications and the steps waiting on them.
func (s *Server) queryInbox(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	userID, _ := filter["user_id"].(string)
	if userID == "" {
		return mcp.NewToolResultError("inbox query requires 'user_id' in filter"), nil
	}
	limit := extractInt(filter, "limit", 50)

	notifications, err := s.queries.ListNotifications(ctx, store.NotificationFilter{
		UserID:     userID,
		UnreadOnly: extractBool(filter, "unread_only"),
		Limit:      limit,
	})
	if err != nil {
		return toolError("query failed", err), nil
	}
	if extractBool(filter, "mark_read") {
		for _, n := range notifications {
			if n.ReadAt != nil {
				continue
			}
			if err := s.queries.MarkNotificationRead(ctx, n.ID); err != nil {
				s.logger.Warn("mark notification read failed", "notification_id", n.ID, "error", err)
			}
		}
	}

	steps, err := s.queries.QuerySteps(ctx, store.StepFilter{
		Assignee: userID,
		Statuses: []schema.StepStatus{schema.StepStatusPending, schema.StepStatusInProgress},
		Limit:    limit,
	})
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{
		"notifications": notifications,
		"steps":         steps,
	})
}

func (s *Server) queryDefinitions(ctx context.Context) (*mcp.CallToolResult, error) {
	defs, err := s.definitions.List(ctx)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"definitions": defs})
}

func (s *Server) queryUsers(ctx context.Context) (*mcp.CallToolResult, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"users": users})
}

// --- Internal helpers ---

// requireActor resolves actor_id to an actor and records the caller's
// session for push notifications.
func (s *Server) requireActor(ctx context.Context, req mcp.CallToolRequest) (schema.Actor, *mcp.CallToolResult) {
	actorID, err := req.RequireString("actor_id")
	if err != nil || actorID == "" {
		return schema.Actor{}, mcp.NewToolResultError("actor_id is required")
	}
	actor, err := s.users.Actor(ctx, actorID)
	if err != nil {
		return schema.Actor{}, toolError("failed to resolve actor", err)
	}
	s.captureSession(ctx, actorID)
	return actor, nil
}

// resolveDefinition finds a definition by name and optional version.
func (s *Server) resolveDefinition(ctx context.Context, name string, version int) (*store.Definition, error) {
	if version > 0 {
		return s.definitions.Get(ctx, name, version)
	}
	return s.definitions.Latest(ctx, name)
}

// captureSession maps the user ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, userID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// toolError reports err to the caller. Structured errors are returned as
// JSON so clients can branch on the code.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if data, mErr := json.Marshal(fe); mErr == nil {
			return mcp.NewToolResultError(string(data))
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
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

func extractBool(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func extractStrings(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
