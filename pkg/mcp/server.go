package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/hrflow/internal/authz"
	"github.com/rendis/hrflow/internal/engine"
	"github.com/rendis/hrflow/internal/store"
	"github.com/rendis/hrflow/pkg/schema"
)

// Definitions is the definition registry used by the tools.
type Definitions interface {
	Register(ctx context.Context, def schema.WorkflowDefinition, createdBy string) (*store.Definition, error)
	Latest(ctx context.Context, name string) (*store.Definition, error)
	Get(ctx context.Context, name string, version int) (*store.Definition, error)
	List(ctx context.Context) ([]*store.Definition, error)
}

// Users resolves caller IDs to actors and manages the user directory.
type Users interface {
	Actor(ctx context.Context, id string) (schema.Actor, error)
	Register(ctx context.Context, u *store.User) (*store.User, error)
	List(ctx context.Context) ([]*store.User, error)
}

// Queries is the read side of the store used by hrflow.query.
type Queries interface {
	ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*store.Instance, error)
	QuerySteps(ctx context.Context, filter store.StepFilter) ([]*store.Step, error)
	ListActions(ctx context.Context, instanceID string, since int64) ([]*store.ActionRecord, error)
	ListNotifications(ctx context.Context, filter store.NotificationFilter) ([]*store.Notification, error)
	MarkNotificationRead(ctx context.Context, id int64) error
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Runner      engine.Runner
	Definitions Definitions
	Users       Users
	Queries     Queries
	Policy      *authz.Policy
	Sessions    *SessionRegistry
	Logger      *slog.Logger
}

// Server wraps an MCP server with the hrflow tool handlers.
type Server struct {
	runner      engine.Runner
	definitions Definitions
	users       Users
	queries     Queries
	actions     *store.ActionLog
	policy      *authz.Policy
	sessions    *SessionRegistry
	logger      *slog.Logger
	mcpServer   *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}
	policy := deps.Policy
	if policy == nil {
		policy = authz.DefaultPolicy()
	}

	s := &Server{
		runner:      deps.Runner,
		definitions: deps.Definitions,
		users:       deps.Users,
		queries:     deps.Queries,
		policy:      policy,
		sessions:    sessions,
		logger:      logger,
	}
	if deps.Queries != nil {
		s.actions = store.NewActionLog(deps.Queries)
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"hrflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("hrflow runs multi-step HR approval workflows. Use hrflow.define to register a definition, hrflow.start to launch an instance, hrflow.act to approve, reject, complete, comment on or delegate a step, hrflow.cancel to cancel an instance, hrflow.status to read its state, hrflow.query to list instances, actions, a user's inbox or definitions, hrflow.user to register users and hrflow.diagram to render a workflow."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// SSEServer returns an SSE transport bound to this server, for mounting on
// an existing HTTP mux.
func (s *Server) SSEServer(baseURL string) *server.SSEServer {
	return server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Notifier returns a session notifier sharing this server's session registry.
func (s *Server) Notifier() *MCPNotifier {
	return NewMCPNotifier(s.mcpServer, s.sessions)
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: actTool(), Handler: s.handleAct},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: userTool(), Handler: s.handleUser},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("hrflow.define",
		mcp.WithDescription("Register a new version of a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (name, steps, optional input_schema)")),
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("ID of the user registering the definition")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("hrflow.start",
		mcp.WithDescription("Create and start a workflow instance"),
		mcp.WithString("definition", mcp.Required(), mcp.Description("Name of the workflow definition")),
		mcp.WithNumber("version", mcp.Description("Definition version (default: latest)")),
		mcp.WithObject("data", mcp.Description("Instance input data")),
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("ID of the initiating user")),
		mcp.WithString("due_at", mcp.Description("RFC3339 due date applied to the first activated steps")),
		mcp.WithBoolean("draft", mcp.Description("Create the instance without starting it")),
	)
}

func actTool() mcp.Tool {
	return mcp.NewTool("hrflow.act",
		mcp.WithDescription("Perform an action on a workflow step"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the workflow instance")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the target step")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("approve", "reject", "complete", "request_changes", "comment", "delegate"),
			mcp.Description("Action to perform"),
		),
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("ID of the acting user")),
		mcp.WithString("comment", mcp.Description("Comment recorded with the action")),
		mcp.WithString("delegate_to", mcp.Description("New assignee (required for delegate)")),
		mcp.WithString("reason", mcp.Description("Reason recorded with a delegation")),
		mcp.WithString("due_at", mcp.Description("RFC3339 due date applied to the steps this action activates")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("hrflow.cancel",
		mcp.WithDescription("Cancel a workflow instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the workflow instance")),
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("ID of the cancelling user")),
		mcp.WithString("reason", mcp.Description("Cancellation reason")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("hrflow.status",
		mcp.WithDescription("Get the state of a workflow instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the workflow instance")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("hrflow.query",
		mcp.WithDescription("Query instances, actions, inbox, definitions or users"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("instances", "actions", "inbox", "definitions", "users"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, initiator, definition, instance_id, step_id, since, user_id, unread_only, mark_read, limit)")),
	)
}

func userTool() mcp.Tool {
	return mcp.NewTool("hrflow.user",
		mcp.WithDescription("Register or update a user and their roles"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the user to register")),
		mcp.WithString("name", mcp.Description("Display name (default: the user id)")),
		mcp.WithString("email", mcp.Description("Email address")),
		mcp.WithArray("roles", mcp.Description("Role names from the authorization policy")),
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("ID of the user performing the registration")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("hrflow.diagram",
		mcp.WithDescription("Render a workflow as ASCII art, Mermaid flowchart syntax or a base64-encoded PNG image"),
		mcp.WithString("definition", mcp.Description("Definition name (use with version for a specific version)")),
		mcp.WithNumber("version", mcp.Description("Definition version (default: latest)")),
		mcp.WithString("instance_id", mcp.Description("Instance to diagram, with its step status overlay")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format"),
		),
	)
}
