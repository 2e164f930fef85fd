package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// MCPNotifier pushes notifications to users connected over MCP. It
// satisfies notify.Pusher.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes over the user's MCP session.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends payload to the user's session. A user without a session is
// not an error.
func (n *MCPNotifier) Notify(_ context.Context, userID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(userID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session closed between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
