package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/opflow/internal/engine"
)

// clientSender is the subset of *server.MCPServer used to push notifications.
type clientSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// MCPNotifier pushes failure notifications to every session registered for
// the notification's organization.
type MCPNotifier struct {
	sender   clientSender
	sessions *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via the MCP server.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{sender: mcpServer, sessions: sessions}
}

// Notify sends n as a logging message. Best-effort: organizations with no
// connected session are skipped and vanished sessions are pruned.
func (n *MCPNotifier) Notify(_ context.Context, note engine.Notification) error {
	params := map[string]any{
		"level":  "warning",
		"logger": "opflow",
		"data":   note,
	}
	var errs []error
	for _, sid := range n.sessions.SessionsFor(note.OrganizationID) {
		err := n.sender.SendNotificationToSpecificClient(sid, "notifications/message", params)
		if errors.Is(err, server.ErrSessionNotFound) {
			n.sessions.Remove(sid)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ engine.Notifier = (*MCPNotifier)(nil)
