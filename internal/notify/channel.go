package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rendis/hrflow/internal/store"
)

// Channel delivers rendered messages somewhere a user will see them.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, msg *Message) error
}

// InboxWriter persists inbox entries. Satisfied by store.Store.
type InboxWriter interface {
	CreateNotification(ctx context.Context, n *store.Notification) error
}

// DatabaseChannel writes messages to the user's inbox table.
type DatabaseChannel struct {
	inbox InboxWriter
}

func NewDatabaseChannel(inbox InboxWriter) *DatabaseChannel {
	return &DatabaseChannel{inbox: inbox}
}

func (c *DatabaseChannel) Name() string { return "database" }

func (c *DatabaseChannel) Deliver(ctx context.Context, msg *Message) error {
	var data json.RawMessage
	if len(msg.Data) > 0 {
		raw, err := json.Marshal(msg.Data)
		if err != nil {
			return fmt.Errorf("encode notification data: %w", err)
		}
		data = raw
	}
	return c.inbox.CreateNotification(ctx, &store.Notification{
		UserID:     msg.UserID,
		InstanceID: msg.InstanceID,
		StepID:     msg.StepID,
		Kind:       string(msg.Kind),
		Subject:    msg.Subject,
		Body:       msg.Body,
		Data:       data,
		CreatedAt:  msg.CreatedAt,
	})
}

// LogChannel writes messages to the process log. Useful when no other
// channel is configured.
type LogChannel struct {
	logger *slog.Logger
}

func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Deliver(ctx context.Context, msg *Message) error {
	c.logger.InfoContext(ctx, "notification",
		"user_id", msg.UserID,
		"instance_id", msg.InstanceID,
		"step_id", msg.StepID,
		"kind", string(msg.Kind),
		"subject", msg.Subject,
	)
	return nil
}

// Pusher sends a payload to a connected user session. Delivery is
// best-effort: a disconnected user is not an error.
type Pusher interface {
	Notify(ctx context.Context, userID string, payload map[string]any) error
}

// PusherFunc adapts a function to Pusher.
type PusherFunc func(ctx context.Context, userID string, payload map[string]any) error

func (f PusherFunc) Notify(ctx context.Context, userID string, payload map[string]any) error {
	return f(ctx, userID, payload)
}

// SessionChannel pushes messages to users connected over MCP.
type SessionChannel struct {
	pusher Pusher
}

func NewSessionChannel(pusher Pusher) *SessionChannel {
	return &SessionChannel{pusher: pusher}
}

func (c *SessionChannel) Name() string { return "session" }

func (c *SessionChannel) Deliver(ctx context.Context, msg *Message) error {
	payload := map[string]any{
		"kind":        string(msg.Kind),
		"instance_id": msg.InstanceID,
		"subject":     msg.Subject,
		"body":        msg.Body,
	}
	if msg.StepID != "" {
		payload["step_id"] = msg.StepID
	}
	if len(msg.Data) > 0 {
		payload["data"] = msg.Data
	}
	return c.pusher.Notify(ctx, msg.UserID, payload)
}
