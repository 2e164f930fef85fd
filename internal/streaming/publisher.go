package streaming

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/hrflow/internal/engine"
)

// Broadcastable is anything that knows where it should be broadcast and
// what subscribers receive.
type Broadcastable interface {
	Channels() []string
	Payload() map[string]any
}

// Publisher broadcasts values on a Hub. It is also an engine.EventEmitter,
// so committed transitions reach live subscribers.
type Publisher struct {
	hub Hub
	now func() time.Time
}

// NewPublisher creates a Publisher on hub.
func NewPublisher(hub Hub) *Publisher {
	return &Publisher{hub: hub, now: time.Now}
}

// Broadcast publishes b once per channel.
func (p *Publisher) Broadcast(ctx context.Context, b Broadcastable) error {
	payload := b.Payload()
	kind, _ := payload["kind"].(string)
	ts, ok := payload["timestamp"].(time.Time)
	if !ok {
		ts = p.now()
	}
	var errs []error
	for _, ch := range b.Channels() {
		if err := p.hub.Publish(ctx, Message{Channel: ch, Kind: kind, Payload: payload, Timestamp: ts}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit implements engine.EventEmitter.
func (p *Publisher) Emit(ctx context.Context, ev engine.Event) error {
	return p.Broadcast(ctx, ev)
}
