package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/hrflow/internal/store"
	"github.com/rendis/hrflow/pkg/schema"
)

// Event is an outbound notification of a committed transition.
type Event struct {
	Kind        schema.EventKind `json:"kind"`
	InstanceID  string           `json:"instance_id"`
	StepID      string           `json:"step_id,omitempty"`
	RelatedUser string           `json:"related_user,omitempty"`
	Actor       string           `json:"actor,omitempty"`
	Data        map[string]any   `json:"data,omitempty"`
	Sequence    int64            `json:"sequence,omitempty"` // action log sequence, when the event has one
	Timestamp   time.Time        `json:"timestamp"`

	record *store.ActionRecord
}

// Channels lists the broadcast channels the event belongs to.
func (e Event) Channels() []string {
	ch := []string{"instance:" + e.InstanceID}
	if e.RelatedUser != "" {
		ch = append(ch, "user:"+e.RelatedUser)
	}
	return ch
}

// Payload is the serialized form broadcast to subscribers.
func (e Event) Payload() map[string]any {
	p := map[string]any{
		"kind":        string(e.Kind),
		"instance_id": e.InstanceID,
		"timestamp":   e.Timestamp,
	}
	if e.StepID != "" {
		p["step_id"] = e.StepID
	}
	if e.RelatedUser != "" {
		p["related_user"] = e.RelatedUser
	}
	if e.Actor != "" {
		p["actor"] = e.Actor
	}
	if e.Sequence > 0 {
		p["sequence"] = e.Sequence
	}
	for k, v := range e.Data {
		if _, taken := p[k]; !taken {
			p[k] = v
		}
	}
	return p
}

// EventEmitter publishes events after a transition has been committed.
// Implementations must not assume the transition can be undone: an error
// is logged by the caller and otherwise ignored. Emit runs while the
// instance lock is held, so slow work must be queued rather than done inline.
type EventEmitter interface {
	Emit(ctx context.Context, ev Event) error
}

// EmitterFunc adapts a function to the EventEmitter interface.
type EmitterFunc func(ctx context.Context, ev Event) error

func (f EmitterFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// MultiEmitter fans an event out to every emitter in order. All emitters are
// called even when one fails; the errors are joined.
type MultiEmitter []EventEmitter

func (m MultiEmitter) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, Event) error { return nil }
