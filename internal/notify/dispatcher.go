// Package notify turns engine events into user notifications. Emit only
// queues; delivery runs on the worker pool's per-user lanes, so a slow
// channel never holds an instance lock and each user sees events in order.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rendis/hrflow/internal/engine"
	"github.com/rendis/hrflow/pkg/schema"
)

// DefaultKinds are the events users are notified about unless configured
// otherwise.
var DefaultKinds = []schema.EventKind{
	schema.EventStepAssigned,
	schema.EventStepRejected,
	schema.EventChangesRequested,
	schema.EventStepCommented,
	schema.EventStepOverdue,
	schema.EventWorkflowCompleted,
	schema.EventWorkflowRejected,
	schema.EventWorkflowCancelled,
}

// Dispatcher is an engine.EventEmitter that queues one delivery job per
// notifiable event.
type Dispatcher struct {
	pool      *WorkerPool
	formatter *Formatter
	channels  []Channel
	kinds     map[schema.EventKind]bool
	logger    *slog.Logger
}

// DispatcherDeps holds the Dispatcher's collaborators.
type DispatcherDeps struct {
	Pool      *WorkerPool
	Formatter *Formatter
	Channels  []Channel
	Kinds     []schema.EventKind // nil → DefaultKinds
	Logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	kinds := deps.Kinds
	if kinds == nil {
		kinds = DefaultKinds
	}
	d := &Dispatcher{
		pool:      deps.Pool,
		formatter: deps.Formatter,
		channels:  deps.Channels,
		kinds:     make(map[schema.EventKind]bool, len(kinds)),
		logger:    deps.Logger,
	}
	for _, k := range kinds {
		d.kinds[k] = true
	}
	if d.formatter == nil {
		d.formatter = NewFormatter(nil, nil)
	}
	if d.logger == nil {
		d.logger = slog.New(slog.DiscardHandler)
	}
	return d
}

// Emit queues delivery of ev on the related user's lane and never blocks.
// Events without a related user, of a kind not
// subscribed to, or caused by the user they concern are ignored.
func (d *Dispatcher) Emit(ctx context.Context, ev engine.Event) error {
	if !d.kinds[ev.Kind] || ev.RelatedUser == "" || ev.RelatedUser == ev.Actor {
		return nil
	}
	job := &DeliveryJob{Event: ev, formatter: d.formatter, channels: d.channels, logger: d.logger}
	if err := d.pool.Submit(ctx, ev.RelatedUser, job); err != nil {
		return fmt.Errorf("queue %s notification: %w", ev.Kind, err)
	}
	return nil
}

// DeliveryJob renders one event and hands it to every channel.
type DeliveryJob struct {
	Event     engine.Event
	formatter *Formatter
	channels  []Channel
	logger    *slog.Logger
}

// Handle delivers to all channels; a failing channel does not stop the others.
func (j *DeliveryJob) Handle(ctx context.Context) error {
	msg, err := j.formatter.Format(ctx, j.Event)
	if err != nil {
		return fmt.Errorf("format %s: %w", j.Event.Kind, err)
	}
	var errs []error
	for _, ch := range j.channels {
		if err := ch.Deliver(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s channel: %w", ch.Name(), err))
			continue
		}
		j.logger.DebugContext(ctx, "notification delivered",
			"channel", ch.Name(), "user_id", msg.UserID, "kind", string(msg.Kind))
	}
	return errors.Join(errs...)
}
