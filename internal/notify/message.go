package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/hrflow/internal/engine"
	"github.com/rendis/hrflow/internal/expressions"
	"github.com/rendis/hrflow/pkg/schema"
)

// Message is a rendered notification for one user.
type Message struct {
	UserID     string           `json:"user_id"`
	InstanceID string           `json:"instance_id"`
	StepID     string           `json:"step_id,omitempty"`
	Kind       schema.EventKind `json:"kind"`
	Subject    string           `json:"subject"`
	Body       string           `json:"body"`
	Data       map[string]any   `json:"data,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Templates take the subject (step ID, or instance ID for workflow events)
// as %[1]s and the instance ID as %[2]s.
var templates = map[schema.EventKind]struct{ subject, body string }{
	schema.EventStepAssigned:      {"Action required: %[1]s", "Step %[1]s of workflow %[2]s is assigned to you."},
	schema.EventStepCompleted:     {"Step %[1]s completed", "Step %[1]s of workflow %[2]s was completed."},
	schema.EventStepRejected:      {"Step %[1]s rejected", "Step %[1]s of workflow %[2]s was rejected."},
	schema.EventStepSkipped:       {"Step %[1]s skipped", "Step %[1]s of workflow %[2]s was skipped."},
	schema.EventStepCommented:     {"New comment on %[1]s", "A comment was added to step %[1]s of workflow %[2]s."},
	schema.EventChangesRequested:  {"Changes requested on %[1]s", "Changes were requested on step %[1]s of workflow %[2]s."},
	schema.EventStepOverdue:       {"Overdue: %[1]s", "Step %[1]s of workflow %[2]s is past its due date."},
	schema.EventWorkflowStarted:   {"Workflow %[1]s started", "Workflow %[1]s has started."},
	schema.EventWorkflowCompleted: {"Workflow %[1]s completed", "Workflow %[1]s was approved at every step."},
	schema.EventWorkflowRejected:  {"Workflow %[1]s rejected", "Workflow %[1]s was rejected."},
	schema.EventWorkflowCancelled: {"Workflow %[1]s cancelled", "Workflow %[1]s was cancelled."},
}

// Formatter renders events into messages. Per-kind jq filters reshape the
// event payload into the message data; without a filter the payload is used
// as is.
type Formatter struct {
	jq          *expressions.GoJQEngine
	projections map[schema.EventKind]string
}

// NewFormatter creates a Formatter. projections maps event kind to a jq filter.
func NewFormatter(jq *expressions.GoJQEngine, projections map[string]string) *Formatter {
	f := &Formatter{jq: jq, projections: make(map[schema.EventKind]string, len(projections))}
	for kind, filter := range projections {
		f.projections[schema.EventKind(kind)] = filter
	}
	return f
}

// Format renders ev for its related user.
func (f *Formatter) Format(ctx context.Context, ev engine.Event) (*Message, error) {
	subjectID := ev.StepID
	if subjectID == "" {
		subjectID = ev.InstanceID
	}
	tpl, ok := templates[ev.Kind]
	if !ok {
		tpl.subject, tpl.body = string(ev.Kind)+": %[1]s", "Workflow %[2]s: %[1]s."
	}

	data, err := plain(ev.Payload())
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if filter := f.projections[ev.Kind]; filter != "" && f.jq != nil {
		if data, err = f.project(ctx, filter, data); err != nil {
			return nil, err
		}
	}

	return &Message{
		UserID:     ev.RelatedUser,
		InstanceID: ev.InstanceID,
		StepID:     ev.StepID,
		Kind:       ev.Kind,
		Subject:    fmt.Sprintf(tpl.subject, subjectID, ev.InstanceID),
		Body:       fmt.Sprintf(tpl.body, subjectID, ev.InstanceID) + details(ev),
		Data:       data,
		CreatedAt:  ev.Timestamp,
	}, nil
}

func (f *Formatter) project(ctx context.Context, filter string, data map[string]any) (map[string]any, error) {
	v, err := f.jq.Evaluate(ctx, filter, data)
	if err != nil {
		return nil, err
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"value": v}, nil
}

// details appends the optional event fields a reader cares about.
func details(ev engine.Event) string {
	var b strings.Builder
	if c, ok := ev.Data["comment"].(string); ok && c != "" {
		fmt.Fprintf(&b, "\nComment: %s", c)
	}
	if r, ok := ev.Data["reason"].(string); ok && r != "" {
		fmt.Fprintf(&b, "\nReason: %s", r)
	}
	if from, ok := ev.Data["delegated_from"].(string); ok && from != "" {
		fmt.Fprintf(&b, "\nDelegated by %s.", from)
	}
	if due, ok := ev.Data["due_at"].(time.Time); ok {
		fmt.Fprintf(&b, "\nDue: %s", due.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// plain converts a payload to JSON-native values so jq and the inbox see
// the same shapes.
func plain(p map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
