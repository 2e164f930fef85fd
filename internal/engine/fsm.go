package engine

import (
	"time"

	"github.com/rendis/hrflow/internal/authz"
	"github.com/rendis/hrflow/internal/store"
	"github.com/rendis/hrflow/pkg/schema"
)

// keep marks an action that leaves the step status unchanged.
const keep schema.StepStatus = ""

// ValidStepActions is the transition table: step type → action → target
// status. A missing entry means the action is illegal for that type.
var ValidStepActions = map[schema.StepType]map[schema.Action]schema.StepStatus{
	schema.StepTypeApproval: {
		schema.ActionApprove:        schema.StepStatusCompleted,
		schema.ActionReject:         schema.StepStatusRejected,
		schema.ActionDelegate:       keep,
		schema.ActionComment:        keep,
		schema.ActionRequestChanges: schema.StepStatusInProgress,
	},
	schema.StepTypeReview: {
		schema.ActionApprove:        schema.StepStatusCompleted,
		schema.ActionReject:         schema.StepStatusRejected,
		schema.ActionDelegate:       keep,
		schema.ActionComment:        keep,
		schema.ActionRequestChanges: schema.StepStatusInProgress,
	},
	schema.StepTypeNotification: {
		schema.ActionComplete: schema.StepStatusCompleted,
		schema.ActionDelegate: keep,
		schema.ActionComment:  keep,
	},
	schema.StepTypeCustom: {
		schema.ActionApprove:  schema.StepStatusCompleted,
		schema.ActionReject:   schema.StepStatusRejected,
		schema.ActionComplete: schema.StepStatusCompleted,
		schema.ActionDelegate: keep,
		schema.ActionComment:  keep,
	},
	schema.StepTypeCondition: {},
	// Group approval records a vote; the runner decides when the group ends.
	schema.StepTypeParallel: {
		schema.ActionApprove:  schema.StepStatusInProgress,
		schema.ActionReject:   schema.StepStatusRejected,
		schema.ActionDelegate: keep,
		schema.ActionComment:  keep,
	},
	schema.StepTypeSequential: {
		schema.ActionApprove:  schema.StepStatusInProgress,
		schema.ActionReject:   schema.StepStatusRejected,
		schema.ActionDelegate: keep,
		schema.ActionComment:  keep,
	},
}

// requiresAssignee lists actions that cannot be taken on an unassigned step.
var requiresAssignee = map[schema.Action]bool{
	schema.ActionApprove:        true,
	schema.ActionReject:         true,
	schema.ActionComplete:       true,
	schema.ActionRequestChanges: true,
}

// ActionRequest is one action applied to one step.
type ActionRequest struct {
	Step      *store.Step
	Initiator string // instance initiator, a participant for authorization
	Action    schema.Action
	Actor     schema.Actor
	Payload   schema.Payload
	At        time.Time
}

// Transition is the result of a successful Apply. Nothing in it has been
// persisted yet.
type Transition struct {
	Step   *store.Step // updated copy
	From   schema.StepStatus
	To     schema.StepStatus
	Record *store.ActionRecord // nil for an idempotent no-op
	Events []Event
}

// StepMachine validates and applies a single action to a single step.
type StepMachine struct {
	policy   *authz.Policy
	resolver *AssignmentResolver
}

// NewStepMachine creates a StepMachine.
func NewStepMachine(policy *authz.Policy, resolver *AssignmentResolver) *StepMachine {
	return &StepMachine{policy: policy, resolver: resolver}
}

// Apply validates req and returns the resulting transition. Checks run in
// order: status, legality for the step type, assignee presence, capability.
func (m *StepMachine) Apply(req ActionRequest) (*Transition, error) {
	step := req.Step
	if step == nil {
		return nil, schema.NewError(schema.ErrCodeInvariant, "apply on nil step")
	}

	if !step.Status.Actionable() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidAction,
			"cannot %s a step that is %s", req.Action, step.Status).
			WithStep(step.ID).
			WithDetails(map[string]any{"status": string(step.Status), "action": string(req.Action)})
	}

	target, legal := ValidStepActions[step.Type][req.Action]
	if !legal {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidAction,
			"action %s is not supported by %s steps", req.Action, step.Type).
			WithStep(step.ID).
			WithDetails(map[string]any{"type": string(step.Type), "action": string(req.Action)})
	}

	assignee, assigned := m.resolver.Resolve(step)
	if requiresAssignee[req.Action] && !assigned {
		return nil, schema.NewErrorf(schema.ErrCodeAssigneeRequired,
			"%s requires an assigned user", req.Action).WithStep(step.ID)
	}

	if err := m.policy.AuthorizeStep(req.Actor, req.Action, m.subject(step, req.Initiator)); err != nil {
		return nil, err
	}

	if req.Action == schema.ActionDelegate {
		return m.delegate(req, assignee)
	}

	next := step.Clone()
	to := step.Status
	if target != keep {
		to = target
	}
	next.Status = to
	next.UpdatedAt = req.At
	if to.Terminal() {
		at := req.At
		next.CompletedAt = &at
	}

	tr := &Transition{
		Step: next,
		From: step.Status,
		To:   to,
		Record: &store.ActionRecord{
			InstanceID: step.InstanceID,
			StepID:     step.ID,
			Actor:      req.Actor.ID,
			Action:     req.Action,
			Comment:    req.Payload.Comment,
			FromStatus: step.Status,
			ToStatus:   to,
			Timestamp:  req.At,
		},
	}

	ev := Event{InstanceID: step.InstanceID, StepID: step.ID, Actor: req.Actor.ID, Timestamp: req.At, record: tr.Record}
	if req.Payload.Comment != "" {
		ev.Data = map[string]any{"comment": req.Payload.Comment}
	}
	switch {
	case to == schema.StepStatusCompleted:
		ev.Kind = schema.EventStepCompleted
		ev.RelatedUser = assignee
	case to == schema.StepStatusRejected:
		ev.Kind = schema.EventStepRejected
		ev.RelatedUser = assignee
	case req.Action == schema.ActionRequestChanges:
		ev.Kind = schema.EventChangesRequested
		ev.RelatedUser = assignee
	case req.Action == schema.ActionComment:
		ev.Kind = schema.EventStepCommented
		ev.RelatedUser = assignee
	}
	if ev.Kind != "" {
		tr.Events = append(tr.Events, ev)
	}
	return tr, nil
}

func (m *StepMachine) delegate(req ActionRequest, current string) (*Transition, error) {
	step := req.Step
	// Authorization already passed, so a non-assignee acts on the assignee's behalf.
	d, err := m.resolver.Delegate(step, current, req.Payload.DelegateTo, req.Payload.Reason, req.At)
	if err != nil {
		return nil, err
	}
	tr := &Transition{Step: d.Step, From: step.Status, To: step.Status}
	if !d.Changed {
		return tr, nil
	}

	tr.Record = &store.ActionRecord{
		InstanceID: step.InstanceID,
		StepID:     step.ID,
		Actor:      req.Actor.ID,
		Action:     schema.ActionDelegate,
		Comment:    req.Payload.Reason,
		DelegateTo: d.To,
		FromStatus: step.Status,
		ToStatus:   step.Status,
		Timestamp:  req.At,
	}
	data := map[string]any{"delegated_from": d.From}
	if req.Payload.Reason != "" {
		data["reason"] = req.Payload.Reason
	}
	if step.DueAt != nil {
		data["due_at"] = *step.DueAt
	}
	tr.Events = []Event{{
		Kind:        schema.EventStepAssigned,
		InstanceID:  step.InstanceID,
		StepID:      step.ID,
		RelatedUser: d.To,
		Actor:       req.Actor.ID,
		Data:        data,
		Timestamp:   req.At,
		record:      tr.Record,
	}}
	return tr, nil
}

func (m *StepMachine) subject(step *store.Step, initiator string) authz.Subject {
	sub := authz.Subject{StepID: step.ID, Initiator: initiator}
	sub.Assignee, _ = m.resolver.Resolve(step)
	for _, d := range step.Delegations {
		if d.From != "" {
			sub.PastAssignees = append(sub.PastAssignees, d.From)
		}
	}
	return sub
}
