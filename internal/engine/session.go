package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rendis/hrflow/internal/store"
	"github.com/rendis/hrflow/pkg/schema"
)

// ValidInstanceTransitions lists the instance status changes the runner may make.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstanceStatusDraft:      {schema.InstanceStatusPending, schema.InstanceStatusCancelled},
	schema.InstanceStatusPending:    {schema.InstanceStatusInProgress, schema.InstanceStatusCancelled},
	schema.InstanceStatusInProgress: {schema.InstanceStatusCompleted, schema.InstanceStatusRejected, schema.InstanceStatusCancelled},
}

// session is one mutation of one instance. It works on private copies of
// the stored state and collects the changeset and events to publish.
type session struct {
	ctx   context.Context
	r     *runnerImpl
	actor schema.Actor
	now   time.Time

	inst       *store.Instance
	instDirty  bool
	dag        *DAG
	steps      map[string]*store.Step
	origStatus map[string]schema.StepStatus
	dirty      map[string]bool

	actions []*store.ActionRecord
	events  []Event

	dueOverride *time.Time
}

func newSession(ctx context.Context, r *runnerImpl, inst *store.Instance, steps []*store.Step, dag *DAG, actor schema.Actor) *session {
	s := &session{
		ctx:        ctx,
		r:          r,
		actor:      actor,
		now:        r.now(),
		inst:       inst.Clone(),
		dag:        dag,
		steps:      make(map[string]*store.Step, len(steps)),
		origStatus: make(map[string]schema.StepStatus, len(steps)),
		dirty:      make(map[string]bool),
	}
	for _, st := range steps {
		s.steps[st.ID] = st.Clone()
		s.origStatus[st.ID] = st.Status
	}
	return s
}

// createSteps materializes every step of the definition in draft.
func (s *session) createSteps() {
	for id, def := range s.dag.Steps {
		if _, exists := s.steps[id]; exists {
			continue
		}
		s.steps[id] = &store.Step{
			InstanceID:        s.inst.ID,
			ID:                id,
			ParentID:          s.dag.Parent[id],
			Name:              def.Name,
			Description:       def.Description,
			Type:              def.EffectiveType(),
			Status:            schema.StepStatusDraft,
			Position:          s.dag.Position[id],
			Stage:             s.dag.Stage[id],
			Blocking:          def.IsBlocking(),
			DelegationAllowed: !def.DelegationNotAllowed,
			UpdatedAt:         s.now,
		}
		s.dirty[id] = true
	}
}

func (s *session) touch(step *store.Step) {
	s.steps[step.ID] = step
	s.dirty[step.ID] = true
}

// record appends an action to the changeset. Instance and timestamp are filled in.
func (s *session) record(rec *store.ActionRecord) *store.ActionRecord {
	rec.InstanceID = s.inst.ID
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now
	}
	s.actions = append(s.actions, rec)
	return rec
}

// emit queues an event. When tied is set the event takes the sequence of the
// last recorded action.
func (s *session) emit(ev Event, tied bool) {
	ev.InstanceID = s.inst.ID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now
	}
	if tied && len(s.actions) > 0 {
		ev.record = s.actions[len(s.actions)-1]
	}
	s.events = append(s.events, ev)
}

func (s *session) applyTransition(tr *Transition) {
	if tr.Record == nil {
		return
	}
	s.touch(tr.Step)
	s.record(tr.Record)
	s.events = append(s.events, tr.Events...)
}

// setStepStatus moves a step and records the engine action responsible.
func (s *session) setStepStatus(step *store.Step, to schema.StepStatus, action schema.Action, actor, comment string) {
	from := step.Status
	step.Status = to
	step.UpdatedAt = s.now
	if to.Terminal() {
		at := s.now
		step.CompletedAt = &at
	}
	s.touch(step)
	s.record(&store.ActionRecord{
		StepID:     step.ID,
		Actor:      actor,
		Action:     action,
		Comment:    comment,
		FromStatus: from,
		ToStatus:   to,
	})
}

func (s *session) setInstanceStatus(to schema.InstanceStatus) error {
	from := s.inst.Status
	allowed := false
	for _, t := range ValidInstanceTransitions[from] {
		if t == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return schema.NewErrorf(schema.ErrCodeInvariant, "invalid instance transition %s → %s", from, to)
	}
	s.inst.Status = to
	s.inst.UpdatedAt = s.now
	at := s.now
	switch {
	case to == schema.InstanceStatusPending:
		s.inst.StartedAt = &at
	case to.Terminal():
		s.inst.CompletedAt = &at
	}
	s.instDirty = true
	return nil
}

// scope is the data visible to when guards, conditions and assignee rules.
func (s *session) scope() map[string]any {
	steps := make(map[string]any, len(s.steps))
	for id, st := range s.steps {
		steps[id] = stepView(st)
	}
	return map[string]any{
		"inputs": dataCopy(s.inst.Data),
		"steps":  steps,
		"workflow": map[string]any{
			"id":         s.inst.ID,
			"definition": s.inst.DefinitionName,
			"version":    s.inst.DefinitionVersion,
			"initiator":  s.inst.Initiator,
			"status":     string(s.inst.Status),
		},
	}
}

// settle advances the instance until nothing more can happen without
// outside input: groups progress, blocking rejections end the workflow,
// and the next stage opens once the current one is done.
func (s *session) settle() error {
	for !s.inst.Status.Terminal() {
		progressed := false
		for _, id := range s.dag.TopLevel() {
			step := s.steps[id]
			if !step.Type.IsGroup() {
				continue
			}
			if step.Status.Terminal() {
				reason := fmt.Sprintf("group %s is %s", id, step.Status)
				if len(s.cancelSteps(s.dag.Children[id], schema.System.ID, reason)) > 0 {
					progressed = true
				}
				continue
			}
			if step.Status == schema.StepStatusDraft {
				continue
			}
			p, err := s.progressGroup(step)
			if err != nil {
				return err
			}
			progressed = progressed || p
		}

		for _, id := range s.dag.TopLevel() {
			if step := s.steps[id]; step.Status == schema.StepStatusRejected && step.Blocking {
				return s.rejectInstance(step)
			}
		}

		p, err := s.advanceStage()
		if err != nil {
			return err
		}
		if !p && !progressed {
			return nil
		}
	}
	return nil
}

// advanceStage activates the earliest stage that still has open steps, or
// completes the instance when every stage is done.
func (s *session) advanceStage() (bool, error) {
	for _, ids := range s.dag.Levels {
		open := false
		var drafts []string
		for _, id := range ids {
			st := s.steps[id].Status
			if !st.Terminal() {
				open = true
			}
			if st == schema.StepStatusDraft {
				drafts = append(drafts, id)
			}
		}
		if !open {
			continue
		}
		for _, id := range drafts {
			if err := s.activate(s.steps[id]); err != nil {
				return false, err
			}
		}
		return len(drafts) > 0, nil
	}

	if err := s.setInstanceStatus(schema.InstanceStatusCompleted); err != nil {
		return false, err
	}
	s.emit(Event{Kind: schema.EventWorkflowCompleted, RelatedUser: s.inst.Initiator}, false)
	return true, nil
}

func (s *session) markInProgress() error {
	if s.inst.Status == schema.InstanceStatusPending {
		return s.setInstanceStatus(schema.InstanceStatusInProgress)
	}
	return nil
}

// activate opens a draft step: it is skipped when its guard fails, resolved
// on the spot when it is a condition, or assigned and made pending.
func (s *session) activate(step *store.Step) error {
	if step.Status != schema.StepStatusDraft {
		return nil
	}
	if err := s.markInProgress(); err != nil {
		return err
	}
	def := s.dag.Steps[step.ID]

	for _, dep := range s.dag.Explicit[step.ID] {
		if s.steps[dep].Status == schema.StepStatusSkipped {
			s.skip(step, fmt.Sprintf("dependency %s was skipped", dep))
			return nil
		}
	}

	if def.When != "" {
		ok, err := s.evaluate(step.ID, def.When)
		if err != nil {
			return err
		}
		if !ok {
			s.skip(step, "when guard is false")
			return nil
		}
	}

	switch {
	case step.Type == schema.StepTypeCondition:
		ok, err := s.evaluate(step.ID, def.Condition)
		if err != nil {
			return err
		}
		if !ok {
			s.skip(step, "condition is false")
			return nil
		}
		s.setStepStatus(step, schema.StepStatusCompleted, schema.ActionSettle, schema.System.ID, "")
		s.emit(Event{Kind: schema.EventStepCompleted, StepID: step.ID, Actor: schema.System.ID,
			Data: map[string]any{"condition": true}}, true)
		return nil

	case step.Type.IsGroup():
		if err := s.assign(step, def); err != nil {
			return err
		}
		s.setStepStatus(step, schema.StepStatusInProgress, schema.ActionActivate, schema.System.ID, "")
		s.emitAssigned(step)
		at := s.now
		step.ActivatedAt = &at
		return nil

	default:
		if err := s.assign(step, def); err != nil {
			return err
		}
		s.setStepStatus(step, schema.StepStatusPending, schema.ActionActivate, schema.System.ID, "")
		s.emitAssigned(step)
		at := s.now
		step.ActivatedAt = &at
		return nil
	}
}

func (s *session) assign(step *store.Step, def *schema.StepDefinition) error {
	assignee, err := s.r.resolver.Initial(s.ctx, def.Assignee, s.scope())
	if err != nil {
		return withStep(err, step.ID)
	}
	step.Assignee = assignee

	switch {
	case s.dueOverride != nil:
		due := *s.dueOverride
		step.DueAt = &due
	case def.DueIn != "":
		d, err := time.ParseDuration(def.DueIn)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid due_in %q", def.DueIn).WithStep(step.ID).WithCause(err)
		}
		due := s.now.Add(d)
		step.DueAt = &due
	}
	return nil
}

func (s *session) emitAssigned(step *store.Step) {
	if step.Assignee == "" {
		return
	}
	var data map[string]any
	if step.DueAt != nil {
		data = map[string]any{"due_at": *step.DueAt}
	}
	s.emit(Event{Kind: schema.EventStepAssigned, StepID: step.ID, RelatedUser: step.Assignee,
		Actor: schema.System.ID, Data: data}, true)
}

// skip marks a step and, for groups, its unopened children as skipped.
func (s *session) skip(step *store.Step, reason string) {
	s.setStepStatus(step, schema.StepStatusSkipped, schema.ActionSkip, schema.System.ID, reason)
	s.emit(Event{Kind: schema.EventStepSkipped, StepID: step.ID, Actor: schema.System.ID,
		Data: map[string]any{"reason": reason}}, true)
	for _, id := range s.dag.Children[step.ID] {
		if child := s.steps[id]; child.Status == schema.StepStatusDraft {
			s.skip(child, fmt.Sprintf("group %s was skipped", step.ID))
		}
	}
}

// progressGroup opens the next children of an active group and resolves the
// group once its children are done. It reports whether anything changed.
func (s *session) progressGroup(group *store.Step) (bool, error) {
	children := s.dag.Children[group.ID]

	for _, id := range children {
		if child := s.steps[id]; child.Status == schema.StepStatusRejected && child.Blocking {
			s.cancelSteps(children, schema.System.ID, fmt.Sprintf("blocking step %s was rejected", id))
			s.setStepStatus(group, schema.StepStatusRejected, schema.ActionSettle, schema.System.ID, "")
			s.emit(Event{Kind: schema.EventStepRejected, StepID: group.ID, RelatedUser: group.Assignee,
				Actor: schema.System.ID, Data: map[string]any{"rejected_step": id}}, true)
			return true, nil
		}
	}

	switch group.Type {
	case schema.StepTypeSequential:
		for _, id := range children {
			child := s.steps[id]
			if child.Status.Terminal() {
				continue
			}
			if child.Status == schema.StepStatusDraft {
				return true, s.activate(child)
			}
			return false, nil
		}
	default:
		opened := false
		for _, id := range children {
			if child := s.steps[id]; child.Status == schema.StepStatusDraft {
				if err := s.activate(child); err != nil {
					return false, err
				}
				opened = true
			}
		}
		if opened {
			return true, nil
		}
		for _, id := range children {
			if !s.steps[id].Status.Terminal() {
				return false, nil
			}
		}
	}

	s.setStepStatus(group, schema.StepStatusCompleted, schema.ActionSettle, schema.System.ID, "")
	s.emit(Event{Kind: schema.EventStepCompleted, StepID: group.ID, RelatedUser: group.Assignee,
		Actor: schema.System.ID}, true)
	return true, nil
}

// rejectInstance ends the workflow after a blocking rejection. Completed
// steps keep their status; open ones are cancelled.
func (s *session) rejectInstance(rejected *store.Step) error {
	s.cancelOpenSteps(schema.System.ID, fmt.Sprintf("workflow rejected at %s", rejected.ID))
	if err := s.setInstanceStatus(schema.InstanceStatusRejected); err != nil {
		return err
	}
	s.emit(Event{Kind: schema.EventWorkflowRejected, StepID: rejected.ID, RelatedUser: s.inst.Initiator,
		Data: map[string]any{"rejected_step": rejected.ID}}, false)
	return nil
}

// cancelOpenSteps cancels every non-terminal step and returns their IDs.
func (s *session) cancelOpenSteps(actor, reason string) []string {
	ids := make([]string, 0, len(s.steps))
	for id := range s.steps {
		ids = append(ids, id)
	}
	s.dag.byPosition(ids)
	return s.cancelSteps(ids, actor, reason)
}

// cancelSteps cancels the non-terminal steps among ids. Active steps get an
// action record; draft steps that never opened are closed silently.
func (s *session) cancelSteps(ids []string, actor, reason string) []string {
	var cancelled []string
	for _, id := range ids {
		step := s.steps[id]
		switch {
		case step.Status.Terminal():
			continue
		case step.Status == schema.StepStatusDraft:
			step.Status = schema.StepStatusCancelled
			step.UpdatedAt = s.now
			at := s.now
			step.CompletedAt = &at
			s.touch(step)
		default:
			s.setStepStatus(step, schema.StepStatusCancelled, schema.ActionCancel, actor, reason)
		}
		cancelled = append(cancelled, id)
	}
	return cancelled
}

func (s *session) evaluate(stepID, expression string) (bool, error) {
	if s.r.conditions == nil {
		return false, schema.NewError(schema.ErrCodeExpression, "no condition evaluator configured").WithStep(stepID)
	}
	ok, err := s.r.conditions.EvaluateBool(s.ctx, expression, s.scope())
	if err != nil {
		return false, withStep(err, stepID)
	}
	return ok, nil
}

// checkInvariants verifies the computed state before anything is written.
func (s *session) checkInvariants() error {
	violation := func(format string, args ...any) error {
		return schema.NewErrorf(schema.ErrCodeInvariant, format, args...).
			WithDetails(map[string]any{"instance_id": s.inst.ID})
	}

	for id, st := range s.steps {
		if orig, ok := s.origStatus[id]; ok && orig.Terminal() && st.Status != orig {
			return violation("step %s left terminal status %s for %s", id, orig, st.Status)
		}
		if n := len(st.Delegations); n > 0 && st.Delegations[n-1].To != st.Assignee {
			return violation("step %s assignee %q differs from latest delegation %q", id, st.Assignee, st.Delegations[n-1].To)
		}
		if s.inst.Status.Terminal() && st.Status.Actionable() {
			return violation("step %s is %s in a %s workflow", id, st.Status, s.inst.Status)
		}
	}

	if s.inst.StartedAt != nil && len(s.steps) != len(s.dag.Steps) {
		return violation("instance has %d steps, definition has %d", len(s.steps), len(s.dag.Steps))
	}

	// A stage may only open once every earlier stage is done.
	for i, ids := range s.dag.Levels {
		for _, id := range ids {
			if st, ok := s.steps[id]; !ok || st.Status == schema.StepStatusDraft {
				continue
			}
			for _, earlier := range s.dag.Levels[:i] {
				for _, prev := range earlier {
					if st := s.steps[prev]; st != nil && !st.Status.Terminal() {
						return violation("step %s opened before %s finished", id, prev)
					}
				}
			}
		}
	}
	return nil
}

func (s *session) changeset() *store.Changeset {
	cs := &store.Changeset{Actions: s.actions}
	if s.instDirty {
		cs.Instance = s.inst
	}
	for id := range s.dirty {
		cs.Steps = append(cs.Steps, s.steps[id])
	}
	sort.Slice(cs.Steps, func(i, j int) bool { return cs.Steps[i].Position < cs.Steps[j].Position })
	return cs
}

func (s *session) snapshot() *Snapshot {
	steps := make([]*store.Step, 0, len(s.steps))
	for _, st := range s.steps {
		steps = append(steps, st)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Position < steps[j].Position })
	return &Snapshot{Instance: s.inst, Steps: steps, Actions: s.actions}
}

func withStep(err error, stepID string) error {
	if fe, ok := err.(*schema.FlowError); ok && fe.StepID == "" {
		return fe.WithStep(stepID)
	}
	return err
}
