package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/hrflow/internal/authz"
	"github.com/rendis/hrflow/internal/expressions"
	"github.com/rendis/hrflow/internal/logging"
	"github.com/rendis/hrflow/internal/store"
	"github.com/rendis/hrflow/pkg/schema"
)

// Runner owns the instance-level state machine. Every mutating call on one
// instance is serialized; calls on different instances run in parallel.
type Runner interface {
	// Create stores a new draft instance of def.
	Create(ctx context.Context, req CreateRequest) (*store.Instance, error)
	// Start creates the instance's steps and activates the first stage.
	Start(ctx context.Context, instanceID string, actor schema.Actor, payload schema.Payload) (*Snapshot, error)
	// Act applies a user action to one step and advances the instance.
	Act(ctx context.Context, instanceID, stepID string, actor schema.Actor, action schema.Action, payload schema.Payload) (*Snapshot, error)
	// Delegate is Act with the delegate action.
	Delegate(ctx context.Context, instanceID, stepID string, actor schema.Actor, to, reason string) (*Snapshot, error)
	// Cancel terminates a non-terminal instance, cancelling its open steps.
	Cancel(ctx context.Context, instanceID string, actor schema.Actor, reason string) (*Snapshot, error)
	// FlagOverdue marks an active step past its due date as notified and
	// emits step_overdue. It reports whether the step was flagged.
	FlagOverdue(ctx context.Context, instanceID, stepID string) (bool, error)
	// Snapshot reads the instance, its steps and its full action log.
	Snapshot(ctx context.Context, instanceID string) (*Snapshot, error)
}

// Repository is the persistence contract of the runner. Satisfied by
// store.Store and test mocks.
type Repository interface {
	CreateInstance(ctx context.Context, inst *store.Instance) error
	GetInstance(ctx context.Context, id string) (*store.Instance, error)
	ListSteps(ctx context.Context, instanceID string) ([]*store.Step, error)
	ListActions(ctx context.Context, instanceID string, since int64) ([]*store.ActionRecord, error)
	Commit(ctx context.Context, cs *store.Changeset) error
}

// Predicate evaluates boolean expressions for condition steps and when guards.
// Satisfied by *expressions.CELEngine.
type Predicate interface {
	EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error)
}

// InputValidator checks instance data against a definition's input schema.
type InputValidator interface {
	ValidateInstanceData(def *schema.WorkflowDefinition, data map[string]any) error
}

// Observer receives the outcome of every runner operation.
type Observer interface {
	ObserveOperation(op string, code string, elapsed time.Duration)
}

// Snapshot is the state of an instance after an operation.
type Snapshot struct {
	Instance *store.Instance       `json:"instance"`
	Steps    []*store.Step         `json:"steps"`
	Actions  []*store.ActionRecord `json:"actions,omitempty"`
}

// Step returns the step with the given ID, or nil.
func (s *Snapshot) Step(id string) *store.Step {
	for _, st := range s.Steps {
		if st.ID == id {
			return st
		}
	}
	return nil
}

// CreateRequest describes a new instance.
type CreateRequest struct {
	Definition *store.Definition
	Initiator  string
	Data       map[string]any
}

// RunnerDeps holds the runner's collaborators. Repo and Conditions are
// required; everything else has a default.
type RunnerDeps struct {
	Repo       Repository
	Policy     *authz.Policy
	Engines    expressions.Set
	Conditions Predicate
	Inputs     InputValidator
	Emitter    EventEmitter
	Observer   Observer
	Logger     *slog.Logger
	Now        func() time.Time
	NewID      func() string
}

type runnerImpl struct {
	repo       Repository
	policy     *authz.Policy
	machine    *StepMachine
	resolver   *AssignmentResolver
	conditions Predicate
	inputs     InputValidator
	emitter    EventEmitter
	observer   Observer
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
	locks      *keyedMutex
}

// NewRunner creates a Runner.
func NewRunner(deps RunnerDeps) Runner {
	r := &runnerImpl{
		repo:       deps.Repo,
		policy:     deps.Policy,
		conditions: deps.Conditions,
		inputs:     deps.Inputs,
		emitter:    deps.Emitter,
		observer:   deps.Observer,
		logger:     deps.Logger,
		now:        deps.Now,
		newID:      deps.NewID,
		locks:      newKeyedMutex(),
	}
	if r.policy == nil {
		r.policy = authz.DefaultPolicy()
	}
	if r.emitter == nil {
		r.emitter = nopEmitter{}
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	r.resolver = NewAssignmentResolver(deps.Engines)
	r.machine = NewStepMachine(r.policy, r.resolver)
	return r
}

func (r *runnerImpl) Create(ctx context.Context, req CreateRequest) (inst *store.Instance, err error) {
	defer r.observe("create", time.Now(), &err)

	if req.Definition == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition is required")
	}
	if req.Initiator == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "initiator is required")
	}
	def := req.Definition.Definition
	if _, err := ParseDAG(&def); err != nil {
		return nil, err
	}
	if r.inputs != nil {
		if err := r.inputs.ValidateInstanceData(&def, req.Data); err != nil {
			return nil, err
		}
	}

	now := r.now()
	inst = &store.Instance{
		ID:                r.newID(),
		DefinitionName:    req.Definition.Name,
		DefinitionVersion: req.Definition.Version,
		Definition:        def,
		Status:            schema.InstanceStatusDraft,
		Initiator:         req.Initiator,
		Data:              req.Data,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.repo.CreateInstance(ctx, inst); err != nil {
		return nil, storeErr("create instance", err)
	}
	return inst, nil
}

func (r *runnerImpl) Start(ctx context.Context, instanceID string, actor schema.Actor, payload schema.Payload) (snap *Snapshot, err error) {
	defer r.observe("start", time.Now(), &err)

	s, err := r.mutate(ctx, instanceID, actor, func(s *session) error {
		if s.inst.Status != schema.InstanceStatusDraft {
			return schema.NewErrorf(schema.ErrCodeInvalidAction, "workflow is already %s", s.inst.Status)
		}
		if err := r.policy.AuthorizeInstance(actor, schema.ActionStart, s.inst.Initiator); err != nil {
			return err
		}
		s.dueOverride = payload.DueAt
		s.createSteps()
		if err := s.setInstanceStatus(schema.InstanceStatusPending); err != nil {
			return err
		}
		s.record(&store.ActionRecord{Action: schema.ActionStart, Actor: actor.ID, Comment: payload.Comment})
		s.emit(Event{Kind: schema.EventWorkflowStarted, RelatedUser: s.inst.Initiator, Actor: actor.ID,
			Data: map[string]any{"definition": s.inst.DefinitionName, "version": s.inst.DefinitionVersion}}, true)
		return s.settle()
	})
	if err != nil {
		return nil, err
	}
	return s.snapshot(), nil
}

func (r *runnerImpl) Act(ctx context.Context, instanceID, stepID string, actor schema.Actor, action schema.Action, payload schema.Payload) (snap *Snapshot, err error) {
	defer r.observe(string(action), time.Now(), &err)

	if !action.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidAction, "unknown action %q", action).WithStep(stepID)
	}
	if action == schema.ActionCancel {
		return nil, schema.NewError(schema.ErrCodeInvalidAction, "steps are cancelled by cancelling the workflow").WithStep(stepID)
	}

	s, err := r.mutate(ctx, instanceID, actor, func(s *session) error {
		if s.inst.Status != schema.InstanceStatusInProgress && s.inst.Status != schema.InstanceStatusPending {
			return schema.NewErrorf(schema.ErrCodeInvalidAction, "workflow is %s", s.inst.Status).WithStep(stepID)
		}
		step, ok := s.steps[stepID]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found in instance %s", stepID, instanceID).WithStep(stepID)
		}
		tr, err := r.machine.Apply(ActionRequest{
			Step:      step,
			Initiator: s.inst.Initiator,
			Action:    action,
			Actor:     actor,
			Payload:   payload,
			At:        s.now,
		})
		if err != nil {
			return err
		}
		s.applyTransition(tr)
		s.dueOverride = payload.DueAt
		return s.settle()
	})
	if err != nil {
		return nil, err
	}
	return s.snapshot(), nil
}

func (r *runnerImpl) Delegate(ctx context.Context, instanceID, stepID string, actor schema.Actor, to, reason string) (*Snapshot, error) {
	return r.Act(ctx, instanceID, stepID, actor, schema.ActionDelegate, schema.Payload{DelegateTo: to, Reason: reason})
}

func (r *runnerImpl) Cancel(ctx context.Context, instanceID string, actor schema.Actor, reason string) (snap *Snapshot, err error) {
	defer r.observe("cancel", time.Now(), &err)

	s, err := r.mutate(ctx, instanceID, actor, func(s *session) error {
		if s.inst.Status.Terminal() {
			return schema.NewErrorf(schema.ErrCodeInvalidAction, "workflow is already %s", s.inst.Status)
		}
		if err := r.policy.AuthorizeInstance(actor, schema.ActionCancel, s.inst.Initiator); err != nil {
			return err
		}
		previous := s.inst.Status
		cancelled := s.cancelOpenSteps(actor.ID, reason)
		if err := s.setInstanceStatus(schema.InstanceStatusCancelled); err != nil {
			return err
		}
		s.record(&store.ActionRecord{Action: schema.ActionCancel, Actor: actor.ID, Comment: reason})
		data := map[string]any{"cancelled_steps": cancelled, "previous_status": string(previous)}
		if reason != "" {
			data["reason"] = reason
		}
		s.emit(Event{Kind: schema.EventWorkflowCancelled, RelatedUser: s.inst.Initiator, Actor: actor.ID, Data: data}, true)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.snapshot(), nil
}

func (r *runnerImpl) FlagOverdue(ctx context.Context, instanceID, stepID string) (flagged bool, err error) {
	defer r.observe("flag_overdue", time.Now(), &err)

	_, err = r.mutate(ctx, instanceID, schema.System, func(s *session) error {
		step, ok := s.steps[stepID]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found in instance %s", stepID, instanceID).WithStep(stepID)
		}
		if !step.Status.Actionable() || step.DueAt == nil || !step.DueAt.Before(s.now) || step.OverdueNotifiedAt != nil {
			return nil
		}
		at := s.now
		step.OverdueNotifiedAt = &at
		step.UpdatedAt = at
		s.touch(step)
		assignee, _ := r.resolver.Resolve(step)
		s.emit(Event{Kind: schema.EventStepOverdue, StepID: step.ID, RelatedUser: assignee,
			Data: map[string]any{"due_at": *step.DueAt}}, false)
		flagged = true
		return nil
	})
	return flagged, err
}

func (r *runnerImpl) Snapshot(ctx context.Context, instanceID string) (*Snapshot, error) {
	inst, err := r.repo.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, storeErr("load instance", err)
	}
	steps, err := r.repo.ListSteps(ctx, instanceID)
	if err != nil {
		return nil, storeErr("load steps", err)
	}
	actions, err := r.repo.ListActions(ctx, instanceID, 0)
	if err != nil {
		return nil, storeErr("load actions", err)
	}
	return &Snapshot{Instance: inst, Steps: steps, Actions: actions}, nil
}

// mutate runs fn under the instance lock against copies of the stored state,
// checks invariants, commits the changeset and then emits the events in order.
// Nothing is written when fn or the invariant check fails.
func (r *runnerImpl) mutate(ctx context.Context, instanceID string, actor schema.Actor, fn func(*session) error) (*session, error) {
	ctx = logging.WithInstanceID(ctx, instanceID)
	ctx = logging.WithActorID(ctx, actor.ID)

	unlock := r.locks.Lock(instanceID)
	defer unlock()

	inst, err := r.repo.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, storeErr("load instance", err)
	}
	steps, err := r.repo.ListSteps(ctx, instanceID)
	if err != nil {
		return nil, storeErr("load steps", err)
	}
	dag, err := ParseDAG(&inst.Definition)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInvariant, "stored definition no longer parses").WithCause(err)
	}

	s := newSession(ctx, r, inst, steps, dag, actor)
	if err := fn(s); err != nil {
		return nil, err
	}
	if err := s.checkInvariants(); err != nil {
		logging.LogWith(ctx, r.logger).Error("invariant violation, transition aborted", "error", err)
		return nil, err
	}

	cs := s.changeset()
	if !cs.Empty() {
		if err := r.repo.Commit(ctx, cs); err != nil {
			return nil, storeErr("commit", err)
		}
	}

	r.dispatch(ctx, s.events)
	return s, nil
}

// dispatch hands events to the emitter one by one. Failures are logged and
// never undo the committed transition.
func (r *runnerImpl) dispatch(ctx context.Context, events []Event) {
	log := logging.LogWith(ctx, r.logger)
	for _, ev := range events {
		if ev.record != nil {
			ev.Sequence = ev.record.Sequence
		}
		if err := r.emitter.Emit(ctx, ev); err != nil {
			log.Warn("event emission failed", "kind", string(ev.Kind), "step_id", ev.StepID, "error", err)
		}
	}
}

func (r *runnerImpl) observe(op string, start time.Time, err *error) {
	if r.observer == nil {
		return
	}
	code := "ok"
	if *err != nil {
		if code = schema.CodeOf(*err); code == "" {
			code = "unknown"
		}
	}
	r.observer.ObserveOperation(op, code, time.Since(start))
}

// storeErr leaves FlowErrors from the store untouched and wraps everything else.
func storeErr(op string, err error) error {
	if schema.CodeOf(err) != "" {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

// stepView is the expression-visible summary of a step.
func stepView(st *store.Step) map[string]any {
	return map[string]any{
		"status":   string(st.Status),
		"type":     string(st.Type),
		"assignee": st.Assignee,
	}
}

// dataCopy round-trips instance data through JSON so expressions never see
// typed Go values that differ between fresh and reloaded instances.
func dataCopy(data map[string]any) map[string]any {
	if len(data) == 0 {
		return map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return data
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return data
	}
	return out
}
