package engine

import (
	"context"
	"strings"
	"time"

	"github.com/rendis/hrflow/internal/expressions"
	"github.com/rendis/hrflow/internal/store"
	"github.com/rendis/hrflow/pkg/schema"
)

// AssignmentResolver computes the active assignee of a step and applies
// delegation. It never performs I/O; the returned step copies are committed
// by the runner.
type AssignmentResolver struct {
	engines expressions.Set
}

// NewAssignmentResolver creates a resolver. engines evaluate assignee rules
// written as "<engine>:<expression>"; any other rule is a literal user ID.
func NewAssignmentResolver(engines expressions.Set) *AssignmentResolver {
	return &AssignmentResolver{engines: engines}
}

// Resolve returns the active assignee: the target of the latest delegation,
// otherwise the initial assignee. ok is false for an unassigned step.
func (r *AssignmentResolver) Resolve(step *store.Step) (string, bool) {
	if n := len(step.Delegations); n > 0 {
		return step.Delegations[n-1].To, true
	}
	return step.Assignee, step.Assignee != ""
}

// Delegation is the outcome of a delegate call.
type Delegation struct {
	Step    *store.Step // updated copy
	From    string
	To      string
	Changed bool // false when the step was already assigned to To
}

// Delegate moves the step from its current assignee to another user.
// Delegating to the current assignee succeeds without recording anything.
func (r *AssignmentResolver) Delegate(step *store.Step, from, to, reason string, at time.Time) (*Delegation, error) {
	notAllowed := func(format string, args ...any) error {
		return schema.NewErrorf(schema.ErrCodeDelegationNotAllowed, format, args...).WithStep(step.ID)
	}

	if step.Status.Terminal() {
		return nil, notAllowed("step is %s", step.Status)
	}
	if !step.DelegationAllowed {
		return nil, notAllowed("delegation is disabled for this step")
	}
	if to == "" {
		return nil, notAllowed("delegation target is empty")
	}

	current, _ := r.Resolve(step)
	if to == current {
		return &Delegation{Step: step.Clone(), From: current, To: to}, nil
	}
	if from != current {
		return nil, notAllowed("%q is not the current assignee", from)
	}

	next := step.Clone()
	next.Delegations = append(next.Delegations, store.Delegation{From: from, To: to, Reason: reason, At: at})
	next.Assignee = to
	next.UpdatedAt = at
	return &Delegation{Step: next, From: from, To: to, Changed: true}, nil
}

// Initial evaluates a definition's assignee rule. An empty result leaves the
// step unassigned.
func (r *AssignmentResolver) Initial(ctx context.Context, rule string, scope map[string]any) (string, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return "", nil
	}
	eng, expression, ok := r.engines.SplitRule(rule)
	if !ok {
		return rule, nil
	}

	data := scope
	if eng.Name() == "expr" {
		// expr sees initiator as a top-level variable alongside inputs/steps/workflow.
		data = make(map[string]any, len(scope)+1)
		for k, v := range scope {
			data[k] = v
		}
		if wf, ok := scope["workflow"].(map[string]any); ok {
			data["initiator"] = wf["initiator"]
		}
	}

	v, err := eng.Evaluate(ctx, expression, data)
	if err != nil {
		return "", err
	}
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(val), nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeExpression,
			"assignee rule %q must produce a user ID string, got %T", rule, v)
	}
}
