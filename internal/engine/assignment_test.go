package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hrflow/internal/expressions"
	"github.com/rendis/hrflow/internal/store"
	"github.com/rendis/hrflow/pkg/schema"
)

func newTestEngines(t *testing.T) expressions.Set {
	t.Helper()
	celEng, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return expressions.NewSet(celEng, expressions.NewExprEngine(), expressions.NewGoJQEngine())
}

func TestAssignmentResolver_Resolve(t *testing.T) {
	r := NewAssignmentResolver(nil)

	who, ok := r.Resolve(&store.Step{})
	assert.False(t, ok)
	assert.Empty(t, who)

	who, ok = r.Resolve(&store.Step{Assignee: "alice"})
	assert.True(t, ok)
	assert.Equal(t, "alice", who)

	who, _ = r.Resolve(&store.Step{Assignee: "carol", Delegations: []store.Delegation{
		{From: "alice", To: "bob"}, {From: "bob", To: "carol"},
	}})
	assert.Equal(t, "carol", who)
}

func TestAssignmentResolver_DelegateIsIdempotent(t *testing.T) {
	r := NewAssignmentResolver(nil)
	step := pendingStep(schema.StepTypeApproval, "alice")

	d, err := r.Delegate(step, "alice", "bob", "", testAt)
	require.NoError(t, err)
	require.True(t, d.Changed)

	again, err := r.Delegate(d.Step, "alice", "bob", "", testAt)
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Len(t, again.Step.Delegations, 1)
	assert.Equal(t, "bob", again.Step.Assignee)
	assert.Empty(t, step.Delegations, "input step must not be mutated")
}

func TestAssignmentResolver_DelegateChain(t *testing.T) {
	r := NewAssignmentResolver(nil)
	d, err := r.Delegate(pendingStep(schema.StepTypeApproval, "alice"), "alice", "bob", "", testAt)
	require.NoError(t, err)
	d, err = r.Delegate(d.Step, "bob", "carol", "", testAt)
	require.NoError(t, err)

	assert.Equal(t, "carol", d.Step.Assignee)
	require.Len(t, d.Step.Delegations, 2)
	assert.Equal(t, "bob", d.Step.Delegations[1].From)
}

func TestAssignmentResolver_DelegateErrors(t *testing.T) {
	r := NewAssignmentResolver(nil)

	terminal := pendingStep(schema.StepTypeApproval, "alice")
	terminal.Status = schema.StepStatusCompleted
	disabled := pendingStep(schema.StepTypeApproval, "alice")
	disabled.DelegationAllowed = false

	tests := []struct {
		name     string
		step     *store.Step
		from, to string
	}{
		{"terminal step", terminal, "alice", "bob"},
		{"delegation disabled", disabled, "alice", "bob"},
		{"empty target", pendingStep(schema.StepTypeApproval, "alice"), "alice", ""},
		{"not the current assignee", pendingStep(schema.StepTypeApproval, "alice"), "bob", "carol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Delegate(tt.step, tt.from, tt.to, "", testAt)
			assert.ErrorIs(t, err, schema.ErrDelegationNotAllowed)
		})
	}
}

func TestAssignmentResolver_Initial(t *testing.T) {
	r := NewAssignmentResolver(newTestEngines(t))
	scope := map[string]any{
		"inputs":   map[string]any{"manager": "alice", "amount": 9000.0},
		"workflow": map[string]any{"initiator": "emp"},
		"steps":    map[string]any{},
	}

	tests := []struct {
		rule string
		want string
	}{
		{"", ""},
		{"hr-team", "hr-team"},
		{"cel: inputs.manager", "alice"},
		{"jq: .inputs.manager", "alice"},
		{`expr: inputs.amount > 5000 ? "cfo" : inputs.manager`, "cfo"},
		{"expr: initiator", "emp"},
		{"jq: .inputs.missing", ""},
	}
	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			got, err := r.Initial(context.Background(), tt.rule, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := r.Initial(context.Background(), "cel: inputs.amount", scope)
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))
}
