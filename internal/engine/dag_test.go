package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hrflow/pkg/schema"
)

// --- helpers ---

func approvalStep(id, assignee string, depends ...string) schema.StepDefinition {
	return schema.StepDefinition{ID: id, Type: schema.StepTypeApproval, Assignee: assignee, DependsOn: depends}
}

func groupStep(id string, typ schema.StepType, children ...schema.StepDefinition) schema.StepDefinition {
	return schema.StepDefinition{ID: id, Type: typ, Steps: children}
}

func conditionStep(id, expression string, depends ...string) schema.StepDefinition {
	return schema.StepDefinition{ID: id, Type: schema.StepTypeCondition, Condition: expression, DependsOn: depends}
}

func definition(mode schema.FlowMode, steps ...schema.StepDefinition) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{Name: "test", Version: 1, Mode: mode, Steps: steps}
}

// --- tests ---

func TestParseDAG_SequentialModeChainsSteps(t *testing.T) {
	dag, err := ParseDAG(definition(schema.ModeSequential,
		approvalStep("manager", "alice"),
		approvalStep("hr", "hank"),
		approvalStep("ceo", "carol"),
	))
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"manager"}, {"hr"}, {"ceo"}}, dag.Levels)
	assert.Equal(t, []string{"manager"}, dag.Edges["hr"])
	assert.Empty(t, dag.Explicit["hr"], "implicit ordering is not a declared dependency")
	assert.Equal(t, 2, dag.Stage["ceo"])
}

func TestParseDAG_DefaultModeIsSequential(t *testing.T) {
	dag, err := ParseDAG(definition("", approvalStep("a", "x"), approvalStep("b", "y")))
	require.NoError(t, err)
	assert.Len(t, dag.Levels, 2)
}

func TestParseDAG_ParallelModeRoots(t *testing.T) {
	dag, err := ParseDAG(definition(schema.ModeParallel,
		approvalStep("it", "ivan"),
		approvalStep("facilities", "fred"),
		approvalStep("payroll", "pam"),
		approvalStep("welcome", "wendy", "it", "facilities"),
	))
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"it", "facilities", "payroll"}, {"welcome"}}, dag.Levels)
	assert.Equal(t, []string{"it", "facilities"}, dag.Explicit["welcome"])
	assert.ElementsMatch(t, []string{"welcome"}, dag.Reverse["it"])
}

func TestParseDAG_DiamondLevels(t *testing.T) {
	dag, err := ParseDAG(definition(schema.ModeParallel,
		approvalStep("a", "x"),
		approvalStep("b", "x", "a"),
		approvalStep("c", "x", "a"),
		approvalStep("d", "x", "b", "c"),
	))
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, dag.Levels)
	assert.Equal(t, []string{"a", "b", "c", "d"}, dag.Sorted)
}

func TestParseDAG_Groups(t *testing.T) {
	dag, err := ParseDAG(definition(schema.ModeSequential,
		approvalStep("manager", "alice"),
		groupStep("signoff", schema.StepTypeParallel,
			approvalStep("legal", "lee"),
			approvalStep("finance", "fin"),
		),
		approvalStep("ceo", "carol"),
	))
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"manager"}, {"signoff"}, {"ceo"}}, dag.Levels)
	assert.Equal(t, []string{"legal", "finance"}, dag.Children["signoff"])
	assert.Equal(t, "signoff", dag.Parent["legal"])
	assert.Equal(t, 1, dag.Stage["finance"], "children share their group's stage")
	assert.Equal(t, 4, dag.Position["ceo"])
	assert.Len(t, dag.Steps, 5)
	assert.Equal(t, []string{"manager", "signoff", "ceo"}, dag.TopLevel())
}

func TestParseDAG_Errors(t *testing.T) {
	tests := []struct {
		name string
		def  *schema.WorkflowDefinition
		code string
	}{
		{"nil", nil, schema.ErrCodeValidation},
		{"no steps", definition(schema.ModeSequential), schema.ErrCodeValidation},
		{"unknown mode", definition("random", approvalStep("a", "x")), schema.ErrCodeValidation},
		{"empty id", definition("", approvalStep("", "x")), schema.ErrCodeValidation},
		{"duplicate id", definition("", approvalStep("a", "x"), approvalStep("a", "y")), schema.ErrCodeValidation},
		{"unknown type", definition("", schema.StepDefinition{ID: "a", Type: "vote"}), schema.ErrCodeValidation},
		{"missing dependency", definition("", approvalStep("a", "x", "ghost")), schema.ErrCodeValidation},
		{"self dependency", definition("", approvalStep("a", "x", "a")), schema.ErrCodeCycleDetected},
		{"duplicate dependency", definition(schema.ModeParallel, approvalStep("a", "x"), approvalStep("b", "x", "a", "a")), schema.ErrCodeValidation},
		{"cycle", definition(schema.ModeParallel,
			approvalStep("a", "x", "c"), approvalStep("b", "x", "a"), approvalStep("c", "x", "b")), schema.ErrCodeCycleDetected},
		{"empty group", definition("", groupStep("g", schema.StepTypeParallel)), schema.ErrCodeValidation},
		{"nested group", definition("", groupStep("g", schema.StepTypeSequential,
			groupStep("inner", schema.StepTypeParallel, approvalStep("x", "y")))), schema.ErrCodeValidation},
		{"children on approval", definition("", schema.StepDefinition{ID: "a", Steps: []schema.StepDefinition{approvalStep("b", "x")}}), schema.ErrCodeValidation},
		{"child with depends_on", definition("", approvalStep("a", "x"),
			groupStep("g", schema.StepTypeParallel, approvalStep("b", "x", "a"))), schema.ErrCodeValidation},
		{"depends on a child", definition(schema.ModeParallel,
			groupStep("g", schema.StepTypeParallel, approvalStep("b", "x")), approvalStep("c", "x", "b")), schema.ErrCodeValidation},
		{"condition without expression", definition("", conditionStep("c", "")), schema.ErrCodeValidation},
		{"condition with assignee", definition("", schema.StepDefinition{ID: "c", Type: schema.StepTypeCondition, Condition: "true", Assignee: "x"}), schema.ErrCodeValidation},
		{"condition on approval", definition("", schema.StepDefinition{ID: "a", Assignee: "x", Condition: "true"}), schema.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDAG(tt.def)
			require.Error(t, err)
			assert.Equal(t, tt.code, schema.CodeOf(err))
		})
	}
}
