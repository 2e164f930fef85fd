package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hrflow/internal/store"
	"github.com/rendis/hrflow/pkg/schema"
)

func TestRenderMermaid_Shapes(t *testing.T) {
	model, err := Build(sequentialWorkflow(), nil, testNow)
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.Contains(t, out, "graph TD\n")
	assert.Contains(t, out, "%% document_approval v2")
	assert.Contains(t, out, `manager["Manager sign-off"]`)
	assert.Contains(t, out, `hr{{"hr"}}`)
	assert.Contains(t, out, `archive>"archive"]`)
	assert.Contains(t, out, `__start__(("Start"))`)
	assert.Contains(t, out, "manager --> hr")
	assert.NotContains(t, out, "class manager")
}

func TestRenderMermaid_GroupsAndLabels(t *testing.T) {
	model, err := Build(groupWorkflow(), nil, testNow)
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.Contains(t, out, `subgraph setup["setup (parallel)"]`)
	assert.Contains(t, out, `it(["it"])`)
	assert.Contains(t, out, `payroll[/"payroll"/]`)
	assert.Contains(t, out, "intro --> quiz")
	assert.Contains(t, out, "offer --> setup")

	model, err = Build(conditionWorkflow(), nil, testNow)
	require.NoError(t, err)
	assert.Contains(t, RenderMermaid(model), "big -->|if true| cfo")
}

func TestRenderMermaid_StatusClasses(t *testing.T) {
	steps := []*store.Step{
		{ID: "manager", Status: schema.StepStatusCompleted, Assignee: "alice"},
		{ID: "hr", Status: schema.StepStatusRejected, Assignee: "hank"},
		{ID: "archive", Status: schema.StepStatusCancelled},
	}
	model, err := Build(sequentialWorkflow(), steps, testNow)
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.Contains(t, out, `manager["Manager sign-off @alice"]`)
	assert.Contains(t, out, "class manager completed")
	assert.Contains(t, out, "class hr rejected")
	assert.Contains(t, out, "class archive skipped")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "hr_review_step_1", mermaidSafeID("hr-review.step 1"))
}
