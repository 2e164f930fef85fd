package validation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/hrflow/internal/expressions"
	"github.com/rendis/hrflow/pkg/schema"
)

func newTestValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	wv, err := NewWorkflowValidator(cel, expressions.NewSet(cel, expressions.NewExprEngine(), expressions.NewGoJQEngine()))
	require.NoError(t, err)
	return wv
}

func approval(id, assignee string, deps ...string) schema.StepDefinition {
	return schema.StepDefinition{ID: id, Type: schema.StepTypeApproval, Assignee: assignee, DependsOn: deps}
}

func boolPtr(b bool) *bool { return &b }

func codes(issues []schema.ValidationIssue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Code
	}
	return out
}
