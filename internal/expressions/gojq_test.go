package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hrflow/pkg/schema"
)

func TestGoJQ_SingleResult(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `.inputs.approvers[0]`, map[string]any{
		"inputs": map[string]any{"approvers": []string{"dave", "erin"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "dave", out)
}

func TestGoJQ_Projection(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `{step: .step_id, days: .inputs.days}`, map[string]any{
		"step_id": "manager",
		"inputs":  map[string]any{"days": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"step": "manager", "days": float64(3)}, out)
}

func TestGoJQ_MultipleAndEmpty(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `.xs[]`, map[string]any{"xs": []any{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, out)

	out, err = e.Evaluate(ctx, `empty`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)

	all, err := e.EvaluateAll(ctx, `.x`, map[string]any{"x": "only"})
	require.NoError(t, err)
	assert.Equal(t, []any{"only"}, all)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = e.Evaluate(ctx, ".[", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = e.Evaluate(ctx, `error("boom")`, map[string]any{})
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))

	out, err := e.Evaluate(ctx, `$ENV.PATH`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Check(t *testing.T) {
	e := NewGoJQEngine()
	assert.NoError(t, e.Check(`.inputs.manager`))
	assert.Error(t, e.Check(`.inputs[`))
}
