package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hrflow/internal/store"
	"github.com/rendis/hrflow/pkg/schema"
)

func assertPNG(t *testing.T, png []byte) {
	t.Helper()
	require.True(t, len(png) > 8, "PNG should be larger than header")
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestRenderImage_Sequential(t *testing.T) {
	model, err := Build(sequentialWorkflow(), nil, testNow)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model)
	require.NoError(t, err)
	assertPNG(t, png)
}

func TestRenderImage_Groups(t *testing.T) {
	model, err := Build(groupWorkflow(), nil, testNow)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model)
	require.NoError(t, err)
	assertPNG(t, png)
}

func TestRenderImage_WithStatus(t *testing.T) {
	steps := []*store.Step{
		{ID: "big", Status: schema.StepStatusCompleted},
		{ID: "cfo", Status: schema.StepStatusInProgress, Assignee: "cfo"},
		{ID: "manager", Status: schema.StepStatusSkipped},
	}
	model, err := Build(conditionWorkflow(), steps, testNow)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model)
	require.NoError(t, err)
	assertPNG(t, png)
}
