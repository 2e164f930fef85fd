package definitions

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hrflow/internal/store"
	"github.com/rendis/hrflow/internal/validation"
	"github.com/rendis/hrflow/pkg/schema"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "defs.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	v, err := validation.NewWorkflowValidator(nil, nil)
	require.NoError(t, err)
	return NewRegistry(s, v, nil)
}

func leaveRequest(approver string) schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		Name: "leave_request",
		Steps: []schema.StepDefinition{
			{ID: "manager", Type: schema.StepTypeApproval, Assignee: approver},
			{ID: "hr", Type: schema.StepTypeReview, Assignee: "hr-desk"},
		},
	}
}

func TestRegistry_VersionsIncrement(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	v1, err := r.Register(ctx, leaveRequest("alice"), "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 1, v1.Definition.Version)
	assert.Equal(t, "admin", v1.CreatedBy)

	v2, err := r.Register(ctx, leaveRequest("bob"), "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	latest, err := r.Latest(ctx, "leave_request")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, "bob", latest.Definition.Steps[0].Assignee)

	first, err := r.Get(ctx, "leave_request", 1)
	require.NoError(t, err)
	assert.Equal(t, "alice", first.Definition.Steps[0].Assignee, "stored versions never change")

	all, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 2, all[0].Version)
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	r := newTestRegistry(t)
	def := leaveRequest("")
	_, err := r.Register(context.Background(), def, "admin")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeAssigneeRequired, schema.CodeOf(err))

	_, err = r.Latest(context.Background(), "leave_request")
	assert.True(t, errors.Is(err, schema.ErrNotFound))
}

func TestRegistry_RegisterIfChanged(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	d, changed, err := r.RegisterIfChanged(ctx, leaveRequest("alice"), "loader")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, d.Version)

	d, changed, err = r.RegisterIfChanged(ctx, leaveRequest("alice"), "loader")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, d.Version)

	d, changed, err = r.RegisterIfChanged(ctx, leaveRequest("carol"), "loader")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2, d.Version)
}

func TestRegistry_ConcurrentRegister(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Register(ctx, leaveRequest("alice"), "admin")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	latest, err := r.Latest(ctx, "leave_request")
	require.NoError(t, err)
	assert.Equal(t, 5, latest.Version)
}

func TestSameDefinition(t *testing.T) {
	a := leaveRequest("alice")
	b := leaveRequest("alice")
	b.Version = 7
	assert.True(t, sameDefinition(a, b))

	b.Steps[1].DueIn = "24h"
	assert.False(t, sameDefinition(a, b))
}
