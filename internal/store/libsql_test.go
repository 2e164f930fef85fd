package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hrflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func testDefinition() schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		Name: "document_approval",
		Steps: []schema.StepDefinition{
			{ID: "manager", Type: schema.StepTypeApproval, Assignee: "alice"},
			{ID: "hr", Type: schema.StepTypeApproval, Assignee: "bob"},
		},
	}
}

func seedInstance(t *testing.T, s *LibSQLStore) *Instance {
	t.Helper()
	inst := &Instance{
		ID:                uuid.New().String(),
		DefinitionName:    "document_approval",
		DefinitionVersion: 1,
		Definition:        testDefinition(),
		Status:            schema.InstanceStatusDraft,
		Initiator:         "carol",
		Data:              map[string]any{"document": "contract.pdf"},
	}
	require.NoError(t, s.CreateInstance(context.Background(), inst))
	return inst
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n-- only a comment\n;\nCREATE TABLE b (y INT);")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE TABLE b")
}

// --- Definitions ---

func TestStoreAndGetDefinition_Versions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := testDefinition()
	require.NoError(t, s.StoreDefinition(ctx, &Definition{Name: def.Name, Version: 1, Definition: def}))
	def.Description = "second revision"
	require.NoError(t, s.StoreDefinition(ctx, &Definition{Name: def.Name, Version: 2, Definition: def, Description: "v2"}))

	latest, err := s.GetDefinition(ctx, "document_approval", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, "v2", latest.Description)

	first, err := s.GetDefinition(ctx, "document_approval", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	require.Len(t, first.Definition.Steps, 2)

	all, err := s.ListDefinitions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStoreDefinition_DuplicateVersionConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := testDefinition()

	require.NoError(t, s.StoreDefinition(ctx, &Definition{Name: def.Name, Version: 1, Definition: def}))
	err := s.StoreDefinition(ctx, &Definition{Name: def.Name, Version: 1, Definition: def})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
}

func TestGetDefinition_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetDefinition(context.Background(), "missing", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

// --- Instances ---

func TestCreateAndGetInstance(t *testing.T) {
	s := newTestStore(t)
	inst := seedInstance(t, s)

	got, err := s.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusDraft, got.Status)
	assert.Equal(t, "carol", got.Initiator)
	assert.Equal(t, "contract.pdf", got.Data["document"])
	assert.Equal(t, "manager", got.Definition.Steps[0].ID)
	assert.Nil(t, got.StartedAt)
}

func TestGetInstance_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetInstance(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestListInstances_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstance(t, s)
	seedInstance(t, s)

	other := &Instance{
		ID: uuid.New().String(), DefinitionName: "leave_request", DefinitionVersion: 1,
		Definition: testDefinition(), Status: schema.InstanceStatusDraft, Initiator: "dave",
	}
	require.NoError(t, s.CreateInstance(ctx, other))

	mine, err := s.ListInstances(ctx, InstanceFilter{Initiator: "carol"})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	leave, err := s.ListInstances(ctx, InstanceFilter{DefinitionName: "leave_request"})
	require.NoError(t, err)
	require.Len(t, leave, 1)
	assert.Equal(t, other.ID, leave[0].ID)

	draft := schema.InstanceStatusDraft
	limited, err := s.ListInstances(ctx, InstanceFilter{Status: &draft, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// --- Commit ---

func TestCommit_WritesInstanceStepsAndActions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := seedInstance(t, s)

	now := time.Now().UTC().Truncate(time.Second)
	inst.Status = schema.InstanceStatusInProgress
	inst.StartedAt = &now
	due := now.Add(48 * time.Hour)

	cs := &Changeset{
		Instance: inst,
		Steps: []*Step{
			{InstanceID: inst.ID, ID: "manager", Type: schema.StepTypeApproval, Status: schema.StepStatusPending,
				Position: 0, Stage: 0, Assignee: "alice", DueAt: &due, Blocking: true, DelegationAllowed: true, ActivatedAt: &now},
			{InstanceID: inst.ID, ID: "hr", Type: schema.StepTypeApproval, Status: schema.StepStatusDraft,
				Position: 1, Stage: 1, Blocking: true, DelegationAllowed: false},
		},
		Actions: []*ActionRecord{
			{InstanceID: inst.ID, Actor: "carol", Action: "start"},
			{InstanceID: inst.ID, StepID: "manager", Actor: "system", Action: "activate", FromStatus: schema.StepStatusDraft, ToStatus: schema.StepStatusPending},
		},
	}
	require.NoError(t, s.Commit(ctx, cs))
	assert.Equal(t, int64(1), cs.Actions[0].Sequence)
	assert.Equal(t, int64(2), cs.Actions[1].Sequence)

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusInProgress, got.Status)
	require.NotNil(t, got.StartedAt)

	steps, err := s.ListSteps(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "manager", steps[0].ID)
	assert.Equal(t, "alice", steps[0].Assignee)
	assert.True(t, steps[0].DelegationAllowed)
	assert.False(t, steps[1].DelegationAllowed)
	require.NotNil(t, steps[0].DueAt)

	actions, err := s.ListActions(ctx, inst.ID, 0)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, schema.StepStatusPending, actions[1].ToStatus)
}

func TestCommit_UpsertsStepAndKeepsDelegations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := seedInstance(t, s)

	step := &Step{InstanceID: inst.ID, ID: "manager", Type: schema.StepTypeApproval, Status: schema.StepStatusPending,
		Assignee: "alice", Blocking: true, DelegationAllowed: true}
	require.NoError(t, s.Commit(ctx, &Changeset{Steps: []*Step{step}}))

	step.Assignee = "carol"
	step.Delegations = []Delegation{{From: "alice", To: "carol", Reason: "vacation", At: time.Now().UTC()}}
	require.NoError(t, s.Commit(ctx, &Changeset{Steps: []*Step{step}}))

	steps, err := s.ListSteps(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "carol", steps[0].Assignee)
	require.Len(t, steps[0].Delegations, 1)
	assert.Equal(t, "vacation", steps[0].Delegations[0].Reason)
}

func TestCommit_MissingInstanceRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := seedInstance(t, s)

	ghost := inst.Clone()
	ghost.ID = "ghost"
	err := s.Commit(ctx, &Changeset{
		Instance: ghost,
		Actions:  []*ActionRecord{{InstanceID: inst.ID, Actor: "x", Action: schema.ActionComment}},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	actions, err := s.ListActions(ctx, inst.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestCommit_SequencesAreInstanceScoped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedInstance(t, s)
	b := seedInstance(t, s)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Commit(ctx, &Changeset{Actions: []*ActionRecord{{InstanceID: a.ID, Actor: "u", Action: schema.ActionComment}}}))
	}
	require.NoError(t, s.Commit(ctx, &Changeset{Actions: []*ActionRecord{{InstanceID: b.ID, Actor: "u", Action: schema.ActionComment}}}))

	la, err := s.ListActions(ctx, a.ID, 0)
	require.NoError(t, err)
	require.Len(t, la, 3)
	assert.Equal(t, int64(3), la[2].Sequence)

	lb, err := s.ListActions(ctx, b.ID, 0)
	require.NoError(t, err)
	require.Len(t, lb, 1)
	assert.Equal(t, int64(1), lb[0].Sequence)

	since, err := s.ListActions(ctx, a.ID, 2)
	require.NoError(t, err)
	assert.Len(t, since, 1)
}

func TestQuerySteps_OverdueFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := seedInstance(t, s)

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	steps := []*Step{
		{InstanceID: inst.ID, ID: "late", Type: schema.StepTypeApproval, Status: schema.StepStatusPending, Assignee: "alice", DueAt: &past, Position: 0},
		{InstanceID: inst.ID, ID: "fine", Type: schema.StepTypeApproval, Status: schema.StepStatusPending, Assignee: "alice", DueAt: &future, Position: 1},
		{InstanceID: inst.ID, ID: "done", Type: schema.StepTypeApproval, Status: schema.StepStatusCompleted, Assignee: "alice", DueAt: &past, Position: 2},
		{InstanceID: inst.ID, ID: "flagged", Type: schema.StepTypeApproval, Status: schema.StepStatusPending, Assignee: "bob", DueAt: &past, OverdueNotifiedAt: &past, Position: 3},
	}
	require.NoError(t, s.Commit(ctx, &Changeset{Steps: steps}))

	now := time.Now().UTC()
	got, err := s.QuerySteps(ctx, StepFilter{
		Statuses:         []schema.StepStatus{schema.StepStatusPending, schema.StepStatusInProgress},
		DueBefore:        &now,
		OverdueUnflagged: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "late", got[0].ID)

	inbox, err := s.QuerySteps(ctx, StepFilter{Assignee: "alice", Statuses: []schema.StepStatus{schema.StepStatusPending}})
	require.NoError(t, err)
	assert.Len(t, inbox, 2)
}

// --- Users ---

func TestUpsertAndGetUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{ID: "alice", Name: "Alice", Roles: []string{"manager"}, Metadata: json.RawMessage(`{"dept":"ops"}`)}
	require.NoError(t, s.UpsertUser(ctx, u))

	u.Roles = []string{"manager", "hr"}
	require.NoError(t, s.UpsertUser(ctx, u))

	got, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"manager", "hr"}, got.Roles)
	assert.JSONEq(t, `{"dept":"ops"}`, string(got.Metadata))
	assert.Nil(t, got.LastSeenAt)

	require.NoError(t, s.TouchUser(ctx, "alice"))
	got, err = s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.NotNil(t, got.LastSeenAt)

	err = s.TouchUser(ctx, "nobody")
	assert.ErrorIs(t, err, schema.ErrNotFound)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)

	// A rename without roles, email or metadata keeps the stored ones.
	require.NoError(t, s.UpsertUser(ctx, &User{ID: "alice", Name: "Alice B."}))
	got, err = s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice B.", got.Name)
	assert.Equal(t, []string{"manager", "hr"}, got.Roles)
	assert.JSONEq(t, `{"dept":"ops"}`, string(got.Metadata))

	require.NoError(t, s.UpsertUser(ctx, &User{ID: "alice", Name: "Alice B.", Roles: []string{}}))
	got, err = s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, got.Roles)
}

// --- Notifications ---

func TestNotifications_Inbox(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := &Notification{UserID: "alice", Kind: "step_assigned", Subject: "New approval", Data: json.RawMessage(`{"step":"manager"}`)}
	require.NoError(t, s.CreateNotification(ctx, n))
	require.NotZero(t, n.ID)
	require.NoError(t, s.CreateNotification(ctx, &Notification{UserID: "alice", Kind: "step_completed", Subject: "Done"}))
	require.NoError(t, s.CreateNotification(ctx, &Notification{UserID: "bob", Kind: "step_assigned", Subject: "Other"}))

	unread, err := s.ListNotifications(ctx, NotificationFilter{UserID: "alice", UnreadOnly: true})
	require.NoError(t, err)
	assert.Len(t, unread, 2)

	require.NoError(t, s.MarkNotificationRead(ctx, n.ID))
	assert.ErrorIs(t, s.MarkNotificationRead(ctx, n.ID), schema.ErrNotFound)

	unread, err = s.ListNotifications(ctx, NotificationFilter{UserID: "alice", UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "Done", unread[0].Subject)
}
