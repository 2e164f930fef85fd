package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hrflow/internal/engine"
	"github.com/rendis/hrflow/internal/expressions"
	"github.com/rendis/hrflow/internal/store"
	"github.com/rendis/hrflow/pkg/schema"
)

var at = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func assignedEvent() engine.Event {
	return engine.Event{
		Kind:        schema.EventStepAssigned,
		InstanceID:  "inst-1",
		StepID:      "manager",
		RelatedUser: "bob",
		Actor:       "alice",
		Data:        map[string]any{"delegated_from": "alice", "due_at": at.Add(48 * time.Hour)},
		Sequence:    4,
		Timestamp:   at,
	}
}

// captureChannel records delivered messages.
type captureChannel struct {
	mu   sync.Mutex
	name string
	msgs []*Message
	err  error
}

func (c *captureChannel) Name() string { return c.name }

func (c *captureChannel) Deliver(_ context.Context, msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return c.err
}

func (c *captureChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

type fakeInbox struct {
	got []*store.Notification
}

func (f *fakeInbox) CreateNotification(_ context.Context, n *store.Notification) error {
	f.got = append(f.got, n)
	return nil
}

type fakePusher struct {
	user    string
	payload map[string]any
}

func (f *fakePusher) Notify(_ context.Context, userID string, payload map[string]any) error {
	f.user, f.payload = userID, payload
	return nil
}

func TestFormatter_Format(t *testing.T) {
	msg, err := NewFormatter(nil, nil).Format(context.Background(), assignedEvent())
	require.NoError(t, err)

	assert.Equal(t, "bob", msg.UserID)
	assert.Equal(t, "Action required: manager", msg.Subject)
	assert.Contains(t, msg.Body, "Step manager of workflow inst-1 is assigned to you.")
	assert.Contains(t, msg.Body, "Delegated by alice.")
	assert.Contains(t, msg.Body, "Due: 2026-03-04T09:00:00Z")
	assert.Equal(t, "manager", msg.Data["step_id"])
	assert.Equal(t, float64(4), msg.Data["sequence"], "data holds JSON-native values")
}

func TestFormatter_WorkflowEventsUseInstance(t *testing.T) {
	msg, err := NewFormatter(nil, nil).Format(context.Background(), engine.Event{
		Kind: schema.EventWorkflowCancelled, InstanceID: "inst-9", RelatedUser: "emp",
		Data: map[string]any{"reason": "withdrawn"}, Timestamp: at,
	})
	require.NoError(t, err)
	assert.Equal(t, "Workflow inst-9 cancelled", msg.Subject)
	assert.Contains(t, msg.Body, "Reason: withdrawn")
}

func TestFormatter_JQProjection(t *testing.T) {
	f := NewFormatter(expressions.NewGoJQEngine(), map[string]string{
		"step_assigned":  "{step: .step_id, from: .delegated_from}",
		"step_commented": ".comment",
	})

	msg, err := f.Format(context.Background(), assignedEvent())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"step": "manager", "from": "alice"}, msg.Data)

	msg, err = f.Format(context.Background(), engine.Event{
		Kind: schema.EventStepCommented, InstanceID: "inst-1", StepID: "hr", RelatedUser: "hank",
		Data: map[string]any{"comment": "please attach the contract"}, Timestamp: at,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": "please attach the contract"}, msg.Data)
}

func TestFormatter_BadProjection(t *testing.T) {
	f := NewFormatter(expressions.NewGoJQEngine(), map[string]string{"step_assigned": ".[[["})
	_, err := f.Format(context.Background(), assignedEvent())
	assert.Error(t, err)
}

func TestDispatcher_DeliversToEveryChannel(t *testing.T) {
	pool := NewWorkerPool(2, nil)
	defer pool.Shutdown()

	failing := &captureChannel{name: "broken", err: errors.New("smtp down")}
	ok := &captureChannel{name: "ok"}
	d := NewDispatcher(DispatcherDeps{Pool: pool, Channels: []Channel{failing, ok}})

	require.NoError(t, d.Emit(context.Background(), assignedEvent()))
	pool.Wait()

	assert.Equal(t, 1, failing.count())
	assert.Equal(t, 1, ok.count(), "a failing channel does not block the others")
	assert.Equal(t, int64(1), pool.Metrics().Failed)
}

// gateChannel holds every delivery until release is closed.
type gateChannel struct {
	captureChannel
	release chan struct{}
}

func (g *gateChannel) Deliver(ctx context.Context, msg *Message) error {
	<-g.release
	return g.captureChannel.Deliver(ctx, msg)
}

func TestDispatcher_SlowChannelKeepsOrderAndDoesNotBlock(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()
	gate := &gateChannel{captureChannel: captureChannel{name: "session"}, release: make(chan struct{})}
	d := NewDispatcher(DispatcherDeps{Pool: pool, Channels: []Channel{gate}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		for i := 0; i < 6; i++ {
			ev := assignedEvent()
			ev.StepID = fmt.Sprintf("step-%d", i)
			assert.NoError(t, d.Emit(ctx, ev))
		}
	}()
	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("emit blocked behind a stalled channel")
	}

	close(gate.release)
	pool.Wait()

	require.Equal(t, 6, gate.count())
	for i, msg := range gate.msgs {
		assert.Equal(t, fmt.Sprintf("step-%d", i), msg.StepID)
	}
}

func TestDispatcher_Filters(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()
	ch := &captureChannel{name: "capture"}
	d := NewDispatcher(DispatcherDeps{Pool: pool, Channels: []Channel{ch}})

	self := assignedEvent()
	self.Actor = "bob"
	noUser := assignedEvent()
	noUser.RelatedUser = ""
	unsubscribed := assignedEvent()
	unsubscribed.Kind = schema.EventStepSkipped

	for _, ev := range []engine.Event{self, noUser, unsubscribed} {
		require.NoError(t, d.Emit(context.Background(), ev))
	}
	pool.Wait()
	assert.Zero(t, ch.count())

	custom := NewDispatcher(DispatcherDeps{Pool: pool, Channels: []Channel{ch}, Kinds: []schema.EventKind{schema.EventStepSkipped}})
	require.NoError(t, custom.Emit(context.Background(), unsubscribed))
	pool.Wait()
	assert.Equal(t, 1, ch.count())
}

func TestDispatcher_PoolShutdown(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	pool.Shutdown()
	d := NewDispatcher(DispatcherDeps{Pool: pool})

	err := d.Emit(context.Background(), assignedEvent())
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestDatabaseChannel(t *testing.T) {
	inbox := &fakeInbox{}
	msg, err := NewFormatter(nil, nil).Format(context.Background(), assignedEvent())
	require.NoError(t, err)

	require.NoError(t, NewDatabaseChannel(inbox).Deliver(context.Background(), msg))
	require.Len(t, inbox.got, 1)

	n := inbox.got[0]
	assert.Equal(t, "bob", n.UserID)
	assert.Equal(t, "inst-1", n.InstanceID)
	assert.Equal(t, "manager", n.StepID)
	assert.Equal(t, "step_assigned", n.Kind)
	assert.Equal(t, at, n.CreatedAt)

	var data map[string]any
	require.NoError(t, json.Unmarshal(n.Data, &data))
	assert.Equal(t, "alice", data["delegated_from"])
}

func TestLogChannel(t *testing.T) {
	var buf bytes.Buffer
	ch := NewLogChannel(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, ch.Deliver(context.Background(), &Message{UserID: "bob", Kind: schema.EventStepOverdue, Subject: "Overdue: manager"}))
	assert.Contains(t, buf.String(), `"user_id":"bob"`)
	assert.Contains(t, buf.String(), `"subject":"Overdue: manager"`)
}

func TestSessionChannel(t *testing.T) {
	p := &fakePusher{}
	require.NoError(t, NewSessionChannel(p).Deliver(context.Background(), &Message{
		UserID: "bob", InstanceID: "inst-1", StepID: "manager", Kind: schema.EventStepAssigned, Subject: "s", Body: "b",
	}))
	assert.Equal(t, "bob", p.user)
	assert.Equal(t, "step_assigned", p.payload["kind"])
	assert.Equal(t, "manager", p.payload["step_id"])
	assert.NotContains(t, p.payload, "data")
}

func TestSessionChannel_PusherFunc(t *testing.T) {
	var got string
	ch := NewSessionChannel(PusherFunc(func(_ context.Context, userID string, _ map[string]any) error {
		got = userID
		return nil
	}))
	require.NoError(t, ch.Deliver(context.Background(), &Message{UserID: "carol", Kind: schema.EventStepAssigned}))
	assert.Equal(t, "carol", got)
}
