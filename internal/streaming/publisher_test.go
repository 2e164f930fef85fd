package streaming

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hrflow/internal/engine"
	"github.com/rendis/hrflow/pkg/schema"
)

func assignedEvent() engine.Event {
	return engine.Event{
		Kind:        schema.EventStepAssigned,
		InstanceID:  "inst-1",
		StepID:      "manager",
		RelatedUser: "bob",
		Timestamp:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestPublisher_EmitsOnEveryChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, NewPublisher(hub).Emit(ctx, assignedEvent()))

	first, second := receive(t, ch), receive(t, ch)
	assert.Equal(t, "instance:inst-1", first.Channel)
	assert.Equal(t, "user:bob", second.Channel)
	assert.Equal(t, "step_assigned", first.Kind)
	assert.Equal(t, "manager", first.Payload["step_id"])
	assert.Equal(t, assignedEvent().Timestamp, first.Timestamp)
}

func TestWebSocketHandler_RequiresChannel(t *testing.T) {
	rec := httptest.NewRecorder()
	NewWebSocketHandler(NewMemoryHub(), nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebSocketHandler_StreamsSubscribedChannels(t *testing.T) {
	hub := NewMemoryHub()
	srv := httptest.NewServer(NewWebSocketHandler(hub, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?channel=user:bob"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	pub := NewPublisher(hub)
	other := assignedEvent()
	other.RelatedUser = "alice"
	require.NoError(t, pub.Emit(context.Background(), other))
	require.NoError(t, pub.Emit(context.Background(), assignedEvent()))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var got Message
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "user:bob", got.Channel)
	assert.Equal(t, "bob", got.Payload["related_user"])

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}
