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
)

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWebSocketHandler_StreamsMatchingMessages(t *testing.T) {
	hub := NewMemoryHub()
	srv := httptest.NewServer(NewWebSocketHandler(hub, nil))
	defer srv.Close()

	conn := dialHub(t, srv, "channel=instance:inst-1,user:alice&kind=step_completed")
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, Message{Channel: "instance:inst-1", Kind: "step_activated"}))
	require.NoError(t, hub.Publish(ctx, Message{Channel: "instance:inst-2", Kind: "step_completed"}))
	require.NoError(t, hub.Publish(ctx, Message{
		Channel: "user:alice",
		Kind:    "step_completed",
		Payload: map[string]any{"step_id": "manager"},
	}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Message
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "user:alice", got.Channel)
	assert.Equal(t, "step_completed", got.Kind)
	assert.Equal(t, "manager", got.Payload["step_id"])
}

func TestWebSocketHandler_UnsubscribesOnClose(t *testing.T) {
	hub := NewMemoryHub()
	srv := httptest.NewServer(NewWebSocketHandler(hub, nil))
	defer srv.Close()

	conn := dialHub(t, srv, "channel=instance:inst-1")
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketHandler_RequiresChannel(t *testing.T) {
	srv := httptest.NewServer(NewWebSocketHandler(NewMemoryHub(), nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryList(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?channel=a,+b&channel=c&channel=", nil)
	assert.Equal(t, []string{"a", "b", "c"}, queryList(r, "channel"))
	assert.Nil(t, queryList(r, "kind"))
}

func TestWebSocketHandler_OriginCheck(t *testing.T) {
	hub := NewMemoryHub()
	srv := httptest.NewServer(NewWebSocketHandler(hub, nil).AllowOrigins("https://hr.example.com/"))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?channel=user:alice"

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"no origin header", "", true},
		{"same host", srv.URL, true},
		{"allowed origin", "https://HR.example.com", true},
		{"foreign origin", "https://evil.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
			if resp != nil {
				_ = resp.Body.Close()
			}
			if !tt.ok {
				require.Error(t, err)
				require.NotNil(t, resp)
				assert.Equal(t, http.StatusForbidden, resp.StatusCode)
				return
			}
			require.NoError(t, err)
			_ = conn.Close()
		})
	}
}
