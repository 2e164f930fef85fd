package streaming

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	wsBufferSize   = 1024
)

// WebSocketHandler streams hub messages to websocket clients. Clients pick
// channels with repeated or comma separated ?channel= parameters and may
// narrow by ?kind=. At least one channel is required.
//
// There is no authentication: any client that passes the origin check can
// subscribe to any user:<id> channel. Deploy behind a proxy that
// authenticates when the feed leaves a trusted network.
type WebSocketHandler struct {
	hub      Hub
	logger   *slog.Logger
	origins  map[string]bool
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a WebSocketHandler that accepts same-origin
// browsers and clients that send no Origin header.
func NewWebSocketHandler(hub Hub, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &WebSocketHandler{hub: hub, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  wsBufferSize,
		WriteBufferSize: wsBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// AllowOrigins adds browser origins (e.g. "https://hr.example.com") that may
// connect from another host. "*" allows every origin.
func (h *WebSocketHandler) AllowOrigins(origins ...string) *WebSocketHandler {
	if h.origins == nil {
		h.origins = make(map[string]bool, len(origins))
	}
	for _, o := range origins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			h.origins[strings.ToLower(o)] = true
		}
	}
	return h
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if h.origins["*"] || h.origins[strings.ToLower(origin)] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := Filter{Channels: queryList(r, "channel"), Kinds: queryList(r, "kind")}
	if len(filter.Channels) == 0 {
		http.Error(w, "at least one channel is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	msgs, unsubscribe, err := h.hub.Subscribe(ctx, filter)
	if err != nil {
		cancel()
		_ = conn.Close()
		return
	}
	c := &client{conn: conn, msgs: msgs, logger: h.logger}
	go func() {
		defer cancel()
		defer unsubscribe()
		c.run()
	}()
}

type client struct {
	conn   *websocket.Conn
	msgs   <-chan Message
	logger *slog.Logger
}

func (c *client) run() {
	defer func() { _ = c.conn.Close() }()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Reads only detect the peer going away; subscriptions are fixed at connect.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case msg, ok := <-c.msgs:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug("websocket write failed", "channel", msg.Channel, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func queryList(r *http.Request, key string) []string {
	var out []string
	for _, v := range r.URL.Query()[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
