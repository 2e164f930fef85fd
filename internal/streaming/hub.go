// Package streaming fans committed workflow events out to live subscribers.
package streaming

import (
	"context"
	"time"
)

// Message is one broadcast on one channel. Channels are "instance:<id>" and
// "user:<id>".
type Message struct {
	Channel   string         `json:"channel"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Filter selects messages for a subscriber. Empty fields match everything.
type Filter struct {
	Channels []string `json:"channels,omitempty"`
	Kinds    []string `json:"kinds,omitempty"`
}

// Hub provides pub/sub for live workflow messages.
type Hub interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Message, func(), error)
}
