package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch      chan Message
	filter  Filter
	dropped atomic.Int64
}

// MemoryHub is an in-process Hub.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uint64]*subscriber),
	}
}

// Publish sends msg to all matching subscribers without blocking: a
// subscriber whose buffer is full misses the message.
func (h *MemoryHub) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.filter.match(msg) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			sub.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a subscriber. The returned cancel function removes it
// and closes the channel.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan Message, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	sub := &subscriber{ch: make(chan Message, defaultChannelBuffer), filter: filter}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (f Filter) match(m Message) bool {
	if len(f.Channels) > 0 && !slices.Contains(f.Channels, m.Channel) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, m.Kind) {
		return false
	}
	return true
}
