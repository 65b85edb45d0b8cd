package pubsub

import (
	"context"
	"sync"
)

// MemoryPubSub is an in-process PubSub used in tests and single-binary
// deployments where both daemons share one process. Delivery is
// fan-out to every subscriber of the channel, best effort: a full
// subscriber buffer drops the event, matching the lossy semantics of
// the real backends.
type MemoryPubSub struct {
	mu     sync.RWMutex
	subs   map[string][]chan *Event
	closed bool
}

// NewMemoryPubSub creates an in-process pubsub.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string][]chan *Event)}
}

func (m *MemoryPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs[channel] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan *Event, 100)
	m.subs[channel] = append(m.subs[channel], ch)
	return ch, nil
}

func (m *MemoryPubSub) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[channel] {
		close(ch)
	}
	delete(m.subs, channel)
	return nil
}

func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for channel, chans := range m.subs {
		for _, ch := range chans {
			close(ch)
		}
		delete(m.subs, channel)
	}
	return nil
}
