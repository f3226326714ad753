package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by operations on a closed MemoryPubSub.
var ErrClosed = errors.New("pubsub: closed")

// MemoryPubSub is an in-process PubSub for single-node deployments and tests.
// Events are round-tripped through JSON so subscribers observe the same
// payload shapes the network drivers deliver.
type MemoryPubSub struct {
	mu     sync.RWMutex
	subs   map[string]chan *Event
	closed bool
}

// NewMemoryPubSub creates an empty in-process bus.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string]chan *Event)}
}

// Publish delivers the event to the channel's subscriber if there is one.
// A full subscriber drops the event, matching the network drivers.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}

	ch, ok := m.subs[channel]
	if !ok {
		return nil
	}

	var copied Event
	if err := json.Unmarshal(data, &copied); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	select {
	case ch <- &copied:
	default:
	}
	return nil
}

// Subscribe registers the channel's subscriber, replacing any previous one.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	if existing, ok := m.subs[channel]; ok {
		close(existing)
	}

	ch := make(chan *Event, 256)
	m.subs[channel] = ch

	go func() {
		<-ctx.Done()
		m.remove(channel, ch)
	}()

	return ch, nil
}

// Unsubscribe closes the channel's subscriber.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.subs[channel]; ok {
		close(ch)
		delete(m.subs, channel)
	}
	return nil
}

// Close closes every subscriber.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for channel, ch := range m.subs {
		close(ch)
		delete(m.subs, channel)
	}
	return nil
}

func (m *MemoryPubSub) remove(channel string, ch chan *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.subs[channel]; ok && current == ch {
		close(ch)
		delete(m.subs, channel)
	}
}
