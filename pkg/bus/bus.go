// Package bus fans pipeline lifecycle events out to in-process subscribers.
package bus

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 100

type EventType string

const (
	EventBrokerConnected    EventType = "broker_connected"
	EventBrokerDisconnected EventType = "broker_disconnected"
	EventMessageAcked       EventType = "message_acked"
	EventMessageRejected    EventType = "message_rejected"
)

// Event describes one state change in the consumption pipeline.
type Event struct {
	Type       EventType `json:"type"`
	At         time.Time `json:"at"`
	RoutingKey string    `json:"routing_key,omitempty"`
	UID        string    `json:"uid,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// EventBus delivers events to every subscriber without ever blocking the
// publisher. A subscriber whose buffer is full misses the event.
type EventBus struct {
	subscribers map[uint64]chan Event
	nextID      uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[uint64]chan Event),
		done:        make(chan struct{}),
	}
}

// Publish fans the event out. It returns false once the bus is closed. A nil
// bus accepts and drops everything.
func (b *EventBus) Publish(event Event) bool {
	if b == nil {
		return true
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-b.done:
		return false
	default:
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}

	return true
}

// Subscribe registers a buffered subscriber. The channel closes when ctx ends,
// the returned function is called, or the bus closes.
func (b *EventBus) Subscribe(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if sub, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub)
			}
			b.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		unsubscribe()
	}()

	return ch, unsubscribe
}

// Close stops the bus and closes every subscriber channel.
func (b *EventBus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		for id, ch := range b.subscribers {
			close(ch)
			delete(b.subscribers, id)
		}
		b.mu.Unlock()
	})
}
