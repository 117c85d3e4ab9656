// Package events provides in-process fan-out of task status updates
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/cloud-shuttle/webherd/pkg/types"
)

// Event wraps a status update with a unique delivery identifier
type Event struct {
	ID     string              `json:"id"`
	Update *types.StatusUpdate `json:"update"`
}

// Bus distributes status updates to subscribers. Publication is
// non-blocking: a subscriber that cannot keep up misses events rather
// than stalling the worker that produced them. The bus is observational
// only; the notifier remains the contractual delivery path.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan *Event]string
	closed      atomic.Bool
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[chan *Event]string),
	}
}

// Subscribe creates a new subscription channel for events
func (b *Bus) Subscribe(name string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, 100)
	b.subscribers[ch] = name
	return ch
}

// Unsubscribe removes a subscription channel
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, ch)
}

// Publish emits a status update to all subscribers
func (b *Bus) Publish(update *types.StatusUpdate) error {
	if b.closed.Load() {
		return fmt.Errorf("event bus is closed")
	}

	event := &Event{ID: uuid.New().String(), Update: update}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Channel is full, skip this subscriber
		}
	}

	return nil
}

// SubscribeTask returns a channel carrying only the given task's events.
// The channel closes when ctx is cancelled or the bus shuts down.
func (b *Bus) SubscribeTask(ctx context.Context, taskID string) <-chan *Event {
	ch := b.Subscribe("task:" + taskID)
	out := make(chan *Event, 100)

	go func() {
		defer close(out)
		defer b.Unsubscribe(ch)

		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				if event.Update == nil || event.Update.TaskID != taskID {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				default:
					// Output channel is full, skip
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Close shuts down the event bus
func (b *Bus) Close() error {
	b.closed.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}

	return nil
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
