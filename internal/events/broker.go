// Package events fans workflow notifications out to interested listeners
// such as the console status line.
package events

import (
	"sync"
	"time"
)

// wildcard subscribes to every event type.
const wildcard EventType = "*"

// Broker manages event distribution. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
//
// Used by: bot (request lifecycle), pipeline hooks, watcher, export, console
type Broker struct {
	subscribers map[EventType][]chan Event
	mu          sync.RWMutex
	bufferSize  int
	now         func() time.Time
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  32,
		now:         time.Now,
	}
}

// Subscribe creates a subscription to specific event types. No types means
// all of them.
func (b *Broker) Subscribe(eventTypes ...EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if len(eventTypes) == 0 {
		eventTypes = []EventType{wildcard}
	}
	for _, eventType := range eventTypes {
		b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	}
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	closed := false
	for eventType, subscribers := range b.subscribers {
		for i, sub := range subscribers {
			if sub != ch {
				continue
			}
			b.subscribers[eventType] = append(subscribers[:i], subscribers[i+1:]...)
			if !closed {
				close(sub)
				closed = true
			}
			break
		}
		if len(b.subscribers[eventType]) == 0 {
			delete(b.subscribers, eventType)
		}
	}
}

// Publish sends an event to all subscribers. A nil broker drops it.
func (b *Broker) Publish(eventType EventType, payload any) {
	if b == nil {
		return
	}
	event := Event{Type: eventType, Time: b.now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.subscribers[wildcard] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close removes all subscriptions.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[chan Event]struct{})
	for _, subscribers := range b.subscribers {
		for _, ch := range subscribers {
			if _, ok := seen[ch]; ok {
				continue
			}
			seen[ch] = struct{}{}
			close(ch)
		}
	}
	b.subscribers = make(map[EventType][]chan Event)
}
