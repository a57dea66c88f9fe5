// Package events provides typed lifecycle events and an in-process bus used
// to decouple the schedulers from observers (history index, metrics, logs).
package events

import (
	"sync"
	"time"
)

// Handler processes a single event. Handlers must not block; slow consumers
// should buffer internally.
type Handler func(Event)

// Bus distributes events to subscribed handlers. Emit never blocks the
// emitter: events are queued on a buffered channel and delivered by a single
// dispatch goroutine, so handlers observe events in emit order.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler

	events chan Event
	done   chan struct{}
	once   sync.Once
}

// NewBus creates a new event bus with the specified queue capacity.
func NewBus(capacity int) *Bus {
	b := &Bus{
		events: make(chan Event, capacity),
		done:   make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Emit queues an event for delivery, stamping its time. If the queue is full
// the event is dropped rather than blocking the scheduler.
func (b *Bus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	select {
	case b.events <- e:
	case <-b.done:
	default:
		// Queue full: observers are advisory, scheduling must not stall.
	}
}

// Close shuts down the event bus. Events still queued are delivered before
// the dispatch goroutine exits. Close is idempotent.
func (b *Bus) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}

func (b *Bus) dispatch() {
	for {
		select {
		case e := <-b.events:
			b.deliver(e)
		case <-b.done:
			for {
				select {
				case e := <-b.events:
					b.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(e Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}
