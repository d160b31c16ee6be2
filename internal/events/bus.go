// Package events provides the in-process publish/subscribe bus and the
// append-only JSONL audit trail. The bus carries lifecycle notifications
// between daemon components; the audit logger records them durably for
// operators.
package events

import (
	"sync"
	"time"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	// EventTaskQueued is published when the dispatcher admits a task.
	EventTaskQueued EventType = "task_queued"
	// EventTaskStarted is published when a worker begins executing a task.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted is published when a task result is persisted.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed is published when a task exhausts its retry budget
	// or fails fatally.
	EventTaskFailed EventType = "task_failed"
	// EventTaskDeadLettered is published when a task is moved to the
	// dead-letter archive.
	EventTaskDeadLettered EventType = "task_dead_lettered"
	// EventTaskCancelled is published when a cancellation takes effect.
	EventTaskCancelled EventType = "task_cancelled"
	// EventWorkerEscalated is published when the watchdog gives up
	// restarting a worker.
	EventWorkerEscalated EventType = "worker_escalated"
	// EventLockTampered is published when a lock entry fails its
	// integrity check.
	EventLockTampered EventType = "lock_tampered"
)

// Event is a single bus message.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber receives events for one event type.
type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe fanout. Delivery is
// asynchronous through per-subscriber buffered channels; when a
// subscriber falls behind its events are dropped rather than stalling
// the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for eventType and returns an unsubscribe
// function. fn runs on its own goroutine; a panic inside fn is recovered
// so one bad subscriber cannot take the bus down.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					recover() // isolate subscriber panics
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish fans event data out to every subscriber of eventType. Sends
// never block: a full subscriber channel drops the event for that
// subscriber only.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close shuts down all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
