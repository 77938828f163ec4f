// Package bus provides a small in-process pub/sub channel used to notify
// subscribers (log streams, UI bridges) of scheduling decisions.
// Delivery is fire-and-forget; correctness never depends on it.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Scheduling event topics.
const (
	TopicSubtaskAssigned  = "subtask.assigned"
	TopicSubtaskQueued    = "subtask.queued"
	TopicSubtaskCompleted = "subtask.completed"
	TopicSubtaskFailed    = "subtask.failed"
	TopicTaskCompleted    = "task.completed"
	TopicWorkerOffline    = "worker.offline"
)

// SubtaskAssignedEvent is published when the allocator binds a subtask.
type SubtaskAssignedEvent struct {
	SubtaskID string // Subtask ID
	TaskID    string // Parent task ID
	WorkerID  string // Worker the subtask was bound to
	Tool      string // Tool the subtask was bound with
}

// SubtaskQueuedEvent is published when no eligible worker exists and the
// subtask falls back to the allocation queue.
type SubtaskQueuedEvent struct {
	SubtaskID string // Subtask ID
	TaskID    string // Parent task ID
}

// SubtaskCompletedEvent is published when a subtask reaches a terminal
// or rework state via the completion handler.
type SubtaskCompletedEvent struct {
	SubtaskID string // Subtask ID
	TaskID    string // Parent task ID
	Success   bool   // Whether the subtask completed successfully
}

// TaskCompletedEvent is published when every subtask of a task finished.
type TaskCompletedEvent struct {
	TaskID string // Task ID
}

// WorkerOfflineEvent is published when the liveness sweep or an explicit
// unregister marks a worker offline.
type WorkerOfflineEvent struct {
	WorkerID string // Worker ID
	Reason   string // "unregistered" or "heartbeat-timeout"
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic
// prefix. An empty prefix matches all topics. The returned channel has a
// buffer of 100 events; slow consumers miss events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event
// is dropped for that subscriber.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
