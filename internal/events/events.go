// Package events carries lifecycle signals from the broker connection, the job
// queue and the worker pool to whoever wants to observe them (logging, metrics,
// dead-letter export). Nothing in the delivery path depends on a subscriber.
package events

import (
	"sync"
	"time"
)

// Type identifies a lifecycle signal.
type Type string

// Connection signals.
const (
	Ready        Type = "ready"
	Error        Type = "error"
	End          Type = "end"
	Reconnecting Type = "reconnecting"
)

// Queue and worker signals.
const (
	Paused    Type = "paused"
	Resumed   Type = "resumed"
	Drained   Type = "drained"
	Waiting   Type = "waiting"
	Active    Type = "active"
	Completed Type = "completed"
	Failed    Type = "failed"
	Stalled   Type = "stalled"
)

// Event is a single lifecycle signal.
type Event struct {
	Type   Type
	Source string // "broker", "queue", "worker"
	JobID  string
	// Attempt is the number of attempts made so far for job events.
	Attempt int
	// Terminal is set on failed events when the job will not be retried.
	Terminal bool
	Err      error
	At       time.Time
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and should return quickly.
type Handler func(Event)

// Publisher is the narrow interface components depend on.
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to registered handlers.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every handler registered at the time of the call.
// A panicking handler is isolated from the others.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	snapshot := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	for _, h := range snapshot {
		dispatch(h, e)
	}
}

func dispatch(h Handler, e Event) {
	defer func() { _ = recover() }()
	h(e)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}
