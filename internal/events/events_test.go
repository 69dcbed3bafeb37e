package events

import (
	"errors"
	"sync/atomic"
	"testing"
)

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()

	var a, b int32
	bus.Subscribe(func(e Event) { atomic.AddInt32(&a, 1) })
	bus.Subscribe(func(e Event) { atomic.AddInt32(&b, 1) })

	bus.Publish(Event{Type: Completed, JobID: "1"})

	if a != 1 || b != 1 {
		t.Fatalf("expected both subscribers to receive one event, got a=%d b=%d", a, b)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	var count int32
	unsubscribe := bus.Subscribe(func(e Event) { atomic.AddInt32(&count, 1) })

	bus.Publish(Event{Type: Active})
	unsubscribe()
	unsubscribe() // idempotent
	bus.Publish(Event{Type: Active})

	if count != 1 {
		t.Fatalf("expected 1 delivery, got %d", count)
	}
}

func TestBus_PanickingHandlerIsIsolated(t *testing.T) {
	bus := NewBus()

	var got Event
	bus.Subscribe(func(e Event) { panic("boom") })
	bus.Subscribe(func(e Event) { got = e })

	bus.Publish(Event{Type: Failed, Err: errors.New("provider down"), Terminal: true})

	if got.Type != Failed || !got.Terminal {
		t.Fatalf("second handler did not receive event: %+v", got)
	}
	if got.At.IsZero() {
		t.Error("expected publish time to be stamped")
	}
}

func TestBus_NilIsSafe(t *testing.T) {
	var bus *Bus
	bus.Publish(Event{Type: Ready})
}
