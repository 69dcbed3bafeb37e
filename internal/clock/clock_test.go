package clock

import (
	"context"
	"testing"
	"time"
)

func TestFake_RecordsSleepsAndAdvances(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	if err := c.Sleep(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Sleep(context.Background(), 3*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := c.Now(); !got.Equal(start.Add(5 * time.Second)) {
		t.Errorf("expected now to advance 5s, got %v", got.Sub(start))
	}

	sleeps := c.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 2*time.Second || sleeps[1] != 3*time.Second {
		t.Errorf("unexpected recorded sleeps: %v", sleeps)
	}
}

func TestFake_SleepHonoursCancelledContext(t *testing.T) {
	c := NewFake(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.Sleep(ctx, time.Second); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(c.Sleeps()) != 0 {
		t.Error("cancelled sleep should not be recorded")
	}
}

func TestReal_SleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := (Real{}).Sleep(ctx, time.Hour); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
