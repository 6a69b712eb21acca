package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Since(t *testing.T) {
	c := RealClock{}
	start := c.Now()
	if c.Since(start) < 0 {
		t.Error("Since returned a negative duration")
	}
}

func TestRealClock_After(t *testing.T) {
	c := RealClock{}
	select {
	case <-c.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("RealClock.After did not fire")
	}
}

func TestMockClock_Since(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	c.Advance(1500 * time.Millisecond)

	if got := c.Since(start); got != 1500*time.Millisecond {
		t.Errorf("Since = %v, want 1.5s", got)
	}
	if !c.Now().Equal(start.Add(1500 * time.Millisecond)) {
		t.Errorf("Now = %v", c.Now())
	}
}

func TestMockClock_After(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	ch := c.After(10 * time.Second)

	if c.PendingTimers() != 1 {
		t.Fatalf("PendingTimers = %d, want 1", c.PendingTimers())
	}

	c.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(time.Unix(10, 0)) {
			t.Errorf("fired at %v, want 10s", got)
		}
	default:
		t.Fatal("timer did not fire at deadline")
	}

	if c.PendingTimers() != 0 {
		t.Errorf("PendingTimers = %d after firing, want 0", c.PendingTimers())
	}

	// Advancing again must not block on the already-fired timer.
	c.Advance(time.Minute)
}
