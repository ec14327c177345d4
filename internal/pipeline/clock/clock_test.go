package clock

import (
	"testing"
	"time"
)

func TestManualAdvanceFiresTimersInOrder(t *testing.T) {
	t.Parallel()

	m := NewManual(time.Unix(0, 0))
	var fired []string

	m.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	m.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	m.AfterFunc(10*time.Second, func() { fired = append(fired, "late") })

	m.Advance(5 * time.Second)

	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Fatalf("unexpected firing order: %v", fired)
	}

	m.Advance(5 * time.Second)
	if len(fired) != 3 || fired[2] != "late" {
		t.Fatalf("expected late timer after second advance, got %v", fired)
	}
}

func TestManualTimerStop(t *testing.T) {
	t.Parallel()

	m := NewManual(time.Unix(0, 0))
	fired := false
	timer := m.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("expected Stop to report an active timer")
	}
	m.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer must not fire")
	}
	if timer.Stop() {
		t.Fatal("second Stop should report inactive")
	}
}

func TestManualTickerDeliversElapsedTicks(t *testing.T) {
	t.Parallel()

	m := NewManual(time.Unix(0, 0))
	ticker := m.NewTicker(time.Second)
	defer ticker.Stop()

	m.Advance(3 * time.Second)

	for i := 0; i < 3; i++ {
		select {
		case <-ticker.C():
		default:
			t.Fatalf("expected tick %d to be buffered", i+1)
		}
	}
	select {
	case <-ticker.C():
		t.Fatal("unexpected extra tick")
	default:
	}
}

func TestSystemClockMonotonicEnough(t *testing.T) {
	t.Parallel()

	c := System()
	before := c.Now()
	if c.Since(before) < 0 {
		t.Fatal("Since went backwards")
	}
}
