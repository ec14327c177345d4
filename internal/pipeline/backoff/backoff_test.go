package backoff

import (
	"testing"
	"time"
)

func TestDelayExponentialWithoutJitter(t *testing.T) {
	t.Parallel()

	p := (&Policy{Base: time.Second, Max: 16 * time.Second, Jitter: -1}).WithDefaults()
	p.Jitter = 0

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		16 * time.Second, // capped
		16 * time.Second,
	}
	for attempt, expected := range want {
		if got := p.Delay(attempt); got != expected {
			t.Fatalf("Delay(%d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestDelayMonotonicWithJitter(t *testing.T) {
	t.Parallel()

	p := (&Policy{Base: 100 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.2}).WithDefaults()
	p.SeedJitter(42)

	prev := time.Duration(0)
	for attempt := 0; attempt < 8; attempt++ {
		got := p.Delay(attempt)
		if got < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, got, prev)
		}
		if got > time.Duration(float64(30*time.Second)*1.2) {
			t.Fatalf("delay exceeded jittered cap: %v", got)
		}
		prev = got
	}
}

func TestDelayJitterBounds(t *testing.T) {
	t.Parallel()

	p := (&Policy{Base: time.Second, Max: time.Minute, Jitter: 0.2}).WithDefaults()
	p.SeedJitter(7)

	for i := 0; i < 100; i++ {
		got := p.Delay(3) // nominal 8s
		lo := time.Duration(float64(8*time.Second) * 0.8)
		hi := time.Duration(float64(8*time.Second) * 1.2)
		if got < lo || got > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", got, lo, hi)
		}
	}
}

func TestExhausted(t *testing.T) {
	t.Parallel()

	p := (&Policy{MaxRetries: 3}).WithDefaults()

	if p.Exhausted(3, 0) {
		t.Fatal("attempt 3 of 3 retries is still within budget")
	}
	if !p.Exhausted(4, 0) {
		t.Fatal("attempt 4 of 3 retries must be exhausted")
	}
	if p.Exhausted(4, 10) {
		t.Fatal("per-message override should extend the budget")
	}
	if !p.Exhausted(11, 10) {
		t.Fatal("override budget must still bound retries")
	}
}

func TestWithDefaults(t *testing.T) {
	t.Parallel()

	p := (&Policy{}).WithDefaults()
	if p.Base != DefaultBaseDelay || p.Max != DefaultMaxDelay || p.MaxRetries != DefaultMaxRetries || p.Jitter != DefaultJitter {
		t.Fatalf("unexpected defaults: %+v", p)
	}
}
