package envelope

import (
	"errors"
	"testing"
	"time"
)

func TestWatermillRoundTrip(t *testing.T) {
	t.Parallel()

	m := New("order-42", []byte(`{"total":12}`))
	m.Attempt = 2
	m.NotBefore = time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
	m.SetHeader("tenant", "acme")

	got := FromWatermill(ToWatermill(m))

	if got.ID != m.ID {
		t.Fatalf("id mismatch: %s != %s", got.ID, m.ID)
	}
	if got.Key != "order-42" {
		t.Fatalf("key mismatch: %q", got.Key)
	}
	if got.Attempt != 2 {
		t.Fatalf("attempt mismatch: %d", got.Attempt)
	}
	if !got.NotBefore.Equal(m.NotBefore) {
		t.Fatalf("not-before mismatch: %v != %v", got.NotBefore, m.NotBefore)
	}
	if got.Header("tenant") != "acme" {
		t.Fatalf("header lost: %v", got.Headers)
	}
	if _, reserved := got.Headers[KeyAttempt]; reserved {
		t.Fatal("reserved key leaked into headers")
	}
	if string(got.Payload) != `{"total":12}` {
		t.Fatalf("payload mismatch: %s", got.Payload)
	}
}

func TestFromWatermillDropsDelayHint(t *testing.T) {
	t.Parallel()

	wm := ToWatermill(New("order-42", []byte(`{}`)))
	wm.Metadata.Set(KeyDelayMs, "30000")

	got := FromWatermill(wm)

	if _, stale := got.Headers[KeyDelayMs]; stale {
		t.Fatal("delay hint carried across the round trip; republishing would re-delay the message")
	}
	if ToWatermill(got).Metadata.Get(KeyDelayMs) != "" {
		t.Fatal("delay hint resurfaced on republish")
	}
}

func TestPrepareForRetry(t *testing.T) {
	t.Parallel()

	m := New("k", nil)
	now := time.Unix(1000, 0)

	m.PrepareForRetry(now, 4*time.Second)

	if m.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", m.Attempt)
	}
	if !m.NotBefore.Equal(now.Add(4 * time.Second)) {
		t.Fatalf("unexpected not-before: %v", m.NotBefore)
	}
}

func TestTimestampPrefersEventTimeHeader(t *testing.T) {
	t.Parallel()

	m := New("k", nil)
	eventTime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.SetHeader(KeyEventTime, eventTime.Format(time.RFC3339Nano))

	if !m.Timestamp().Equal(eventTime) {
		t.Fatalf("expected event time header to win, got %v", m.Timestamp())
	}

	m.Headers = nil
	if !m.Timestamp().Equal(m.EnqueuedAt) {
		t.Fatal("expected fallback to EnqueuedAt")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want Resolution
	}{
		{"nil acks", nil, ResolutionAck},
		{"skip", ErrSkip, ResolutionSkip},
		{"permanent", ErrPermanent, ResolutionDeadLetter},
		{"permanent with reason", ErrPermanentWithReason("malformed payload", nil), ResolutionDeadLetter},
		{"dead letter", ErrDeadLetter, ResolutionDeadLetter},
		{"explicit retry", ErrRetry, ResolutionRetry},
		{"unknown is transient", errors.New("connection reset"), ResolutionRetry},
		{"retry after", ErrRetryAfter(time.Second, nil), ResolutionRetryAfter},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := Classify(tc.err)
			if got != tc.want {
				t.Fatalf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyRetryAfterDelay(t *testing.T) {
	t.Parallel()

	_, delay := Classify(ErrRetryAfter(5*time.Second, errors.New("rate limited")))
	if delay != 5*time.Second {
		t.Fatalf("expected 5s delay, got %v", delay)
	}
}

func TestFailureReason(t *testing.T) {
	t.Parallel()

	if got := FailureReason(ErrPermanentWithReason("validation failed", errors.New("boom"))); got != "validation failed" {
		t.Fatalf("unexpected reason: %q", got)
	}
	if got := FailureReason(errors.New("timeout")); got != "timeout" {
		t.Fatalf("unexpected reason: %q", got)
	}
}

func TestWrappedPermanentStillPermanent(t *testing.T) {
	t.Parallel()

	err := errors.Join(errors.New("context"), ErrPermanentWithReason("bad schema", nil))
	if r, _ := Classify(err); r != ResolutionDeadLetter {
		t.Fatalf("wrapped permanent misclassified as %v", r)
	}
	if IsRetryable(err) {
		t.Fatal("permanent error must not be retryable")
	}
}
