// Package envelope defines the message model used by the reflow pipeline and
// its mapping onto Watermill messages. Reliability attributes (attempt count,
// not-before time, dead-letter provenance) travel in metadata under
// "rf_"-prefixed keys so they survive any transport.
package envelope

import (
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	idspkg "github.com/drblury/reflow/internal/pipeline/ids"
)

// Reserved metadata keys for reliability semantics.
const (
	// KeyPartition is the partition/join key of the message.
	KeyPartition = "rf_key"

	// KeyAttempt is the number of delivery attempts already made (0-based).
	KeyAttempt = "rf_attempt"

	// KeyMaxAttempts optionally overrides the configured retry bound.
	KeyMaxAttempts = "rf_max_attempts"

	// KeyEnqueuedAt is the RFC3339Nano time the message was first published.
	KeyEnqueuedAt = "rf_enqueued_at"

	// KeyNotBefore is the RFC3339Nano time before which the message must not
	// be handled.
	KeyNotBefore = "rf_not_before"

	// KeyDelayMs asks transports with native delayed delivery to hold the
	// message for this many milliseconds.
	KeyDelayMs = "rf_delay_ms"

	// KeyCorrelationID is a correlation identifier for operational tracing.
	KeyCorrelationID = "rf_correlation_id"

	// KeyDeadLetter marks a message that has been moved to a dead-letter
	// destination.
	KeyDeadLetter = "rf_dead_letter"

	// KeyOriginalTopic stores the topic a dead-lettered message came from.
	KeyOriginalTopic = "rf_original_topic"

	// KeyErrorReason stores the failure reason of a dead-lettered message.
	KeyErrorReason = "rf_error_reason"

	// KeyFailedAt stores when the message was dead-lettered.
	KeyFailedAt = "rf_failed_at"
)

// Message is the unit of work flowing through the pipeline.
//
// Attempt increases monotonically each time the retry scheduler re-publishes
// the message; NotBefore must be at or before the current time before a
// delivery attempt is made.
type Message struct {
	ID         string
	Key        string
	Payload    []byte
	Headers    map[string]string
	Attempt    int
	EnqueuedAt time.Time
	NotBefore  time.Time
}

// New creates a Message with a fresh ULID and EnqueuedAt set to now.
func New(key string, payload []byte) *Message {
	return &Message{
		ID:         idspkg.CreateULID(),
		Key:        key,
		Payload:    payload,
		Headers:    make(map[string]string),
		EnqueuedAt: time.Now().UTC(),
	}
}

// SetHeader sets a header value, allocating the map if needed.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// Header returns the header value or "".
func (m *Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// Timestamp returns the event time used for windowing and joining: the
// rf_event_time header when present, EnqueuedAt otherwise.
func (m *Message) Timestamp() time.Time {
	if raw := m.Header(KeyEventTime); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t
		}
	}
	return m.EnqueuedAt
}

// KeyEventTime optionally carries an application-assigned event time used by
// the window aggregator and stream joiner instead of EnqueuedAt.
const KeyEventTime = "rf_event_time"

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	cloned := *m
	cloned.Payload = append([]byte(nil), m.Payload...)
	if m.Headers != nil {
		cloned.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			cloned.Headers[k] = v
		}
	}
	return &cloned
}

// PrepareForRetry mutates the message for redelivery: the attempt counter is
// incremented and NotBefore is set to now+delay.
func (m *Message) PrepareForRetry(now time.Time, delay time.Duration) {
	m.Attempt++
	m.NotBefore = now.Add(delay)
}

// DeadLetterRecord wraps a message that exhausted its processing options,
// together with the failure metadata operators need for triage. Records are
// immutable once captured.
type DeadLetterRecord struct {
	Message       *Message  `json:"message"`
	OriginalTopic string    `json:"original_topic"`
	FailureReason string    `json:"failure_reason"`
	FailedAt      time.Time `json:"failed_at"`
	AttemptsMade  int       `json:"attempts_made"`
}

// ToWatermill converts the message into a Watermill message, mapping the
// reliability attributes and headers into metadata.
func ToWatermill(m *Message) *message.Message {
	wm := message.NewMessage(m.ID, m.Payload)
	for k, v := range m.Headers {
		wm.Metadata.Set(k, v)
	}
	if m.Key != "" {
		wm.Metadata.Set(KeyPartition, m.Key)
	}
	wm.Metadata.Set(KeyAttempt, strconv.Itoa(m.Attempt))
	if !m.EnqueuedAt.IsZero() {
		wm.Metadata.Set(KeyEnqueuedAt, m.EnqueuedAt.Format(time.RFC3339Nano))
	}
	if !m.NotBefore.IsZero() {
		wm.Metadata.Set(KeyNotBefore, m.NotBefore.Format(time.RFC3339Nano))
	}
	return wm
}

// FromWatermill reconstructs a Message from a Watermill message. Reserved
// rf_ keys become struct fields; everything else becomes a header.
func FromWatermill(wm *message.Message) *Message {
	m := &Message{
		ID:      wm.UUID,
		Payload: wm.Payload,
		Headers: make(map[string]string),
	}
	for k, v := range wm.Metadata {
		switch k {
		case KeyPartition:
			m.Key = v
		case KeyAttempt:
			if n, err := strconv.Atoi(v); err == nil {
				m.Attempt = n
			}
		case KeyEnqueuedAt:
			m.EnqueuedAt = parseTime(v)
		case KeyNotBefore:
			m.NotBefore = parseTime(v)
		case KeyDelayMs:
			// Consumed by delay-aware publishers at publish time. Carrying it
			// into the headers would re-apply the delay on every republish.
		default:
			m.Headers[k] = v
		}
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now().UTC()
	}
	return m
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// MaxAttemptsOverride returns the per-message retry bound carried in headers,
// or 0 when the configured default applies.
func (m *Message) MaxAttemptsOverride() int {
	raw := m.Header(KeyMaxAttempts)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
