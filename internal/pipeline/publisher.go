package pipeline

import (
	"context"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	clockpkg "github.com/drblury/reflow/internal/pipeline/clock"
	"github.com/drblury/reflow/internal/pipeline/envelope"
	errspkg "github.com/drblury/reflow/internal/pipeline/errors"
	"github.com/drblury/reflow/transport"
)

// PublishOption mutates a message before publishing.
type PublishOption func(msg *envelope.Message)

// WithCorrelationID sets the correlation identifier header.
func WithCorrelationID(id string) PublishOption {
	return func(msg *envelope.Message) {
		msg.SetHeader(envelope.KeyCorrelationID, id)
	}
}

// WithDelay defers first delivery by d. Transports with native delayed
// delivery hold the message broker-side; everywhere else the NotBefore gate
// defers it at the consumer.
func WithDelay(d time.Duration) PublishOption {
	return func(msg *envelope.Message) {
		if d > 0 {
			msg.SetHeader(envelope.KeyDelayMs, strconv.FormatInt(d.Milliseconds(), 10))
		}
	}
}

// WithMaxAttempts overrides the configured retry bound for this message.
func WithMaxAttempts(n int) PublishOption {
	return func(msg *envelope.Message) {
		if n > 0 {
			msg.SetHeader(envelope.KeyMaxAttempts, strconv.Itoa(n))
		}
	}
}

// WithHeader sets an arbitrary header.
func WithHeader(key, value string) PublishOption {
	return func(msg *envelope.Message) {
		msg.SetHeader(key, value)
	}
}

// WithEventTime assigns the event time used by window aggregation and stream
// joins instead of the enqueue time.
func WithEventTime(t time.Time) PublishOption {
	return func(msg *envelope.Message) {
		msg.SetHeader(envelope.KeyEventTime, t.UTC().Format(time.RFC3339Nano))
	}
}

// Publish sends a message to topic through the service's transport.
func (s *Service) Publish(ctx context.Context, topic string, msg *envelope.Message, opts ...PublishOption) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	return PublishMessage(ctx, s.publisher, s.clk, topic, msg, opts...)
}

// PublishMessage publishes msg to topic on the given publisher, applying the
// options first. Standalone so producers without a Service can use the same
// envelope mapping.
func PublishMessage(ctx context.Context, publisher message.Publisher, clk clockpkg.Clock, topic string, msg *envelope.Message, opts ...PublishOption) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if msg == nil || len(msg.Payload) == 0 {
		return errspkg.ErrMessagePayloadNeeded
	}
	if clk == nil {
		clk = clockpkg.System()
	}

	for _, opt := range opts {
		opt(msg)
	}

	delay := requestedDelay(msg)

	wm := envelope.ToWatermill(msg)
	if ctx != nil {
		wm.SetContext(ctx)
	}

	if delay > 0 {
		if delayed, ok := publisher.(transport.DelayedPublisher); ok {
			return delayed.PublishWithDelay(topic, delay, wm)
		}
		// No native delay: the NotBefore gate at the consumer defers.
		msg.NotBefore = clk.Now().Add(delay)
		wm.Metadata.Set(envelope.KeyNotBefore, msg.NotBefore.Format(time.RFC3339Nano))
	}

	return publisher.Publish(topic, wm)
}

func requestedDelay(msg *envelope.Message) time.Duration {
	raw := msg.Header(envelope.KeyDelayMs)
	if raw == "" {
		return 0
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// NewMessage creates a message with a fresh ULID, ready for Publish.
func NewMessage(key string, payload []byte) (*envelope.Message, error) {
	if len(payload) == 0 {
		return nil, errspkg.ErrMessagePayloadNeeded
	}
	return envelope.New(key, payload), nil
}
