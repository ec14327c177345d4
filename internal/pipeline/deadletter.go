package pipeline

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	clockpkg "github.com/drblury/reflow/internal/pipeline/clock"
	"github.com/drblury/reflow/internal/pipeline/envelope"
	"github.com/drblury/reflow/internal/pipeline/jsoncodec"
	loggingpkg "github.com/drblury/reflow/internal/pipeline/logging"
)

// TopicMapper derives a destination topic (dead-letter, retry) from a
// subscription topic.
type TopicMapper func(topic string) string

// DeadLetterSink captures messages that exhausted their processing options.
// The destination stream is append-only; captured records are never mutated.
type DeadLetterSink struct {
	publisher message.Publisher
	topicFor  TopicMapper
	clk       clockpkg.Clock
	logger    loggingpkg.ServiceLogger
	metrics   *Metrics
}

// NewDeadLetterSink creates a sink publishing records to topicFor(topic).
func NewDeadLetterSink(publisher message.Publisher, topicFor TopicMapper, clk clockpkg.Clock, logger loggingpkg.ServiceLogger, metrics *Metrics) *DeadLetterSink {
	if clk == nil {
		clk = clockpkg.System()
	}
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	return &DeadLetterSink{
		publisher: publisher,
		topicFor:  topicFor,
		clk:       clk,
		logger:    logger,
		metrics:   metrics,
	}
}

// Capture wraps msg in a DeadLetterRecord and publishes it to the dead-letter
// topic. It never returns an error: a failed capture is logged with full
// context, counted, and dropped, so the consumer loop keeps moving.
func (s *DeadLetterSink) Capture(ctx context.Context, topic string, msg *envelope.Message, cause error) {
	reason := envelope.FailureReason(cause)
	now := s.clk.Now()

	record := envelope.DeadLetterRecord{
		Message:       msg,
		OriginalTopic: topic,
		FailureReason: reason,
		FailedAt:      now,
		AttemptsMade:  msg.Attempt + 1,
	}

	s.logger.Error("Dead-lettering message", cause, loggingpkg.LogFields{
		"message_id": msg.ID,
		"topic":      topic,
		"attempts":   record.AttemptsMade,
		"reason":     reason,
	})

	wm, err := s.recordToWatermill(ctx, record)
	if err != nil {
		s.dropped(topic, msg, err)
		return
	}

	if err := s.publisher.Publish(s.topicFor(topic), wm); err != nil {
		s.dropped(topic, msg, err)
		return
	}

	s.metrics.RecordDeadLettered(topic, reason, record.AttemptsMade)
}

func (s *DeadLetterSink) recordToWatermill(ctx context.Context, record envelope.DeadLetterRecord) (*message.Message, error) {
	payload, err := jsoncodec.Marshal(record)
	if err != nil {
		return nil, err
	}

	wm := message.NewMessage(record.Message.ID, payload)
	if ctx != nil {
		wm.SetContext(ctx)
	}
	wm.Metadata.Set(envelope.KeyDeadLetter, "true")
	wm.Metadata.Set(envelope.KeyOriginalTopic, record.OriginalTopic)
	wm.Metadata.Set(envelope.KeyErrorReason, record.FailureReason)
	wm.Metadata.Set(envelope.KeyFailedAt, record.FailedAt.Format(time.RFC3339Nano))
	if record.Message.Key != "" {
		wm.Metadata.Set(envelope.KeyPartition, record.Message.Key)
	}
	return wm, nil
}

// dropped is the only silently-terminal path in the pipeline: the record could
// not be persisted anywhere, so all we can do is leave a loud trace.
func (s *DeadLetterSink) dropped(topic string, msg *envelope.Message, err error) {
	s.logger.Error("Dead-letter capture failed, dropping message", err, loggingpkg.LogFields{
		"message_id": msg.ID,
		"topic":      topic,
		"attempts":   msg.Attempt + 1,
		"payload":    string(msg.Payload),
	})
	s.metrics.RecordSinkFailure(topic)
}
