package pipeline

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	backoffpkg "github.com/drblury/reflow/internal/pipeline/backoff"
	clockpkg "github.com/drblury/reflow/internal/pipeline/clock"
	"github.com/drblury/reflow/internal/pipeline/envelope"
	loggingpkg "github.com/drblury/reflow/internal/pipeline/logging"
	"github.com/drblury/reflow/transport"
)

// RetryScheduler re-publishes failed messages to a retry stream with
// exponential backoff. Transports with native delayed delivery hold the
// message broker-side; everything else is deferred through the clock, never
// by blocking a worker.
//
// Retry state is not persisted: the attempt count travels on the message, so
// a restart reconstructs the budget from redeliveries alone.
type RetryScheduler struct {
	publisher message.Publisher
	delayed   transport.DelayedPublisher
	policy    *backoffpkg.Policy
	topicFor  TopicMapper
	sink      *DeadLetterSink
	clk       clockpkg.Clock
	logger    loggingpkg.ServiceLogger
	metrics   *Metrics

	pending pendingTimers
}

// NewRetryScheduler creates a scheduler publishing retries to topicFor(topic).
// Messages whose retry budget is exhausted go to sink instead.
func NewRetryScheduler(publisher message.Publisher, policy *backoffpkg.Policy, topicFor TopicMapper, sink *DeadLetterSink, clk clockpkg.Clock, logger loggingpkg.ServiceLogger, metrics *Metrics) *RetryScheduler {
	if policy == nil {
		policy = &backoffpkg.Policy{}
	}
	if clk == nil {
		clk = clockpkg.System()
	}
	if logger == nil {
		logger = loggingpkg.Nop()
	}

	s := &RetryScheduler{
		publisher: publisher,
		policy:    policy.WithDefaults(),
		topicFor:  topicFor,
		sink:      sink,
		clk:       clk,
		logger:    logger,
		metrics:   metrics,
	}
	if delayed, ok := publisher.(transport.DelayedPublisher); ok {
		s.delayed = delayed
	}
	return s
}

// Policy returns the effective backoff policy.
func (s *RetryScheduler) Policy() *backoffpkg.Policy { return s.policy }

// ScheduleRetry schedules a redelivery with the policy's backoff delay for
// the message's current attempt. When the retry budget is exhausted the
// message is dead-lettered with reason "retries-exhausted" instead.
func (s *RetryScheduler) ScheduleRetry(ctx context.Context, topic string, msg *envelope.Message, cause error) error {
	return s.schedule(ctx, topic, msg, s.policy.Delay(msg.Attempt), cause)
}

// ScheduleRetryAfter schedules a redelivery with an explicit delay,
// overriding the backoff curve for this attempt.
func (s *RetryScheduler) ScheduleRetryAfter(ctx context.Context, topic string, msg *envelope.Message, delay time.Duration, cause error) error {
	return s.schedule(ctx, topic, msg, delay, cause)
}

func (s *RetryScheduler) schedule(ctx context.Context, topic string, msg *envelope.Message, delay time.Duration, cause error) error {
	// Exhaustion is decided on the attempt the redelivery would carry, before
	// the message is mutated, so the captured record reports the attempts the
	// handler actually made.
	if s.policy.Exhausted(msg.Attempt+1, msg.MaxAttemptsOverride()) {
		s.sink.Capture(ctx, topic, msg, envelope.ErrPermanentWithReason(envelope.ReasonRetriesExhausted, cause))
		return nil
	}

	msg.PrepareForRetry(s.clk.Now(), delay)

	s.logger.Debug("Scheduling retry", loggingpkg.LogFields{
		"message_id": msg.ID,
		"topic":      topic,
		"attempt":    msg.Attempt,
		"delay":      delay.String(),
	})

	if err := s.deliver(ctx, s.topicFor(topic), msg, delay); err != nil {
		return err
	}
	s.metrics.RecordRetried(topic)
	return nil
}

// Requeue re-publishes a message seen ahead of its NotBefore time back onto
// the topic it came from, deferred by the remaining delay. The attempt count
// is untouched.
func (s *RetryScheduler) Requeue(ctx context.Context, topic string, msg *envelope.Message, delay time.Duration) error {
	return s.deliver(ctx, topic, msg, delay)
}

func (s *RetryScheduler) deliver(ctx context.Context, topic string, msg *envelope.Message, delay time.Duration) error {
	wm := envelope.ToWatermill(msg)
	if ctx != nil {
		wm.SetContext(ctx)
	}

	if delay <= 0 {
		return s.publisher.Publish(topic, wm)
	}

	if s.delayed != nil {
		return s.delayed.PublishWithDelay(topic, delay, wm)
	}

	// NotBefore travels with the message, so the worker gates correctness
	// even if the timer fires early or the publish happens at Close.
	s.pending.schedule(s.clk, delay, topic, wm, func(topic string, wm *message.Message) {
		if err := s.publisher.Publish(topic, wm); err != nil {
			s.logger.Error("Deferred retry publish failed", err, loggingpkg.LogFields{
				"message_id": wm.UUID,
				"topic":      topic,
			})
		}
	})
	return nil
}

// Close flushes deferred redeliveries: timers are stopped and their messages
// published immediately so nothing is lost on shutdown.
func (s *RetryScheduler) Close() error {
	for _, p := range s.pending.drain() {
		if err := s.publisher.Publish(p.topic, p.wm); err != nil {
			s.logger.Error("Flushing deferred retry failed", err, loggingpkg.LogFields{
				"message_id": p.wm.UUID,
				"topic":      p.topic,
			})
		}
	}
	return nil
}
