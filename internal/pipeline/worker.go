package pipeline

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v5"

	clockpkg "github.com/drblury/reflow/internal/pipeline/clock"
	"github.com/drblury/reflow/internal/pipeline/dedup"
	"github.com/drblury/reflow/internal/pipeline/envelope"
	errspkg "github.com/drblury/reflow/internal/pipeline/errors"
	loggingpkg "github.com/drblury/reflow/internal/pipeline/logging"
)

// WorkerConfig wires a Worker's collaborators.
type WorkerConfig struct {
	// Name identifies the worker in logs and hooks.
	Name string

	// Topic is the logical subscription topic, used for retry and
	// dead-letter routing.
	Topic string

	// RequeueTopic is the topic not-yet-due deliveries are requeued to.
	// Defaults to Topic; retry-stream workers set it to the retry topic so
	// requeued messages stay on their stream.
	RequeueTopic string

	Source    Source
	Handler   Handler
	Dedup     *dedup.Store
	Scheduler *RetryScheduler
	Sink      *DeadLetterSink
	Clock     clockpkg.Clock
	Logger    loggingpkg.ServiceLogger
	Metrics   *Metrics
}

// Worker owns one pull/process cycle over a Source. A single message failure
// never terminates the loop; only context cancellation or source closure do.
type Worker struct {
	name         string
	topic        string
	requeueTopic string
	source       Source
	handler      Handler
	dedup        *dedup.Store
	scheduler    *RetryScheduler
	sink         *DeadLetterSink
	clk          clockpkg.Clock
	logger       loggingpkg.ServiceLogger
	metrics      *Metrics
}

// NewWorker validates the configuration and creates a Worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Source == nil {
		return nil, errspkg.ErrSourceRequired
	}
	if cfg.Handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if cfg.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	// process dereferences both on every failing handler, so a missing
	// scheduler or sink must surface here, not as a panic mid-loop.
	if cfg.Scheduler == nil {
		return nil, errspkg.ErrSchedulerRequired
	}
	if cfg.Sink == nil {
		return nil, errspkg.ErrSinkRequired
	}
	if cfg.RequeueTopic == "" {
		cfg.RequeueTopic = cfg.Topic
	}
	if cfg.Clock == nil {
		cfg.Clock = clockpkg.System()
	}
	if cfg.Logger == nil {
		cfg.Logger = loggingpkg.Nop()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Topic + "-worker"
	}

	return &Worker{
		name:         cfg.Name,
		topic:        cfg.Topic,
		requeueTopic: cfg.RequeueTopic,
		source:       cfg.Source,
		handler:      cfg.Handler,
		dedup:        cfg.Dedup,
		scheduler:    cfg.Scheduler,
		sink:         cfg.Sink,
		clk:          cfg.Clock,
		logger:       cfg.Logger.With(loggingpkg.LogFields{"worker": cfg.Name}),
		metrics:      cfg.Metrics,
	}, nil
}

// Run pulls and processes messages until ctx is cancelled or the source
// closes. In-flight messages are settled before returning.
func (w *Worker) Run(ctx context.Context) error {
	for {
		delivery, err := w.pull(ctx)
		if err != nil {
			if errors.Is(err, ErrSourceClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		w.process(ctx, delivery)
	}
}

// pull retries transient source errors with exponential backoff until a
// delivery arrives or the context ends.
func (w *Worker) pull(ctx context.Context) (*Delivery, error) {
	return backoff.Retry(ctx, func() (*Delivery, error) {
		delivery, err := w.source.Pull(ctx)
		if err != nil {
			if errors.Is(err, ErrSourceClosed) || ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			w.logger.Error("Pull failed, backing off", err, loggingpkg.LogFields{"topic": w.requeueTopic})
			return nil, err
		}
		return delivery, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()))
}

func (w *Worker) process(ctx context.Context, delivery *Delivery) {
	msg := delivery.Message
	now := w.clk.Now()

	// Deliveries seen ahead of their NotBefore time are requeued with the
	// remaining delay, not handled.
	if !msg.NotBefore.IsZero() && msg.NotBefore.After(now) {
		if err := w.scheduler.Requeue(ctx, w.requeueTopic, msg, msg.NotBefore.Sub(now)); err != nil {
			w.logger.Error("Requeue failed", err, loggingpkg.LogFields{"message_id": msg.ID})
			delivery.Nack()
			return
		}
		delivery.Ack()
		return
	}

	if w.seenBefore(ctx, msg) {
		w.metrics.RecordDedupSkipped(w.topic)
		w.logger.Debug("Skipping duplicate delivery", loggingpkg.LogFields{"message_id": msg.ID})
		delivery.Ack()
		return
	}

	err := w.handler(ctx, msg)
	resolution, delay := envelope.Classify(err)

	switch resolution {
	case envelope.ResolutionAck:
		w.markSeen(ctx, msg)
		w.metrics.RecordConsumed(w.topic)
		delivery.Ack()

	case envelope.ResolutionSkip:
		delivery.Ack()

	case envelope.ResolutionRetry:
		if err := w.scheduler.ScheduleRetry(ctx, w.topic, msg, err); err != nil {
			w.logger.Error("Retry scheduling failed", err, loggingpkg.LogFields{"message_id": msg.ID})
			delivery.Nack()
			return
		}
		delivery.Ack()

	case envelope.ResolutionRetryAfter:
		if err := w.scheduler.ScheduleRetryAfter(ctx, w.topic, msg, delay, err); err != nil {
			w.logger.Error("Retry scheduling failed", err, loggingpkg.LogFields{"message_id": msg.ID})
			delivery.Nack()
			return
		}
		delivery.Ack()

	case envelope.ResolutionDeadLetter:
		w.sink.Capture(ctx, w.topic, msg, err)
		delivery.Ack()
	}
}

func (w *Worker) seenBefore(ctx context.Context, msg *envelope.Message) bool {
	if w.dedup == nil {
		return false
	}
	seen, err := w.dedup.Seen(ctx, msg.ID)
	if err != nil {
		// A failed lookup degrades to redelivery, which at-least-once allows.
		w.logger.Error("Dedup lookup failed", err, loggingpkg.LogFields{"message_id": msg.ID})
		return false
	}
	return seen
}

func (w *Worker) markSeen(ctx context.Context, msg *envelope.Message) {
	if w.dedup == nil {
		return
	}
	if err := w.dedup.MarkSeen(ctx, msg.ID, w.clk.Now()); err != nil {
		w.logger.Error("Dedup mark failed", err, loggingpkg.LogFields{"message_id": msg.ID})
	}
}
