package pipeline

import (
	"context"
	"time"

	"github.com/drblury/reflow/internal/pipeline/envelope"
	loggingpkg "github.com/drblury/reflow/internal/pipeline/logging"
)

// JobContext describes one handler invocation to lifecycle hooks.
type JobContext struct {
	// HandlerName is the name of the handler processing the message.
	HandlerName string
	// Topic is the topic the message was pulled from.
	Topic string
	// MessageID is the message's ULID.
	MessageID string
	// Key is the partition/join key of the message.
	Key string
	// Attempt is the delivery attempt being processed (0-based).
	Attempt int
	// Context is the context of the invocation.
	Context context.Context
	// StartedAt is when processing began.
	StartedAt time.Time
	// Duration is how long processing took. Only set in OnJobDone and
	// OnJobError.
	Duration time.Duration
}

// JobHooks defines callbacks around handler invocations. All hooks are
// optional; nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the handler runs.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called after the handler returns nil.
	OnJobDone func(ctx JobContext)

	// OnJobError is called after the handler returns an error, before the
	// error is classified.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks into one that calls both, h's hooks first.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainStartHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainStartHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainStartHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware invokes the provided hooks around each handler
// invocation. Handler name and topic are filled in by the worker wrapping.
func JobHooksMiddleware(hooks JobHooks, handlerName, topic string, clk interface{ Now() time.Time }) Middleware {
	return func(h Handler) Handler {
		return func(ctx context.Context, msg *envelope.Message) error {
			start := clk.Now()
			jobCtx := JobContext{
				HandlerName: handlerName,
				Topic:       topic,
				MessageID:   msg.ID,
				Key:         msg.Key,
				Attempt:     msg.Attempt,
				Context:     ctx,
				StartedAt:   start,
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			err := h(ctx, msg)
			jobCtx.Duration = clk.Now().Sub(start)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(jobCtx, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(jobCtx)
			}

			return err
		}
	}
}

// LoggingHooks returns pre-built hooks that log job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", loggingpkg.LogFields{
				"handler":    ctx.HandlerName,
				"topic":      ctx.Topic,
				"message_id": ctx.MessageID,
				"attempt":    ctx.Attempt,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"handler":     ctx.HandlerName,
				"topic":       ctx.Topic,
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"handler":     ctx.HandlerName,
				"topic":       ctx.Topic,
				"message_id":  ctx.MessageID,
				"attempt":     ctx.Attempt,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that forward job outcomes to counters.
func MetricsHooks(onStart, onDone, onError func(handlerName, topic string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.HandlerName, ctx.Topic)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.HandlerName, ctx.Topic)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.HandlerName, ctx.Topic)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
