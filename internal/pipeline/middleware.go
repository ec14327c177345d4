package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/drblury/reflow/internal/pipeline/envelope"
	idspkg "github.com/drblury/reflow/internal/pipeline/ids"
	loggingpkg "github.com/drblury/reflow/internal/pipeline/logging"
)

// Handler processes a single message. The returned error is classified by
// envelope.Classify to decide between ack, retry, and dead-letter.
type Handler func(ctx context.Context, msg *envelope.Message) error

// Middleware wraps a Handler with cross-cutting behaviour.
type Middleware func(Handler) Handler

// MiddlewareBuilder constructs a middleware using the service instance.
// Returning a nil middleware skips registration.
type MiddlewareBuilder func(*Service) (Middleware, error)

// MiddlewareRegistration captures how a middleware should be applied to
// handlers registered on a Service.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard middleware chain used by the
// Service constructor. Order is outermost-first.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		TimeoutMiddleware(),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware ensures each processed message carries a
// correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(h Handler) Handler {
			return func(ctx context.Context, msg *envelope.Message) error {
				if msg.Header(envelope.KeyCorrelationID) == "" {
					msg.SetHeader(envelope.KeyCorrelationID, idspkg.CreateULID())
				}
				return h(ctx, msg)
			}
		},
	}
}

// LogMessagesMiddleware logs the payload and headers of handled messages.
// A nil logger falls back to the service logger.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (Middleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("reflow: log messages middleware requires a logger")
			}
			return func(h Handler) Handler {
				return func(ctx context.Context, msg *envelope.Message) error {
					l.Debug("Processing message", loggingpkg.LogFields{
						"message_id": msg.ID,
						"key":        msg.Key,
						"attempt":    msg.Attempt,
						"payload":    string(msg.Payload),
						"headers":    msg.Headers,
					})
					return h(ctx, msg)
				}
			}, nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Middleware: func(h Handler) Handler {
			return func(ctx context.Context, msg *envelope.Message) error {
				tracer := otel.Tracer("reflow")
				ctx, span := tracer.Start(ctx, "ProcessMessage")
				defer span.End()

				span.SetAttributes(
					attribute.String("message.id", msg.ID),
					attribute.String("message.key", msg.Key),
					attribute.Int("message.attempt", msg.Attempt),
				)
				return h(ctx, msg)
			}
		},
	}
}

// TimeoutMiddleware bounds handler execution by the configured
// HandlerTimeout. A timed-out invocation returns context.DeadlineExceeded,
// which classifies as a transient failure for retry and breaker accounting.
func TimeoutMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "timeout",
		Builder: func(s *Service) (Middleware, error) {
			timeout := s.Conf.HandlerTimeout
			if timeout <= 0 {
				return nil, nil
			}
			return func(h Handler) Handler {
				return func(ctx context.Context, msg *envelope.Message) error {
					ctx, cancel := context.WithTimeout(ctx, timeout)
					defer cancel()

					done := make(chan error, 1)
					go func() {
						done <- h(ctx, msg)
					}()

					select {
					case err := <-done:
						return err
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}, nil
		},
	}
}

// BreakerMiddleware guards handler execution with the circuit breaker for the
// named downstream dependency. Failures returned by the handler count against
// the breaker; while it is open, invocations fail fast with
// breaker.ErrCircuitOpen (a transient failure, so the message is retried).
func BreakerMiddleware(dependency string) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "breaker",
		Builder: func(s *Service) (Middleware, error) {
			if dependency == "" {
				return nil, nil
			}
			br := s.Breakers().Get(dependency)
			return func(h Handler) Handler {
				return func(ctx context.Context, msg *envelope.Message) error {
					return br.Execute(ctx, func(ctx context.Context) error {
						return h(ctx, msg)
					})
				}
			}, nil
		},
	}
}

// RecovererMiddleware converts handler panics into errors so they follow the
// normal retry/dead-letter path instead of killing the worker.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "recoverer",
		Middleware: func(h Handler) Handler {
			return func(ctx context.Context, msg *envelope.Message) (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("reflow: handler panic: %v", r)
					}
				}()
				return h(ctx, msg)
			}
		},
	}
}

// buildChain resolves the registrations against the service and wraps h so
// the first registration is the outermost middleware.
func buildChain(s *Service, registrations []MiddlewareRegistration, h Handler) (Handler, error) {
	resolved := make([]Middleware, 0, len(registrations))
	for _, reg := range registrations {
		var mw Middleware
		switch {
		case reg.Middleware != nil:
			mw = reg.Middleware
		case reg.Builder != nil:
			var err error
			mw, err = reg.Builder(s)
			if err != nil {
				name := reg.Name
				if name == "" {
					name = "anonymous_middleware"
				}
				return nil, fmt.Errorf("reflow: building middleware %s: %w", name, err)
			}
		default:
			return nil, errors.New("reflow: middleware registration requires Middleware or Builder")
		}
		if mw != nil {
			resolved = append(resolved, mw)
		}
	}

	for i := len(resolved) - 1; i >= 0; i-- {
		h = resolved[i](h)
	}
	return h, nil
}
