// Package reflow is a reliable message processing layer on top of Watermill.
// It reads the target transport (Kafka, RabbitMQ, NATS JetStream, AWS SNS/SQS,
// or Go channels) from Config, wires a pull/ack/nack consumer loop with
// at-least-once semantics, and layers the reliability mechanics most
// event-driven services end up rebuilding by hand: retries with exponential
// backoff and jitter, a dead-letter sink, per-dependency circuit breakers,
// and TTL-bounded duplicate suppression.
//
// A minimal setup fills Config, creates a Service, registers handlers, and
// calls Start. Handlers control the fate of each delivery through the error
// they return: nil acknowledges, ErrRetry (or any unrecognized error)
// schedules a backoff redelivery, ErrRetryAfter defers by an explicit
// duration, ErrPermanent dead-letters immediately, and ErrSkip acknowledges
// without effect. Messages that exhaust their retry budget are captured as
// DeadLetterRecord payloads on the topic's dead-letter stream.
//
// # Transports
//
// Reflow supports 5 message transports out of the box:
//   - channel: In-memory Go channels for testing
//   - kafka: High-throughput streaming with consumer groups
//   - rabbitmq: AMQP-based durable queues
//   - nats: JetStream with broker-side delayed redelivery
//   - aws: AWS SNS/SQS with LocalStack support
//
// Transports that cannot hold a message back broker-side still honor delayed
// redelivery: the scheduler stamps a not-before time on the envelope and the
// consumer requeues deliveries that arrive early.
//
// # Middleware
//
// The default middleware chain injects correlation IDs, logs deliveries,
// opens an OpenTelemetry span per invocation, bounds handler runtime by
// Config.HandlerTimeout, and recovers panics into retryable errors. Naming a
// Dependency on a handler registration guards its invocations with that
// dependency's circuit breaker. Custom middleware can be added via
// ServiceDependencies.Middlewares or per handler.
//
// # Job Hooks
//
// JobHooksMiddleware provides OnJobStart, OnJobDone, and OnJobError callbacks
// for custom logging, metrics collection, and alerting around handler
// execution.
//
// # Aggregation
//
// Beyond the consumer loop, Service.RegisterWindow buckets messages into
// tumbling event-time windows and Service.RegisterJoiner matches records from
// two streams by key within a time window. Both run off the service clock, so
// tests can drive them deterministically with a ManualClock.
package reflow
