package reflow

import (
	pipelinepkg "github.com/drblury/reflow/internal/pipeline"
	backoffpkg "github.com/drblury/reflow/internal/pipeline/backoff"
	breakerpkg "github.com/drblury/reflow/internal/pipeline/breaker"
	clockpkg "github.com/drblury/reflow/internal/pipeline/clock"
	configpkg "github.com/drblury/reflow/internal/pipeline/config"
	deduppkg "github.com/drblury/reflow/internal/pipeline/dedup"
	"github.com/drblury/reflow/internal/pipeline/envelope"
	errspkg "github.com/drblury/reflow/internal/pipeline/errors"
	idspkg "github.com/drblury/reflow/internal/pipeline/ids"
	joinpkg "github.com/drblury/reflow/internal/pipeline/join"
	jsoncodec "github.com/drblury/reflow/internal/pipeline/jsoncodec"
	kvstorepkg "github.com/drblury/reflow/internal/pipeline/kvstore"
	loggingpkg "github.com/drblury/reflow/internal/pipeline/logging"
	windowpkg "github.com/drblury/reflow/internal/pipeline/window"
	transportpkg "github.com/drblury/reflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = pipelinepkg.Service
	ServiceDependencies = pipelinepkg.ServiceDependencies

	HandlerRegistration = pipelinepkg.HandlerRegistration
	Handler             = pipelinepkg.Handler
	PublishOption       = pipelinepkg.PublishOption

	Middleware             = pipelinepkg.Middleware
	MiddlewareBuilder      = pipelinepkg.MiddlewareBuilder
	MiddlewareRegistration = pipelinepkg.MiddlewareRegistration

	// Message envelope
	Message          = envelope.Message
	DeadLetterRecord = envelope.DeadLetterRecord
	Resolution       = envelope.Resolution
	RetryAfterError  = envelope.RetryAfterError
	PermanentError   = envelope.PermanentError

	// Job lifecycle hooks
	JobContext = pipelinepkg.JobContext
	JobHooks   = pipelinepkg.JobHooks

	// Pipeline metrics
	Metrics                = pipelinepkg.Metrics
	MetricsSnapshot        = pipelinepkg.MetricsSnapshot
	DeadLetterTopicMetrics = pipelinepkg.DeadLetterTopicMetrics

	// Retry policy and scheduling
	BackoffPolicy  = backoffpkg.Policy
	RetryScheduler = pipelinepkg.RetryScheduler
	DeadLetterSink = pipelinepkg.DeadLetterSink
	TopicMapper    = pipelinepkg.TopicMapper

	// Circuit breakers
	Breaker         = breakerpkg.Breaker
	BreakerRegistry = breakerpkg.Registry
	BreakerSettings = breakerpkg.Settings
	BreakerSnapshot = breakerpkg.Snapshot
	BreakerState    = breakerpkg.State

	// Windowing and joins
	WindowConfig = windowpkg.Config
	WindowBucket = windowpkg.Bucket
	Aggregator   = windowpkg.Aggregator
	JoinConfig   = joinpkg.Config
	JoinPair     = joinpkg.Pair
	Joiner       = joinpkg.Joiner
	JoinSide     = joinpkg.Side

	// Stores
	KVStore     = kvstorepkg.Store
	RedisConfig = kvstorepkg.RedisConfig
	DedupStore  = deduppkg.Store

	// Time source
	Clock       = clockpkg.Clock
	ManualClock = clockpkg.Manual

	// Consumer plumbing
	Source           = pipelinepkg.Source
	SubscriberSource = pipelinepkg.SubscriberSource
	Delivery         = pipelinepkg.Delivery
	Worker           = pipelinepkg.Worker
	WorkerConfig     = pipelinepkg.WorkerConfig

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError

	// Modular transport types
	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
	DelayedPublisher      = transportpkg.DelayedPublisher
)

// Breaker states, in the order a failing dependency walks through them.
const (
	BreakerClosed   = breakerpkg.StateClosed
	BreakerOpen     = breakerpkg.StateOpen
	BreakerHalfOpen = breakerpkg.StateHalfOpen
)

// Join sides.
const (
	JoinLeft  = joinpkg.Left
	JoinRight = joinpkg.Right
)

var (
	NewService     = pipelinepkg.NewService
	ValidateConfig = configpkg.ValidateConfig

	NewMessage     = pipelinepkg.NewMessage
	PublishMessage = pipelinepkg.PublishMessage

	DefaultMiddlewares      = pipelinepkg.DefaultMiddlewares
	CorrelationIDMiddleware = pipelinepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = pipelinepkg.LogMessagesMiddleware
	TracerMiddleware        = pipelinepkg.TracerMiddleware
	TimeoutMiddleware       = pipelinepkg.TimeoutMiddleware
	RecovererMiddleware     = pipelinepkg.RecovererMiddleware
	BreakerMiddleware       = pipelinepkg.BreakerMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = pipelinepkg.JobHooksMiddleware
	LoggingHooks       = pipelinepkg.LoggingHooks
	MetricsHooks       = pipelinepkg.MetricsHooks
	AlertingHooks      = pipelinepkg.AlertingHooks

	// Pipeline metrics
	NewMetrics = pipelinepkg.NewMetrics

	// Handler error classification
	ErrRetry               = envelope.ErrRetry
	ErrPermanent           = envelope.ErrPermanent
	ErrDeadLetter          = envelope.ErrDeadLetter
	ErrSkip                = envelope.ErrSkip
	ErrRetryAfter          = envelope.ErrRetryAfter
	ErrPermanentWithReason = envelope.ErrPermanentWithReason
	Classify               = envelope.Classify
	IsRetryable            = envelope.IsRetryable
	FailureReason          = envelope.FailureReason

	// Circuit breakers
	NewBreaker         = breakerpkg.New
	NewBreakerRegistry = breakerpkg.NewRegistry
	ErrCircuitOpen     = breakerpkg.ErrCircuitOpen

	// Windowing and joins
	NewWindow = windowpkg.New
	NewJoiner = joinpkg.New

	// Stores
	NewMemoryKVStore = kvstorepkg.NewMemory
	NewRedisKVStore  = kvstorepkg.NewRedis
	NewDedupStore    = deduppkg.New

	// Time source
	SystemClock    = clockpkg.System
	NewManualClock = clockpkg.NewManual

	// Consumer plumbing
	NewSubscriberSource = pipelinepkg.NewSubscriberSource
	NewWorker           = pipelinepkg.NewWorker

	// Publish options
	WithCorrelationID = pipelinepkg.WithCorrelationID
	WithDelay         = pipelinepkg.WithDelay
	WithMaxAttempts   = pipelinepkg.WithMaxAttempts
	WithHeader        = pipelinepkg.WithHeader
	WithEventTime     = pipelinepkg.WithEventTime

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrTopicRequired        = errspkg.ErrTopicRequired
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrSourceRequired       = errspkg.ErrSourceRequired
	ErrSchedulerRequired    = errspkg.ErrSchedulerRequired
	ErrSinkRequired         = errspkg.ErrSinkRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrMessagePayloadNeeded = errspkg.ErrMessagePayloadNeeded
	ErrSourceClosed         = pipelinepkg.ErrSourceClosed

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.Nop

	CreateULID = idspkg.CreateULID

	// Modular transport registry.
	// Import individual transports via: _ "github.com/drblury/reflow/transport/kafka"
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetCapabilities          = transportpkg.GetCapabilities
)

// Metadata keys carried on every message. Use these constants when reading
// reserved headers off a raw Watermill message.
const (
	MetadataKeyPartition     = envelope.KeyPartition
	MetadataKeyAttempt       = envelope.KeyAttempt
	MetadataKeyMaxAttempts   = envelope.KeyMaxAttempts
	MetadataKeyNotBefore     = envelope.KeyNotBefore
	MetadataKeyDelayMs       = envelope.KeyDelayMs
	MetadataKeyCorrelationID = envelope.KeyCorrelationID
	MetadataKeyOriginalTopic = envelope.KeyOriginalTopic
	MetadataKeyErrorReason   = envelope.KeyErrorReason
	MetadataKeyEventTime     = envelope.KeyEventTime

	// ReasonRetriesExhausted is recorded on dead letters that ran out of
	// retry budget.
	ReasonRetriesExhausted = envelope.ReasonRetriesExhausted
)

// Resolutions a classified handler error maps to.
const (
	ResolutionAck        = envelope.ResolutionAck
	ResolutionRetry      = envelope.ResolutionRetry
	ResolutionRetryAfter = envelope.ResolutionRetryAfter
	ResolutionDeadLetter = envelope.ResolutionDeadLetter
	ResolutionSkip       = envelope.ResolutionSkip
)
