package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	backoffpkg "github.com/drblury/reflow/internal/pipeline/backoff"
	"github.com/drblury/reflow/internal/pipeline/breaker"
	clockpkg "github.com/drblury/reflow/internal/pipeline/clock"
	configpkg "github.com/drblury/reflow/internal/pipeline/config"
	"github.com/drblury/reflow/internal/pipeline/dedup"
	errspkg "github.com/drblury/reflow/internal/pipeline/errors"
	"github.com/drblury/reflow/internal/pipeline/join"
	"github.com/drblury/reflow/internal/pipeline/kvstore"
	loggingpkg "github.com/drblury/reflow/internal/pipeline/logging"
	"github.com/drblury/reflow/internal/pipeline/window"
	"github.com/drblury/reflow/transport"
)

// ServiceDependencies holds the optional collaborators a Service can use.
// Leave fields zero to get the config-driven defaults.
type ServiceDependencies struct {
	// KV overrides the key/value store used for dedup entries and breaker
	// snapshots. When nil, RedisAddr selects a Redis store and an in-memory
	// store is used otherwise.
	KV kvstore.Store

	// Middlewares are appended after the default middleware chain.
	Middlewares []MiddlewareRegistration

	// DisableDefaultMiddlewares skips the default chain when true.
	DisableDefaultMiddlewares bool

	// Hooks are invoked around every handler invocation.
	Hooks JobHooks

	// TransportRegistry overrides the transport registry. Defaults to
	// transport.DefaultRegistry.
	TransportRegistry *transport.Registry

	// Clock overrides the time source. Defaults to the system clock.
	Clock clockpkg.Clock

	// Registerer receives the Prometheus collectors when metrics are
	// enabled. Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// Service wires a transport, the retry scheduler, the dead-letter sink, and
// the worker pool behind one registration surface.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	clk        clockpkg.Clock
	publisher  message.Publisher
	subscriber message.Subscriber

	kv     kvstore.Store
	ownsKV bool

	dedupStore *dedup.Store
	breakers   *breaker.Registry
	scheduler  *RetryScheduler
	sink       *DeadLetterSink
	metrics    *Metrics
	hooks      JobHooks

	middlewares []MiddlewareRegistration

	mu      sync.Mutex
	workers []*Worker
	sources []Source
	windows map[string]*window.Aggregator
	joiners map[string]*join.Joiner
	closed  bool

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

// NewService constructs a Service for the supplied configuration. Register
// handlers, windows, and joiners on the returned Service before calling
// Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	clk := deps.Clock
	if clk == nil {
		clk = clockpkg.System()
	}

	log.Info("Creating pipeline service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf,
	})

	registry := deps.TransportRegistry
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	tr, err := registry.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, err
	}

	s := &Service{
		Conf:       conf,
		Logger:     log,
		clk:        clk,
		publisher:  tr.Publisher,
		subscriber: tr.Subscriber,
		hooks:      deps.Hooks,
		windows:    make(map[string]*window.Aggregator),
		joiners:    make(map[string]*join.Joiner),
	}

	if err := s.initStores(ctx, deps); err != nil {
		return nil, err
	}
	s.initMetrics(deps)

	s.sink = NewDeadLetterSink(s.publisher, conf.DeadLetterTopic, clk, log, s.metrics)
	s.scheduler = NewRetryScheduler(s.publisher, &backoffpkg.Policy{
		Base:       conf.RetryBaseDelay,
		Max:        conf.RetryMaxDelay,
		MaxRetries: conf.RetryMaxRetries,
		Jitter:     conf.RetryJitter,
	}, conf.RetryTopic, s.sink, clk, log, s.metrics)

	s.breakers = breaker.NewRegistry(breaker.Settings{
		Threshold: conf.BreakerThreshold,
		Cooldown:  conf.BreakerCooldown,
	}, clk, log, s.kv)

	if !deps.DisableDefaultMiddlewares {
		s.middlewares = append(s.middlewares, DefaultMiddlewares()...)
	}
	s.middlewares = append(s.middlewares, deps.Middlewares...)

	return s, nil
}

func (s *Service) initStores(ctx context.Context, deps ServiceDependencies) error {
	switch {
	case deps.KV != nil:
		s.kv = deps.KV
	case s.Conf.RedisAddr != "":
		kv, err := kvstore.NewRedis(ctx, kvstore.RedisConfig{
			Addr:     s.Conf.RedisAddr,
			Username: s.Conf.RedisUsername,
			Password: s.Conf.RedisPassword,
			DB:       s.Conf.RedisDB,
		})
		if err != nil {
			return err
		}
		s.kv = kv
		s.ownsKV = true
	default:
		s.kv = kvstore.NewMemory(s.clk)
		s.ownsKV = true
	}

	s.dedupStore = dedup.New(s.kv, s.Conf.DedupTTL)
	return nil
}

func (s *Service) initMetrics(deps ServiceDependencies) {
	if !s.Conf.MetricsEnabled {
		return
	}

	s.metrics = NewMetrics(deps.Registerer)
	if err := s.metrics.Register(); err != nil {
		s.Logger.Error("Failed to register metrics collectors", err, nil)
	}
	if s.Conf.MetricsPort > 0 {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.Handler())
	}
}

// Publisher returns the transport publisher.
func (s *Service) Publisher() message.Publisher { return s.publisher }

// Subscriber returns the transport subscriber.
func (s *Service) Subscriber() message.Subscriber { return s.subscriber }

// Breakers returns the per-dependency circuit breaker registry.
func (s *Service) Breakers() *breaker.Registry { return s.breakers }

// Scheduler returns the retry scheduler.
func (s *Service) Scheduler() *RetryScheduler { return s.scheduler }

// Sink returns the dead-letter sink.
func (s *Service) Sink() *DeadLetterSink { return s.sink }

// Metrics returns the pipeline metrics collector, nil when disabled.
func (s *Service) Metrics() *Metrics { return s.metrics }

// HandlerRegistration wires a handler to a subscription topic.
type HandlerRegistration struct {
	// Name identifies the handler in logs and hooks. Defaults to
	// "<topic>-handler".
	Name string

	// Topic is the subscription topic. The retry stream
	// Conf.RetryTopic(Topic) is consumed as well.
	Topic string

	// Handler processes each delivery.
	Handler Handler

	// Dependency optionally names the downstream the handler calls; when
	// set, invocations are guarded by that dependency's circuit breaker.
	Dependency string

	// Middlewares are applied inside the service chain, for this handler
	// only.
	Middlewares []MiddlewareRegistration

	// Hooks are merged after the service-level hooks.
	Hooks JobHooks

	// DisableDedup turns off the duplicate-delivery check.
	DisableDedup bool
}

// RegisterHandler attaches a handler to the service. Workers for the topic
// and its retry stream start on Start.
func (s *Service) RegisterHandler(cfg HandlerRegistration) error {
	if cfg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if cfg.Topic == "" {
		return errspkg.ErrTopicRequired
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Topic + "-handler"
	}

	registrations := make([]MiddlewareRegistration, 0, len(s.middlewares)+1+len(cfg.Middlewares))
	registrations = append(registrations, s.middlewares...)
	if cfg.Dependency != "" {
		registrations = append(registrations, BreakerMiddleware(cfg.Dependency))
	}
	registrations = append(registrations, cfg.Middlewares...)

	chained, err := buildChain(s, registrations, cfg.Handler)
	if err != nil {
		return err
	}
	hooks := s.hooks.Merge(cfg.Hooks)
	wrapped := JobHooksMiddleware(hooks, cfg.Name, cfg.Topic, s.clk)(chained)

	var dedupStore *dedup.Store
	if !cfg.DisableDedup {
		dedupStore = s.dedupStore
	}

	workerCount := s.Conf.Workers
	if workerCount <= 0 {
		workerCount = 1
	}

	// The retry stream gets its own source so deferred redeliveries do not
	// compete with fresh traffic for workers.
	topics := []struct {
		pull string
		n    int
	}{
		{pull: cfg.Topic, n: workerCount},
		{pull: s.Conf.RetryTopic(cfg.Topic), n: 1},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range topics {
		source := NewSubscriberSource(s.subscriber, t.pull)
		s.sources = append(s.sources, source)
		for i := 0; i < t.n; i++ {
			worker, err := NewWorker(WorkerConfig{
				Name:         fmt.Sprintf("%s-%d", cfg.Name, len(s.workers)),
				Topic:        cfg.Topic,
				RequeueTopic: t.pull,
				Source:       source,
				Handler:      wrapped,
				Dedup:        dedupStore,
				Scheduler:    s.scheduler,
				Sink:         s.sink,
				Clock:        s.clk,
				Logger:       s.Logger,
				Metrics:      s.metrics,
			})
			if err != nil {
				return err
			}
			s.workers = append(s.workers, worker)
		}
	}

	return nil
}

// RegisterWindow creates a named tumbling-window aggregator with the
// service's clock and logger. A zero Size falls back to Conf.WindowSize.
func (s *Service) RegisterWindow(name string, conf window.Config) (*window.Aggregator, error) {
	if conf.Size <= 0 {
		conf.Size = s.Conf.WindowSize
	}
	if conf.Clock == nil {
		conf.Clock = s.clk
	}
	if conf.Logger == nil {
		conf.Logger = s.Logger
	}
	if conf.OnFlush != nil {
		inner := conf.OnFlush
		conf.OnFlush = func(bucket window.Bucket) {
			s.metrics.RecordWindowFlush(name)
			inner(bucket)
		}
	}

	agg, err := window.New(conf)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.windows[name] = agg
	s.mu.Unlock()
	return agg, nil
}

// RegisterJoiner creates a named stream joiner with the service's clock and
// logger. A zero Window falls back to Conf.JoinWindow.
func (s *Service) RegisterJoiner(name string, conf join.Config) (*join.Joiner, error) {
	if conf.Window <= 0 {
		conf.Window = s.Conf.JoinWindow
	}
	if conf.Clock == nil {
		conf.Clock = s.clk
	}
	if conf.Logger == nil {
		conf.Logger = s.Logger
	}
	if conf.OnEmit != nil {
		inner := conf.OnEmit
		conf.OnEmit = func(pair join.Pair) {
			s.metrics.RecordJoinEmit(name)
			inner(pair)
		}
	}

	joiner, err := join.New(conf)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.joiners[name] = joiner
	s.mu.Unlock()
	return joiner, nil
}

// Window returns a registered aggregator by name, or nil.
func (s *Service) Window(name string) *window.Aggregator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windows[name]
}

// Joiner returns a registered joiner by name, or nil.
func (s *Service) Joiner(name string) *join.Joiner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joiners[name]
}

// RegisterHTTPHandler mounts an HTTP handler on the server for the given
// port. Servers start with Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

// Start runs all registered workers until ctx is cancelled or a worker fails.
func (s *Service) Start(ctx context.Context) error {
	s.startHTTPServers()

	s.mu.Lock()
	workers := make([]*Worker, len(s.workers))
	copy(workers, s.workers)
	s.mu.Unlock()

	if len(workers) == 0 {
		<-ctx.Done()
		return nil
	}

	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once

	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				errOnce.Do(func() { firstErr = err })
			}
		}(w)
	}

	wg.Wait()
	return firstErr
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := http.ListenAndServe(addr, handler); err != nil {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}

// Close shuts the pipeline down cooperatively: sources stop delivering,
// deferred retries are flushed, open windows and pending joins are drained,
// then the transport and stores are released.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sources := s.sources
	windows := s.windows
	joiners := s.joiners
	s.mu.Unlock()

	for _, src := range sources {
		if err := src.Close(); err != nil {
			s.Logger.Error("Failed to close source", err, nil)
		}
	}

	for name, agg := range windows {
		if err := agg.Close(); err != nil {
			s.Logger.Error("Failed to close window aggregator", err, loggingpkg.LogFields{"name": name})
		}
	}
	for name, joiner := range joiners {
		if err := joiner.Close(); err != nil {
			s.Logger.Error("Failed to close joiner", err, loggingpkg.LogFields{"name": name})
		}
	}

	if err := s.scheduler.Close(); err != nil {
		s.Logger.Error("Failed to close retry scheduler", err, nil)
	}

	if s.subscriber != nil {
		if err := s.subscriber.Close(); err != nil {
			s.Logger.Error("Failed to close subscriber", err, nil)
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.Logger.Error("Failed to close publisher", err, nil)
		}
	}

	if s.ownsKV {
		return s.kv.Close()
	}
	return nil
}
