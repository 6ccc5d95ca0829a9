package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/chatrelay/internal/runtime/completion"
	configpkg "github.com/drblury/chatrelay/internal/runtime/config"
	errspkg "github.com/drblury/chatrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/chatrelay/internal/runtime/logging"
	"github.com/drblury/chatrelay/internal/runtime/registry"
	"github.com/drblury/chatrelay/internal/runtime/store"
	transportpkg "github.com/drblury/chatrelay/internal/runtime/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// Role selects which part of the relay a process runs.
type Role string

const (
	// RoleGateway serves the websocket and HTTP API.
	RoleGateway Role = "gateway"
	// RoleRelay forwards responses to live connections. It must run in the
	// same process as the gateway because the registry is in memory.
	RoleRelay Role = "relay"
	// RoleWorker consumes requests and calls the completion backend.
	RoleWorker Role = "worker"
)

// GatewayRoles are the roles of a front-end process.
var GatewayRoles = []Role{RoleGateway, RoleRelay}

// AllRoles runs the whole relay in one process.
var AllRoles = []Role{RoleGateway, RoleRelay, RoleWorker}

// ServiceDependencies holds optional collaborators. Nil fields are built from
// the configuration.
type ServiceDependencies struct {
	TransportFactory transportpkg.Factory
	Completer        completion.Completer
	Store            store.MessageStore
	Registry         *registry.Registry

	// Registerer and Gatherer back the Prometheus metrics. They default to the
	// global registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	JobHooks                  JobHooks                 // Merged after the built-in logging and metrics hooks.
	ErrorClassifier           ErrorClassifier

	// CompletionSleep replaces the wait between completion attempts.
	CompletionSleep completion.SleepFunc
}

// Service wires the transport, the Watermill router and the relay components.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	wmLogger   watermill.LoggerAdapter
	transport  transportpkg.Transport
	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router
	reconnect  *reconnector

	registry  *registry.Registry
	store     store.MessageStore
	saver     *MessageSaver
	completer completion.Completer
	metrics   *Metrics

	requests *RequestPublisher
	worker   *Worker
	relay    *Relay
	gateway  *Gateway

	handlers   []*HandlerInfo
	handlersMu sync.RWMutex

	workerOnce      sync.Once
	workerErr       error
	closeOnce       sync.Once
	errorClassifier ErrorClassifier
	resourceTracker *resourceTracker
}

// NewService validates conf, connects to the broker (retrying until ctx
// ends) and builds every relay component. Register extra handlers on the
// returned Service before calling Start.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating chat relay service", loggingpkg.LogFields{
		"pubsub_system":  conf.PubSubSystem,
		"publisher_mode": conf.PublisherMode,
		"config":         conf,
	})

	s := &Service{
		Conf:            conf,
		Logger:          log,
		wmLogger:        wmLogger,
		reconnect:       newReconnector(conf.ReconnectDelay, conf.ReconnectMaxDelay, log),
		registry:        deps.Registry,
		errorClassifier: deps.ErrorClassifier,
		resourceTracker: newResourceTracker(),
	}
	if s.registry == nil {
		s.registry = registry.New()
	}
	if s.errorClassifier == nil {
		s.errorClassifier = defaultErrorClassifier
	}

	if err := s.connect(ctx, deps.TransportFactory); err != nil {
		return nil, err
	}
	if err := s.build(ctx, deps); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) connect(ctx context.Context, factory transportpkg.Factory) error {
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	err := s.reconnect.retryUntil(ctx, s.Conf.PubSubSystem, func(ctx context.Context) error {
		tr, err := factory.Build(ctx, s.Conf, s.wmLogger)
		if err != nil {
			return err
		}
		s.transport = tr
		return nil
	})
	if err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	s.publisher = s.transport.Publisher
	s.subscriber = s.transport.Subscriber
	return nil
}

func (s *Service) build(ctx context.Context, deps ServiceDependencies) error {
	conf := s.Conf
	topology := conf.Topology()

	s.store = deps.Store
	if s.store == nil {
		st, err := store.Open(ctx, store.Options{
			Driver:      conf.StoreDriver,
			DatabaseURL: conf.DatabaseURL,
			SQLiteFile:  conf.SQLiteFile,
		})
		if err != nil {
			return fmt.Errorf("open message store: %w", err)
		}
		s.store = st
	}
	s.saver = NewMessageSaver(s.store, conf.StoreTimeout, s.Logger)

	s.completer = deps.Completer
	if s.completer == nil {
		c, err := completion.New(completion.Options{
			Provider:    conf.AIProvider,
			APIKey:      conf.AIAPIKey,
			Model:       conf.AIModel,
			BaseURL:     conf.AIAPIURL,
			EchoLatency: conf.EchoLatency,
		})
		if err != nil {
			return fmt.Errorf("build completion backend: %w", err)
		}
		s.completer = c
	}

	if conf.MetricsEnabled {
		m, err := NewMetrics(deps.Registerer, deps.Gatherer)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		s.metrics = m
	}

	router, err := message.NewRouter(message.RouterConfig{}, s.wmLogger)
	if err != nil {
		panic(err)
	}
	s.router = router
	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return err
	}

	if s.requests, err = NewRequestPublisher(RequestPublisherConfig{
		Topic:  topology.Request.Queue,
		Mode:   conf.PublisherMode,
		Shared: s.publisher,
		Dial:   s.transport.Dial,
		Logger: s.Logger,
	}); err != nil {
		return fmt.Errorf("build request publisher: %w", err)
	}

	if s.worker, err = NewWorker(WorkerConfig{
		Completer: s.completer,
		Policy: completion.Policy{
			MaxAttempts:   conf.CompletionMaxAttempts,
			Timeout:       conf.CompletionTimeout,
			BackoffBase:   conf.CompletionBackoffBase,
			BackoffMax:    conf.CompletionBackoffMax,
			RetryAfterMax: conf.CompletionRetryAfterMax,
			Sleep:         deps.CompletionSleep,
		},
		Saver:   s.saver,
		Logger:  s.Logger,
		Metrics: s.metrics,
	}); err != nil {
		return fmt.Errorf("build worker: %w", err)
	}

	if s.relay, err = NewRelay(RelayConfig{
		Subscriber: s.subscriber,
		Topic:      topology.Response.Queue,
		Registry:   s.registry,
		Logger:     s.Logger,
		Metrics:    s.metrics,
		reconnect:  s.reconnect,
	}); err != nil {
		return fmt.Errorf("build relay: %w", err)
	}

	if s.gateway, err = NewGateway(GatewayConfig{
		ServiceName:         conf.ServiceName,
		AllowedOrigins:      conf.AllowedOrigins,
		RequireUUIDClientID: conf.RequireUUIDClientID,
		WriteTimeout:        conf.WriteTimeout,
		SendBuffer:          conf.SendBuffer,
		Registry:            s.registry,
		Publisher:           s.requests,
		Saver:               s.saver,
		Logger:              s.Logger,
		Metrics:             s.metrics,
		Handlers:            s.Handlers,
	}); err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	s.Logger.Info("Chat relay service ready", loggingpkg.LogFields{
		"completion":     s.completer.Name(),
		"per_call":       s.requests.PerCall(),
		"request_queue":  topology.Request.Queue,
		"response_queue": topology.Response.Queue,
	})
	return nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	hooks := LoggingHooks(s.Logger).Merge(MetricsHooks(s.metrics)).Merge(deps.JobHooks)

	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares)+1)
	registrations = append(registrations, defaults...)
	registrations = append(registrations, JobHooksMiddleware(hooks))
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// RegisterWorker adds the chat worker handler to the router. Start calls it
// for RoleWorker; calling it again is a no-op.
func (s *Service) RegisterWorker() error {
	s.workerOnce.Do(func() {
		topology := s.Conf.Topology()
		s.workerErr = RegisterMessageHandler(s, MessageHandlerRegistration{
			Name:         WorkerHandlerName,
			ConsumeQueue: topology.Request.Queue,
			PublishQueue: topology.Response.Queue,
			Handler:      s.worker.Handle,
		})
	})
	return s.workerErr
}

// Start runs the given roles until ctx ends or one of them fails. No roles
// means AllRoles.
func (s *Service) Start(ctx context.Context, roles ...Role) error {
	if len(roles) == 0 {
		roles = AllRoles
	}

	g, ctx := errgroup.WithContext(ctx)
	runRouter := false
	for _, role := range slices.Compact(slices.Sorted(slices.Values(roles))) {
		switch role {
		case RoleWorker:
			if err := s.RegisterWorker(); err != nil {
				return err
			}
			runRouter = true
		case RoleRelay:
			g.Go(func() error { return s.relay.Run(ctx) })
		case RoleGateway:
			g.Go(func() error { return s.gateway.ListenAndServe(ctx, s.Conf.HTTPAddress) })
		default:
			return fmt.Errorf("unknown role %q", role)
		}
	}
	if runRouter || len(s.Handlers()) > 0 {
		g.Go(func() error { return routerRun(s.router, ctx) })
	}

	s.Logger.Info("Starting chat relay", loggingpkg.LogFields{"roles": roles})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the router, the broker connections and the store.
func (s *Service) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		if s.router != nil {
			if err := s.router.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close router: %w", err))
			}
		}
		s.registry.Drain()
		if err := s.transport.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.saver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	})
	return errors.Join(errs...)
}

// Running is closed once the router runs its handlers.
func (s *Service) Running() <-chan struct{} {
	return s.router.Running()
}

func (s *Service) Registry() *registry.Registry    { return s.registry }
func (s *Service) Gateway() *Gateway               { return s.gateway }
func (s *Service) Relay() *Relay                   { return s.relay }
func (s *Service) Worker() *Worker                 { return s.worker }
func (s *Service) Publisher() *RequestPublisher    { return s.requests }
func (s *Service) Completer() completion.Completer { return s.completer }
func (s *Service) Metrics() *Metrics               { return s.metrics }

// Handlers returns the registered router handlers.
func (s *Service) Handlers() []*HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return slices.Clone(s.handlers)
}

func (s *Service) getErrorClassifier() ErrorClassifier {
	if s.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return s.errorClassifier
}

func (s *Service) getResourceTracker() *resourceTracker {
	if s.resourceTracker == nil {
		s.resourceTracker = newResourceTracker()
	}
	return s.resourceTracker
}
