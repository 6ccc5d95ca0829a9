package runtime

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/chatrelay/internal/runtime/completion"
	idspkg "github.com/drblury/chatrelay/internal/runtime/ids"
	loggingpkg "github.com/drblury/chatrelay/internal/runtime/logging"
	metadatapkg "github.com/drblury/chatrelay/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/chatrelay/worker"

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the router-level retry middleware.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	return cfg
}

// DefaultMiddlewares returns the chain installed by NewService. Poison queue
// and retry only attach when the configuration enables them.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		PoisonQueueMiddleware(nil),
		RetryMiddleware(RetryMiddlewareConfig{}),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware decorates the router's publishers, subscribers and
// handlers with Watermill's Prometheus metrics. It is a no-op when metrics
// are disabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if s.metrics == nil {
				return nil, nil
			}
			builder := metrics.NewPrometheusMetricsBuilder(s.metrics.registerer, metricsNamespace, s.Conf.PubSubSystem)
			// Also installs the handler middleware on the router.
			builder.AddPrometheusRouterMetrics(s.router)
			return nil, nil
		},
	}
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

// LogMessagesMiddleware logs every handled message at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

// RetryMiddleware retries failed handler executions. The configured
// RetryMaxRetries wins over cfg; zero leaves the middleware out because the
// worker already retries the completion call.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if s.Conf.RetryMaxRetries > 0 {
				cfg.MaxRetries = s.Conf.RetryMaxRetries
				cfg.InitialInterval = s.Conf.RetryInitialInterval
				cfg.MaxInterval = s.Conf.RetryMaxInterval
			} else if cfg.MaxRetries <= 0 {
				return nil, nil
			}
			return retryMiddleware(cfg, s.wmLogger), nil
		},
	}
}

// PoisonQueueMiddleware publishes messages matching filter to the configured
// poison queue. A nil filter matches every error.
func PoisonQueueMiddleware(filter func(error) bool) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "poison_queue",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if s.Conf.PoisonQueue == "" {
				return nil, nil
			}
			if s.publisher == nil {
				return nil, errors.New("publisher is required for poison queue middleware")
			}
			topic := s.Conf.PoisonQueue
			return middleware.PoisonQueueWithFilter(s.publisher, topic, func(err error) bool {
				if filter != nil && !filter(err) {
					return false
				}
				s.metrics.poison(topic)
				return true
			})
		},
	}
}

// RecovererMiddleware converts panics into handler errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// JobHooksMiddleware installs hooks around every handler invocation.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: jobHooksMiddleware(hooks),
	}
}

// RegisterMiddleware attaches the supplied middleware to the router.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.router.AddMiddleware(mw)
	return nil
}

func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
			msg.Metadata.Set(metadatapkg.KeyCorrelationID, idspkg.NewMessageID())
		}
		return h(msg)
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"client_id":    msg.Metadata.Get(metadatapkg.KeyClientID),
				"topic":        message.SubscribeTopicFromCtx(msg.Context()),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

func tracerMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		ctx, span := otel.Tracer(tracerName).Start(msg.Context(), "ProcessChatRequest")
		defer span.End()
		msg.SetContext(ctx)

		span.SetAttributes(
			attribute.String("message.uuid", msg.UUID),
			attribute.String("message.correlation_id", msg.Metadata.Get(metadatapkg.KeyCorrelationID)),
			attribute.String("chat.client_id", msg.Metadata.Get(metadatapkg.KeyClientID)),
			attribute.String("messaging.handler", message.HandlerNameFromCtx(ctx)),
		)

		msgs, err := h(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return msgs, err
	}
}

func retryMiddleware(cfg RetryMiddlewareConfig, logger watermill.LoggerAdapter) message.HandlerMiddleware {
	cfg = cfg.withDefaults()
	retry := middleware.Retry{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      2,
		ShouldRetry: func(params middleware.RetryParams) bool {
			if cfg.RetryIf != nil {
				return cfg.RetryIf(params.Err)
			}
			return completion.IsTransient(params.Err)
		},
		Logger: logger,
	}
	return retry.Middleware
}
