package chatrelay

import (
	runtimepkg "github.com/drblury/chatrelay/internal/runtime"
	"github.com/drblury/chatrelay/internal/runtime/completion"
	configpkg "github.com/drblury/chatrelay/internal/runtime/config"
	"github.com/drblury/chatrelay/internal/runtime/envelope"
	errspkg "github.com/drblury/chatrelay/internal/runtime/errors"
	idspkg "github.com/drblury/chatrelay/internal/runtime/ids"
	jsoncodec "github.com/drblury/chatrelay/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/chatrelay/internal/runtime/logging"
	metadatapkg "github.com/drblury/chatrelay/internal/runtime/metadata"
	"github.com/drblury/chatrelay/internal/runtime/registry"
	"github.com/drblury/chatrelay/internal/runtime/store"
	transportpkg "github.com/drblury/chatrelay/internal/runtime/transport"
	brokers "github.com/drblury/chatrelay/transport"
)

type (
	Config               = configpkg.Config
	Service              = runtimepkg.Service
	ServiceDependencies  = runtimepkg.ServiceDependencies
	Role                 = runtimepkg.Role
	Transport            = transportpkg.Transport
	TransportFactory     = transportpkg.Factory
	TransportFactoryFunc = transportpkg.FactoryFunc

	// Relay components
	Gateway          = runtimepkg.Gateway
	Relay            = runtimepkg.Relay
	Worker           = runtimepkg.Worker
	RequestPublisher = runtimepkg.RequestPublisher
	MessageSaver     = runtimepkg.MessageSaver
	DeliveryOutcome  = runtimepkg.DeliveryOutcome
	Metrics          = runtimepkg.Metrics
	Registry         = registry.Registry
	ConnectionHandle = registry.Handle

	// Payloads
	RequestEnvelope  = envelope.RequestEnvelope
	ResponseEnvelope = envelope.ResponseEnvelope
	ClientFrame      = envelope.ClientFrame
	Sender           = envelope.Sender

	// Completion backends
	Completer        = completion.Completer
	CompletionError  = completion.Error
	CompletionKind   = completion.Kind
	CompletionPolicy = completion.Policy

	// Persistence
	MessageStore = store.MessageStore
	StoreOptions = store.Options

	MessageHandlerRegistration = runtimepkg.MessageHandlerRegistration
	MiddlewareBuilder          = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration     = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig      = runtimepkg.RetryMiddlewareConfig

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	HandlerInfo           = runtimepkg.HandlerInfo
	HandlerStats          = runtimepkg.HandlerStats
	ConfigValidationError = errspkg.ConfigValidationError

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// Broker registry
	Topology              = brokers.Topology
	Route                 = brokers.Route
	TransportBuilder      = brokers.Builder
	TransportConfig       = brokers.Config
	TransportRegistry     = brokers.Registry
	TransportCapabilities = brokers.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	DefaultConfig  = configpkg.Default
	ValidateConfig = configpkg.ValidateConfig

	RegisterMessageHandler = runtimepkg.RegisterMessageHandler

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	NewRegistry             = registry.New
	NewCompleter            = completion.New
	IsTransient             = completion.IsTransient
	FriendlyMessage         = completion.FriendlyMessage
	OpenStore               = store.Open
	NewRequest              = envelope.NewRequest
	NewResponse             = envelope.NewResponse
	GetCapabilities         = transportpkg.Capabilities
	DefaultTopology         = brokers.DefaultTopology
	RegisterTransport       = brokers.Register
	BuildTransport          = brokers.Build
	DefaultTransportFactory = transportpkg.DefaultFactory

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrConsumeQueueRequired = errspkg.ErrConsumeQueueRequired
	ErrHandlerNameRequired  = errspkg.ErrHandlerNameRequired
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrTopicRequired        = errspkg.ErrTopicRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrClientIDRequired     = errspkg.ErrClientIDRequired
	ErrContentRequired      = errspkg.ErrContentRequired
	ErrMalformedEnvelope    = errspkg.ErrMalformedEnvelope

	NewLogger            = loggingpkg.New
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	NewMetadata = metadatapkg.New

	NewMessageID = idspkg.NewMessageID
	IsUUID       = idspkg.IsUUID
)

// Process roles.
const (
	RoleGateway = runtimepkg.RoleGateway
	RoleRelay   = runtimepkg.RoleRelay
	RoleWorker  = runtimepkg.RoleWorker
)

// GatewayRoles runs the front end: the HTTP surface and the response relay.
func GatewayRoles() []Role { return append([]Role(nil), runtimepkg.GatewayRoles...) }

// AllRoles runs the whole relay in one process.
func AllRoles() []Role { return append([]Role(nil), runtimepkg.AllRoles...) }

// Metadata keys set on every relayed message.
const (
	MetadataKeyMessageID     = metadatapkg.KeyMessageID
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyClientID      = metadatapkg.KeyClientID
	MetadataKeyKind          = metadatapkg.KeyKind
)

// Frame senders.
const (
	SenderUser   = envelope.SenderUser
	SenderBot    = envelope.SenderBot
	SenderSystem = envelope.SenderSystem
)

// Publisher modes.
const (
	PublisherModePerCall = configpkg.PublisherModePerCall
	PublisherModeShared  = configpkg.PublisherModeShared
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

// Delivery outcomes reported by the relay.
const (
	OutcomeDelivered = runtimepkg.OutcomeDelivered
	OutcomeDropped   = runtimepkg.OutcomeDropped
	OutcomeMalformed = runtimepkg.OutcomeMalformed
)

// WorkerHandlerName is the router handler name of the chat worker.
const WorkerHandlerName = runtimepkg.WorkerHandlerName
