package transport

// Capabilities describes the delivery guarantees of a transport backend. The
// service logs them at startup and /health reports the transport name.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// Durable indicates queued messages survive a broker restart.
	Durable bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// CompetingConsumers indicates several worker processes can share one
	// request queue with each message handed to exactly one of them.
	CompetingConsumers bool

	// SingleInFlight indicates the broker can be limited to one unacknowledged
	// message per consumer (prefetch 1 or equivalent).
	SingleInFlight bool

	// PerCallPublisher indicates the transport offers a PublisherDialer.
	PerCallPublisher bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:         "channel",
		SupportsAck:  true,
		SupportsNack: true,
	}

	RabbitMQCapabilities = Capabilities{
		Name:               "rabbitmq",
		Durable:            true,
		SupportsAck:        true,
		SupportsNack:       true,
		CompetingConsumers: true,
		SingleInFlight:     true,
		PerCallPublisher:   true,
	}

	KafkaCapabilities = Capabilities{
		Name:               "kafka",
		Durable:            true,
		SupportsAck:        true,
		CompetingConsumers: true,
		MaxMessageSize:     1048576, // Default 1MB
	}

	NATSCapabilities = Capabilities{
		Name:               "nats",
		Durable:            true,
		SupportsAck:        true,
		SupportsNack:       true,
		CompetingConsumers: true,
		SingleInFlight:     true,
		PerCallPublisher:   true,
		MaxMessageSize:     1048576, // Default 1MB
	}

	AWSCapabilities = Capabilities{
		Name:               "aws",
		Durable:            true,
		SupportsAck:        true,
		SupportsNack:       true,
		CompetingConsumers: true,
		MaxMessageSize:     262144, // 256KB
	}

	RedisCapabilities = Capabilities{
		Name:               "redis",
		Durable:            true,
		SupportsAck:        true,
		SupportsNack:       true,
		CompetingConsumers: true,
		PerCallPublisher:   true,
	}
)

// GetCapabilities returns the capabilities for a transport by name from the
// default registry. Unknown transports get a zero Capabilities with the name set.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
