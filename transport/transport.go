// Package transport defines the broker abstraction the relay runs on. Each
// broker (rabbitmq, kafka, nats, ...) lives in its own sub-package and
// registers a Builder with the transport registry.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Route names the exchange and queue of one direction of the relay. The queue
// name is also the Watermill topic.
type Route struct {
	Exchange string
	Queue    string
}

// Topology holds the request route (gateway to worker) and the response route
// (worker to relay).
type Topology struct {
	Request  Route
	Response Route
}

// DefaultTopology returns the exchange and queue names of the reference
// deployment.
func DefaultTopology() Topology {
	return Topology{
		Request:  Route{Exchange: "x.chat_requests", Queue: "q.ia_request"},
		Response: Route{Exchange: "x.chat_responses", Queue: "q.ia_response"},
	}
}

// WithDefaults fills empty names from DefaultTopology.
func (t Topology) WithDefaults() Topology {
	def := DefaultTopology()
	if t.Request.Exchange == "" {
		t.Request.Exchange = def.Request.Exchange
	}
	if t.Request.Queue == "" {
		t.Request.Queue = def.Request.Queue
	}
	if t.Response.Exchange == "" {
		t.Response.Exchange = def.Response.Exchange
	}
	if t.Response.Queue == "" {
		t.Response.Queue = def.Response.Queue
	}
	return t
}

// Validate reports missing names and a request queue shared with the
// response queue.
func (t Topology) Validate() error {
	var errs []error
	if t.Request.Exchange == "" || t.Request.Queue == "" {
		errs = append(errs, errors.New("topology: request exchange and queue are required"))
	}
	if t.Response.Exchange == "" || t.Response.Queue == "" {
		errs = append(errs, errors.New("topology: response exchange and queue are required"))
	}
	if t.Request.Queue != "" && t.Request.Queue == t.Response.Queue {
		errs = append(errs, errors.New("topology: request and response queues must differ"))
	}
	return errors.Join(errs...)
}

// ExchangeFor maps a topic (queue name) to its exchange. Topics outside the
// topology, such as a poison queue, get an exchange named after the topic.
func (t Topology) ExchangeFor(topic string) string {
	switch topic {
	case t.Request.Queue:
		return t.Request.Exchange
	case t.Response.Queue:
		return t.Response.Exchange
	default:
		return topic
	}
}

// PublisherDialer opens a fresh publisher with its own broker connection. The
// caller owns the returned publisher and must close it.
type PublisherDialer func(ctx context.Context) (message.Publisher, error)

// Transport combines a publisher and subscriber pair produced by a builder.
// Dial is optional; transports without a cheap per-call connection leave it
// nil and callers fall back to Publisher.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Dial       PublisherDialer
}

// Close closes the subscriber and the publisher.
func (t Transport) Close() error {
	var errs []error
	if t.Subscriber != nil {
		if err := t.Subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscriber: %w", err))
		}
	}
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport name.
	GetPubSubSystem() string
	GetTopology() Topology

	// RabbitMQ
	GetRabbitMQURL() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// NATS JetStream
	GetNATSURL() string

	// Redis Streams
	GetRedisURL() string
	GetRedisConsumerGroup() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string

	// In-memory channel
	GetChannelBuffer() int64
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// NopClosePublisher wraps a shared publisher so a per-call caller can Close it
// without tearing down the shared instance.
func NopClosePublisher(pub message.Publisher) message.Publisher {
	return nopClosePublisher{Publisher: pub}
}

type nopClosePublisher struct {
	message.Publisher
}

func (nopClosePublisher) Close() error { return nil }
