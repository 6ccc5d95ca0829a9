// Package rabbitmq provides the RabbitMQ/AMQP transport, the reference broker
// of the relay.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/chatrelay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// ConnectionCloser allows overriding connection teardown for testing.
var ConnectionCloser = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// NewConfig builds the AMQP topology for the relay: one durable direct
// exchange per route, a durable queue named after the topic bound with the
// queue name as routing key, persistent messages and prefetch 1. Publishers
// and subscribers both declare the full topology, so a message published
// before any worker started still lands in its queue. Declaration is
// idempotent.
func NewConfig(url string, topology transport.Topology) amqp.Config {
	cfg := amqp.NewDurableQueueConfig(url)
	cfg.Exchange = amqp.ExchangeConfig{
		GenerateName: topology.ExchangeFor,
		Type:         "direct",
		Durable:      true,
	}
	cfg.QueueBind.GenerateRoutingKey = routingKey
	cfg.Publish.GenerateRoutingKey = routingKey
	cfg.Consume.Qos.PrefetchCount = 1
	cfg.TopologyBuilder = NewTopologyBuilder(topology, &amqp.DefaultTopologyBuilder{})
	return cfg
}

func routingKey(topic string) string {
	return topic
}

// TopologyBuilder declares the queue and its binding whenever an exchange is
// declared. The Watermill publisher only declares exchanges, and a direct
// exchange without a bound queue discards what it receives.
type TopologyBuilder struct {
	base   amqp.TopologyBuilder
	queues map[string]string
}

// NewTopologyBuilder wraps base so that ExchangeDeclare also declares and
// binds the queue of the route owning the exchange.
func NewTopologyBuilder(topology transport.Topology, base amqp.TopologyBuilder) *TopologyBuilder {
	topology = topology.WithDefaults()
	return &TopologyBuilder{
		base: base,
		queues: map[string]string{
			topology.Request.Exchange:  topology.Request.Queue,
			topology.Response.Exchange: topology.Response.Queue,
		},
	}
}

// QueueFor returns the queue bound to exchange. Exchanges outside the
// topology are named after their topic, which is also the queue name.
func (b *TopologyBuilder) QueueFor(exchange string) string {
	if queue, ok := b.queues[exchange]; ok {
		return queue
	}
	return exchange
}

// ExchangeDeclare declares the exchange, its durable queue and the binding.
func (b *TopologyBuilder) ExchangeDeclare(channel *amqp091.Channel, exchangeName string, config amqp.Config) error {
	queue := b.QueueFor(exchangeName)
	return b.base.BuildTopology(channel, amqp.BuildTopologyParams{
		Topic:        queue,
		QueueName:    queue,
		ExchangeName: exchangeName,
		RoutingKey:   routingKey(queue),
	}, config, watermill.NopLogger{})
}

// BuildTopology is used by subscribers and delegates to the base builder.
func (b *TopologyBuilder) BuildTopology(channel *amqp091.Channel, params amqp.BuildTopologyParams, config amqp.Config, logger watermill.LoggerAdapter) error {
	return b.base.BuildTopology(channel, params, config, logger)
}

// Build creates the long-lived RabbitMQ transport. Publisher and subscriber
// share one connection; Dial opens a separate connection per call.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	amqpConfig := NewConfig(url, cfg.GetTopology())

	conn, err := connect(url, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = ConnectionCloser(conn)
		return transport.Transport{}, fmt.Errorf("create amqp publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		_ = ConnectionCloser(conn)
		return transport.Transport{}, fmt.Errorf("create amqp subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  &connPublisher{Publisher: publisher, conn: conn},
		Subscriber: subscriber,
		Dial: func(ctx context.Context) (message.Publisher, error) {
			return Dial(ctx, url, amqpConfig, logger)
		},
	}, nil
}

// Dial opens a fresh AMQP connection and a publisher on it. Closing the
// returned publisher also closes the connection.
func Dial(ctx context.Context, url string, amqpConfig amqp.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := connect(url, logger)
	if err != nil {
		return nil, err
	}
	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = ConnectionCloser(conn)
		return nil, fmt.Errorf("create amqp publisher: %w", err)
	}
	return &connPublisher{Publisher: publisher, conn: conn}, nil
}

func connect(url string, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	return conn, nil
}

type connPublisher struct {
	message.Publisher
	conn *amqp.ConnectionWrapper
}

func (p *connPublisher) Close() error {
	return errors.Join(p.Publisher.Close(), ConnectionCloser(p.conn))
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
