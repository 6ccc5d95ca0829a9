// Package nats provides the NATS JetStream transport. Streams are
// auto-provisioned per topic and workers share a durable queue-group consumer.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/chatrelay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

const (
	// DurablePrefix names the durable consumers and the queue group.
	DurablePrefix = "chatrelay"

	// DefaultAckWait bounds how long the broker waits for an ack before
	// redelivering. It exceeds the worst-case completion retry budget.
	DefaultAckWait = 2 * time.Minute
)

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

func connectOptions() []natsgo.Option {
	return []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.ReconnectWait(time.Second),
		natsgo.Timeout(10 * time.Second),
	}
}

// JetStreamConfig enables JetStream with explicit acks, delivery of the whole
// stream to new durables and a single unacknowledged message per consumer.
func JetStreamConfig() nats.JetStreamConfig {
	return nats.JetStreamConfig{
		AutoProvision: true,
		SubscribeOptions: []natsgo.SubOpt{
			natsgo.DeliverAll(),
			natsgo.AckExplicit(),
			natsgo.MaxAckPending(1),
		},
		DurablePrefix: DurablePrefix,
	}
}

// PublisherConfig returns the publisher settings for url.
func PublisherConfig(url string) nats.PublisherConfig {
	return nats.PublisherConfig{
		URL:         url,
		NatsOptions: connectOptions(),
		Marshaler:   &nats.NATSMarshaler{},
		JetStream:   JetStreamConfig(),
	}
}

// SubscriberConfig returns the subscriber settings for url.
func SubscriberConfig(url string) nats.SubscriberConfig {
	return nats.SubscriberConfig{
		URL:              url,
		QueueGroupPrefix: DurablePrefix,
		SubscribersCount: 1,
		AckWaitTimeout:   DefaultAckWait,
		CloseTimeout:     30 * time.Second,
		NatsOptions:      connectOptions(),
		Unmarshaler:      &nats.NATSMarshaler{},
		JetStream:        JetStreamConfig(),
	}
}

// Build creates a new NATS JetStream transport. Every Watermill NATS publisher
// owns its connection, so Dial simply creates another one.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()

	publisher, err := PublisherFactory(PublisherConfig(url), logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("create nats publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(SubscriberConfig(url), logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("create nats subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Dial: func(ctx context.Context) (message.Publisher, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return PublisherFactory(PublisherConfig(url), logger)
		},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
