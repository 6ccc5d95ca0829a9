// Package redis provides the Redis Streams transport. Workers join one
// consumer group per stream and compete for entries.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	"github.com/drblury/chatrelay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "redis"

// ClientFactory allows overriding the Redis client creation for testing.
var ClientFactory = func(url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg rstream.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return rstream.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg rstream.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return rstream.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Redis Streams transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RedisCapabilities)
}

// Build creates a new Redis Streams transport. Dial opens a dedicated client
// per publisher.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRedisURL()
	client, err := ClientFactory(url)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("create redis client: %w", err)
	}

	publisher, err := newPublisher(client, logger)
	if err != nil {
		_ = client.Close()
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: cfg.GetRedisConsumerGroup(),
		Consumer:      watermill.NewShortUUID(),
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("create redis subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Dial: func(ctx context.Context) (message.Publisher, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			client, err := ClientFactory(url)
			if err != nil {
				return nil, fmt.Errorf("create redis client: %w", err)
			}
			pub, err := newPublisher(client, logger)
			if err != nil {
				_ = client.Close()
				return nil, err
			}
			return pub, nil
		},
	}, nil
}

func newPublisher(client redis.UniversalClient, logger watermill.LoggerAdapter) (message.Publisher, error) {
	pub, err := PublisherFactory(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create redis publisher: %w", err)
	}
	return &clientPublisher{Publisher: pub, client: client}, nil
}

// clientPublisher closes the Redis client together with the publisher.
type clientPublisher struct {
	message.Publisher
	client redis.UniversalClient
}

func (p *clientPublisher) Close() error {
	return errors.Join(p.Publisher.Close(), p.client.Close())
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RedisCapabilities
}
