// Package transporttest provides a configurable transport.Config and
// recording publisher/subscriber doubles for transport builder tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/chatrelay/transport"
)

// Config is a plain-field implementation of transport.Config.
type Config struct {
	PubSubSystem       string
	Topology           transport.Topology
	RabbitMQURL        string
	KafkaBrokers       []string
	KafkaConsumerGroup string
	NATSURL            string
	RedisURL           string
	RedisConsumerGroup string
	AWSRegion          string
	AWSAccountID       string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpoint        string
	ChannelBuffer      int64
}

var _ transport.Config = (*Config)(nil)

func (c *Config) GetPubSubSystem() string { return c.PubSubSystem }

// GetTopology returns the configured topology with defaults filled in.
func (c *Config) GetTopology() transport.Topology { return c.Topology.WithDefaults() }

func (c *Config) GetRabbitMQURL() string        { return c.RabbitMQURL }
func (c *Config) GetKafkaBrokers() []string     { return c.KafkaBrokers }
func (c *Config) GetKafkaConsumerGroup() string { return c.KafkaConsumerGroup }
func (c *Config) GetNATSURL() string            { return c.NATSURL }
func (c *Config) GetRedisURL() string           { return c.RedisURL }
func (c *Config) GetRedisConsumerGroup() string { return c.RedisConsumerGroup }
func (c *Config) GetAWSRegion() string          { return c.AWSRegion }
func (c *Config) GetAWSAccountID() string       { return c.AWSAccountID }
func (c *Config) GetAWSAccessKeyID() string     { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string        { return c.AWSEndpoint }
func (c *Config) GetChannelBuffer() int64       { return c.ChannelBuffer }

// Publisher records published messages per topic.
type Publisher struct {
	mu        sync.Mutex
	Messages  map[string][]*message.Message
	Err       error
	CloseErr  error
	CloseCall int
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	if p.Messages == nil {
		p.Messages = make(map[string][]*message.Message)
	}
	p.Messages[topic] = append(p.Messages[topic], messages...)
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCall++
	return p.CloseErr
}

// Published returns a copy of the messages sent to topic.
func (p *Publisher) Published(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.Messages[topic]...)
}

// Closed reports how many times Close was called.
func (p *Publisher) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CloseCall
}

// Subscriber hands out one channel per Subscribe call.
type Subscriber struct {
	mu     sync.Mutex
	Topics []string
	Err    error
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	s.Topics = append(s.Topics, topic)
	return make(chan *message.Message), nil
}

func (s *Subscriber) Close() error { return nil }
