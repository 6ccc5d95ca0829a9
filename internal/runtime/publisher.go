package runtime

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/chatrelay/internal/runtime/config"
	"github.com/drblury/chatrelay/internal/runtime/envelope"
	errspkg "github.com/drblury/chatrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/chatrelay/internal/runtime/logging"
	brokers "github.com/drblury/chatrelay/transport"
)

// PublishMessage sends msg to topic on publisher, attaching ctx to the
// message first.
func PublishMessage(ctx context.Context, publisher message.Publisher, topic string, msg *message.Message) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return publisher.Publish(topic, msg)
}

// RequestPublisherConfig wires a RequestPublisher.
type RequestPublisherConfig struct {
	Topic string
	// Mode is configpkg.PublisherModePerCall or configpkg.PublisherModeShared.
	Mode string
	// Shared is used in shared mode and as the fallback when Dial is nil.
	Shared message.Publisher
	// Dial opens a dedicated publisher for a single call.
	Dial   brokers.PublisherDialer
	Logger loggingpkg.ServiceLogger
}

// RequestPublisher puts user messages on the request queue. It never
// retries: a failed publish is reported to the caller as false.
type RequestPublisher struct {
	topic   string
	perCall bool
	shared  message.Publisher
	dial    brokers.PublisherDialer
	logger  loggingpkg.ServiceLogger
}

func NewRequestPublisher(cfg RequestPublisherConfig) (*RequestPublisher, error) {
	if cfg.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	perCall := cfg.Mode != configpkg.PublisherModeShared && cfg.Dial != nil
	if !perCall && cfg.Shared == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	logger := cfg.Logger
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return &RequestPublisher{
		topic:   cfg.Topic,
		perCall: perCall,
		shared:  cfg.Shared,
		dial:    cfg.Dial,
		logger:  logger,
	}, nil
}

// PerCall reports whether each publish uses its own broker connection.
func (p *RequestPublisher) PerCall() bool { return p.perCall }

// Publish enqueues req and reports success.
func (p *RequestPublisher) Publish(ctx context.Context, req envelope.RequestEnvelope) bool {
	_, ok := p.PublishID(ctx, req)
	return ok
}

// PublishID enqueues req and returns the broker message id.
func (p *RequestPublisher) PublishID(ctx context.Context, req envelope.RequestEnvelope) (string, bool) {
	fields := loggingpkg.LogFields{"client_id": req.ClientID, "topic": p.topic}

	id, err := p.publish(ctx, req)
	if err != nil {
		p.logger.Error("Failed to publish request", err, fields)
		return "", false
	}
	fields["message_uuid"] = id
	p.logger.Debug("Request queued", fields)
	return id, true
}

func (p *RequestPublisher) publish(ctx context.Context, req envelope.RequestEnvelope) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	msg, err := envelope.RequestMessage(req, "")
	if err != nil {
		return "", err
	}

	publisher := p.shared
	if p.perCall {
		publisher, err = p.dial(ctx)
		if err != nil {
			return "", fmt.Errorf("dial publisher: %w", err)
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				p.logger.Error("Failed to close per-call publisher", err, loggingpkg.LogFields{"topic": p.topic})
			}
		}()
	}

	if err := PublishMessage(ctx, publisher, p.topic, msg); err != nil {
		return "", err
	}
	return msg.UUID, nil
}
