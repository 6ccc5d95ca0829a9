package runtime

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/chatrelay/internal/runtime/envelope"
	errspkg "github.com/drblury/chatrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/chatrelay/internal/runtime/logging"
	"github.com/drblury/chatrelay/internal/runtime/registry"
)

// DeliveryOutcome is what happened to one response.
type DeliveryOutcome string

const (
	OutcomeDelivered DeliveryOutcome = "delivered"
	OutcomeDropped   DeliveryOutcome = "dropped"
	OutcomeMalformed DeliveryOutcome = "malformed"
)

// RelayConfig wires a Relay.
type RelayConfig struct {
	Subscriber message.Subscriber
	Topic      string
	Registry   *registry.Registry
	Logger     loggingpkg.ServiceLogger
	Metrics    *Metrics
	reconnect  *reconnector
}

// Relay consumes the response queue and forwards each response to the
// client's live connection. Every response is acknowledged whatever the
// outcome: delivery to the browser is at most once.
type Relay struct {
	subscriber message.Subscriber
	topic      string
	registry   *registry.Registry
	logger     loggingpkg.ServiceLogger
	metrics    *Metrics
	reconnect  *reconnector

	readyOnce sync.Once
	ready     chan struct{}
}

func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Subscriber == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if cfg.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if cfg.Registry == nil {
		return nil, errspkg.ErrRegistryRequired
	}
	logger := cfg.Logger
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	reconnect := cfg.reconnect
	if reconnect == nil {
		reconnect = newReconnector(0, 0, logger)
	}
	return &Relay{
		subscriber: cfg.Subscriber,
		topic:      cfg.Topic,
		registry:   cfg.Registry,
		logger:     logger,
		metrics:    cfg.Metrics,
		reconnect:  reconnect,
		ready:      make(chan struct{}),
	}, nil
}

// Ready is closed once the first subscription is in place.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Run subscribes to the response topic and delivers messages until ctx
// ends. A subscription that closes while ctx is live is re-established
// through the reconnect loop.
func (r *Relay) Run(ctx context.Context) error {
	for {
		var messages <-chan *message.Message
		err := r.reconnect.retryUntil(ctx, "subscribe "+r.topic, func(ctx context.Context) error {
			var err error
			messages, err = r.subscriber.Subscribe(ctx, r.topic)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		r.readyOnce.Do(func() { close(r.ready) })
		r.logger.Info("Response relay subscribed", loggingpkg.LogFields{"topic": r.topic})

		r.consume(ctx, messages)
		if ctx.Err() != nil {
			return nil
		}

		r.logger.Info("Response subscription closed, resubscribing", loggingpkg.LogFields{"topic": r.topic})
		if err := r.reconnect.pause(ctx); err != nil {
			return nil
		}
	}
}

func (r *Relay) consume(ctx context.Context, messages <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			r.Deliver(ctx, msg)
			msg.Ack()
		}
	}
}

// Deliver forwards one response message to its client. It does not ack.
func (r *Relay) Deliver(ctx context.Context, msg *message.Message) DeliveryOutcome {
	outcome, clientID := r.deliver(ctx, msg)
	r.metrics.delivery(outcome)

	fields := loggingpkg.LogFields{
		"client_id":    clientID,
		"message_uuid": msg.UUID,
		"outcome":      string(outcome),
	}
	switch outcome {
	case OutcomeDelivered:
		r.logger.Debug("Response delivered", fields)
	default:
		r.logger.Info("Response not delivered", fields)
	}
	return outcome
}

func (r *Relay) deliver(ctx context.Context, msg *message.Message) (DeliveryOutcome, string) {
	resp, err := envelope.DecodeResponse(msg.Payload)
	if err != nil {
		r.logger.Error("Malformed response", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
		return OutcomeMalformed, ""
	}

	payload, err := envelope.BotFrame(resp.Content).Encode()
	if err != nil {
		r.logger.Error("Failed to encode frame", err, loggingpkg.LogFields{"client_id": resp.ClientID})
		return OutcomeDropped, resp.ClientID
	}

	if !r.registry.Send(ctx, resp.ClientID, payload) {
		return OutcomeDropped, resp.ClientID
	}
	return OutcomeDelivered, resp.ClientID
}
