package runtime

import (
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/chatrelay/internal/runtime/errors"
)

// MessageHandlerRegistration wires a raw Watermill handler onto the service router.
type MessageHandlerRegistration struct {
	Name         string
	ConsumeQueue string
	PublishQueue string
	Handler      message.HandlerFunc
	// Subscriber and Publisher default to the service transport.
	Subscriber message.Subscriber
	Publisher  message.Publisher
}

// RegisterMessageHandler attaches the provided handler to the service router
// and tracks its statistics. An empty PublishQueue registers a consumer
// without output.
func RegisterMessageHandler(svc *Service, cfg MessageHandlerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	return svc.registerHandler(cfg)
}

func (s *Service) registerHandler(cfg MessageHandlerRegistration) error {
	if cfg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if cfg.ConsumeQueue == "" {
		return errspkg.ErrConsumeQueueRequired
	}
	if cfg.Name == "" {
		return errspkg.ErrHandlerNameRequired
	}
	if cfg.Subscriber == nil {
		cfg.Subscriber = s.subscriber
	}
	if cfg.Publisher == nil {
		cfg.Publisher = s.publisher
	}

	stats := newHandlerStats(s.getResourceTracker())
	info := &HandlerInfo{
		Name:         cfg.Name,
		ConsumeQueue: cfg.ConsumeQueue,
		PublishQueue: cfg.PublishQueue,
		Stats:        stats,
	}

	s.handlersMu.Lock()
	s.handlers = append(s.handlers, info)
	s.handlersMu.Unlock()

	handler := wrapHandlerWithStats(cfg.Handler, stats, s.getErrorClassifier())

	if cfg.PublishQueue == "" {
		s.router.AddConsumerHandler(cfg.Name, cfg.ConsumeQueue, cfg.Subscriber, func(msg *message.Message) error {
			_, err := handler(msg)
			return err
		})
		return nil
	}

	s.router.AddHandler(
		cfg.Name,
		cfg.ConsumeQueue,
		cfg.Subscriber,
		cfg.PublishQueue,
		cfg.Publisher,
		handler,
	)
	return nil
}
