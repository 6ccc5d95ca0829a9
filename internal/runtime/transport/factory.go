package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/chatrelay/internal/runtime/config"
	brokers "github.com/drblury/chatrelay/transport"

	// Register the built-in transports.
	_ "github.com/drblury/chatrelay/transport/transports"
)

// Transport is the publisher/subscriber pair plus the optional per-call
// publisher dialer.
type Transport = brokers.Transport

// Factory abstracts how the service initialises message transports.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

// Build calls f.
func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the factory backed by the transport registry.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

// Build fails permanently for a nil config or an unregistered transport name,
// so the caller's reconnect loop gives up instead of retrying.
func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, backoff.Permanent(fmt.Errorf("config is required"))
	}
	if !brokers.DefaultRegistry.Has(conf.PubSubSystem) {
		return Transport{}, backoff.Permanent(fmt.Errorf("unknown transport: %q (registered: %v)", conf.PubSubSystem, brokers.DefaultRegistry.Names()))
	}
	return brokers.Build(ctx, conf, logger)
}

// Capabilities reports what the configured transport guarantees.
func Capabilities(conf *config.Config) brokers.Capabilities {
	if conf == nil {
		return brokers.Capabilities{}
	}
	return brokers.GetCapabilities(conf.PubSubSystem)
}
