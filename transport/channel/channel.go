// Package channel provides the in-memory Go channel transport. It backs the
// single-process demo and the package tests.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/chatrelay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel transport. Every publisher dialled from it
// shares the same in-memory bus, so Dial hands out a wrapper whose Close
// leaves the bus running.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{
		OutputChannelBuffer: cfg.GetChannelBuffer(),
	}, logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
		Dial: func(context.Context) (message.Publisher, error) {
			return transport.NopClosePublisher(pub), nil
		},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
