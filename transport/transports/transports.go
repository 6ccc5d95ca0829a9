// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	_ "github.com/drblury/chatrelay/transport/aws"
	_ "github.com/drblury/chatrelay/transport/channel"
	_ "github.com/drblury/chatrelay/transport/kafka"
	_ "github.com/drblury/chatrelay/transport/nats"
	_ "github.com/drblury/chatrelay/transport/rabbitmq"
	_ "github.com/drblury/chatrelay/transport/redis"
)
