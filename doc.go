// Package chatrelay is an asynchronous chat relay built on Watermill. Browsers
// connect over a websocket, their messages are queued on a broker, a worker
// calls a completion backend and the answer is pushed back to the same
// websocket by the response relay.
//
// A process runs one or more roles. The gateway role serves the websocket
// endpoint and the REST API, the relay role forwards responses to the
// connections registered in that process, and the worker role consumes
// requests on the Watermill router. Gateway and relay share the in-memory
// connection registry, so they always run together; workers scale out on
// their own.
//
// A minimal setup fills Config (or starts from DefaultConfig), creates a
// Service with NewService and calls Start with the roles to run; see
// examples/inmemory for a single-process demo on the channel transport.
//
// # Transports
//
// The broker is selected by Config.PubSubSystem:
//   - channel: In-memory Go channels for tests and demos
//   - rabbitmq: AMQP exchanges and durable queues
//   - kafka: Topics with consumer groups
//   - nats: NATS JetStream
//   - redis: Redis streams
//   - aws: SNS topics fanned out to SQS queues
//
// # Completion backends
//
// Config.AIProvider picks openai, anthropic, gemini or echo. Transient
// failures (rate limits, timeouts, 5xx) are retried with exponential backoff;
// permanent ones are turned into a friendly message for the user.
//
// # Middleware
//
// The router's default chain adds correlation IDs, message logging,
// OpenTelemetry tracing, Prometheus metrics, an optional poison queue,
// optional retries and panic recovery. Custom middleware and job hooks are
// passed through ServiceDependencies.
package chatrelay
