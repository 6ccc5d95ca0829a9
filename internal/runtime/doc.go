/*
Package runtime wires the chat relay: a websocket gateway that enqueues user
messages, a worker that turns them into completions, and a relay that routes
the answers back to the originating connection.

# Data flow

	client --ws--> Gateway --RequestPublisher--> request queue
	request queue --> router handler "chat-worker" (Worker) --> response queue
	response queue --> Relay --> registry.Registry --> client

The gateway and the relay share the in-memory connection registry, so they
run in one process. Workers scale independently as competing consumers.

# Components

  - service.go: Service builds the transport, store, completion backend,
    metrics and router from a config.Config and runs the selected roles.
  - gateway.go: GET /ws/{client_id}, POST /api/v1/chat, GET /health,
    GET /api/v1/handlers and GET /metrics.
  - publisher.go: RequestPublisher in per-call or shared mode.
  - worker.go: Worker, the request handler with the completion retry policy.
  - relay.go: Relay, the response subscriber loop.
  - reconnect.go: exponential reconnect loop for broker setup.
  - middleware.go, hooks.go: router middleware chain and job hooks.
  - stats.go, resources.go: per-handler statistics for introspection.
  - metrics.go: Prometheus collectors.

# Sub-packages

  - completion/: completion backends, error taxonomy and retry policy
  - config/: configuration with validation and redaction
  - envelope/: wire envelopes and client frames
  - errors/: sentinel errors
  - ids/: ULIDs and client id to session UUID mapping
  - jsoncodec/: sonic-backed JSON helpers
  - logging/: ServiceLogger and the Watermill adapter
  - metadata/: message header helpers
  - registry/: connection registry and websocket handle
  - store/: message persistence
  - transport/: transport factory

# Usage

	conf := config.Default()
	conf.PubSubSystem = "channel"

	svc, err := runtime.NewService(ctx, &conf, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()

	return svc.Start(ctx, runtime.AllRoles...)
*/
package runtime
