package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/chatrelay/internal/runtime/completion"
	"github.com/drblury/chatrelay/internal/runtime/envelope"
	errspkg "github.com/drblury/chatrelay/internal/runtime/errors"
	"github.com/drblury/chatrelay/internal/runtime/ids"
	loggingpkg "github.com/drblury/chatrelay/internal/runtime/logging"
)

// WorkerHandlerName is the router handler name of the processing worker.
const WorkerHandlerName = "chat-worker"

// Completion results reported by the worker.
const (
	resultSuccess   = "success"
	resultMalformed = "malformed"
)

// WorkerConfig wires a Worker.
type WorkerConfig struct {
	Completer completion.Completer
	Policy    completion.Policy
	Saver     *MessageSaver
	Logger    loggingpkg.ServiceLogger
	Metrics   *Metrics
	Now       func() time.Time
}

// Worker turns request messages into response messages by calling the
// completion backend. It runs as a router handler, so the router publishes
// the returned message before acknowledging the request.
type Worker struct {
	completer completion.Completer
	policy    completion.Policy
	saver     *MessageSaver
	logger    loggingpkg.ServiceLogger
	metrics   *Metrics
	now       func() time.Time
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Completer == nil {
		return nil, errspkg.ErrCompleterRequired
	}
	logger := cfg.Logger
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	w := &Worker{
		completer: cfg.Completer,
		policy:    cfg.Policy,
		saver:     cfg.Saver,
		logger:    logger,
		metrics:   cfg.Metrics,
		now:       now,
	}
	return w, nil
}

// Handle processes one request. Malformed requests are dropped: no output
// and no error, so the router acknowledges them. Completion failures become
// a friendly response. Only an interrupted call returns an error, which
// leaves the request for redelivery.
func (w *Worker) Handle(msg *message.Message) ([]*message.Message, error) {
	ctx := msg.Context()

	req, err := envelope.DecodeRequest(msg.Payload)
	if err != nil {
		w.logger.Error("Dropping malformed request", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
		w.metrics.completion(resultMalformed)
		return nil, nil
	}

	fields := loggingpkg.LogFields{"client_id": req.ClientID, "message_uuid": msg.UUID}
	if published, ok := ids.MessageIDTime(msg.UUID); ok {
		fields["queued_for"] = w.now().Sub(published).String()
	}
	w.logger.Debug("Processing request", fields)

	text, result, err := w.complete(ctx, req, fields)
	if err != nil {
		return nil, err
	}
	w.metrics.completion(result)

	w.saver.Save(ctx, req.ClientID, envelope.SenderBot, text)

	out, err := envelope.ResponseMessage(envelope.NewResponse(req.ClientID, text, w.now()), msg)
	if err != nil {
		return nil, fmt.Errorf("build response: %w", err)
	}
	w.logger.Debug("Response ready", loggingpkg.LogFields{
		"client_id":    req.ClientID,
		"message_uuid": out.UUID,
		"outcome":      result,
	})
	return []*message.Message{out}, nil
}

func (w *Worker) complete(ctx context.Context, req envelope.RequestEnvelope, fields loggingpkg.LogFields) (string, string, error) {
	policy := w.policy
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		w.metrics.completionRetry(string(completion.KindOf(err)))
		w.logger.Info("Retrying completion", loggingpkg.LogFields{
			"client_id": req.ClientID,
			"attempt":   attempt,
			"delay":     delay.String(),
			"kind":      string(completion.KindOf(err)),
		})
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}

	text, err := policy.Run(ctx, w.completer, req.Content)
	if err == nil {
		return text, resultSuccess, nil
	}
	if ctx.Err() != nil {
		return "", "", fmt.Errorf("completion interrupted: %w", ctx.Err())
	}

	kind := completion.KindOf(err)
	if kind == "" {
		kind = "unknown"
	}
	w.logger.Error("Completion failed, replying with fallback message", err, loggingpkg.LogFields{
		"client_id":    fields["client_id"],
		"message_uuid": fields["message_uuid"],
		"kind":         string(kind),
	})
	return completion.FriendlyMessage(err), string(kind), nil
}
