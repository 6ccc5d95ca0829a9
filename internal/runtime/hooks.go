package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/chatrelay/internal/runtime/logging"
	metadatapkg "github.com/drblury/chatrelay/internal/runtime/metadata"
)

// JobContext describes one handler invocation to hooks.
type JobContext struct {
	HandlerName   string
	Topic         string
	MessageUUID   string
	ClientID      string
	CorrelationID string
	Metadata      message.Metadata
	Context       context.Context
	StartedAt     time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
}

// JobHooks defines callbacks for job lifecycle events. Nil hooks are skipped.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge returns hooks that call h first and then other.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func jobHooksMiddleware(hooks JobHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx := msg.Context()
			job := JobContext{
				HandlerName:   message.HandlerNameFromCtx(ctx),
				Topic:         message.SubscribeTopicFromCtx(ctx),
				MessageUUID:   msg.UUID,
				ClientID:      msg.Metadata.Get(metadatapkg.KeyClientID),
				CorrelationID: msg.Metadata.Get(metadatapkg.KeyCorrelationID),
				Metadata:      msg.Metadata,
				Context:       ctx,
				StartedAt:     time.Now(),
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(job)
			}

			msgs, err := h(msg)
			job.Duration = time.Since(job.StartedAt)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(job, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(job)
			}

			return msgs, err
		}
	}
}

// LoggingHooks logs job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	fields := func(ctx JobContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"handler":        ctx.HandlerName,
			"topic":          ctx.Topic,
			"message_uuid":   ctx.MessageUUID,
			"client_id":      ctx.ClientID,
			"correlation_id": ctx.CorrelationID,
		}
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", fields(ctx))
		},
		OnJobDone: func(ctx JobContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Info("Job completed", f)
		},
		OnJobError: func(ctx JobContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Job failed", err, f)
		},
	}
}

// MetricsHooks records job durations by handler and result.
func MetricsHooks(m *Metrics) JobHooks {
	if m == nil {
		return JobHooks{}
	}
	return JobHooks{
		OnJobDone: func(ctx JobContext) {
			m.job(ctx.HandlerName, "success", ctx.Duration)
		},
		OnJobError: func(ctx JobContext, _ error) {
			m.job(ctx.HandlerName, "error", ctx.Duration)
		},
	}
}

// AlertingHooks calls alert for every failed job.
func AlertingHooks(alert func(ctx JobContext, err error)) JobHooks {
	return JobHooks{OnJobError: alert}
}
