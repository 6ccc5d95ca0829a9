package runtime

import (
	"context"
	"time"

	"github.com/drblury/chatrelay/internal/runtime/envelope"
	loggingpkg "github.com/drblury/chatrelay/internal/runtime/logging"
	"github.com/drblury/chatrelay/internal/runtime/store"
)

const defaultStoreTimeout = 5 * time.Second

// MessageSaver bounds and logs calls to the message store. Persistence
// never blocks the relay: failures are logged and reported as false. A nil
// saver saves nothing.
type MessageSaver struct {
	store   store.MessageStore
	timeout time.Duration
	logger  loggingpkg.ServiceLogger
}

func NewMessageSaver(s store.MessageStore, timeout time.Duration, logger loggingpkg.ServiceLogger) *MessageSaver {
	if s == nil {
		s = store.Nop{}
	}
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return &MessageSaver{store: s, timeout: timeout, logger: logger}
}

// Save persists one message and reports whether it was stored.
func (m *MessageSaver) Save(ctx context.Context, clientID string, sender envelope.Sender, content string) bool {
	if m == nil {
		return false
	}
	// A message that was already accepted is saved even if the caller's
	// context is cancelled right after.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	if err := m.store.SaveMessage(saveCtx, clientID, string(sender), content); err != nil {
		m.logger.Error("Failed to persist message", err, loggingpkg.LogFields{
			"client_id": clientID,
			"sender":    string(sender),
		})
		return false
	}
	return true
}

func (m *MessageSaver) Close() error {
	if m == nil {
		return nil
	}
	return m.store.Close()
}
