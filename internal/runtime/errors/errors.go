package errors

import sterrors "errors"

var (
	ErrServiceRequired      = sterrors.New("chatrelay: relay service is required")
	ErrHandlerRequired      = sterrors.New("chatrelay: handler function is required")
	ErrConsumeQueueRequired = sterrors.New("chatrelay: consume queue is required")
	ErrHandlerNameRequired  = sterrors.New("chatrelay: handler name is required")
	ErrPublisherRequired    = sterrors.New("chatrelay: publisher is required")
	ErrSubscriberRequired   = sterrors.New("chatrelay: subscriber is required")
	ErrTopicRequired        = sterrors.New("chatrelay: topic is required")
	ErrConfigRequired       = sterrors.New("chatrelay: configuration is required")
	ErrLoggerRequired       = sterrors.New("chatrelay: logger is required")
	ErrRegistryRequired     = sterrors.New("chatrelay: connection registry is required")
	ErrCompleterRequired    = sterrors.New("chatrelay: completer is required")

	// Envelope validation. Messages failing these checks are dropped, never retried.
	ErrClientIDRequired  = sterrors.New("chatrelay: client_id is required")
	ErrContentRequired   = sterrors.New("chatrelay: content is required")
	ErrMalformedEnvelope = sterrors.New("chatrelay: malformed envelope")

	// Live connection failures.
	ErrHandleClosed  = sterrors.New("chatrelay: connection handle is closed")
	ErrSendQueueFull = sterrors.New("chatrelay: connection send queue is full")
)

// ConfigValidationError marks configuration problems detected before any
// broker connection is attempted.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "chatrelay: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
