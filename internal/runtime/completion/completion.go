// Package completion calls the external text-generation backend on behalf
// of the worker. Vendor clients share one error taxonomy so the retry policy
// can tell transient failures from permanent ones.
package completion

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Completer turns a prompt into generated text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Name() string
}

// Kind classifies a completion failure.
type Kind string

const (
	KindRateLimited   Kind = "rate_limited"
	KindUnauthorized  Kind = "unauthorized"
	KindForbidden     Kind = "forbidden"
	KindModelNotFound Kind = "model_not_found"
	KindQuotaExceeded Kind = "quota_exceeded"
	KindBadRequest    Kind = "bad_request"
	KindServer        Kind = "server"
	KindTimeout       Kind = "timeout"
	KindNetwork       Kind = "network"
	KindEmpty         Kind = "empty"
)

// Error is returned by every Completer variant for failed calls.
type Error struct {
	Kind       Kind
	StatusCode int
	// RetryAfter is the server-requested delay, zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("completion %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("completion %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether retrying the same call may succeed.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindRateLimited, KindServer, KindTimeout, KindNetwork:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err is worth retrying. Errors outside the
// taxonomy are treated as permanent except context deadlines.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Transient()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// KindOf returns the kind of err, or "" when err is not a completion error.
func KindOf(err error) Kind {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return ""
}

// FriendlyMessage is the text the user sees instead of a completion.
func FriendlyMessage(err error) string {
	switch KindOf(err) {
	case KindRateLimited:
		return "The assistant is receiving too many requests right now. Please try again in a moment."
	case KindUnauthorized, KindForbidden:
		return "The assistant is not configured correctly and could not authenticate. Please contact support."
	case KindModelNotFound:
		return "The configured AI model is not available. Please contact support."
	case KindQuotaExceeded:
		return "The assistant has run out of credits. Please contact support."
	case KindBadRequest:
		return "The assistant could not process this message. Please rephrase it and try again."
	case KindServer:
		return "The AI service is having problems. Please try again later."
	case KindTimeout:
		return "The AI service took too long to answer. Please try again."
	case KindNetwork:
		return "The AI service could not be reached. Please try again later."
	case KindEmpty:
		return "The assistant returned an empty answer. Please rephrase your message."
	default:
		return "Sorry, something went wrong while generating a reply."
	}
}

// statusError maps an HTTP failure to the taxonomy. quotaCode marks a 429
// that reports exhausted credit rather than throttling.
func statusError(status int, header http.Header, quotaCode bool, cause error) *Error {
	e := &Error{StatusCode: status, Err: cause}
	if e.Err == nil {
		e.Err = errors.New(http.StatusText(status))
	}
	switch {
	case status == http.StatusTooManyRequests && quotaCode:
		e.Kind = KindQuotaExceeded
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = parseRetryAfter(header, time.Now())
	case status == http.StatusPaymentRequired:
		e.Kind = KindQuotaExceeded
	case status == http.StatusUnauthorized:
		e.Kind = KindUnauthorized
	case status == http.StatusForbidden:
		e.Kind = KindForbidden
	case status == http.StatusNotFound:
		e.Kind = KindModelNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e.Kind = KindTimeout
	case status >= 500:
		e.Kind = KindServer
		e.RetryAfter = parseRetryAfter(header, time.Now())
	default:
		e.Kind = KindBadRequest
	}
	return e
}

// transportError classifies a failure that produced no HTTP response.
func transportError(err error) *Error {
	var nerr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Err: err}
	case errors.As(err, &nerr) && nerr.Timeout():
		return &Error{Kind: KindTimeout, Err: err}
	default:
		return &Error{Kind: KindNetwork, Err: err}
	}
}

func parseRetryAfter(header http.Header, now time.Time) time.Duration {
	if header == nil {
		return 0
	}
	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func isQuotaCode(values ...string) bool {
	for _, v := range values {
		v = strings.ToLower(v)
		if strings.Contains(v, "insufficient_quota") || strings.Contains(v, "billing") || strings.Contains(v, "credit") {
			return true
		}
	}
	return false
}
