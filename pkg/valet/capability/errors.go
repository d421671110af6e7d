package capability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies capability failures for retry decisions.
type ErrorKind int

const (
	// KindTransient covers generic retryable failures (5xx, connection reset).
	KindTransient ErrorKind = iota

	// KindRateLimited is a 429 or equivalent. Retryable with backoff.
	KindRateLimited

	// KindTimeout is a deadline exceeded. Counts as transient for retry.
	KindTimeout

	// KindAuthRequired means the user must (re)authorize the capability.
	// Not retryable; surfaces as a one-time user-visible prompt.
	KindAuthRequired

	// KindMalformed means the capability answered but the payload could not
	// be parsed. Retried once by the adapter, then surfaced.
	KindMalformed

	// KindPermanent is everything else. Aborts the operation.
	KindPermanent
)

// String returns a short label for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindAuthRequired:
		return "auth_required"
	case KindMalformed:
		return "malformed"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Retryable reports whether the kind warrants another attempt.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited || k == KindTimeout
}

// Error is a classified capability failure.
type Error struct {
	Capability string
	Kind       ErrorKind
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s capability: %s: %s", e.Capability, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified capability error.
func NewError(capability string, kind ErrorKind, message string, err error) *Error {
	return &Error{Capability: capability, Kind: kind, Message: message, Err: err}
}

// KindOf extracts the ErrorKind from an error chain.
// Unclassified errors are treated as permanent.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindTransient
	}
	return KindPermanent
}

// IsRetryable reports whether the error warrants another attempt.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// IsAuthRequired reports whether the error demands user (re)authorization.
func IsAuthRequired(err error) bool {
	return KindOf(err) == KindAuthRequired
}

// classifyStatus maps an HTTP status and response body to an ErrorKind.
// The body check catches providers that wrap the real condition in a 200-ish
// envelope or a generic 400.
func classifyStatus(status int, body string) ErrorKind {
	lower := strings.ToLower(body)

	if status == 401 || status == 403 || strings.Contains(lower, "auth_required") {
		return KindAuthRequired
	}
	if status == 429 || strings.Contains(lower, "rate limit") || strings.Contains(lower, "rate_limited") {
		return KindRateLimited
	}
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") || strings.Contains(lower, "deadline") {
		return KindTimeout
	}
	if status >= 500 {
		return KindTransient
	}
	return KindPermanent
}
