// Package errors defines the normalized error taxonomy for provider failures.
// Raw provider codes and messages never cross the service boundary; they are
// classified here into a fixed set of kinds, each paired with an action the
// caller (or end user) can take.
package errors

import (
	"fmt"
	"time"

	"github.com/account-aggregator/internal/types"
)

// ErrorKind represents a normalized failure category.
type ErrorKind string

const (
	// KindAuthExpired means the provider rejected the credential signature or token
	KindAuthExpired ErrorKind = "AUTH_EXPIRED"
	// KindNotRegistered means the user is not registered with the provider
	KindNotRegistered ErrorKind = "NOT_REGISTERED"
	// KindUserMismatch means the credential belongs to a different provider user
	KindUserMismatch ErrorKind = "USER_MISMATCH"
	// KindRateLimited means the provider throttled the request
	KindRateLimited ErrorKind = "RATE_LIMITED"
	// KindConnectionDisabled means the provider connection is disabled or lacks permission
	KindConnectionDisabled ErrorKind = "CONNECTION_DISABLED"
	// KindNotFound means the requested resource does not exist at the provider
	KindNotFound ErrorKind = "NOT_FOUND"
	// KindProviderUnavailable means the provider returned a server-side failure
	KindProviderUnavailable ErrorKind = "PROVIDER_UNAVAILABLE"
	// KindUnknown means the failure matched no known pattern
	KindUnknown ErrorKind = "UNKNOWN"
)

// Kinds lists every ErrorKind in a stable order.
func Kinds() []ErrorKind {
	return []ErrorKind{
		KindAuthExpired,
		KindNotRegistered,
		KindUserMismatch,
		KindRateLimited,
		KindConnectionDisabled,
		KindNotFound,
		KindProviderUnavailable,
		KindUnknown,
	}
}

// Action represents what the caller should do about a classified failure.
type Action string

const (
	// ActionRegister means the user must (re-)register with the provider
	ActionRegister Action = "register"
	// ActionReconnect means the user must reconnect the account link
	ActionReconnect Action = "reconnect"
	// ActionRetry means the operation may be retried after a short wait
	ActionRetry Action = "retry"
	// ActionBackoff means retries must go through the backoff controller
	ActionBackoff Action = "backoff"
)

// ProviderError is the typed error returned by a provider adapter. It holds
// the raw provider vocabulary (code, HTTP status, message) for internal
// logging plus any rate-limit signal the provider supplied. It is never
// serialized to API callers.
type ProviderError struct {
	Provider   types.Provider
	Operation  string
	RawCode    string
	HTTPStatus int
	Message    string

	// RetryAfter is the provider-supplied wait, zero when absent.
	RetryAfter time.Duration
	// RemainingQuota is the provider-supplied quota counter, -1 when absent.
	RemainingQuota int

	Cause error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %s [%d %s] (caused by: %v)",
			e.Provider, e.Operation, e.Message, e.HTTPStatus, e.RawCode, e.Cause)
	}
	return fmt.Sprintf("%s %s: %s [%d %s]", e.Provider, e.Operation, e.Message, e.HTTPStatus, e.RawCode)
}

// Unwrap returns the underlying cause
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a ProviderError with no quota signal.
func NewProviderError(provider types.Provider, operation, rawCode string, httpStatus int, message string) *ProviderError {
	return &ProviderError{
		Provider:       provider,
		Operation:      operation,
		RawCode:        rawCode,
		HTTPStatus:     httpStatus,
		Message:        message,
		RemainingQuota: -1,
	}
}

// NewTransportError wraps a transport-level failure (connection refused,
// timeout) that never produced a provider response.
func NewTransportError(provider types.Provider, operation string, cause error) *ProviderError {
	return &ProviderError{
		Provider:       provider,
		Operation:      operation,
		RawCode:        "TRANSPORT",
		HTTPStatus:     0,
		Message:        "transport failure",
		RemainingQuota: -1,
		Cause:          cause,
	}
}
