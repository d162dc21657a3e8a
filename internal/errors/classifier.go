package errors

import (
	"strings"
)

// Classification is the normalized result of classifying a raw provider
// error: a kind from the fixed taxonomy, the action the caller should take,
// and a fixed user-facing message that never echoes provider text.
type Classification struct {
	Kind        ErrorKind `json:"kind"`
	Action      Action    `json:"action"`
	UserMessage string    `json:"userMessage"`
}

// Fixed user-facing messages per kind. Raw provider strings are logged
// internally with a request ID but never surfaced through these.
var userMessages = map[ErrorKind]string{
	KindAuthExpired:         "Your connection has expired. Please re-register to continue.",
	KindNotRegistered:       "This account is not registered yet. Please complete registration.",
	KindUserMismatch:        "This connection belongs to a different user. Please re-register.",
	KindRateLimited:         "The provider is busy. Please wait a moment and try again.",
	KindConnectionDisabled:  "This connection is disabled. Please reconnect your account.",
	KindNotFound:            "The requested data was not found. Please try again.",
	KindProviderUnavailable: "The provider is temporarily unavailable. Please try again shortly.",
	KindUnknown:             "Something went wrong. Please try again.",
}

// Generic permission message for a plain 403 with no disabled/connection text.
const permissionDeniedMessage = "We don't have permission to access this account. Please reconnect."

var kindActions = map[ErrorKind]Action{
	KindAuthExpired:         ActionRegister,
	KindNotRegistered:       ActionRegister,
	KindUserMismatch:        ActionRegister,
	KindRateLimited:         ActionBackoff,
	KindConnectionDisabled:  ActionReconnect,
	KindNotFound:            ActionRetry,
	KindProviderUnavailable: ActionRetry,
	KindUnknown:             ActionRetry,
}

// Substrings that identify an auth/signature failure on a 401. Some
// providers overload 401, so the text match runs before any status rule.
var authFailureMarkers = []string{
	"unable to verify signature",
	"signature",
	"token expired",
	"expired",
	"invalid credentials",
	"authorization",
}

// Substrings that identify a disabled connection on a 403.
var disabledMarkers = []string{
	"disabled",
	"connection",
	"deactivated",
}

// Raw codes some providers use instead of (or alongside) HTTP statuses.
var rawCodeKinds = map[string]ErrorKind{
	"NOT_REGISTERED": KindNotRegistered,
	"USER_MISMATCH":  KindUserMismatch,
	"1010":           KindNotRegistered,
	"1083":           KindUserMismatch,
}

// Classify maps a raw provider error to its normalized classification.
// It is a pure function: same input, same output, no side effects.
//
// Rules apply in priority order because providers overload single HTTP
// statuses for multiple semantic failures; message and raw-code checks must
// run before status-only fallbacks.
func Classify(err *ProviderError) Classification {
	if err == nil {
		return classification(KindUnknown)
	}

	msg := strings.ToLower(err.Message)

	// Rule 1: signature/auth failure text on a 401.
	if err.HTTPStatus == 401 && containsAny(msg, authFailureMarkers) {
		return classification(KindAuthExpired)
	}

	// Rule 2/3: explicit provider codes before status fallbacks.
	if kind, ok := rawCodeKinds[err.RawCode]; ok {
		return classification(kind)
	}
	if err.HTTPStatus == 428 {
		return classification(KindNotRegistered)
	}
	if err.HTTPStatus == 409 {
		return classification(KindUserMismatch)
	}

	// Rule 4: throttling.
	if err.HTTPStatus == 429 {
		return classification(KindRateLimited)
	}

	// Rule 5: disabled connection vs generic permission failure.
	if err.HTTPStatus == 403 {
		c := classification(KindConnectionDisabled)
		if !containsAny(msg, disabledMarkers) {
			c.UserMessage = permissionDeniedMessage
		}
		return c
	}

	// Rule 6: missing resource.
	if err.HTTPStatus == 404 {
		return classification(KindNotFound)
	}

	// Rule 7: provider-side failure.
	if err.HTTPStatus >= 500 && err.HTTPStatus <= 599 {
		return classification(KindProviderUnavailable)
	}

	// Rule 8: everything else, including bare 401s and transport failures.
	return classification(KindUnknown)
}

// ClassificationFor returns the fixed classification for a kind, for
// callers that synthesize a finding without a concrete provider error.
// Unrecognized kinds fall back to Unknown.
func ClassificationFor(kind ErrorKind) Classification {
	if _, ok := kindActions[kind]; !ok {
		kind = KindUnknown
	}
	return classification(kind)
}

func classification(kind ErrorKind) Classification {
	return Classification{
		Kind:        kind,
		Action:      kindActions[kind],
		UserMessage: userMessages[kind],
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Retryable reports whether the classified failure may be retried
// automatically. Auth-class failures are never retried; they surface
// immediately with a register/reconnect action.
func (c Classification) Retryable() bool {
	switch c.Kind {
	case KindRateLimited, KindNotFound, KindProviderUnavailable, KindUnknown:
		return true
	default:
		return false
	}
}

// RequiresCredentialInvalidation reports whether the locally cached
// credential should be dropped so a subsequent call does not repeat the
// same failure.
func (c Classification) RequiresCredentialInvalidation() bool {
	switch c.Kind {
	case KindAuthExpired, KindNotRegistered, KindUserMismatch:
		return true
	default:
		return false
	}
}
