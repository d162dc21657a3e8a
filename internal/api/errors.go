package api

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/account-aggregator/internal/errors"
	"github.com/account-aggregator/internal/service"
	"github.com/account-aggregator/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// Common error codes. Provider failures surface only classified kinds,
// never raw provider codes.
const (
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeTooManyRequests = "TOO_MANY_REQUESTS"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// respondError sends an error response carrying the request ID.
func respondError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:      code,
			Message:   message,
			RequestID: RequestIDFromContext(r.Context()),
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses a JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// kindCodes maps classified error kinds onto wire error codes.
var kindCodes = map[apperrors.ErrorKind]string{
	apperrors.KindAuthExpired:         "AUTH_EXPIRED",
	apperrors.KindNotRegistered:       "NOT_REGISTERED",
	apperrors.KindUserMismatch:        "USER_MISMATCH",
	apperrors.KindRateLimited:         "RATE_LIMITED",
	apperrors.KindConnectionDisabled:  "CONNECTION_DISABLED",
	apperrors.KindNotFound:            "NOT_FOUND",
	apperrors.KindProviderUnavailable: "PROVIDER_UNAVAILABLE",
	apperrors.KindUnknown:             "UNKNOWN",
}

// kindStatuses maps classified error kinds onto HTTP statuses.
var kindStatuses = map[apperrors.ErrorKind]int{
	apperrors.KindAuthExpired:         http.StatusUnauthorized,
	apperrors.KindNotRegistered:       http.StatusNotFound,
	apperrors.KindUserMismatch:        http.StatusConflict,
	apperrors.KindRateLimited:         http.StatusTooManyRequests,
	apperrors.KindConnectionDisabled:  http.StatusForbidden,
	apperrors.KindNotFound:            http.StatusNotFound,
	apperrors.KindProviderUnavailable: http.StatusBadGateway,
	apperrors.KindUnknown:             http.StatusInternalServerError,
}

// mapServiceError maps service errors to HTTP status, code, and message.
func mapServiceError(err error) (int, string, string) {
	var cerr *service.ClassifiedError
	if errors.As(err, &cerr) {
		status, ok := kindStatuses[cerr.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		return status, kindCodes[cerr.Kind], cerr.Message
	}

	switch {
	case errors.Is(err, service.ErrUnknownProvider):
		return http.StatusBadRequest, ErrCodeInvalidInput, "Unknown provider"
	case errors.Is(err, service.ErrNoCredentials):
		return http.StatusNotFound, kindCodes[apperrors.KindNotRegistered], "No credentials registered for this provider"
	case errors.Is(err, service.ErrAccountNotFound):
		return http.StatusNotFound, ErrCodeNotFound, "Account not found"
	case errors.Is(err, service.ErrNoSession):
		return http.StatusNotFound, ErrCodeNotFound, "No troubleshooting session; run diagnostics first"
	case errors.Is(err, service.ErrIssueNotFound):
		return http.StatusNotFound, ErrCodeNotFound, "Issue not found"
	case errors.Is(err, service.ErrActionNotFound):
		return http.StatusNotFound, ErrCodeNotFound, "Repair action not found"
	case errors.Is(err, service.ErrStepNotFound):
		return http.StatusNotFound, ErrCodeNotFound, "Repair step not found"
	case errors.Is(err, service.ErrActionAbandoned):
		return http.StatusConflict, ErrCodeConflict, "This repair was abandoned"
	case errors.Is(err, service.ErrStepNotConfirmable):
		return http.StatusConflict, ErrCodeConflict, "This step is not awaiting confirmation"
	}

	// Anything unexpected stays opaque to the client.
	return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred"
}
