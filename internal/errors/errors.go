package errors

import (
	"net/http"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Authentication errors (401xx)
	ErrUnauthorized ErrorCode = "40101"

	// Authorization errors (403xx)
	ErrForbidden   ErrorCode = "40301"
	ErrNotApproved ErrorCode = "40302"
	ErrBlocked     ErrorCode = "40303"

	// Request errors (400xx)
	ErrInvalidInput ErrorCode = "40001"

	// Payment errors (402xx)
	ErrInsufficientCredits ErrorCode = "40201"

	// Resource errors (404xx)
	ErrNotFound ErrorCode = "40401"

	// Conflict errors (409xx)
	ErrConflict    ErrorCode = "40901"
	ErrAlreadyUsed ErrorCode = "40902"

	// Gone errors (410xx)
	ErrExpired          ErrorCode = "41001"
	ErrAlreadyRetrieved ErrorCode = "41002"

	// Rate limit errors (429xx)
	ErrRateLimited ErrorCode = "42901"

	// Server errors (500xx)
	ErrInternalServer      ErrorCode = "50001"
	ErrUpstreamUnavailable ErrorCode = "50301"
	ErrDisabled            ErrorCode = "50302"
)

// APIError represents a standardized API error
type APIError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Details    any       `json:"details,omitempty"`
	Retryable  bool      `json:"retryable,omitempty"`
	HTTPStatus int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// ErrorResponse represents the error response format
type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id"`
}

// Common errors
var (
	ErrUnauthorizedError = &APIError{
		Code:       ErrUnauthorized,
		Message:    "Invalid or missing credentials",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrNotApprovedError = &APIError{
		Code:       ErrNotApproved,
		Message:    "Account not approved. Please wait for beta access.",
		HTTPStatus: http.StatusForbidden,
	}

	ErrBlockedError = &APIError{
		Code:       ErrBlocked,
		Message:    "Account has been suspended.",
		HTTPStatus: http.StatusForbidden,
	}

	ErrForbiddenError = &APIError{
		Code:       ErrForbidden,
		Message:    "Access denied",
		HTTPStatus: http.StatusForbidden,
	}

	ErrNotFoundError = &APIError{
		Code:       ErrNotFound,
		Message:    "Resource not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrExpiredError = &APIError{
		Code:       ErrExpired,
		Message:    "Expired",
		HTTPStatus: http.StatusGone,
	}

	ErrRateLimitedError = &APIError{
		Code:       ErrRateLimited,
		Message:    "Rate limit exceeded",
		Retryable:  true,
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrInternalServerError = &APIError{
		Code:       ErrInternalServer,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrDisabledError = &APIError{
		Code:       ErrDisabled,
		Message:    "Generation is temporarily disabled.",
		HTTPStatus: http.StatusServiceUnavailable,
	}
)

// NewInvalidInputError creates a malformed-request error
func NewInvalidInputError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidInput,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInsufficientCreditsError carries the current balance and required cost so
// the client can prompt a purchase.
func NewInsufficientCreditsError(creditsRemaining, creditCost int) *APIError {
	return &APIError{
		Code:    ErrInsufficientCredits,
		Message: "Insufficient credits",
		Details: map[string]int{
			"credits_remaining": creditsRemaining,
			"credit_cost":       creditCost,
		},
		HTTPStatus: http.StatusPaymentRequired,
	}
}

// NewConflictError creates a conflict error with a custom message
func NewConflictError(message string) *APIError {
	return &APIError{
		Code:       ErrConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// NewUpstreamError maps a provider failure; retryable failures carry a flag so
// the client knows a manual retry will not be double-charged.
func NewUpstreamError(message string, retryable bool) *APIError {
	status := http.StatusBadGateway
	if retryable {
		status = http.StatusServiceUnavailable
	}
	return &APIError{
		Code:       ErrUpstreamUnavailable,
		Message:    message,
		Retryable:  retryable,
		HTTPStatus: status,
	}
}
