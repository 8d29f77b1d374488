// Package errors provides standardized error handling for the HealthFund service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the HealthFund service.
type ErrorCode string

const (
	// Validation errors: malformed input caught at the edge, before any mutator runs
	HF_VALIDATION    ErrorCode = "HF_VALIDATION"    // General validation error
	HF_SCHEMA_REJECT ErrorCode = "HF_SCHEMA_REJECT" // Payload failed schema validation
	HF_BAD_REQUEST   ErrorCode = "HF_BAD_REQUEST"   // Bad request
	HF_BAD_ADDRESS   ErrorCode = "HF_BAD_ADDRESS"   // Malformed wallet address

	// Authentication/Authorization errors
	HF_AUTHN         ErrorCode = "HF_AUTHN"         // Authentication failed
	HF_AUTHZ         ErrorCode = "HF_AUTHZ"         // Caller lacks the required role
	HF_JWT_INVALID   ErrorCode = "HF_JWT_INVALID"   // Invalid JWT
	HF_JWT_EXPIRED   ErrorCode = "HF_JWT_EXPIRED"   // Expired JWT
	HF_JWT_MALFORMED ErrorCode = "HF_JWT_MALFORMED" // Malformed JWT

	// Resource errors
	HF_NOT_FOUND ErrorCode = "HF_NOT_FOUND" // Resource not found
	HF_CONFLICT  ErrorCode = "HF_CONFLICT"  // Resource already exists

	// Workflow errors: wrong state-machine state for the attempted transition
	HF_PRECONDITION   ErrorCode = "HF_PRECONDITION"   // State precondition violated
	HF_ALREADY_FUNDED ErrorCode = "HF_ALREADY_FUNDED" // Release attempted twice
	HF_NOT_VERIFIED   ErrorCode = "HF_NOT_VERIFIED"   // Verification flags incomplete
	HF_GOAL_EXCEEDED  ErrorCode = "HF_GOAL_EXCEEDED"  // Donation would overshoot the goal

	// Pinning boundary errors
	HF_PIN_CHECKSUM ErrorCode = "HF_PIN_CHECKSUM" // Content hash mismatch
	HF_PIN_SIZE     ErrorCode = "HF_PIN_SIZE"     // File size limit exceeded
	HF_PIN_TYPE     ErrorCode = "HF_PIN_TYPE"     // File type not allowed

	// Server errors
	HF_INTERNAL    ErrorCode = "HF_INTERNAL"    // Internal server error
	HF_UNAVAILABLE ErrorCode = "HF_UNAVAILABLE" // Ledger or pinning service unreachable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case HF_VALIDATION, HF_SCHEMA_REJECT, HF_BAD_REQUEST, HF_BAD_ADDRESS:
		return http.StatusBadRequest
	case HF_AUTHZ:
		return http.StatusForbidden
	case HF_AUTHN, HF_JWT_INVALID, HF_JWT_EXPIRED, HF_JWT_MALFORMED:
		return http.StatusUnauthorized
	case HF_NOT_FOUND:
		return http.StatusNotFound
	case HF_CONFLICT:
		return http.StatusConflict
	case HF_PRECONDITION, HF_ALREADY_FUNDED, HF_NOT_VERIFIED, HF_GOAL_EXCEEDED:
		return http.StatusUnprocessableEntity
	case HF_PIN_CHECKSUM, HF_PIN_SIZE, HF_PIN_TYPE:
		return http.StatusBadRequest
	case HF_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
