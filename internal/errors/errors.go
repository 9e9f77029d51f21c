// internal/errors/errors.go
// Package errors provides standardized error handling for the Photonic agent.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the agent.
type ErrorCode string

const (
	// Authentication errors
	PH_AUTH        ErrorCode = "PH_AUTH"        // Credentials rejected by the PACS
	PH_AUTH_LOCKED ErrorCode = "PH_AUTH_LOCKED" // Rate limited; account may be locked, halt automatic retry

	// Per-study data-integrity guards
	PH_INVALID_STUDY     ErrorCode = "PH_INVALID_STUDY"     // Record has no usable external identifier
	PH_RESOLUTION_FAILED ErrorCode = "PH_RESOLUTION_FAILED" // Remote returned an empty internal identifier
	PH_PATIENT_MISMATCH  ErrorCode = "PH_PATIENT_MISMATCH"  // Resolved patient name does not match the local record

	// Transient infrastructure errors
	PH_FETCH_FAILED        ErrorCode = "PH_FETCH_FAILED"        // Archive fetch returned a non-success response
	PH_STORAGE_UNAVAILABLE ErrorCode = "PH_STORAGE_UNAVAILABLE" // Underlying storage is unreachable

	// Payload errors
	PH_DECRYPTION ErrorCode = "PH_DECRYPTION" // Ciphertext/key/IV tuple is inconsistent or tampered

	// Resource errors
	PH_NOT_FOUND ErrorCode = "PH_NOT_FOUND" // Record or blob does not exist
	PH_CONFLICT  ErrorCode = "PH_CONFLICT"  // Stale optimistic-concurrency version

	// Control-surface errors
	PH_BUSY           ErrorCode = "PH_BUSY"           // Another manual operation is in flight
	PH_EMERGENCY_STOP ErrorCode = "PH_EMERGENCY_STOP" // Kill switch engaged, downloads short-circuit
	PH_VALIDATION     ErrorCode = "PH_VALIDATION"     // Malformed request or settings

	// Server errors
	PH_INTERNAL ErrorCode = "PH_INTERNAL" // Internal agent error
)

// Error represents a standardized error value carrying a code, a
// human-readable message, and a correlation ID for tracing.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId,omitempty"`
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

// Newf creates a new Error with a formatted message and no correlation ID.
// The correlation ID is filled in at the boundary that reports the error.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...), "")
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is an *Error with the same code, so callers can
// match on taxonomy codes with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf returns the taxonomy code of err, unwrapping as needed, or
// PH_INTERNAL when err does not carry one.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return PH_INTERNAL
}

// Retryable reports whether the error class is worth an explicit user retry.
// Auth lockouts and data-integrity guards are not retried blindly.
func Retryable(code ErrorCode) bool {
	switch code {
	case PH_FETCH_FAILED, PH_STORAGE_UNAVAILABLE, PH_DECRYPTION:
		return true
	}
	return false
}

// httpStatusCodeForCode maps error codes to HTTP status codes for the
// control API.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case PH_VALIDATION, PH_INVALID_STUDY:
		return http.StatusBadRequest
	case PH_AUTH:
		return http.StatusUnauthorized
	case PH_AUTH_LOCKED:
		return http.StatusTooManyRequests
	case PH_NOT_FOUND:
		return http.StatusNotFound
	case PH_CONFLICT, PH_BUSY:
		return http.StatusConflict
	case PH_PATIENT_MISMATCH, PH_RESOLUTION_FAILED, PH_EMERGENCY_STOP:
		return http.StatusUnprocessableEntity
	case PH_FETCH_FAILED:
		return http.StatusBadGateway
	case PH_STORAGE_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
