package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrNotFound   = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden  = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrConflict   = New("CONFLICT", http.StatusConflict, "conflict")
	ErrValidation = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal   = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")

	// Upload validation failures. Terminal: the quarantine artifact is deleted.
	ErrSizeExceeded        = New("SIZE_EXCEEDED", http.StatusRequestEntityTooLarge, "file exceeds the configured size limit")
	ErrInvalidMagicBytes   = New("INVALID_MAGIC_BYTES", http.StatusUnprocessableEntity, "file signature does not match an allowed type")
	ErrImageBombDetected   = New("IMAGE_BOMB", http.StatusUnprocessableEntity, "decompressed pixel ratio exceeds safe bounds")
	ErrDimensionOutOfRange = New("DIMENSION_OUT_OF_RANGE", http.StatusUnprocessableEntity, "image dimensions outside allowed range")

	// Security verdicts. Terminal, never retried. Callers get a generic message;
	// detail goes to the security log channel only.
	ErrVirusDetected     = New("VIRUS_DETECTED", http.StatusUnprocessableEntity, "file rejected")
	ErrSuspiciousPayload = New("SUSPICIOUS_PAYLOAD", http.StatusUnprocessableEntity, "file rejected")

	// Infrastructure transients. Retryable through the queue.
	ErrScannerTimeout     = New("SCANNER_TIMEOUT", http.StatusServiceUnavailable, "scanner did not respond in time")
	ErrScannerUnavailable = New("SCANNER_UNAVAILABLE", http.StatusServiceUnavailable, "scanner unavailable")

	// Pipeline state errors.
	ErrInvalidTransition = New("INVALID_TRANSITION", http.StatusConflict, "artifact state changed concurrently")
	ErrStaleMedia        = New("STALE_MEDIA", http.StatusConflict, "media superseded or removed")
	ErrTenantMismatch    = New("TENANT_MISMATCH", http.StatusUnprocessableEntity, "tenant context does not match original request")

	// Security-guard violations. Fatal, never silently continued.
	ErrPathEscape = New("PATH_ESCAPE", http.StatusInternalServerError, "resolved path escapes storage root")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// IsRetryable reports whether the error is an infrastructure transient that the
// queue's retry mechanism should handle. Validation failures and security
// verdicts are terminal.
func IsRetryable(err error) bool {
	e := FromError(err)
	switch e.Code {
	case ErrScannerTimeout.Code, ErrScannerUnavailable.Code:
		return true
	}
	return false
}

// IsSecurityVerdict reports whether the error is a terminal security verdict.
func IsSecurityVerdict(err error) bool {
	e := FromError(err)
	return e.Code == ErrVirusDetected.Code || e.Code == ErrSuspiciousPayload.Code
}
