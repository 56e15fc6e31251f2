package domain

import (
	"errors"
	"fmt"
)

// Application error codes
const (
	EINVALID      = "invalid"           // Invalid input or validation failure
	ENOTFOUND     = "not_found"         // Resource not found
	ERATELIMIT    = "rate_limit"        // Rate limit exceeded
	EINTERNAL     = "internal"          // Internal server error
	EFETCH        = "fetch_failed"      // Backend error during a paged fetch
	ESUBSCRIPTION = "subscription_lost" // Push channel dropped
	ESTALE        = "stale_data"        // Fallback polling keeps failing
	ECONFIG       = "configuration"     // Programming or configuration error
)

// Error represents an application error with structured information.
type Error struct {
	Code    string // Machine-readable error code
	Op      string // Operation that failed (e.g., "fetch.page")
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates a new Error with the given code, operation, and formatted message.
func Errorf(code, op, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, code, op, message string) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// ErrorCode returns the code of the root error, or EINTERNAL if none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return EINTERNAL
}

// ErrorMessage returns the human-readable message of the error.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		// For internal errors, return generic message
		if e.Code == EINTERNAL {
			return "An internal error occurred. Please try again later."
		}
		return e.Message
	}
	return "An internal error occurred. Please try again later."
}

// ErrorOp returns the operation of the root error, if any.
func ErrorOp(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// Convenience constructors for common error types

// NotFound creates a not found error.
func NotFound(op, resource, id string) *Error {
	return &Error{
		Code:    ENOTFOUND,
		Op:      op,
		Message: fmt.Sprintf("%s with ID %q not found", resource, id),
	}
}

// Invalid creates a validation error.
func Invalid(op, message string) *Error {
	return &Error{
		Code:    EINVALID,
		Op:      op,
		Message: message,
	}
}

// Internal creates an internal error, wrapping the underlying error.
func Internal(err error, op, message string) *Error {
	return &Error{
		Code:    EINTERNAL,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// RateLimit creates a rate limit error.
func RateLimit(op string) *Error {
	return &Error{
		Code:    ERATELIMIT,
		Op:      op,
		Message: "Too many requests. Please try again later.",
	}
}

// FetchFailed reports a network or backend failure during a paged fetch.
// The orchestration run that produced it is aborted.
func FetchFailed(op string, err error) *Error {
	return &Error{
		Code:    EFETCH,
		Op:      op,
		Message: "failed to refresh violations",
		Err:     err,
	}
}

// SubscriptionLost reports that the push channel dropped.
func SubscriptionLost(op string, err error) *Error {
	return &Error{
		Code:    ESUBSCRIPTION,
		Op:      op,
		Message: "real-time channel disconnected",
		Err:     err,
	}
}

// StaleData reports that fallback polling has failed repeatedly.
func StaleData(op string, failures int) *Error {
	return &Error{
		Code:    ESTALE,
		Op:      op,
		Message: fmt.Sprintf("data may be stale: %d consecutive refreshes failed", failures),
	}
}

// Configuration reports a programming or configuration mistake, such as a
// page size above the backend cap.
func Configuration(op, message string) *Error {
	return &Error{
		Code:    ECONFIG,
		Op:      op,
		Message: message,
	}
}
