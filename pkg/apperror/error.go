package apperror

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies an error for retry and reporting decisions.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindSourceAcquisition   Kind = "source_acquisition"
	KindTransientExternal   Kind = "transient_external"
	KindPermanentExternal   Kind = "permanent_external"
	KindPersistenceConflict Kind = "persistence_conflict"
	KindTimeout             Kind = "timeout"
	KindCancelled           Kind = "cancelled"
	KindInternal            Kind = "internal"
)

// Error represents an application error with a classification kind
type Error struct {
	Kind     Kind
	Code     string
	Message  string
	Internal error
	Details  map[string]any
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the internal error
func (e *Error) Unwrap() error {
	return e.Internal
}

// Retryable reports whether the error is worth retrying.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransientExternal || e.Kind == KindTimeout
}

// WithInternal returns a copy of the error with an internal error attached
func (e *Error) WithInternal(err error) *Error {
	return &Error{
		Kind:     e.Kind,
		Code:     e.Code,
		Message:  e.Message,
		Internal: err,
		Details:  e.Details,
	}
}

// WithMessage returns a copy of the error with a custom message
func (e *Error) WithMessage(message string) *Error {
	return &Error{
		Kind:     e.Kind,
		Code:     e.Code,
		Message:  message,
		Internal: e.Internal,
		Details:  e.Details,
	}
}

// WithDetails returns a copy of the error with details attached
func (e *Error) WithDetails(details map[string]any) *Error {
	return &Error{
		Kind:     e.Kind,
		Code:     e.Code,
		Message:  e.Message,
		Internal: e.Internal,
		Details:  details,
	}
}

// New creates a new application error
func New(kind Kind, code, message string) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

// Common error definitions
var (
	// Input errors
	ErrInvalidInput    = New(KindInvalidInput, "invalid_input", "Invalid input")
	ErrUnsupportedMime = New(KindInvalidInput, "unsupported_mime", "Unsupported content type")
	ErrFileTooLarge    = New(KindInvalidInput, "file_too_large", "File exceeds the maximum allowed size")
	ErrEmptyContent    = New(KindInvalidInput, "empty_content", "Content is empty")

	// Source acquisition errors
	ErrFetchFailed     = New(KindSourceAcquisition, "fetch_failed", "Failed to fetch source")
	ErrTooManyRedirect = New(KindSourceAcquisition, "too_many_redirects", "Redirect limit exceeded")

	// External provider errors
	ErrProviderTransient = New(KindTransientExternal, "provider_transient", "External provider temporarily unavailable")
	ErrProviderPermanent = New(KindPermanentExternal, "provider_permanent", "External provider rejected the request")
	ErrRateLimited       = New(KindTransientExternal, "rate_limited", "External provider rate limit hit")

	// Persistence errors
	ErrPersistenceConflict = New(KindPersistenceConflict, "persistence_conflict", "Conflicting write to the store")

	// Lifecycle errors
	ErrTimeout   = New(KindTimeout, "timeout", "Operation timed out")
	ErrCancelled = New(KindCancelled, "cancelled", "Operation was cancelled")

	// Server errors
	ErrInternal = New(KindInternal, "internal_error", "An internal error occurred")
	ErrDatabase = New(KindInternal, "database_error", "Database operation failed")
)

// KindOf extracts the classification kind from an error chain. Unclassified
// errors report KindInternal; context errors map to cancelled/timeout.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Retryable reports whether an arbitrary error should be retried. Classified
// errors decide through their kind; for the rest a few well-known transient
// shapes (network timeouts, rate-limit messages) are recognized.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Retryable()
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "too many requests", "unavailable", "connection reset", "connection refused", "429", "502", "503", "504"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// FromStatusCode classifies an HTTP status from an external provider.
func FromStatusCode(status int) *Error {
	switch {
	case status == 429:
		return ErrRateLimited.WithDetails(map[string]any{"status": status})
	case status >= 500:
		return ErrProviderTransient.WithDetails(map[string]any{"status": status})
	case status >= 400:
		return ErrProviderPermanent.WithDetails(map[string]any{"status": status})
	default:
		return nil
	}
}

// NewInvalidInput creates an invalid input error with a custom message
func NewInvalidInput(message string) *Error {
	return ErrInvalidInput.WithMessage(message)
}

// NewInternal creates an internal error with a message and optional wrapped error
func NewInternal(message string, err error) *Error {
	return &Error{
		Kind:     KindInternal,
		Code:     "internal_error",
		Message:  message,
		Internal: err,
	}
}

// NewTimeout creates a timeout error naming the operation that overran
func NewTimeout(operation string) *Error {
	return ErrTimeout.WithMessage(fmt.Sprintf("%s timed out", operation))
}
