package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP mapping and retry decisions.
type Kind string

const (
	KindBadRequest       Kind = "bad_request"
	KindUnauthorized     Kind = "unauthorized"
	KindTooManyRequests  Kind = "too_many_requests"
	KindUpstream         Kind = "upstream_error"
	KindDeadlineExceeded Kind = "deadline_exceeded"
	KindInternal         Kind = "internal_error"
	KindSerialization    Kind = "serialization_error"
)

// AppError is the single error type crossing component boundaries.
type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewBadRequest creates a validation or malformed-input error.
func NewBadRequest(message string) *AppError {
	return &AppError{Kind: KindBadRequest, Message: message}
}

// NewBadRequestf creates a BadRequest with a formatted message.
func NewBadRequestf(format string, args ...interface{}) *AppError {
	return &AppError{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

// NewUnauthorized creates an auth failure error.
func NewUnauthorized(message string) *AppError {
	return &AppError{Kind: KindUnauthorized, Message: message}
}

// NewTooManyRequests creates a rate-limit denial error.
func NewTooManyRequests(message string) *AppError {
	return &AppError{Kind: KindTooManyRequests, Message: message}
}

// NewUpstream creates an error for non-2xx or unreachable backends.
func NewUpstream(message string) *AppError {
	return &AppError{Kind: KindUpstream, Message: message}
}

// NewUpstreamWithCause wraps a transport error as Upstream.
func NewUpstreamWithCause(message string, cause error) *AppError {
	return &AppError{Kind: KindUpstream, Message: message, Err: cause}
}

// NewDeadlineExceeded creates an error for requests that ran out of budget.
func NewDeadlineExceeded(message string) *AppError {
	return &AppError{Kind: KindDeadlineExceeded, Message: message}
}

// NewInternal creates an error for build failures and unclassified I/O.
func NewInternal(message string) *AppError {
	return &AppError{Kind: KindInternal, Message: message}
}

// NewInternalWithCause wraps a cause as Internal.
func NewInternalWithCause(message string, cause error) *AppError {
	return &AppError{Kind: KindInternal, Message: message, Err: cause}
}

// NewSerialization creates an error for body encode/decode failures.
func NewSerialization(message string) *AppError {
	return &AppError{Kind: KindSerialization, Message: message}
}

// NewSerializationWithCause wraps a decode error as Serialization.
func NewSerializationWithCause(message string, cause error) *AppError {
	return &AppError{Kind: KindSerialization, Message: message, Err: cause}
}

// Wrap attaches a kind and message to an existing error.
func Wrap(err error, kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors
// report KindInternal.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// HTTPStatus maps a kind to its outward HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	case KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// IsBadRequest reports whether err carries KindBadRequest.
func IsBadRequest(err error) bool {
	return KindOf(err) == KindBadRequest
}

// IsUpstream reports whether err carries KindUpstream.
func IsUpstream(err error) bool {
	return KindOf(err) == KindUpstream
}

// IsTooManyRequests reports whether err carries KindTooManyRequests.
func IsTooManyRequests(err error) bool {
	return KindOf(err) == KindTooManyRequests
}

// Retryable reports whether a failed upstream call may be retried.
// Validation and auth failures are final; transport-level upstream
// failures, deadline pressure aside, are retry candidates.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstream, KindTooManyRequests:
		return true
	default:
		return false
	}
}
