// Package apierror defines unified error types for API request operations.
// All transport and service failures are mapped to these standard kinds,
// which drive retry decisions and user-facing messaging.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an API error into one of a fixed set of categories.
type Kind string

// Error kinds as constants for consistency.
const (
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindRateLimit  Kind = "rate_limit"
	KindAuth       Kind = "auth"
	KindPermission Kind = "permission"
	KindNotFound   Kind = "not_found"
	KindBadRequest Kind = "bad_request"
	KindServer     Kind = "server"
	KindUnknown    Kind = "unknown"
)

// Error represents a classified failure from the request layer.
// It contains all necessary information for retry handling, logging,
// and uniform client messaging.
type Error struct {
	Kind       Kind   `json:"kind"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message"`
	Service    string `json:"service,omitempty"`
	Details    any    `json:"details,omitempty"`
	Cause      error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%s] %s (service=%s, status=%d)", e.Kind, e.Message, e.Service, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s (service=%s)", e.Kind, e.Message, e.Service)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the error is safe to retry automatically.
// Network failures, timeouts, rate limits, and 5xx server responses are
// retryable; everything else requires caller intervention.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindRateLimit:
		return true
	case KindServer:
		return e.StatusCode >= http.StatusInternalServerError
	default:
		return false
	}
}

// New creates a classified error.
func New(kind Kind, service, message string) *Error {
	return &Error{Kind: kind, Service: service, Message: message}
}

// Wrap creates a classified error with an underlying cause.
func Wrap(kind Kind, service, message string, cause error) *Error {
	return &Error{Kind: kind, Service: service, Message: message, Cause: cause}
}

// FromStatus maps a non-success HTTP status code to a classified error.
// 401 -> auth, 403 -> permission, 404 -> not_found, 429 -> rate_limit,
// other 4xx -> bad_request, 5xx -> server.
func FromStatus(status int, service, message string) *Error {
	e := &Error{StatusCode: status, Service: service, Message: message}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindAuth
	case status == http.StatusForbidden:
		e.Kind = KindPermission
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
	case status >= 400 && status < 500:
		e.Kind = KindBadRequest
	case status >= 500:
		e.Kind = KindServer
	default:
		e.Kind = KindUnknown
	}
	return e
}

// AsError extracts a classified error from an error chain.
// Returns nil if the chain contains no *Error.
func AsError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind Kind) bool {
	if apiErr := AsError(err); apiErr != nil {
		return apiErr.Kind == kind
	}
	return false
}
