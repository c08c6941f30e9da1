// Package errors provides structured error types for the chat client core.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrConnection   = errors.New("channel connection failed")
	ErrFetch        = errors.New("fetch failed")
	ErrSend         = errors.New("message was not persisted")
	ErrValidation   = errors.New("invalid input")
	ErrAuthRequired = errors.New("authentication required")
	ErrAuthFailure  = errors.New("authentication failed")
	ErrTimeout      = errors.New("operation timed out")
	ErrRateLimit    = errors.New("rate limit exceeded")
	ErrNotFound     = errors.New("resource not found")
	ErrUnavailable  = errors.New("service unavailable")
)

// Kind is the user-facing failure category a notice is rendered for.
type Kind string

const (
	KindConnection Kind = "connection"
	KindFetch      Kind = "fetch"
	KindSend       Kind = "send"
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindUnknown    Kind = "unknown"
)

// APIError represents an error from a backend REST call.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// FromStatus builds an APIError wrapping the sentinel matching the HTTP status.
func FromStatus(service string, statusCode int, message string) *APIError {
	e := NewAPIError(service, statusCode, message)
	switch {
	case statusCode == 401 || statusCode == 403:
		e.Err = ErrAuthFailure
	case statusCode == 404:
		e.Err = ErrNotFound
	case statusCode == 429:
		e.Err = ErrRateLimit
	case statusCode >= 500:
		e.Err = ErrUnavailable
	}
	return e
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrUnavailable) || errors.Is(err, ErrConnection)
}

// Timeout converts a context deadline into ErrTimeout, leaving other errors untouched.
func Timeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// Classify maps an error onto the notice taxonomy. Auth problems win over the
// operation they happened in, since the user has to act on them first.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrAuthRequired), errors.Is(err, ErrAuthFailure):
		return KindAuth
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrSend):
		return KindSend
	case errors.Is(err, ErrFetch):
		return KindFetch
	case errors.Is(err, ErrConnection):
		return KindConnection
	}
	return KindUnknown
}
