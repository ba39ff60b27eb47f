// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeConnection
	ErrTypeTimeout
	ErrTypeHTTPStatus
	ErrTypeInvalidResponse
	ErrTypeCanceled
)

// String returns the error type name used in logs.
func (t ErrorType) String() string {
	switch t {
	case ErrTypeConnection:
		return "connection"
	case ErrTypeTimeout:
		return "timeout"
	case ErrTypeHTTPStatus:
		return "http_status"
	case ErrTypeInvalidResponse:
		return "invalid_response"
	case ErrTypeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// APIError represents an error from the backend client.
type APIError struct {
	Type       ErrorType
	StatusCode int // set for ErrTypeHTTPStatus
	Message    string
	Cause      error
}

func (e *APIError) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// Is matches sentinel APIErrors by type, so errors.Is(err, ErrNotFound)
// works for any 404.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	if t.StatusCode != 0 {
		return e.StatusCode == t.StatusCode
	}
	return t.Type == e.Type
}

var (
	// ErrNotFound matches any 404 response.
	ErrNotFound = &APIError{Type: ErrTypeHTTPStatus, StatusCode: 404, Message: "not found"}

	// ErrUnavailable matches any 503 response (e.g. session store offline).
	ErrUnavailable = &APIError{Type: ErrTypeHTTPStatus, StatusCode: 503, Message: "service unavailable"}

	// ErrTimeout matches any timeout, including stream inactivity.
	ErrTimeout = &APIError{Type: ErrTypeTimeout, Message: "request timed out"}

	// ErrConnection matches any failure to reach the server.
	ErrConnection = &APIError{Type: ErrTypeConnection, Message: "connection failed"}
)

// errIdleTimeout is the cancellation cause set by the stream inactivity timer.
var errIdleTimeout = errors.New("no data received within the stream idle timeout")

// classifyTransportError maps an http.Client error to an APIError.
func classifyTransportError(ctx context.Context, op string, err error) *APIError {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, errIdleTimeout):
			return &APIError{Type: ErrTypeTimeout, Message: op + " timed out", Cause: cause}
		case errors.Is(cause, context.DeadlineExceeded):
			return &APIError{Type: ErrTypeTimeout, Message: op + " timed out", Cause: err}
		default:
			return &APIError{Type: ErrTypeCanceled, Message: op + " canceled", Cause: err}
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &APIError{Type: ErrTypeTimeout, Message: op + " timed out", Cause: err}
	}
	return &APIError{Type: ErrTypeConnection, Message: op + " failed", Cause: err}
}
