package opencode

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies an API failure for retry decisions.
type ErrorKind string

const (
	ErrorKindConnection  ErrorKind = "connection"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindProtocol    ErrorKind = "protocol"
	ErrorKindUnavailable ErrorKind = "unavailable"
)

// APIError is returned by all Client calls that fail.
type APIError struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("opencode api %s (http %d): %s", e.Kind, e.Status, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("opencode api %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("opencode api %s: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsRetriable reports whether the error is a transient transport failure.
// Protocol errors (any HTTP status) are never retried by the client.
func IsRetriable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Kind {
	case ErrorKindConnection, ErrorKindTimeout, ErrorKindUnavailable:
		return true
	default:
		return false
	}
}

// IsAuthError reports whether the error carries an HTTP 401 or 403 status.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == 401 || apiErr.Status == 403
}

func classifyTransportError(err error) *APIError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Kind: ErrorKindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &APIError{Kind: ErrorKindTimeout, Err: err}
	}
	return &APIError{Kind: ErrorKindConnection, Err: err}
}
