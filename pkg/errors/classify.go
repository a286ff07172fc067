package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// RemoteError carries the HTTP status of a failed remote call so callers can
// classify it without parsing message text.
type RemoteError struct {
	Service    string
	StatusCode int
	Body       string
}

// Error implements the error interface
func (e *RemoteError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s returned status %d: %s", e.Service, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s returned status %d", e.Service, e.StatusCode)
}

// NewRemoteError creates a RemoteError for a non-2xx response from a collaborator
func NewRemoteError(service string, statusCode int, body string) *RemoteError {
	return &RemoteError{Service: service, StatusCode: statusCode, Body: body}
}

// IsRetryable reports whether an error is worth retrying. Network resets and
// timeouts, HTTP 429 and 5xx responses are transient; everything else is
// treated as permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Cancellation is the caller's decision, never retried
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCanceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		if remoteErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return remoteErr.StatusCode >= 500 && remoteErr.StatusCode < 600
	}

	return false
}
