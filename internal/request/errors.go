package request

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

var (
	// ErrInvalidRequest marks requests rejected before any work was scheduled.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrCancelled is carried by the response handed to consumption observers for cancelled requests.
	// Delegates never see it: cancellation is reported through its own callback.
	ErrCancelled = errors.New("request cancelled")
	// ErrNoBody is returned when decoding a response without a body.
	ErrNoBody = errors.New("response has no body")
	// ErrNoTransport is returned when a loader is built without a transport.
	ErrNoTransport = errors.New("no transport configured")
)

// HTTPError represents a server failure response with status details. It is set on
// responses whose status is retryable but whose retry budget is spent.
type HTTPError struct {
	StatusCode int
	Body       string
}

// maxErrorBody bounds the body excerpt kept on an HTTPError.
const maxErrorBody = 1024

// NewHTTPError builds the error delivered for a server failure that exhausted its retries.
func NewHTTPError(statusCode int, body []byte) *HTTPError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &HTTPError{StatusCode: statusCode, Body: strings.TrimSpace(string(body))}
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// AuthorisationError is delivered when no transport attempt could be made because
// the request could not be authorised.
type AuthorisationError struct {
	Authoriser string
	Err        error
}

func (e *AuthorisationError) Error() string {
	return fmt.Sprintf("authoriser %s: %v", e.Authoriser, e.Err)
}

func (e *AuthorisationError) Unwrap() error {
	return e.Err
}

// TransportError wraps a failure reported by the transport layer.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the wrapped failure is transient.
func (e *TransportError) Temporary() bool {
	return IsTransient(e.Err)
}

// IsTransient classifies network and transport failures worth retrying: timeouts,
// dropped or refused connections and resolver failures. Cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
