package metrics

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"strconv"
	"syscall"

	"github.com/torosent/dataloader/internal/request"
)

// ErrorCategory returns the label a failed response's error is counted under.
func ErrorCategory(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, request.ErrCancelled) {
		return "Cancelled"
	}

	var authErr *request.AuthorisationError
	if errors.As(err, &authErr) {
		return "Authorisation failed"
	}

	var httpErr *request.HTTPError
	if errors.As(err, &httpErr) {
		return "HTTP " + strconv.Itoa(httpErr.StatusCode)
	}

	var transportErr *request.TransportError
	if errors.As(err, &transportErr) {
		if cause := causeCategory(transportErr.Err); cause != "" {
			return cause
		}
		switch transportErr.Op {
		case "create", "build":
			return "Request setup failed"
		case "connect":
			return "Connection failed"
		case "read":
			return "Response read failed"
		}
		return "Transport error"
	}

	if cause := causeCategory(err); cause != "" {
		return cause
	}
	return "Other error"
}

func causeCategory(err error) string {
	var (
		dnsErr  *net.DNSError
		certErr *tls.CertificateVerificationError
		unknown x509.UnknownAuthorityError
		netErr  net.Error
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.As(err, &dnsErr):
		return "DNS lookup failed"
	case errors.As(err, &certErr), errors.As(err, &unknown):
		return "TLS verification failed"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "Connection refused"
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return "Connection reset"
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return "Connection closed"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "Timeout"
	}
	return ""
}
