package transport

import (
	"crypto/tls"
	"io"
	"net/http"

	"github.com/torosent/dataloader/internal/request"
)

// Disposition tells the transport how to continue after the response head.
type Disposition int

const (
	DispositionAllow Disposition = iota
	DispositionConvertToDownload
	DispositionCancel
)

func (d Disposition) String() string {
	switch d {
	case DispositionConvertToDownload:
		return "convert_to_download"
	case DispositionCancel:
		return "cancel"
	default:
		return "allow"
	}
}

// Events receives the progress of one task. A task never calls Events
// concurrently and calls CompleteWithError exactly once.
type Events interface {
	ReceiveResponse(statusCode int, headers http.Header) Disposition
	ReceiveData(p []byte)
	DidSendBodyData(n int64)
	// DidTransferHeaders reports the header bytes of the final request and its response.
	DidTransferHeaders(sent, received int64)
	NoteWaitingForConnectivity()
	MayRedirect() bool
	ProvideNewBodyStream(completion func(io.Reader))
	CompleteWithError(err error) *request.Response
}

// Task is one attempt at a request.
type Task interface {
	// Resume starts the task. Calling it more than once has no effect.
	Resume()
	// Cancel aborts the task. The task still completes through Events.
	Cancel()
}

// Transport creates tasks.
type Transport interface {
	CreateTask(req *request.Request, events Events) (Task, error)
}

// ServerTrustPolicy validates a server's TLS state during the handshake.
type ServerTrustPolicy interface {
	Validate(state tls.ConnectionState, host string) bool
}

// ServerTrustPolicyFunc adapts a function to ServerTrustPolicy.
type ServerTrustPolicyFunc func(state tls.ConnectionState, host string) bool

func (f ServerTrustPolicyFunc) Validate(state tls.ConnectionState, host string) bool {
	return f(state, host)
}

// AddressResolver overrides the address dialled for a host.
type AddressResolver interface {
	AddressForHost(host string) (string, bool)
	MarkUnreachable(address string)
}
