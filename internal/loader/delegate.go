package loader

import (
	"io"

	"github.com/torosent/dataloader/internal/request"
)

// Delegate receives the terminal outcome of every request performed by a Loader.
// Exactly one of the three methods is called per request.
type Delegate interface {
	SuccessfulResponse(l *Loader, resp *request.Response)
	FailedResponse(l *Loader, resp *request.Response)
	CancelledRequest(l *Loader, req *request.Request)
}

// ChunkDelegate receives the body of chunked requests as it arrives.
// SupportsChunks is consulted before a chunked request is accepted.
type ChunkDelegate interface {
	Delegate
	SupportsChunks(l *Loader) bool
	ReceivedDataChunk(l *Loader, data []byte, resp *request.Response)
}

// InitialResponseDelegate is told about the response head of chunked requests
// before any data chunk.
type InitialResponseDelegate interface {
	ReceivedInitialResponse(l *Loader, resp *request.Response)
}

// ConnectivityDelegate is told when a request that opted in is waiting for the
// network to come back.
type ConnectivityDelegate interface {
	RequestIsWaitingForConnectivity(l *Loader, req *request.Request)
}

// BodyStreamDelegate supplies a fresh body stream when a streamed request must
// be sent again. Passing nil to completion aborts the resend.
type BodyStreamDelegate interface {
	NeedsNewBodyStream(l *Loader, req *request.Request, completion func(io.Reader))
}

// ConsumptionObserver is notified once for every request that reached a
// terminal state, cancelled ones included.
type ConsumptionObserver interface {
	EndedRequest(resp *request.Response, bytesDownloaded, bytesUploaded int64)
}

// ConsumptionObserverFunc adapts a function to ConsumptionObserver. Function
// values are not comparable, so they cannot be removed once added.
type ConsumptionObserverFunc func(resp *request.Response, bytesDownloaded, bytesUploaded int64)

func (f ConsumptionObserverFunc) EndedRequest(resp *request.Response, bytesDownloaded, bytesUploaded int64) {
	f(resp, bytesDownloaded, bytesUploaded)
}
