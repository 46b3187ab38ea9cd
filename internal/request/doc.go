// Package request defines the request and response values exchanged between callers,
// the loader and the transport binding.
//
// A [Request] is an abstract description of one HTTP exchange: URL, method, headers,
// an optional body (bytes or a stream, never both) and delivery options such as
// chunked delivery, retry budget and timeout. Requests are created by callers and
// handed to a loader, which tracks them by their process-unique identifier:
//
//	req, err := request.New("https://api.example.com/v1/items")
//	if err != nil {
//		return err
//	}
//	req.Method = http.MethodPost
//	req.SetHeader("Content-Type", "application/json")
//	req.Body = payload
//	req.MaximumRetryCount = 2
//
// Copies made with [Request.Copy] receive a fresh identifier and never carry the
// per-instance bookkeeping (authorisation retry flag, cancellation token).
//
// # Responses
//
// A [Response] carries the terminal state of a request. Status code, headers and
// Retry-After are populated as soon as a server answered, independent of Error:
//
//	if resp.Succeeded() {
//		name, ok := resp.JSONValue("$.data.name")
//	}
//
// # Errors
//
// [HTTPError], [AuthorisationError] and [TransportError] describe the failure
// taxonomy. Use errors.As to inspect them and [IsTransient] to classify transport
// failures that are worth retrying.
package request
