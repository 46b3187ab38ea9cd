// Package transport defines the byte-level collaborator a request handler drives,
// and a net/http binding of it.
//
// A [Transport] turns a request into a [Task]. The task reports progress back
// through [Events]: the response head, body chunks, uploaded byte counts and a
// single completion. Redirect decisions and replacement body streams are pulled
// from the same Events value.
//
// [HTTPTransport] is the default binding:
//
//	t := transport.NewHTTPTransport(
//		transport.WithUserAgent("app/1.0"),
//		transport.WithAddressResolver(r),
//	)
//	task, err := t.CreateTask(req, handler)
//	task.Resume()
//
// Server trust evaluation ([ServerTrustPolicy]) and host address overrides
// ([AddressResolver]) are optional hooks consulted while connecting.
package transport
