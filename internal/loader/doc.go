// Package loader coordinates requests between callers, authorisers and the
// transport.
//
// A Service holds what is shared by every loader: the transport, the rate
// limiter, consumption observers and tracing. A Factory adds an ordered chain
// of authorisers. Each Loader tracks its in-flight requests by identifier and
// delivers exactly one terminal callback per request on its Executor.
package loader
