// Package metrics aggregates terminal request outcomes reported by the loader.
//
// Both [Collector] and [PrometheusObserver] implement the loader's consumption observer
// contract: EndedRequest is called exactly once per request with the final response and
// the byte counts accumulated across every attempt.
//
//	collector := metrics.NewCollector()
//	service.AddConsumptionObserver(collector)
//	...
//	stats := collector.Stats(time.Since(start))
//
// # Outcomes
//
// A response is counted as succeeded when it carries a 2xx/3xx status and no error,
// cancelled when its error is request.ErrCancelled, and failed otherwise. Failures are
// grouped by status code per service (scheme, host and first path segment) and by an
// error category (see [ErrorCategory]).
//
// # Thread Safety
//
// Both observers are safe to call from many goroutines.
package metrics
