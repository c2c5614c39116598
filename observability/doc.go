// Package observability provides an OpenTelemetry-based metrics hook for
// Conduit. The MetricsHook records system-wide counters for job
// submission, completion, failure, retry, cancellation, and dead-letter
// events.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
