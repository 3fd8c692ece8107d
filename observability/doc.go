// Package observability provides metrics extensions for msgq. The
// MetricsExtension implements lifecycle hooks to record broker-wide
// counters (channels created and destroyed, messages pushed and popped,
// would-block and empty outcomes). The Collector exposes per-channel
// pending message and byte gauges to Prometheus.
//
// For per-operation tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
