// Package metrics provides Prometheus instrumentation for the reframe service.
//
// All metrics are registered with the default registry through promauto and
// are prefixed with "reframe_". The HTTP server exposes them on /metrics.
//
// Domain packages do not import this package. They declare small observer
// interfaces (pipeline.Observer, jobs.Observer, webhook.Observer) which are
// implemented here and wired in cmd/reframe.
package metrics
