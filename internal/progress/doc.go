// Package progress provides the run events, non-blocking hub, and emitter
// interfaces that the pool, workers and checkpoint writer use to report
// extraction progress. Events are batched on a background goroutine and fanned
// out to pluggable sinks such as Prometheus metrics or structured logs.
package progress
