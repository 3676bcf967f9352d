// Package progress provides the event primitives, non-blocking hub, and the
// channel observer that turns progress notifications into events. The hub
// batches events on a background goroutine and fans them out to pluggable
// sinks such as Prometheus metrics, job history, or completion notifiers.
package progress
