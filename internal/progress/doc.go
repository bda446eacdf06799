// Package progress carries job lifecycle events (active, completed, failed,
// stalled) and per-attempt outcomes from the queue and workers to observers.
// The Hub batches events on a background goroutine and fans them out to
// pluggable sinks such as structured logs, Prometheus, or a completion
// publisher.
package progress
