// Package sinks implements concrete progress consumers: structured logging,
// Prometheus job gauges, and a publisher that forwards terminal events as
// completion notifications. Each sink satisfies progress.Sink and is safe for
// repeated Consume/Close cycles.
package sinks
