// Package sinks implements concrete progress consumers: Prometheus
// collectors, the campaign store, and structured logging. Each sink satisfies
// progress.Sink and tolerates repeated Consume/Close cycles.
package sinks
