// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces the harvester uses to report campaign progress. Every attempt
// the executor runs becomes an event; the hub batches events on a background
// goroutine and fans them out to pluggable sinks such as Prometheus metrics,
// structured logs, or the campaign store.
package progress
