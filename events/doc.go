// Package events publishes execution state transitions.
//
// The executor emits one Event per task or execution transition, per
// progress milestone and per checkpoint. A Bus fans each event out to its
// sinks; sink failures are logged and never reach the executor.
//
// Sinks:
//
//   - LogSink writes events to a logger.
//   - KafkaSink publishes JSON events keyed by execution id.
//   - FuncSink adapts a function.
//   - Recorder keeps events in memory for tests and status queries.
package events
