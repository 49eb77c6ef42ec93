// Package dispatch implements deferred call dispatch: application code
// invokes a unit of work by handler ID and the call is executed later,
// logically once, by a pool of worker processes.
//
// The Dispatcher decides whether a call runs inline or is enqueued as
// an Envelope, the Worker consumes envelopes from the primary and
// dead-letter queues, and the Policy decides between retry-with-backoff,
// discard and escalation when an attempt fails. A context-local
// execution stack distinguishes a worker recursing into its own handler
// from a fresh external call to the same handler.
package dispatch
