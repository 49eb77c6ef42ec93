// Package contracts defines the wire-level types shared by dispatchers,
// workers and transports: the Envelope that carries a deferred call, the
// durability levels that govern its retry behavior, and the error
// taxonomy raised while executing it.
package contracts
