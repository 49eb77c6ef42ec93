// Package rabbitmq contains the AMQP plumbing behind the RabbitMQ
// transport: a self-healing connection, a channel pool, a confirming
// publisher, a manually-acknowledging consumer, and the topology
// declarations for the dispatch and dead-letter queues.
//
// Nothing in this package knows about envelopes; it moves opaque
// bodies. The transports/rabbitmq package adapts it to the dispatch
// Transport interface.
package rabbitmq
