// Package amqptopo is a self-healing facade over RabbitMQ topology
// declaration and messaging: connect once, declare exchanges, queues, and
// bindings declaratively, and let the Connection silently re-declare
// everything after a dropped link.
//
// A Connection dials in the background and exposes Exchange and Queue
// entities, each backed by its own channel. Publish and consume operations
// on those entities survive a single link failure transparently: the first
// publish against a stale channel triggers a rebuild of the connection and
// every registered entity, then is retransmitted exactly once.
package amqptopo
