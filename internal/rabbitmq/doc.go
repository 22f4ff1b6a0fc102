// Package rabbitmq is the low-level AMQP plumbing under the procmate broker
// transport.
//
// This package includes:
//   - ConnectionManager: owns the broker connection and re-dials after drops
//   - ChannelPool: pooled channels that heal themselves after a reconnect
//   - Publisher: confirm-mode publishing with retry
//   - Consumer: per-queue consume loops with ack-on-success
//   - TopologyManager: exchange, queue and binding declarations
//
// Connection state listeners let channel owners rebuild their queues and
// subscriptions once the connection comes back.
package rabbitmq
