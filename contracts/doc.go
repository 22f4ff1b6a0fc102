// Package contracts defines the wire-level control schema shared by
// controllers, process routers and broker transports.
//
// Key features:
//   - Envelope: the single message shape for RPC commands and broadcasts
//   - Response: RPC acknowledgements correlated back to their request
//   - Typed payloads for kill/pause/status and launcher tasks
//   - Broadcast subject helpers with RabbitMQ-style wildcard matching
//
// Every control exchange is either an RPC (request envelope answered by a
// correlated Response) or a broadcast (fire-and-forget, no correlation id).
// Both controller flavors build their envelopes through the same
// constructors, so the wire bytes never depend on the caller's waiting
// discipline.
package contracts
