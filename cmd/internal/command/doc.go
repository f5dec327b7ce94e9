// Package command routes inbound chat messages for one session.
//
// Dispatch applies, in order: the blocklist, a per-sender rate limit, the
// linked-mode gate and the admin gate, then runs the matching handler.
// Plain text gets the default behaviour (read receipt, typing pulse,
// reaction) according to the session's features.
//
// Handlers never talk to the transport directly. Replies and other outbound
// operations are queued on the session's Outbox, so Dispatch does not block
// on the network.
package command
