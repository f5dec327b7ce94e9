// Package transport is the contract between linkd and the chat protocol
// engine (the Transport Provider).
//
// linkd never speaks the wire protocol itself. A Provider opens one Handle
// per session; the Handle raises Events (link challenges, state changes,
// inbound messages, credential rotations) and exposes the outbound
// operations the command router is allowed to perform.
package transport
