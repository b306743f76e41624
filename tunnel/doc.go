// Package tunnel runs the per-tunnel reactor: a single goroutine that
// owns a conflux set, reads cells from every leg's transport, drives
// the handshake and congestion control state machines, reorders
// cross-leg traffic, and delivers in-order messages to the consumer.
//
// All protocol state is confined to the reactor goroutine. External
// callers interact through Send and AddLeg, which hand work to the
// reactor, and through the delivery callback, which the reactor
// invokes inline.
package tunnel
