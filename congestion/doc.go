// Package congestion implements circuit-level congestion control for
// onion-routed tunnels: round-trip-time estimation, the congestion
// window, and the Tor Vegas window update algorithm (prop324).
//
// All state here is leg-local and single-writer; the reactor that owns
// a circuit leg is the only mutator. Nothing in this package blocks.
package congestion
