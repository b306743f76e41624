// Package conflux implements the client side of the conflux circuit
// linking protocol (prop329): the per-leg handshake and sequencing
// state machine, the conflux set that groups linked legs and picks the
// sending leg, and the reordering queue for cells that arrive out of
// order across legs.
//
// The tunnel reactor drives everything here from a single goroutine;
// the only cross-leg shared state is the delivered-sequence counter,
// which is atomic.
package conflux
