// Package relaycell implements encoding and decoding of Tor relay cells.
//
// A relay cell carries one relay message inside the fixed-size 509-byte
// body of a RELAY or RELAY_EARLY cell. The layout is:
//
//	[command (1 byte)][recognized (2 bytes)][stream ID (2 bytes)]
//	[digest (4 bytes)][length (2 bytes)][body (length bytes)][padding]
//
// The recognized and digest fields are zero at this layer; they are
// filled in by the circuit crypto layer. Padding after the body is
// random (after a four byte zero gap) so that the true message length
// is not visible to a traffic fingerprinting observer.
//
// Example:
//
//	cell := relaycell.NewCell(streamID, &relaycell.Data{Payload: p})
//	body, err := cell.Encode(rng)
//	if err != nil {
//	    log.Fatal(err)
//	}
package relaycell
