package relaycell

import (
	"encoding/binary"
	"io"
)

const (
	// CellBodyLen is the fixed length of a relay cell body.
	CellBodyLen = 509

	streamIDOffset = 3
	lengthOffset   = 9
	bodyOffset     = 11

	// MaxBodyLen is the maximum length of a relay message body.
	MaxBodyLen = CellBodyLen - bodyOffset

	// minSpaceBeforePadding is the zero gap kept between the end of the
	// encoded body and the start of the random padding.
	minSpaceBeforePadding = 4
)

// Cell pairs a relay message with the optional stream ID it is scoped
// to. A zero StreamID means the message is circuit-wide.
type Cell struct {
	streamID StreamID
	msg      Msg
}

// NewCell creates a cell carrying msg on the given stream.
func NewCell(streamID StreamID, msg Msg) *Cell {
	return &Cell{streamID: streamID, msg: msg}
}

// StreamID returns the stream ID, zero for circuit-wide messages.
func (c *Cell) StreamID() StreamID {
	return c.streamID
}

// Msg returns the relay message carried by this cell.
func (c *Cell) Msg() Msg {
	return c.msg
}

// Command returns the relay command of the carried message.
func (c *Cell) Command() RelayCommand {
	return c.msg.Command()
}

// Encode consumes the cell and produces a full 509-byte padded body.
//
// The recognized and digest fields are left zero for the crypto layer
// to fill in. If at least minSpaceBeforePadding bytes of slack remain
// after the body, the rest of the cell is filled with bytes from rng
// rather than zeros, so padding length is not fingerprintable.
//
// Returns ErrEncodeTooLong if the message body does not fit; that is a
// caller bug, not a peer-reachable condition.
func (c *Cell) Encode(rng io.Reader) ([CellBodyLen]byte, error) {
	var out [CellBodyLen]byte

	body, err := c.msg.EncodeBody()
	if err != nil {
		return out, err
	}
	if len(body) > MaxBodyLen {
		return out, ErrEncodeTooLong
	}

	out[0] = byte(c.msg.Command())
	// Bytes 1-2 ("recognized") and 5-8 (digest) stay zero.
	binary.BigEndian.PutUint16(out[streamIDOffset:], uint16(c.streamID))
	binary.BigEndian.PutUint16(out[lengthOffset:], uint16(len(body)))
	copy(out[bodyOffset:], body)

	encLen := bodyOffset + len(body)
	if encLen < CellBodyLen-minSpaceBeforePadding {
		if _, err := io.ReadFull(rng, out[encLen+minSpaceBeforePadding:]); err != nil {
			return out, err
		}
	}
	return out, nil
}

// UnparsedCell is a received, not-yet-decoded relay cell body. The
// command and stream ID accessors peek at fixed offsets without a full
// decode.
type UnparsedCell struct {
	body [CellBodyLen]byte
}

// NewUnparsedCell wraps a received cell body.
func NewUnparsedCell(body [CellBodyLen]byte) UnparsedCell {
	return UnparsedCell{body: body}
}

// Command returns the relay command without decoding the cell.
func (u UnparsedCell) Command() RelayCommand {
	return RelayCommand(u.body[0])
}

// StreamID returns the stream ID without decoding the cell. Zero means
// the message is circuit-wide.
func (u UnparsedCell) StreamID() StreamID {
	return StreamID(binary.BigEndian.Uint16(u.body[streamIDOffset:]))
}

// Decode parses the cell into a Cell with a typed message body.
//
// A declared length that exceeds the space remaining in the cell is a
// protocol violation and returns an error wrapping ErrInvalidMessage.
func (u UnparsedCell) Decode() (*Cell, error) {
	length := int(binary.BigEndian.Uint16(u.body[lengthOffset:]))
	if length > MaxBodyLen {
		return nil, invalidMessagef("declared body length %d exceeds cell capacity", length)
	}
	msg, err := decodeBody(u.Command(), u.body[bodyOffset:bodyOffset+length])
	if err != nil {
		return nil, err
	}
	return &Cell{streamID: u.StreamID(), msg: msg}, nil
}
