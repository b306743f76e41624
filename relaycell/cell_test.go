package relaycell

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// constReader yields an endless stream of one byte value, making
// padding visible in encoded cells.
type constReader byte

func (r constReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(r)
	}
	return len(p), nil
}

func TestCellEncodeDecodeRoundtrip(t *testing.T) {
	tests := []struct {
		name     string
		streamID StreamID
		msg      Msg
	}{
		{"begin", 7, &Begin{Addr: "198.51.100.4", Port: 443, Flags: 1}},
		{"data", 3, &Data{Payload: []byte("hello circuit")}},
		{"end", 3, &End{Reason: EndReasonDone}},
		{"connected", 3, &Connected{}},
		{"sendme v0", 0, &Sendme{}},
		{"sendme v1", 0, &Sendme{Version: 1, Tag: []byte{1, 2, 3, 4, 5, 6, 7, 8}}},
		{"conflux link", 0, &ConfluxLink{Payload: LinkPayload{
			Nonce:     Nonce{1, 2, 3},
			DesiredUX: UXHighThroughput,
		}}},
		{"conflux linked", 0, &ConfluxLinked{Payload: LinkPayload{
			Nonce:         Nonce{9, 8, 7},
			LastSeqnoSent: 42,
			LastSeqnoRecv: 17,
		}}},
		{"conflux linked ack", 0, &ConfluxLinkedAck{}},
		{"conflux switch", 0, &ConfluxSwitch{Seqno: 12345}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			body, err := NewCell(tc.streamID, tc.msg).Encode(rand.Reader)
			require.NoError(t, err)

			unparsed := NewUnparsedCell(body)
			assert.Equal(t, tc.msg.Command(), unparsed.Command())
			assert.Equal(t, tc.streamID, unparsed.StreamID())

			decoded, err := unparsed.Decode()
			require.NoError(t, err)
			assert.Equal(t, tc.streamID, decoded.StreamID())
			assert.Equal(t, tc.msg, decoded.Msg())
		})
	}
}

func TestCellEncodePadding(t *testing.T) {
	body, err := NewCell(1, &Data{Payload: []byte("hi")}).Encode(constReader(0xAA))
	require.NoError(t, err)

	// Recognized and digest stay zero for the crypto layer.
	assert.Equal(t, []byte{0, 0}, body[1:3])
	assert.Equal(t, []byte{0, 0, 0, 0}, body[5:9])

	// Four zero bytes separate the message body from the padding.
	encEnd := bodyOffset + 2
	assert.Equal(t, []byte{0, 0, 0, 0}, body[encEnd:encEnd+minSpaceBeforePadding])
	padding := body[encEnd+minSpaceBeforePadding:]
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, len(padding)), padding)
}

func TestCellEncodeSkipsPaddingWhenFull(t *testing.T) {
	payload := make([]byte, MaxBodyLen-2)
	body, err := NewCell(1, &Data{Payload: payload}).Encode(constReader(0xAA))
	require.NoError(t, err)

	// Less than the minimum gap remains, so the tail stays zero.
	assert.Equal(t, []byte{0, 0}, body[CellBodyLen-2:])
}

func TestCellEncodeTooLong(t *testing.T) {
	payload := make([]byte, MaxBodyLen+1)
	_, err := NewCell(1, &Data{Payload: payload}).Encode(rand.Reader)
	assert.ErrorIs(t, err, ErrEncodeTooLong)
}

func TestUnparsedCellDecodeLengthOverflow(t *testing.T) {
	var body [CellBodyLen]byte
	body[0] = byte(CmdData)
	binary.BigEndian.PutUint16(body[lengthOffset:], MaxBodyLen+1)

	_, err := NewUnparsedCell(body).Decode()
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestUnparsedCellDecodeUnknownCommand(t *testing.T) {
	var body [CellBodyLen]byte
	body[0] = 200

	_, err := NewUnparsedCell(body).Decode()
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestUnparsedCellDecodeIgnoresPadding(t *testing.T) {
	// Random padding after the declared length must not leak into the
	// decoded payload.
	body, err := NewCell(2, &Data{Payload: []byte("short")}).Encode(constReader(0xFF))
	require.NoError(t, err)

	decoded, err := NewUnparsedCell(body).Decode()
	require.NoError(t, err)
	assert.Equal(t, []byte("short"), decoded.Msg().(*Data).Payload)
}
