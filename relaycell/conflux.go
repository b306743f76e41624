package relaycell

import (
	"crypto/subtle"
	"encoding/binary"
	"io"
)

// LinkVersion is the supported CONFLUX_LINK version.
const LinkVersion = 1

// NonceLen is the length of the nonce in a v1 LINK payload, in bytes.
const NonceLen = 32

// Nonce is the random secret associating the circuits of a conflux set.
// The LINKED response must echo the nonce from the LINK request exactly;
// comparison is constant time.
type Nonce [NonceLen]byte

// NewNonce generates a random nonce from the given entropy source.
func NewNonce(rng io.Reader) (Nonce, error) {
	var n Nonce
	if _, err := io.ReadFull(rng, n[:]); err != nil {
		return Nonce{}, err
	}
	return n, nil
}

// Equal compares two nonces in constant time.
func (n Nonce) Equal(other Nonce) bool {
	return subtle.ConstantTimeCompare(n[:], other[:]) == 1
}

// DesiredUX is the UX preference carried in a LINK payload.
type DesiredUX byte

const (
	// UXNoOpinion means the sender has no preference.
	UXNoOpinion DesiredUX = 0
	// UXMinLatency requests MinRTT scheduling.
	UXMinLatency DesiredUX = 1
	// UXLowMemLatency is the low-memory variant of UXMinLatency.
	UXLowMemLatency DesiredUX = 2
	// UXHighThroughput requests LowRTT scheduling.
	UXHighThroughput DesiredUX = 3
	// UXLowMemThroughput is the low-memory variant of UXHighThroughput.
	UXLowMemThroughput DesiredUX = 4
)

// LinkPayload is the v1 payload shared by CONFLUX_LINK and
// CONFLUX_LINKED messages.
type LinkPayload struct {
	// Nonce is the random 256-bit secret associating the two circuits.
	Nonce Nonce
	// LastSeqnoSent is the last sequence number sent, zero on the
	// initial link; nonzero only for reattachment or resumption.
	LastSeqnoSent uint64
	// LastSeqnoRecv is the last sequence number received.
	LastSeqnoRecv uint64
	// DesiredUX carries the requested scheduling preference.
	DesiredUX DesiredUX
}

// linkPayloadLen is the encoded size of a v1 link payload plus version.
const linkPayloadLen = 1 + NonceLen + 8 + 8 + 1

func (p *LinkPayload) encode() []byte {
	out := make([]byte, 0, linkPayloadLen)
	out = append(out, LinkVersion)
	out = append(out, p.Nonce[:]...)
	out = binary.BigEndian.AppendUint64(out, p.LastSeqnoSent)
	out = binary.BigEndian.AppendUint64(out, p.LastSeqnoRecv)
	out = append(out, byte(p.DesiredUX))
	return out
}

func decodeLinkPayload(body []byte) (*LinkPayload, error) {
	if len(body) < linkPayloadLen {
		return nil, invalidMessagef("truncated conflux link payload")
	}
	if body[0] != LinkVersion {
		return nil, invalidMessagef("unrecognized conflux link version %d", body[0])
	}
	p := new(LinkPayload)
	copy(p.Nonce[:], body[1:1+NonceLen])
	p.LastSeqnoSent = binary.BigEndian.Uint64(body[1+NonceLen:])
	p.LastSeqnoRecv = binary.BigEndian.Uint64(body[1+NonceLen+8:])
	p.DesiredUX = DesiredUX(body[1+NonceLen+16])
	return p, nil
}

// ConfluxLink is a CONFLUX_LINK message, sent by the client on a leg it
// wants to join to the conflux set.
type ConfluxLink struct {
	Payload LinkPayload
}

// Command returns CmdConfluxLink.
func (m *ConfluxLink) Command() RelayCommand { return CmdConfluxLink }

// EncodeBody serializes the LINK body.
func (m *ConfluxLink) EncodeBody() ([]byte, error) {
	return m.Payload.encode(), nil
}

func decodeConfluxLink(body []byte) (Msg, error) {
	p, err := decodeLinkPayload(body)
	if err != nil {
		return nil, err
	}
	return &ConfluxLink{Payload: *p}, nil
}

// ConfluxLinked is a CONFLUX_LINKED message, the join point's response
// to a LINK. It must echo the LINK nonce.
type ConfluxLinked struct {
	Payload LinkPayload
}

// Command returns CmdConfluxLinked.
func (m *ConfluxLinked) Command() RelayCommand { return CmdConfluxLinked }

// EncodeBody serializes the LINKED body.
func (m *ConfluxLinked) EncodeBody() ([]byte, error) {
	return m.Payload.encode(), nil
}

func decodeConfluxLinked(body []byte) (Msg, error) {
	p, err := decodeLinkPayload(body)
	if err != nil {
		return nil, err
	}
	return &ConfluxLinked{Payload: *p}, nil
}

// ConfluxLinkedAck is the empty-bodied acknowledgement of a LINKED
// message, used by the join point for its own RTT measurement.
type ConfluxLinkedAck struct{}

// Command returns CmdConfluxLinkedAck.
func (m *ConfluxLinkedAck) Command() RelayCommand { return CmdConfluxLinkedAck }

// EncodeBody serializes the (empty) LINKED_ACK body.
func (m *ConfluxLinkedAck) EncodeBody() ([]byte, error) {
	return nil, nil
}

func decodeConfluxLinkedAck(body []byte) (Msg, error) {
	// Trailing bytes are padding; the body itself is empty.
	return &ConfluxLinkedAck{}, nil
}

// ConfluxSwitch is a CONFLUX_SWITCH message, declaring a relative
// sequence-number jump when the sender switches sending legs.
type ConfluxSwitch struct {
	Seqno uint32
}

// Command returns CmdConfluxSwitch.
func (m *ConfluxSwitch) Command() RelayCommand { return CmdConfluxSwitch }

// EncodeBody serializes the SWITCH body.
func (m *ConfluxSwitch) EncodeBody() ([]byte, error) {
	return binary.BigEndian.AppendUint32(nil, m.Seqno), nil
}

func decodeConfluxSwitch(body []byte) (Msg, error) {
	if len(body) < 4 {
		return nil, invalidMessagef("truncated SWITCH body")
	}
	return &ConfluxSwitch{Seqno: binary.BigEndian.Uint32(body[:4])}, nil
}
