package relaycell

import (
	"encoding/binary"
	"strconv"
	"strings"
)

// StreamID identifies one multiplexed stream on a circuit. Zero means
// the message is circuit-wide rather than scoped to a stream.
type StreamID uint16

// IsZero reports whether the stream ID denotes a circuit-wide message.
func (s StreamID) IsZero() bool {
	return s == 0
}

// Msg is the common interface implemented by all relay message bodies.
// The message set is closed; decoding dispatches over RelayCommand.
type Msg interface {
	// Command returns the relay command for this message.
	Command() RelayCommand
	// EncodeBody serializes the message body (excluding the cell
	// header) and returns the resulting slice.
	EncodeBody() ([]byte, error)
}

// decodeBody deserializes the command-specific body of a relay message.
func decodeBody(cmd RelayCommand, body []byte) (Msg, error) {
	switch cmd {
	case CmdBegin:
		return decodeBegin(body)
	case CmdData:
		return decodeData(body)
	case CmdEnd:
		return decodeEnd(body)
	case CmdConnected:
		return &Connected{}, nil
	case CmdSendme:
		return decodeSendme(body)
	case CmdConfluxLink:
		return decodeConfluxLink(body)
	case CmdConfluxLinked:
		return decodeConfluxLinked(body)
	case CmdConfluxLinkedAck:
		return decodeConfluxLinkedAck(body)
	case CmdConfluxSwitch:
		return decodeConfluxSwitch(body)
	default:
		return nil, invalidMessagef("unrecognized relay command %s", cmd)
	}
}

// Begin is a relay BEGIN message, opening a new stream to a target
// address and port.
type Begin struct {
	Addr  string
	Port  uint16
	Flags uint32
}

// Command returns CmdBegin.
func (m *Begin) Command() RelayCommand { return CmdBegin }

// EncodeBody serializes the BEGIN body.
//
// Format: "addr:port" NUL-terminated, followed by a 4-byte flags field.
func (m *Begin) EncodeBody() ([]byte, error) {
	addrport := m.Addr + ":" + strconv.Itoa(int(m.Port))
	out := make([]byte, 0, len(addrport)+5)
	out = append(out, addrport...)
	out = append(out, 0)
	out = binary.BigEndian.AppendUint32(out, m.Flags)
	return out, nil
}

func decodeBegin(body []byte) (Msg, error) {
	nul := -1
	for i, b := range body {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return nil, invalidMessagef("BEGIN body missing NUL terminator")
	}
	addrport := string(body[:nul])
	idx := strings.LastIndexByte(addrport, ':')
	if idx < 0 {
		return nil, invalidMessagef("BEGIN address %q missing port", addrport)
	}
	port, err := strconv.ParseUint(addrport[idx+1:], 10, 16)
	if err != nil {
		return nil, invalidMessagef("BEGIN port %q: %v", addrport[idx+1:], err)
	}
	var flags uint32
	rest := body[nul+1:]
	if len(rest) >= 4 {
		flags = binary.BigEndian.Uint32(rest[:4])
	}
	return &Begin{Addr: addrport[:idx], Port: uint16(port), Flags: flags}, nil
}

// Data is a relay DATA message carrying stream payload bytes.
type Data struct {
	Payload []byte
}

// Command returns CmdData.
func (m *Data) Command() RelayCommand { return CmdData }

// EncodeBody returns the payload bytes.
func (m *Data) EncodeBody() ([]byte, error) {
	return m.Payload, nil
}

func decodeData(body []byte) (Msg, error) {
	payload := make([]byte, len(body))
	copy(payload, body)
	return &Data{Payload: payload}, nil
}

// End is a relay END message, closing a stream with a reason code.
type End struct {
	Reason byte
}

// End reason codes (the subset relevant at this layer).
const (
	EndReasonMisc     byte = 1
	EndReasonDone     byte = 6
	EndReasonTimeout  byte = 7
	EndReasonInternal byte = 12
)

// Command returns CmdEnd.
func (m *End) Command() RelayCommand { return CmdEnd }

// EncodeBody serializes the END body.
func (m *End) EncodeBody() ([]byte, error) {
	return []byte{m.Reason}, nil
}

func decodeEnd(body []byte) (Msg, error) {
	if len(body) < 1 {
		// An empty END body is legal in old protocol versions; treat it
		// as REASON_MISC.
		return &End{Reason: EndReasonMisc}, nil
	}
	return &End{Reason: body[0]}, nil
}

// Connected is a relay CONNECTED message. The optional address body is
// not interpreted at this layer.
type Connected struct{}

// Command returns CmdConnected.
func (m *Connected) Command() RelayCommand { return CmdConnected }

// EncodeBody serializes the (empty) CONNECTED body.
func (m *Connected) EncodeBody() ([]byte, error) {
	return nil, nil
}

// Sendme is a relay SENDME flow-control acknowledgement.
//
// Version 0 is the legacy empty-bodied SENDME; version 1 carries an
// authentication tag binding the SENDME to a previously received cell.
type Sendme struct {
	Version byte
	Tag     []byte
}

// Command returns CmdSendme.
func (m *Sendme) Command() RelayCommand { return CmdSendme }

// EncodeBody serializes the SENDME body.
func (m *Sendme) EncodeBody() ([]byte, error) {
	if m.Version == 0 {
		return nil, nil
	}
	out := make([]byte, 0, 3+len(m.Tag))
	out = append(out, m.Version)
	out = binary.BigEndian.AppendUint16(out, uint16(len(m.Tag)))
	out = append(out, m.Tag...)
	return out, nil
}

func decodeSendme(body []byte) (Msg, error) {
	if len(body) == 0 {
		return &Sendme{Version: 0}, nil
	}
	if len(body) < 3 {
		return nil, invalidMessagef("truncated SENDME body")
	}
	version := body[0]
	tagLen := int(binary.BigEndian.Uint16(body[1:3]))
	if len(body[3:]) < tagLen {
		return nil, invalidMessagef("SENDME tag length %d exceeds body", tagLen)
	}
	tag := make([]byte, tagLen)
	copy(tag, body[3:3+tagLen])
	return &Sendme{Version: version, Tag: tag}, nil
}
