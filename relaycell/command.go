package relaycell

import "fmt"

// RelayCommand identifies the type of a relay message.
type RelayCommand byte

const (
	// Core stream commands.
	CmdBegin     RelayCommand = 1
	CmdData      RelayCommand = 2
	CmdEnd       RelayCommand = 3
	CmdConnected RelayCommand = 4
	CmdSendme    RelayCommand = 5

	// Circuit extension commands.
	CmdExtend    RelayCommand = 6
	CmdExtended  RelayCommand = 7
	CmdTruncate  RelayCommand = 8
	CmdTruncated RelayCommand = 9
	CmdDrop      RelayCommand = 10
	CmdResolve   RelayCommand = 11
	CmdResolved  RelayCommand = 12
	CmdBeginDir  RelayCommand = 13
	CmdExtend2   RelayCommand = 14
	CmdExtended2 RelayCommand = 15

	// Conflux commands (prop329).
	CmdConfluxLink      RelayCommand = 19
	CmdConfluxLinked    RelayCommand = 20
	CmdConfluxLinkedAck RelayCommand = 21
	CmdConfluxSwitch    RelayCommand = 22
)

// String returns a human-readable name for the command.
func (c RelayCommand) String() string {
	switch c {
	case CmdBegin:
		return "BEGIN"
	case CmdData:
		return "DATA"
	case CmdEnd:
		return "END"
	case CmdConnected:
		return "CONNECTED"
	case CmdSendme:
		return "SENDME"
	case CmdExtend:
		return "EXTEND"
	case CmdExtended:
		return "EXTENDED"
	case CmdTruncate:
		return "TRUNCATE"
	case CmdTruncated:
		return "TRUNCATED"
	case CmdDrop:
		return "DROP"
	case CmdResolve:
		return "RESOLVE"
	case CmdResolved:
		return "RESOLVED"
	case CmdBeginDir:
		return "BEGIN_DIR"
	case CmdExtend2:
		return "EXTEND2"
	case CmdExtended2:
		return "EXTENDED2"
	case CmdConfluxLink:
		return "CONFLUX_LINK"
	case CmdConfluxLinked:
		return "CONFLUX_LINKED"
	case CmdConfluxLinkedAck:
		return "CONFLUX_LINKED_ACK"
	case CmdConfluxSwitch:
		return "CONFLUX_SWITCH"
	default:
		return fmt.Sprintf("RelayCommand(%d)", byte(c))
	}
}

// IsConflux reports whether the command is a conflux control command.
func (c RelayCommand) IsConflux() bool {
	switch c {
	case CmdConfluxLink, CmdConfluxLinked, CmdConfluxLinkedAck, CmdConfluxSwitch:
		return true
	default:
		return false
	}
}

// CountsTowardSeqno reports whether a cell with this command counts
// toward the conflux sequence numbers. Only commands that may be
// multiplexed across legs count; circuit-specific commands such as
// SENDME and the conflux handshake itself do not.
func (c RelayCommand) CountsTowardSeqno() bool {
	switch c {
	case CmdBegin, CmdData, CmdEnd, CmdConnected, CmdResolve, CmdResolved:
		return true
	default:
		return false
	}
}
