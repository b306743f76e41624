package relaycell

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRelayCommandString(t *testing.T) {
	tests := []struct {
		cmd  RelayCommand
		want string
	}{
		{CmdBegin, "BEGIN"},
		{CmdData, "DATA"},
		{CmdEnd, "END"},
		{CmdConnected, "CONNECTED"},
		{CmdSendme, "SENDME"},
		{CmdResolve, "RESOLVE"},
		{CmdResolved, "RESOLVED"},
		{CmdConfluxLink, "CONFLUX_LINK"},
		{CmdConfluxLinked, "CONFLUX_LINKED"},
		{CmdConfluxLinkedAck, "CONFLUX_LINKED_ACK"},
		{CmdConfluxSwitch, "CONFLUX_SWITCH"},
		{RelayCommand(200), "RelayCommand(200)"},
	}
	for _, tc := range tests {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.cmd.String())
		})
	}
}

func TestRelayCommandIsConflux(t *testing.T) {
	for _, cmd := range []RelayCommand{CmdConfluxLink, CmdConfluxLinked, CmdConfluxLinkedAck, CmdConfluxSwitch} {
		assert.True(t, cmd.IsConflux(), cmd.String())
	}
	for _, cmd := range []RelayCommand{CmdBegin, CmdData, CmdSendme, CmdDrop} {
		assert.False(t, cmd.IsConflux(), cmd.String())
	}
}

func TestRelayCommandCountsTowardSeqno(t *testing.T) {
	counting := []RelayCommand{CmdBegin, CmdData, CmdEnd, CmdConnected, CmdResolve, CmdResolved}
	for _, cmd := range counting {
		assert.True(t, cmd.CountsTowardSeqno(), cmd.String())
	}
	// Flow control and the conflux handshake are per-circuit and must
	// not shift the multiplexed sequence space.
	nonCounting := []RelayCommand{CmdSendme, CmdDrop, CmdConfluxLink, CmdConfluxLinked, CmdConfluxLinkedAck, CmdConfluxSwitch}
	for _, cmd := range nonCounting {
		assert.False(t, cmd.CountsTowardSeqno(), cmd.String())
	}
}
