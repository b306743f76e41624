package relaycell

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkPayloadRejectsUnknownVersion(t *testing.T) {
	link := &ConfluxLink{Payload: LinkPayload{Nonce: Nonce{1}}}
	body, err := link.EncodeBody()
	require.NoError(t, err)

	body[0] = 2
	_, err = decodeConfluxLink(body)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestLinkPayloadRejectsTruncation(t *testing.T) {
	link := &ConfluxLink{Payload: LinkPayload{Nonce: Nonce{1}}}
	body, err := link.EncodeBody()
	require.NoError(t, err)

	for _, n := range []int{0, 1, NonceLen, linkPayloadLen - 1} {
		_, err := decodeConfluxLink(body[:n])
		assert.ErrorIs(t, err, ErrInvalidMessage, "length %d", n)
	}
}

func TestSwitchRejectsTruncation(t *testing.T) {
	_, err := decodeConfluxSwitch([]byte{0, 0, 1})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestNonceEqual(t *testing.T) {
	a, err := NewNonce(rand.Reader)
	require.NoError(t, err)
	b, err := NewNonce(rand.Reader)
	require.NoError(t, err)

	assert.True(t, a.Equal(a))
	assert.False(t, a.Equal(b))

	flipped := a
	flipped[NonceLen-1] ^= 1
	assert.False(t, a.Equal(flipped))
}
