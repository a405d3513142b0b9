package peerwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleHash(b byte) [20]byte {
	var h [20]byte
	for i := range h {
		h[i] = b
	}
	return h
}

func TestBuildAndParseHandshakeRoundTrip(t *testing.T) {
	infoHash := sampleHash(0xAB)
	peerID := sampleHash(0xCD)

	wire := BuildHandshake(infoHash, peerID)
	require.Len(t, wire, HandshakeSize)

	gotPeerID, supportsExt, err := ParseHandshake(wire, infoHash)
	require.NoError(t, err)
	assert.Equal(t, peerID, gotPeerID)
	assert.True(t, supportsExt)
}

func TestParseHandshakeRejectsWrongSize(t *testing.T) {
	_, _, err := ParseHandshake([]byte{1, 2, 3}, sampleHash(0))
	assert.ErrorIs(t, err, ErrHandshakeSize)
}

func TestParseHandshakeRejectsInfoHashMismatch(t *testing.T) {
	wire := BuildHandshake(sampleHash(1), sampleHash(2))
	_, _, err := ParseHandshake(wire, sampleHash(0xFF))
	assert.ErrorIs(t, err, ErrInfoHashMismatch)
}

func TestParseHandshakeRejectsBadProtocolString(t *testing.T) {
	wire := BuildHandshake(sampleHash(1), sampleHash(2))
	wire[0] = 3 // claim a 3-byte protocol string instead of 19
	_, _, err := ParseHandshake(wire, sampleHash(1))
	assert.ErrorIs(t, err, ErrHandshakeSize)
}
