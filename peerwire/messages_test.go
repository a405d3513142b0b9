package peerwire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMessageSkipsKeepAlives(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(KeepAlive())
	buf.Write(Unchoke().Marshal())

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Nil(t, msg)

	msg, err = ReadMessage(&buf)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, MsgUnchoke, msg.ID)
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x7F, 0xFF, 0xFF, 0xFF})
	_, err := ReadMessage(&buf)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestRequestMarshalParseRoundTrip(t *testing.T) {
	msg := Request(3, 16384, 16384)
	index, begin, length, err := ParseRequest(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, 3, index)
	assert.Equal(t, 16384, begin)
	assert.Equal(t, 16384, length)
}

func TestPieceMarshalParseRoundTrip(t *testing.T) {
	block := []byte("some block data")
	msg := PieceMessage(7, 0, block)
	index, begin, got, err := ParsePiece(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, 7, index)
	assert.Equal(t, 0, begin)
	assert.Equal(t, block, got)
}

func TestHaveMarshalParseRoundTrip(t *testing.T) {
	msg := Have(42)
	index, err := ParseHave(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, 42, index)
}

func TestParseRequestRejectsShortPayload(t *testing.T) {
	_, _, _, err := ParseRequest([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestMessageMarshalRoundTripsThroughReadMessage(t *testing.T) {
	bf := NewPeerBitfield(10)
	bf.Set(0)
	bf.Set(9)

	var buf bytes.Buffer
	buf.Write(BitfieldMessage(bf).Marshal())
	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgBitfield, msg.ID)
}
