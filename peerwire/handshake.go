package peerwire

import (
	"errors"
	"fmt"
)

// Protocol is the fixed protocol string sent in every handshake.
const Protocol = "BitTorrent protocol"

// HandshakeSize is the wire size of the fixed handshake message:
// 1 (pstrlen) + len(Protocol) + 8 (reserved) + 20 (info_hash) + 20 (peer_id).
const HandshakeSize = 1 + len(Protocol) + 8 + 20 + 20

// Reserved byte 5, bit 0x10 (BEP 10): extension protocol support.
const extendedBit = 0x10

// ErrHandshakeSize is returned when a peer's handshake is the wrong length.
var ErrHandshakeSize = errors.New("peerwire: malformed handshake size")

// ErrInfoHashMismatch is returned when a peer's handshake echoes a
// different info hash than the one we dialed with.
var ErrInfoHashMismatch = errors.New("peerwire: info hash mismatch")

// BuildHandshake serialises the fixed 68-byte handshake message. The
// extension-protocol reserved bit is always set per spec.
func BuildHandshake(infoHash, peerID [20]byte) []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(Protocol))
	copy(buf[1:], Protocol)
	buf[1+len(Protocol)+5] = extendedBit
	copy(buf[1+len(Protocol)+8:], infoHash[:])
	copy(buf[1+len(Protocol)+8+20:], peerID[:])
	return buf
}

// ParseHandshake validates a received handshake against the info hash we
// dialed with and extracts the peer's id and extension support.
func ParseHandshake(buf []byte, wantInfoHash [20]byte) (peerID [20]byte, supportsExtended bool, err error) {
	if len(buf) != HandshakeSize {
		return peerID, false, fmt.Errorf("%w: got %d bytes, want %d", ErrHandshakeSize, len(buf), HandshakeSize)
	}
	pstrlen := int(buf[0])
	if 1+pstrlen+8+20+20 != HandshakeSize || string(buf[1:1+pstrlen]) != Protocol {
		return peerID, false, fmt.Errorf("%w: unexpected protocol string", ErrHandshakeSize)
	}
	reserved := buf[1+pstrlen : 1+pstrlen+8]
	gotInfoHash := buf[1+pstrlen+8 : 1+pstrlen+8+20]
	for i := range wantInfoHash {
		if gotInfoHash[i] != wantInfoHash[i] {
			return peerID, false, ErrInfoHashMismatch
		}
	}
	copy(peerID[:], buf[1+pstrlen+8+20:])
	supportsExtended = reserved[5]&extendedBit != 0
	return peerID, supportsExtended, nil
}
