package peerwire

import (
	"errors"
	"fmt"

	"github.com/mjkoch/gotorrent/bencode"
)

// utMetadataName is the key under which peers advertise their local
// identifier for the ut_metadata extension in the "m" dict (BEP 10).
const utMetadataName = "ut_metadata"

// localUTMetadataID is the identifier we advertise for ut_metadata in our
// own extended handshake. Peers address ut_metadata requests back to us
// using this value.
const localUTMetadataID = 1

// Metadata piece exchange message types (BEP 9).
const (
	MetadataRequest = 0
	MetadataData    = 1
	MetadataReject  = 2
)

// MetadataPieceSize is the fixed chunk size metadata is exchanged in,
// except for the final, possibly shorter, piece.
const MetadataPieceSize = 16 * 1024

var (
	// ErrNoUTMetadata is returned when a peer's extended handshake does
	// not advertise ut_metadata support.
	ErrNoUTMetadata = errors.New("peerwire: peer does not support ut_metadata")
	// ErrMalformedExtended is returned when an extended message's
	// bencoded payload cannot be parsed or is missing required keys.
	ErrMalformedExtended = errors.New("peerwire: malformed extended message")
	// ErrMetadataRejected is returned when a peer declines a metadata
	// piece request (msg_type=2).
	ErrMetadataRejected = errors.New("peerwire: peer rejected metadata request")
)

// BuildExtendedHandshake constructs the extended handshake message (ext
// id 0 by convention) advertising ut_metadata support.
func BuildExtendedHandshake() *Message {
	m := bencode.Dict(map[string]bencode.Value{
		"m": bencode.Dict(map[string]bencode.Value{
			utMetadataName: bencode.IntVal(localUTMetadataID),
		}),
	})
	return Extended(0, bencode.Encode(m))
}

// ExtendedHandshakeInfo is what we learn about a peer from its extended
// handshake: its advertised id for ut_metadata and, if it is the peer
// that already has the full metainfo, the total metadata size.
type ExtendedHandshakeInfo struct {
	UTMetadataID uint8
	MetadataSize int64
	HasMetadataSize bool
}

// ParseExtendedHandshake parses the bencoded payload of an extended
// handshake message (the id byte already stripped).
func ParseExtendedHandshake(body []byte) (ExtendedHandshakeInfo, error) {
	var info ExtendedHandshakeInfo
	v, _, err := bencode.Decode(body)
	if err != nil || v.Kind != bencode.KindDict {
		return info, fmt.Errorf("%w: %v", ErrMalformedExtended, err)
	}
	mDict, ok := v.Get("m")
	if !ok || mDict.Kind != bencode.KindDict {
		return info, fmt.Errorf("%w: missing m dict", ErrMalformedExtended)
	}
	idVal, ok := mDict.Get(utMetadataName)
	if !ok {
		return info, ErrNoUTMetadata
	}
	info.UTMetadataID = uint8(idVal.Int)
	if sizeVal, ok := v.Get("metadata_size"); ok {
		info.MetadataSize = sizeVal.Int
		info.HasMetadataSize = true
	}
	return info, nil
}

// BuildMetadataRequest builds an extended message requesting metadata
// piece index from the peer's advertised ut_metadata id.
func BuildMetadataRequest(peerUTMetadataID uint8, index int) *Message {
	d := bencode.Dict(map[string]bencode.Value{
		"msg_type": bencode.IntVal(MetadataRequest),
		"piece":    bencode.IntVal(int64(index)),
	})
	return Extended(peerUTMetadataID, bencode.Encode(d))
}

// MetadataPiece is one decoded ut_metadata data response: the piece
// index and its raw bytes (always MetadataPieceSize except the final
// piece of the metainfo).
type MetadataPiece struct {
	Index int
	Total int64
	Data  []byte
}

// ParseMetadataMessage parses an incoming ut_metadata extended message
// body (the ext id byte already stripped). A reject is reported as an
// error; a request is reported via isRequest so the caller, who may also
// be asked to serve metadata it already has, can respond.
func ParseMetadataMessage(body []byte) (piece MetadataPiece, isRequest bool, err error) {
	v, n, err := bencode.Decode(body)
	if err != nil || v.Kind != bencode.KindDict {
		return piece, false, fmt.Errorf("%w: %v", ErrMalformedExtended, err)
	}
	msgType, ok := v.Get("msg_type")
	if !ok {
		return piece, false, fmt.Errorf("%w: missing msg_type", ErrMalformedExtended)
	}
	idxVal, ok := v.Get("piece")
	if !ok {
		return piece, false, fmt.Errorf("%w: missing piece index", ErrMalformedExtended)
	}
	piece.Index = int(idxVal.Int)

	switch msgType.Int {
	case MetadataRequest:
		return piece, true, nil
	case MetadataReject:
		return piece, false, fmt.Errorf("%w: piece %d", ErrMetadataRejected, piece.Index)
	case MetadataData:
		if totalVal, ok := v.Get("total_size"); ok {
			piece.Total = totalVal.Int
		}
		piece.Data = body[n:]
		return piece, false, nil
	default:
		return piece, false, fmt.Errorf("%w: unknown msg_type %d", ErrMalformedExtended, msgType.Int)
	}
}

// BuildMetadataData builds a ut_metadata data response carrying one
// metadata piece. The Session does not answer incoming metadata requests
// (they surface only as EventMetadataRequest), so the client itself
// never sends this message.
func BuildMetadataData(peerUTMetadataID uint8, index int, total int64, data []byte) *Message {
	d := bencode.Dict(map[string]bencode.Value{
		"msg_type":   bencode.IntVal(MetadataData),
		"piece":      bencode.IntVal(int64(index)),
		"total_size": bencode.IntVal(total),
	})
	payload := append(bencode.Encode(d), data...)
	return Extended(peerUTMetadataID, payload)
}

// BuildMetadataReject builds a ut_metadata reject response.
func BuildMetadataReject(peerUTMetadataID uint8, index int) *Message {
	d := bencode.Dict(map[string]bencode.Value{
		"msg_type": bencode.IntVal(MetadataReject),
		"piece":    bencode.IntVal(int64(index)),
	})
	return Extended(peerUTMetadataID, bencode.Encode(d))
}
