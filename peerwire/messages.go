package peerwire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID identifies the type of a peer wire message (BEP 3, BEP 10).
type MessageID uint8

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
	MsgExtended      MessageID = 20
)

func (id MessageID) String() string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not_interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	case MsgExtended:
		return "extended"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// ErrMessageTooLarge is returned when a peer's message length prefix
// exceeds the configured ceiling, guarding against a hostile or broken
// peer exhausting memory with a bogus length.
var ErrMessageTooLarge = errors.New("peerwire: message exceeds maximum length")

// MaxMessageLength bounds any single message body, generously above the
// largest legitimate piece message (16KiB block + 8 byte header).
const MaxMessageLength = 1 << 20

// Message is a single peer wire protocol message. A keep-alive is
// represented as a nil *Message returned from ReadMessage.
type Message struct {
	ID      MessageID
	Payload []byte
}

// Marshal serialises a message to its wire form: a 4-byte big-endian
// length prefix (covering id + payload), the id byte, then the payload.
func (m *Message) Marshal() []byte {
	buf := make([]byte, 4+1+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(m.Payload)))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// KeepAlive returns the wire form of a keep-alive: a bare zero length
// prefix with no id or payload.
func KeepAlive() []byte {
	return []byte{0, 0, 0, 0}
}

// ReadMessage reads one message from r, transparently skipping
// keep-alives (returning nil, nil for each) so callers can loop without
// special-casing them.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	if length > MaxMessageLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("peerwire: reading message body: %w", err)
	}
	return &Message{ID: MessageID(body[0]), Payload: body[1:]}, nil
}

func Choke() *Message         { return &Message{ID: MsgChoke} }
func Unchoke() *Message       { return &Message{ID: MsgUnchoke} }
func Interested() *Message    { return &Message{ID: MsgInterested} }
func NotInterested() *Message { return &Message{ID: MsgNotInterested} }

func Have(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: MsgHave, Payload: payload}
}

func BitfieldMessage(bf PeerBitfield) *Message {
	return &Message{ID: MsgBitfield, Payload: append([]byte(nil), bf...)}
}

func Request(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: MsgRequest, Payload: payload}
}

func Cancel(index, begin, length int) *Message {
	m := Request(index, begin, length)
	m.ID = MsgCancel
	return m
}

func PieceMessage(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: MsgPiece, Payload: payload}
}

func Extended(extID uint8, payload []byte) *Message {
	body := make([]byte, 1+len(payload))
	body[0] = extID
	copy(body[1:], payload)
	return &Message{ID: MsgExtended, Payload: body}
}

// ErrMalformedPayload is returned by the parse helpers below when a
// message's payload is too short for its declared type.
var ErrMalformedPayload = errors.New("peerwire: malformed message payload")

// ParseHave extracts the piece index from a have message's payload.
func ParseHave(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("%w: have", ErrMalformedPayload)
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}

// ParseRequest extracts index/begin/length from a request or cancel
// message's payload.
func ParseRequest(payload []byte) (index, begin, length int, err error) {
	if len(payload) != 12 {
		return 0, 0, 0, fmt.Errorf("%w: request", ErrMalformedPayload)
	}
	index = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	length = int(binary.BigEndian.Uint32(payload[8:12]))
	return index, begin, length, nil
}

// ParsePiece extracts index/begin/block from a piece message's payload.
func ParsePiece(payload []byte) (index, begin int, block []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: piece", ErrMalformedPayload)
	}
	index = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	return index, begin, payload[8:], nil
}
