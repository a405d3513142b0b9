package peerwire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// EventKind identifies the variety of an inbound Event.
type EventKind int

const (
	EventBitfield EventKind = iota
	EventHave
	EventChoke
	EventUnchoke
	EventInterested
	EventNotInterested
	EventExtendedHandshake
	EventMetadataData
	EventMetadataRequest
	EventMetadataReject
	EventPiece
	EventClosed
)

// Event is a single inbound happening on a Session, tagged with the
// session it came from so a caller fanning in events from many peers can
// tell them apart.
type Event struct {
	Session *Session
	Kind    EventKind
	Index   int
	Begin   int
	Data    []byte
	Err     error // set for EventClosed
}

// Session is a live connection to a single remote peer: the TCP socket,
// handshake results, and the reader/writer goroutines that turn it into
// a stream of Events and a queue of outbound Messages.
type Session struct {
	Addr     string
	PeerID   [20]byte
	conn     net.Conn
	log      *zap.Logger
	outbound chan []byte
	events   chan<- Event

	Bitfield        PeerBitfield
	SupportsExtended bool
	UTMetadataID    uint8
	HasUTMetadata   bool
	MetadataSize    int64

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	closed chan struct{}
}

// DialOptions configures Dial.
type DialOptions struct {
	InfoHash        [20]byte
	PeerID          [20]byte
	HandshakeTimeout time.Duration
	OutboundBuffer   int
}

// Dial opens a TCP connection to addr, performs the BEP 3 handshake and,
// if the peer advertises support, the BEP 10 extension handshake. The
// returned Session's reader/writer goroutines are already running;
// events are delivered to the given channel until the session closes.
func Dial(ctx context.Context, addr string, opts DialOptions, events chan<- Event, log *zap.Logger) (*Session, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peerwire: dial %s: %w", addr, err)
	}

	timeout := opts.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	if _, err := conn.Write(BuildHandshake(opts.InfoHash, opts.PeerID)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("peerwire: sending handshake to %s: %w", addr, err)
	}

	buf := make([]byte, HandshakeSize)
	if _, err := readFull(conn, buf); err != nil {
		conn.Close()
		return nil, fmt.Errorf("peerwire: reading handshake from %s: %w", addr, err)
	}
	peerID, supportsExtended, err := ParseHandshake(buf, opts.InfoHash)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("peerwire: handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	bufSize := opts.OutboundBuffer
	if bufSize == 0 {
		bufSize = 32
	}

	s := &Session{
		Addr:             addr,
		PeerID:           peerID,
		conn:             conn,
		log:              log.With(zap.String("peer", addr)),
		outbound:         make(chan []byte, bufSize),
		events:           events,
		SupportsExtended: supportsExtended,
		AmChoking:        true,
		PeerChoking:      true,
		closed:           make(chan struct{}),
	}

	go s.writeLoop()
	go s.readLoop()

	if supportsExtended {
		s.Send(BuildExtendedHandshake())
	}
	return s, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Send queues msg for the write goroutine. It blocks if the outbound
// buffer is full, which is the session's only form of backpressure onto
// whatever is scheduling requests against it.
func (s *Session) Send(msg *Message) {
	select {
	case s.outbound <- msg.Marshal():
	case <-s.closed:
	}
}

// Close tears down the connection and stops both goroutines.
func (s *Session) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}
	return s.conn.Close()
}

func (s *Session) writeLoop() {
	for {
		select {
		case buf := <-s.outbound:
			if _, err := s.conn.Write(buf); err != nil {
				s.log.Debug("write failed", zap.Error(err))
				s.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) readLoop() {
	defer s.Close()
	for {
		msg, err := ReadMessage(s.conn)
		if err != nil {
			s.emit(Event{Kind: EventClosed, Err: err})
			return
		}
		if msg == nil {
			continue // keep-alive
		}
		if err := s.dispatch(msg); err != nil {
			s.log.Debug("dropping malformed message", zap.Stringer("type", msg.ID), zap.Error(err))
		}
	}
}

var errUnhandledExtension = errors.New("peerwire: unrecognised extended message id")

func (s *Session) dispatch(msg *Message) error {
	switch msg.ID {
	case MsgChoke:
		s.PeerChoking = true
		s.emit(Event{Kind: EventChoke})
	case MsgUnchoke:
		s.PeerChoking = false
		s.emit(Event{Kind: EventUnchoke})
	case MsgInterested:
		s.PeerInterested = true
		s.emit(Event{Kind: EventInterested})
	case MsgNotInterested:
		s.PeerInterested = false
		s.emit(Event{Kind: EventNotInterested})
	case MsgHave:
		index, err := ParseHave(msg.Payload)
		if err != nil {
			return err
		}
		if s.Bitfield != nil {
			s.Bitfield.Set(index)
		}
		s.emit(Event{Kind: EventHave, Index: index})
	case MsgBitfield:
		s.Bitfield = PeerBitfield(msg.Payload)
		s.emit(Event{Kind: EventBitfield, Data: msg.Payload})
	case MsgPiece:
		index, begin, block, err := ParsePiece(msg.Payload)
		if err != nil {
			return err
		}
		s.emit(Event{Kind: EventPiece, Index: index, Begin: begin, Data: block})
	case MsgExtended:
		return s.dispatchExtended(msg.Payload)
	case MsgRequest, MsgCancel:
		// The engine only leeches (spec Non-goals exclude seeding); peer
		// requests for blocks we hold are acknowledged by ignoring them.
	default:
		return fmt.Errorf("peerwire: unknown message id %d", msg.ID)
	}
	return nil
}

func (s *Session) dispatchExtended(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty extended payload", ErrMalformedExtended)
	}
	extID, body := payload[0], payload[1:]
	if extID == 0 {
		info, err := ParseExtendedHandshake(body)
		if err != nil {
			return err
		}
		s.UTMetadataID = info.UTMetadataID
		s.HasUTMetadata = true
		if info.HasMetadataSize {
			s.MetadataSize = info.MetadataSize
		}
		s.emit(Event{Kind: EventExtendedHandshake})
		return nil
	}
	if extID != localUTMetadataID {
		return fmt.Errorf("%w: %d", errUnhandledExtension, extID)
	}
	piece, isRequest, err := ParseMetadataMessage(body)
	if errors.Is(err, ErrMetadataRejected) {
		s.emit(Event{Kind: EventMetadataReject, Index: piece.Index})
		return nil
	}
	if err != nil {
		return err
	}
	if isRequest {
		s.emit(Event{Kind: EventMetadataRequest, Index: piece.Index})
		return nil
	}
	s.emit(Event{Kind: EventMetadataData, Index: piece.Index, Data: piece.Data, Begin: int(piece.Total)})
	return nil
}

func (s *Session) emit(ev Event) {
	ev.Session = s
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}
