// Package conn implements the ATEM connection state machine: pure,
// timing-free logic that turns a received datagram into an outgoing
// datagram (or not) and a verdict describing what the caller should do
// next.
//
// The state machine never allocates on the hot path and never touches
// shared process state; all mutable state lives in the per-session *State
// and its four reusable output buffers.
package conn

import "github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/wire"

// Status is the verdict Parse returns for a received datagram. Statuses
// with an even ordinal require transmitting the paired buffer, odd-ordinal
// ones do not. Callers can rely on that parity instead of a type switch
// when they only care whether to send.
type Status int

const (
	StatusError     Status = -1
	StatusWrite     Status = 0
	StatusAccepted  Status = 2
	StatusRejected  Status = 3
	StatusClosing   Status = 4
	StatusClosed    Status = 5
	StatusWriteOnly Status = 6
	StatusNone      Status = 7
)

// RequiresWrite reports whether s pairs with an outgoing buffer that must
// be transmitted. NONE, REJECTED, CLOSED and ERROR never do.
func (s Status) RequiresWrite() bool {
	return s >= 0 && s%2 == 0
}

func (s Status) String() string {
	switch s {
	case StatusError:
		return "ERROR"
	case StatusWrite:
		return "WRITE"
	case StatusAccepted:
		return "ACCEPTED"
	case StatusRejected:
		return "REJECTED"
	case StatusClosing:
		return "CLOSING"
	case StatusClosed:
		return "CLOSED"
	case StatusWriteOnly:
		return "WRITE_ONLY"
	case StatusNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// dummyClientSessionID is the fixed client-assigned id burned into the
// opening SYN. The server replaces it with a server-assigned id during
// the handshake, so its value only needs to have the MSB clear.
const dummyClientSessionID = 0x1337

// bufKind identifies which of the reusable buffers is currently "the"
// write buffer for a State.
type bufKind int

const (
	bufNone bufKind = iota
	bufOpen
	bufAck
	bufClose
	bufRetxReq
)

// Buffers holds the four reusable outgoing-packet buffers a State cycles
// through. They are reused in place across calls, never reallocated.
type Buffers struct {
	Open    []byte
	Ack     []byte
	Close   []byte
	RetxReq []byte
}

// NewBuffers allocates and pre-stamps the four singleton buffers.
func NewBuffers() *Buffers {
	b := &Buffers{
		Open:    make([]byte, wire.LenSYN),
		Ack:     make([]byte, wire.LenHeader),
		Close:   make([]byte, wire.LenSYN),
		RetxReq: make([]byte, wire.LenHeader),
	}
	wire.SetLength(b.Open, wire.LenSYN)
	wire.SetSessionID(b.Open, dummyClientSessionID)
	wire.SetOpcode(b.Open, wire.OpcodeOpen)

	wire.SetLength(b.Ack, wire.LenHeader)
	wire.SetFlags(b.Ack, wire.FlagACK)

	wire.SetLength(b.Close, wire.LenSYN)

	wire.SetLength(b.RetxReq, wire.LenHeader)
	wire.SetFlags(b.RetxReq, wire.FlagRETXREQ)
	return b
}

// State is the per-peer connection state the state machine mutates:
// the last-acknowledged remote id and which singleton buffer is active.
type State struct {
	buffers      *Buffers
	active       bufKind
	lastRemoteID uint16
}

// NewState creates connection state with fresh singleton buffers.
func NewState() *State {
	return &State{buffers: NewBuffers()}
}

// LastRemoteID returns the last remote id this state has acknowledged.
func (s *State) LastRemoteID() uint16 { return s.lastRemoteID }

// Reset arms the Open buffer to (re)start the opening handshake, setting
// the RETX flag if a SYN OPEN was already the active buffer (i.e. this is
// a resend of a handshake that never got a response).
func (s *State) Reset() []byte {
	flags := wire.FlagSYN
	if s.active == bufOpen {
		flags |= wire.FlagRETX
	}
	wire.SetFlags(s.buffers.Open, flags)
	s.active = bufOpen
	return s.buffers.Open
}

// RequestClose arms the Close buffer as a CLOSING request addressed to
// the session id carried by received.
func (s *State) RequestClose(received []byte) []byte {
	buf := s.buffers.Close
	wire.SetFlags(buf, wire.FlagSYN)
	wire.SetSessionID(buf, wire.SessionID(received))
	wire.SetOpcode(buf, wire.OpcodeClosing)
	s.active = bufClose
	return buf
}

// Parse runs the state machine on a received datagram, returning the
// verdict and, when RequiresWrite() is true, the buffer to transmit.
// received must be at least wire.LenHeader bytes; the caller's UDP read
// path is responsible for discarding anything shorter.
func (s *State) Parse(received []byte) (Status, []byte) {
	if s.active == bufClose {
		return s.parseWhileClosing(received)
	}

	h := wire.DecodeHeader(received)

	if h.Flags&wire.FlagACKREQ != 0 {
		return s.parseACKREQ(received, h)
	}

	if h.Flags&wire.FlagSYN == 0 {
		return StatusNone, nil
	}

	switch wire.GetOpcode(received) {
	case wire.OpcodeAccept:
		return s.parseAccept(received, h)
	case wire.OpcodeClosing:
		buf := s.buffers.Close
		wire.SetFlags(buf, wire.FlagSYN)
		wire.SetSessionID(buf, h.SessionID)
		wire.SetOpcode(buf, wire.OpcodeClosed)
		s.active = bufClose
		return StatusClosing, buf
	case wire.OpcodeReject:
		return StatusRejected, nil
	default:
		return StatusError, nil
	}
}

// parseWhileClosing handles every datagram received while a close request
// is outstanding: it either completes the close, flips to a close
// response, or re-arms a RETX of the close request.
func (s *State) parseWhileClosing(received []byte) (Status, []byte) {
	buf := s.buffers.Close

	// Default: re-arm the close buffer as a retransmit of a CLOSING request.
	wire.SetFlags(buf, wire.FlagSYN|wire.FlagRETX)
	wire.SetOpcode(buf, wire.OpcodeClosing)

	if wire.DecodeHeader(received).Flags&wire.FlagSYN != 0 {
		switch wire.GetOpcode(received) {
		case wire.OpcodeClosed:
			wire.SetSessionID(buf, wire.SessionID(received))
			return StatusClosed, nil
		case wire.OpcodeClosing:
			wire.SetFlags(buf, wire.FlagSYN)
			wire.SetOpcode(buf, wire.OpcodeClosed)
		}
	}

	wire.SetSessionID(buf, wire.SessionID(received))
	return StatusWriteOnly, buf
}

// parseACKREQ implements the ACKREQ branch: advance-and-ack, request a
// retransmit of a missing packet, or re-ack the last good remote id for a
// duplicate/stale packet.
func (s *State) parseACKREQ(received []byte, h wire.Header) (Status, []byte) {
	expected := (s.lastRemoteID + 1) & wire.LimitRemoteID
	received15 := h.RemoteID & wire.LimitRemoteID

	switch {
	case received15 == expected:
		s.lastRemoteID = received15
		buf := s.buffers.Ack
		wire.SetSessionID(buf, h.SessionID)
		wire.SetAckID(buf, received15)
		s.active = bufAck
		return StatusWrite, buf

	case ((received15 - expected) & wire.LimitRemoteID) <= (wire.LimitRemoteID / 2):
		buf := s.buffers.RetxReq
		wire.SetSessionID(buf, h.SessionID)
		wire.SetLocalID(buf, expected)
		s.active = bufRetxReq
		return StatusWriteOnly, buf

	default:
		buf := s.buffers.Ack
		wire.SetSessionID(buf, h.SessionID)
		wire.SetAckID(buf, s.lastRemoteID)
		s.active = bufAck
		return StatusWriteOnly, buf
	}
}

// parseAccept implements the handshake-completion branch: the first
// ACCEPT initializes sequence state and returns ACCEPTED; retransmits of
// it only re-arm the ACK buffer and return WRITE_ONLY.
func (s *State) parseAccept(received []byte, h wire.Header) (Status, []byte) {
	buf := s.buffers.Ack
	wire.SetSessionID(buf, h.SessionID)
	wire.SetAckID(buf, 0)

	if s.active == bufAck {
		return StatusWriteOnly, buf
	}
	s.active = bufAck
	s.lastRemoteID = 0
	return StatusAccepted, buf
}
