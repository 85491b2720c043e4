// Package client implements the ATEM client session driver: it wraps the
// pure state machine in internal/atem/conn with a UDP socket, a clock,
// handshake retry, and a command-iterator API. Session is one
// goroutine-free struct driving a socket and a small state machine,
// logged at every transition.
package client

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/clock"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/conn"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/wire"
)

// DefaultTimeout is the default interval after which a session with no
// traffic is considered dropped.
const DefaultTimeout = 5000 * time.Millisecond

// Status is the verdict Session.Poll/Next surfaces to the caller, layering
// client-only states (DROPPED, transport errors) on top of conn.Status.
type Status int

const (
	// StatusNone means nothing interesting happened; keep polling.
	StatusNone Status = iota
	// StatusCommand means a command-bearing packet arrived; Next returns
	// its records one at a time.
	StatusCommand
	// StatusRejected means the peer refused the connection (terminal).
	StatusRejected
	// StatusClosing means the peer is tearing down the session.
	StatusClosing
	// StatusClosed means the close handshake completed.
	StatusClosed
	// StatusDropped means no traffic arrived within the timeout; the
	// driver has already reopened the connection.
	StatusDropped
	// StatusError means a transport error occurred.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusCommand:
		return "COMMAND"
	case StatusRejected:
		return "REJECTED"
	case StatusClosing:
		return "CLOSING"
	case StatusClosed:
		return "CLOSED"
	case StatusDropped:
		return "DROPPED"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Session drives one ATEM connection over UDP.
type Session struct {
	sock  *net.UDPConn
	state *conn.State
	clk   clock.Clock
	log   *logrus.Entry

	pending []wire.Command
	readBuf []byte
}

// Dial opens the UDP socket to peerAddr and sends the opening SYN. log
// and clk may be nil, in which case a standard logger and the system
// clock are used.
func Dial(peerAddr string, clk clock.Clock, log *logrus.Entry) (*Session, error) {
	addr, err := net.ResolveUDPAddr("udp4", peerAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve peer address %q: %w", peerAddr, err)
	}
	sock, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", peerAddr, err)
	}
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	s := &Session{
		sock:    sock,
		state:   conn.NewState(),
		clk:     clk,
		log:     log.WithField("peer", peerAddr),
		readBuf: make([]byte, wire.PacketLenMax),
	}
	if err := s.reconnect(); err != nil {
		sock.Close()
		return nil, err
	}
	return s, nil
}

// reconnect (re)arms the opening SYN and transmits it. Reset sets the
// RETX flag itself when the opening SYN was already the active buffer, so
// a caller-visible reconnect after a timeout is indistinguishable on the
// wire from a handshake retry.
func (s *Session) reconnect() error {
	buf := s.state.Reset()
	if _, err := s.sock.Write(buf); err != nil {
		return fmt.Errorf("send OPEN: %w", err)
	}
	s.log.Debug("sent OPEN")
	return nil
}

// Close releases the underlying socket without attempting a graceful
// CLOSING handshake.
func (s *Session) Close() error {
	return s.sock.Close()
}

// Poll waits up to timeout for one datagram, runs the state machine on it,
// and transmits any required response. A read timeout reopens the
// connection and returns StatusDropped, a recoverable status the caller
// sees but the driver has already handled.
func (s *Session) Poll(timeout time.Duration) (Status, error) {
	status, _, err := s.poll(timeout)
	return status, err
}

// poll is shared by Poll and Next; it additionally returns the received
// datagram's command payload (nil if there was none) when a command-bearing
// packet arrived.
func (s *Session) poll(timeout time.Duration) (Status, []byte, error) {
	if err := s.sock.SetReadDeadline(s.clk.Now().Add(timeout)); err != nil {
		return StatusError, nil, fmt.Errorf("set read deadline: %w", err)
	}

	n, err := s.sock.Read(s.readBuf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			s.log.Debug("read timeout; reconnecting")
			if rerr := s.reconnect(); rerr != nil {
				return StatusError, nil, rerr
			}
			return StatusDropped, nil, nil
		}
		return StatusError, nil, err
	}
	if n < wire.LenHeader {
		return StatusNone, nil, nil
	}

	received := s.readBuf[:n]
	verdict, out := s.state.Parse(received)
	if verdict.RequiresWrite() {
		if _, werr := s.sock.Write(out); werr != nil {
			return StatusError, nil, fmt.Errorf("send response: %w", werr)
		}
	}

	switch verdict {
	case conn.StatusWrite:
		h := wire.DecodeHeader(received)
		if int(h.Length) <= wire.LenHeader {
			return StatusCommand, nil, nil
		}
		payload := make([]byte, int(h.Length)-wire.LenHeader)
		copy(payload, received[wire.LenHeader:h.Length])
		return StatusCommand, payload, nil
	case conn.StatusAccepted, conn.StatusWriteOnly, conn.StatusNone:
		return StatusNone, nil, nil
	case conn.StatusRejected:
		return StatusRejected, nil, nil
	case conn.StatusClosing:
		return StatusClosing, nil, nil
	case conn.StatusClosed:
		return StatusClosed, nil, nil
	default:
		return StatusNone, nil, nil
	}
}

// Next blocks until the next command record is available, surfacing them
// one at a time in wire order. Consecutive packets are strictly ordered by
// remote-id because out-of-order packets are held off via RETXREQ. On
// REJECTED, CLOSING, CLOSED, or a
// transport error, that status is surfaced instead of a command. DROPPED is
// recoverable: the driver has already resent the OPEN by the time it is
// returned, so callers running their own event loop (the firmware device,
// the proxy's switcher pump) regain control once per quiet timeout instead
// of blocking here indefinitely.
func (s *Session) Next(timeout time.Duration) (wire.Command, Status, error) {
	for {
		if len(s.pending) > 0 {
			cmd := s.pending[0]
			s.pending = s.pending[1:]
			return cmd, StatusCommand, nil
		}

		status, payload, err := s.poll(timeout)
		if err != nil {
			return wire.Command{}, StatusError, err
		}

		switch status {
		case StatusCommand:
			if payload == nil {
				continue
			}
			s.pending = wire.Commands(payload)
			if len(s.pending) == 0 {
				continue
			}
		case StatusRejected, StatusClosing, StatusClosed, StatusDropped:
			return wire.Command{}, status, nil
		case StatusNone:
			continue
		}
	}
}
