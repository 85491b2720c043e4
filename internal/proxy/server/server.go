// Package server implements the proxy's dispatch loop on top of the
// session table, retransmit queue and scheduler: it binds the downstream
// UDP socket, validates and routes incoming datagrams, and drives the
// retransmit/ping timers from a single background goroutine.
//
// One goroutine owns the socket, the session table, the retransmit queue
// and every timer. Other goroutines (the upstream switcher relay in
// cmd/atem-proxy) never touch that state directly; they call Dispatch,
// a channel-backed inbound work queue that keeps the session table and
// retransmit queue single-writer without any locking.
package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/clock"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/conn"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/wire"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/proxy/cache"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/proxy/config"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/proxy/metrics"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/proxy/retransmit"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/proxy/scheduler"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/proxy/session"
)

// recvBufSize is sized for the largest legal datagram plus headroom.
const recvBufSize = wire.PacketLenMax + 1

// Server is the proxy's downstream-facing dispatch loop: one UDP socket
// serving many camera/tally peers, fanned out from a single upstream
// switcher connection via Broadcast.
type Server struct {
	conn    *net.UDPConn
	table   *session.Table
	queue   *retransmit.Queue
	sched   *scheduler.Scheduler
	cache   *cache.Cache
	metrics *metrics.Collector
	log     *logrus.Entry
	clk     clock.Clock

	dispatchCh chan func()
	closing    bool

	pingBuf    []byte
	closingBuf []byte

	// OnUpstreamCommand, if set, is invoked (from the dispatch goroutine)
	// for every command record a downstream peer pushes upstream via an
	// ACKREQ payload (e.g. a CCdP camera-control request). cmd/atem-proxy
	// logs each one; nothing relays it to the upstream switcher connection.
	OnUpstreamCommand func(wire.Command)
}

// New binds the proxy's downstream UDP socket and wires together the
// session table, retransmit queue and scheduler described by cfg.
func New(cfg *config.Config, clk clock.Clock, log *logrus.Entry, mcol *metrics.Collector, c *cache.Cache) (*Server, error) {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", cfg.Listen.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address %q: %w", cfg.Listen.Addr, err)
	}
	udpConn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %q: %w", cfg.Listen.Addr, err)
	}
	if cfg.Listen.RecvBufBytes > 0 {
		if err := setRecvBuf(udpConn, cfg.Listen.RecvBufBytes); err != nil {
			log.WithError(err).Warn("failed to set SO_RCVBUF, continuing with OS default")
		}
	}

	queue := retransmit.NewQueue(time.Duration(cfg.Timing.RetransmitIntervalMs) * time.Millisecond)

	pingBuf := wire.EncodeHeader(wire.Header{Flags: wire.FlagACKREQ, Length: wire.LenHeader})

	closingBuf := make([]byte, wire.LenSYN)
	wire.SetLength(closingBuf, wire.LenSYN)
	wire.SetFlags(closingBuf, wire.FlagSYN)
	wire.SetOpcode(closingBuf, wire.OpcodeClosing)

	s := &Server{
		conn:       udpConn,
		table:      session.NewTable(cfg.Timing.SessionLimit),
		queue:      queue,
		sched:      scheduler.New(queue, time.Duration(cfg.Timing.PingIntervalMs)*time.Millisecond, clk.Now()),
		cache:      c,
		metrics:    mcol,
		log:        log,
		clk:        clk,
		dispatchCh: make(chan func(), 64),
		pingBuf:    pingBuf,
		closingBuf: closingBuf,
	}
	return s, nil
}

func setRecvBuf(c *net.UDPConn, bytes int) error {
	raw, err := c.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bytes)
	}); err != nil {
		return err
	}
	return sockErr
}

// Addr returns the bound local address, useful for tests that bind to ":0".
func (s *Server) Addr() *net.UDPAddr { return s.conn.LocalAddr().(*net.UDPAddr) }

// Close shuts down the listening socket, unblocking Run.
func (s *Server) Close() error {
	return s.conn.Close()
}

// Dispatch enqueues fn to run on the background dispatch loop's goroutine,
// the only safe way for another goroutine (e.g. the upstream switcher
// relay) to mutate the session table, retransmit queue or send a
// broadcast. It blocks only if the dispatch channel is full; callers
// should keep fn bodies short and non-blocking.
func (s *Server) Dispatch(fn func()) {
	s.dispatchCh <- fn
}

// BeginClosing stops accepting new sessions (OPENs are rejected) without
// tearing down existing ones; used for graceful shutdown.
func (s *Server) BeginClosing() {
	s.closing = true
}

type incoming struct {
	addr *net.UDPAddr
	data []byte
}

// Run drives the dispatch loop until ctx is cancelled or the socket is
// closed. It is the single goroutine with write access to the session
// table and retransmit queue.
func (s *Server) Run(ctx context.Context) error {
	recvCh := make(chan incoming, 64)
	errCh := make(chan error, 1)

	go func() {
		buf := make([]byte, recvBufSize)
		for {
			n, addr, err := s.conn.ReadFromUDP(buf)
			if err != nil {
				errCh <- err
				return
			}
			cp := make([]byte, n)
			copy(cp, buf[:n])
			select {
			case recvCh <- incoming{addr: addr, data: cp}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case fn := <-s.dispatchCh:
			fn()
		case pkt := <-recvCh:
			s.handleDatagram(pkt.addr, pkt.data)
		case <-time.After(s.nextTimeout()):
			s.serviceTimers()
		}
	}
}

// nextTimeout computes how long Run may block before a timer needs
// servicing. The ping deadline only matters while at least one session is
// connected, which the scheduler itself doesn't track.
func (s *Server) nextTimeout() time.Duration {
	now := s.clk.Now()
	if s.table.Connected() == 0 {
		if head := s.queue.Head(); head != nil {
			if d := head.Timeout.Sub(now); d > 0 {
				return d
			}
			return 0
		}
		return time.Hour
	}
	return s.sched.TimeToNextEvent(now)
}

func (s *Server) serviceTimers() {
	now := s.clk.Now()

	hooks := retransmit.ExpireHooks{
		AddrOf: func(id uint16) *net.UDPAddr {
			if sess := s.table.ByID(id); sess != nil {
				return sess.Addr
			}
			return nil
		},
		Demote: func(id uint16) {
			s.table.Demote(id)
			s.reportCounts()
		},
		Terminate: func(id uint16) {
			if sess := s.table.ByID(id); sess != nil {
				sess.FlushChain(s.queue)
			}
			s.table.Remove(id)
			if s.metrics != nil {
				s.metrics.IncSessionDropped()
			}
			s.reportCounts()
		},
		ClosingBuf:     func() []byte { return s.closingBuf },
		ClosingResends: func() int { return retransmit.DefaultClosingResends },
	}

	for s.sched.RetransmitDue(now) {
		kind := "data"
		if head := s.queue.Head(); head != nil && head.Kind == retransmit.KindClosing {
			kind = "closing"
		}
		if !s.queue.ExpireOnce(now, s.send, hooks) {
			break
		}
		if s.metrics != nil {
			s.metrics.IncRetransmit(kind)
		}
	}

	if s.table.Connected() > 0 && s.sched.PingDue(now) {
		s.broadcastPing(now)
	}
	s.reportQueueDepth()
}

func (s *Server) send(addr *net.UDPAddr, buf []byte) error {
	_, err := s.conn.WriteToUDP(buf, addr)
	return err
}

func (s *Server) recipients() []retransmit.Recipient {
	connected := s.table.ConnectedSessions()
	recipients := make([]retransmit.Recipient, 0, len(connected))
	for _, sess := range connected {
		recipients = append(recipients, retransmit.Recipient{SessionID: sess.ID, Addr: sess.Addr})
	}
	return recipients
}

func (s *Server) broadcastPing(now time.Time) {
	recipients := s.recipients()
	if len(recipients) == 0 {
		return
	}
	_, refs, err := s.queue.Broadcast(now, append([]byte(nil), s.pingBuf...), retransmit.DefaultDataResends, recipients, s.nextRemoteIDFor, s.send)
	if err != nil {
		s.log.WithError(err).Warn("ping broadcast partially failed")
	}
	s.linkRefs(recipients, refs)
}

// Broadcast fans a command payload out to every connected session, used by
// cmd/atem-proxy's upstream relay to forward a switcher command downstream
// to every camera/tally peer. Call it via Dispatch from other goroutines.
func (s *Server) Broadcast(cmd wire.Command) {
	if s.cache != nil {
		s.cache.Put(cmd)
	}
	recipients := s.recipients()
	if len(recipients) == 0 {
		return
	}

	record := wire.EncodeCommand(cmd.Name, cmd.Payload)
	payload := wire.EncodeHeader(wire.Header{Flags: wire.FlagACKREQ, Length: uint16(wire.LenHeader + len(record))})
	payload = append(payload, record...)

	_, refs, err := s.queue.Broadcast(s.clk.Now(), payload, retransmit.DefaultDataResends, recipients, s.nextRemoteIDFor, s.send)
	if err != nil {
		s.log.WithError(err).Warn("broadcast partially failed")
	}
	s.linkRefs(recipients, refs)
	s.reportQueueDepth()
}

func (s *Server) nextRemoteIDFor(sessionID uint16) uint16 {
	if sess := s.table.ByID(sessionID); sess != nil {
		return sess.NextRemoteID()
	}
	return 0
}

func (s *Server) linkRefs(recipients []retransmit.Recipient, refs []retransmit.Ref) {
	for i, r := range recipients {
		if sess := s.table.ByID(r.SessionID); sess != nil {
			sess.AppendChain(refs[i])
		}
	}
}

func (s *Server) reportCounts() {
	if s.metrics != nil {
		s.metrics.SetSessionCounts(s.table.Connected(), s.table.Len()-s.table.Connected())
	}
}

func (s *Server) reportQueueDepth() {
	if s.metrics != nil {
		s.metrics.PacketsInFlight.Set(float64(s.queue.Len()))
	}
}

// handleDatagram validates a received datagram and routes it by the
// session-id's assignment authority (MSB).
func (s *Server) handleDatagram(addr *net.UDPAddr, data []byte) {
	if len(data) < wire.LenHeader || len(data) > wire.PacketLenMax {
		return
	}

	sessionID := wire.SessionID(data)
	if sessionID&0x8000 == 0 {
		s.handleClientAssigned(addr, data, sessionID)
		return
	}
	s.handleServerAssigned(addr, data, sessionID)
}

// handleClientAssigned routes a datagram addressed by a client-assigned id
// (MSB 0): either an opening SYN OPEN, a retransmit of one already in
// progress, or the plain ACK that completes the handshake.
func (s *Server) handleClientAssigned(addr *net.UDPAddr, data []byte, clientID uint16) {
	h := wire.DecodeHeader(data)

	if h.Flags&wire.FlagSYN != 0 && wire.GetOpcode(data) == wire.OpcodeOpen && len(data) == wire.LenSYN {
		s.handleOpen(addr, clientID)
		return
	}

	if h.Flags&wire.FlagSYN == 0 && h.Flags&wire.FlagACK != 0 {
		sess := s.table.ByID(clientID)
		if sess != nil {
			s.table.Promote(clientID)
			s.reportCounts()
			s.replayCache(sess)
		}
		return
	}
}

func (s *Server) handleOpen(addr *net.UDPAddr, clientID uint16) {
	if existing := s.table.ByID(clientID); existing != nil {
		buf := append([]byte(nil), existing.AcceptBuf...)
		wire.SetFlags(buf, wire.FlagSYN|wire.FlagRETX)
		s.send(addr, buf)
		return
	}

	if s.closing {
		s.sendReject(addr, clientID)
		return
	}

	sess, err := s.table.Create(clientID, addr, conn.NewState())
	if err != nil {
		s.sendReject(addr, clientID)
		return
	}

	// The ACCEPT goes out under the client-assigned id: the peer echoes
	// whatever id the ACCEPT carried back in its completing ACK, and that
	// ACK must route as an MSB=0 handshake completion. The server-assigned
	// id only appears in headers once the session is connected.
	accept := wire.EncodeHeader(wire.Header{Flags: wire.FlagSYN, Length: wire.LenSYN, SessionID: clientID})
	accept = append(accept, make([]byte, wire.LenSYN-wire.LenHeader)...)
	wire.SetOpcode(accept, wire.OpcodeAccept)
	wire.SetNewSessionID(accept, sess.ID&0x7fff)
	sess.AcceptBuf = accept

	s.send(addr, accept)
	s.reportCounts()
}

func (s *Server) sendReject(addr *net.UDPAddr, clientID uint16) {
	buf := wire.EncodeHeader(wire.Header{Flags: wire.FlagSYN, Length: wire.LenSYN, SessionID: clientID})
	buf = append(buf, make([]byte, wire.LenSYN-wire.LenHeader)...)
	wire.SetOpcode(buf, wire.OpcodeReject)
	s.send(addr, buf)
}

// replayCache sends every cached command from the upstream switcher to a
// newly connected session, so a late joiner gets current tally/version
// state without waiting for the next organic switcher update.
func (s *Server) replayCache(sess *session.Session) {
	if s.cache == nil || s.cache.Len() == 0 {
		return
	}
	for _, cmd := range s.cache.Snapshot() {
		record := wire.EncodeCommand(cmd.Name, cmd.Payload)
		payload := wire.EncodeHeader(wire.Header{Flags: wire.FlagACKREQ, Length: uint16(wire.LenHeader + len(record))})
		payload = append(payload, record...)
		recipients := []retransmit.Recipient{{SessionID: sess.ID, Addr: sess.Addr}}
		_, refs, err := s.queue.Broadcast(s.clk.Now(), payload, retransmit.DefaultDataResends, recipients, s.nextRemoteIDFor, s.send)
		if err != nil {
			s.log.WithError(err).Warn("cache replay send failed")
			continue
		}
		sess.AppendChain(refs[0])
	}
	s.reportQueueDepth()
}

// handleServerAssigned routes a datagram addressed by a server-assigned id
// (MSB 1): a plain ACK driving the retransmit queue's acknowledgement
// processing, an unsolicited CLOSED completing a server-initiated close, or
// anything the per-session conn.State machine understands (ACKREQ-carried
// upstream commands and a peer-initiated CLOSING handshake).
func (s *Server) handleServerAssigned(addr *net.UDPAddr, data []byte, id uint16) {
	sess := s.table.ByID(id)
	if sess == nil {
		return
	}
	if !sameAddr(sess.Addr, addr) {
		return
	}

	h := wire.DecodeHeader(data)

	if h.Flags&wire.FlagACK != 0 && h.Flags&wire.FlagSYN == 0 && h.Flags&wire.FlagACKREQ == 0 {
		sess.AdvanceChain(s.queue, h.AckID)
		s.reportQueueDepth()
		return
	}

	// An unsolicited CLOSED completes a close the server itself initiated
	// via retransmit escalation (internal/proxy/retransmit's CLOSING
	// singleton, outside sess.State's own handshake tracking); remove the
	// session now instead of waiting on the CLOSING packet's own resend
	// budget to expire.
	if h.Flags&wire.FlagSYN != 0 && wire.GetOpcode(data) == wire.OpcodeClosed {
		sess.FlushChain(s.queue)
		s.table.Remove(id)
		s.reportCounts()
		s.reportQueueDepth()
		return
	}

	status, buf := sess.State.Parse(data)
	if status.RequiresWrite() {
		s.send(addr, buf)
	}

	switch status {
	case conn.StatusWrite:
		for _, cmd := range wire.Commands(data[wire.LenHeader:]) {
			if s.OnUpstreamCommand != nil {
				s.OnUpstreamCommand(cmd)
			}
		}
	case conn.StatusClosing:
		sess.FlushChain(s.queue)
		s.table.Remove(id)
		s.reportCounts()
		s.reportQueueDepth()
	}
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
