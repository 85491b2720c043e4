package client

import (
	"net"
	"testing"
	"time"

	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/wire"
)

// fakeServer is a minimal hand-driven peer used to exercise Session
// without a real ATEM switcher: a bare net.ListenUDP loopback socket the
// test drives by hand.
type fakeServer struct {
	conn *net.UDPConn
	t    *testing.T
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &fakeServer{conn: conn, t: t}
}

func (f *fakeServer) addr() string { return f.conn.LocalAddr().String() }

func (f *fakeServer) recv() ([]byte, *net.UDPAddr) {
	f.t.Helper()
	buf := make([]byte, wire.PacketLenMax)
	f.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, peer, err := f.conn.ReadFromUDP(buf)
	if err != nil {
		f.t.Fatalf("recv: %v", err)
	}
	return buf[:n], peer
}

func (f *fakeServer) send(buf []byte, peer *net.UDPAddr) {
	f.t.Helper()
	if _, err := f.conn.WriteToUDP(buf, peer); err != nil {
		f.t.Fatalf("send: %v", err)
	}
}

func TestDialSendsOpen(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.conn.Close()

	sess, err := Dial(srv.addr(), nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	buf, _ := srv.recv()
	h := wire.DecodeHeader(buf)
	if h.Flags&wire.FlagSYN == 0 {
		t.Fatalf("expected SYN flag, got flags=0x%02x", h.Flags)
	}
	if wire.GetOpcode(buf) != wire.OpcodeOpen {
		t.Fatalf("opcode = %v, want OPEN", wire.GetOpcode(buf))
	}
}

func TestNextSurfacesCommandInOrder(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.conn.Close()

	sess, err := Dial(srv.addr(), nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	_, peer := srv.recv()

	accept := wire.EncodeHeader(wire.Header{Flags: wire.FlagSYN, Length: wire.LenSYN, SessionID: 0x8001})
	accept = append(accept, make([]byte, wire.LenSYN-wire.LenHeader)...)
	wire.SetOpcode(accept, wire.OpcodeAccept)
	srv.send(accept, peer)
	if _, err := sess.Poll(time.Second); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	srv.recv() // the client's ACK of the ACCEPT

	payload := wire.EncodeCommand(wire.CmdVersion, []byte{0x00, 0x08, 0x00, 0x01})
	ackreq := wire.EncodeHeader(wire.Header{
		Flags:     wire.FlagACKREQ,
		Length:    uint16(wire.LenHeader + len(payload)),
		SessionID: 0x8001,
		RemoteID:  1,
	})
	ackreq = append(ackreq, payload...)
	srv.send(ackreq, peer)

	cmd, status, err := sess.Next(time.Second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if status != StatusCommand {
		t.Fatalf("status = %v, want StatusCommand", status)
	}
	if cmd.Name != wire.CmdVersion {
		t.Fatalf("command name = 0x%08x, want _ver", cmd.Name)
	}

	ackBuf, _ := srv.recv()
	if wire.AckID(ackBuf) != 1 {
		t.Fatalf("ack id = %d, want 1", wire.AckID(ackBuf))
	}
}

func TestNextSurfacesDroppedOnQuietConnection(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.conn.Close()

	sess, err := Dial(srv.addr(), nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	srv.recv() // initial OPEN

	_, status, err := sess.Next(50 * time.Millisecond)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if status != StatusDropped {
		t.Fatalf("status = %v, want StatusDropped", status)
	}
}

func TestPollTimeoutDropsAndReconnects(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.conn.Close()

	sess, err := Dial(srv.addr(), nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	srv.recv() // initial OPEN

	status, err := sess.Poll(50 * time.Millisecond)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if status != StatusDropped {
		t.Fatalf("status = %v, want StatusDropped", status)
	}

	buf, _ := srv.recv()
	h := wire.DecodeHeader(buf)
	if h.Flags&wire.FlagSYN == 0 || wire.GetOpcode(buf) != wire.OpcodeOpen {
		t.Fatalf("expected a resent OPEN, got flags=0x%02x opcode=%v", h.Flags, wire.GetOpcode(buf))
	}
	if h.Flags&wire.FlagRETX == 0 {
		t.Fatalf("resent OPEN should carry RETX")
	}
}
