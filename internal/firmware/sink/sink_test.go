package sink

import (
	"net"
	"testing"
	"time"

	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/client"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/wire"
)

// fakeSwitcher is a minimal hand-driven peer, in the same spirit as
// internal/atem/client's own fakeServer.
type fakeSwitcher struct {
	conn *net.UDPConn
	t    *testing.T
}

func newFakeSwitcher(t *testing.T) *fakeSwitcher {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &fakeSwitcher{conn: conn, t: t}
}

func (f *fakeSwitcher) addr() string { return f.conn.LocalAddr().String() }

func (f *fakeSwitcher) recv() ([]byte, *net.UDPAddr) {
	f.t.Helper()
	buf := make([]byte, wire.PacketLenMax)
	f.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, peer, err := f.conn.ReadFromUDP(buf)
	if err != nil {
		f.t.Fatalf("recv: %v", err)
	}
	return buf[:n], peer
}

func (f *fakeSwitcher) send(buf []byte, peer *net.UDPAddr) {
	f.t.Helper()
	if _, err := f.conn.WriteToUDP(buf, peer); err != nil {
		f.t.Fatalf("send: %v", err)
	}
}

func (f *fakeSwitcher) acceptHandshake(sess *client.Session) *net.UDPAddr {
	_, peer := f.recv()
	accept := wire.EncodeHeader(wire.Header{Flags: wire.FlagSYN, Length: wire.LenSYN, SessionID: 0x8001})
	accept = append(accept, make([]byte, wire.LenSYN-wire.LenHeader)...)
	wire.SetOpcode(accept, wire.OpcodeAccept)
	f.send(accept, peer)
	if _, err := sess.Poll(time.Second); err != nil {
		f.t.Fatalf("Poll: %v", err)
	}
	f.recv() // client's ACK of the ACCEPT
	return peer
}

func (f *fakeSwitcher) sendCommand(peer *net.UDPAddr, remoteID uint16, name uint32, payload []byte) {
	record := wire.EncodeCommand(name, payload)
	buf := wire.EncodeHeader(wire.Header{
		Flags:     wire.FlagACKREQ,
		Length:    uint16(wire.LenHeader + len(record)),
		SessionID: 0x8001,
		RemoteID:  remoteID,
	})
	buf = append(buf, record...)
	f.send(buf, peer)
}

type fakeTallySink struct {
	pgm, pvw bool
	calls    int
}

func (s *fakeTallySink) SetTally(pgm, pvw bool) {
	s.pgm, s.pvw = pgm, pvw
	s.calls++
}

type fakeCameraSink struct {
	packets [][]byte
}

func (s *fakeCameraSink) SendSDI(packet []byte) {
	s.packets = append(s.packets, packet)
}

type fakeCommandSink struct {
	commands []wire.Command
}

func (s *fakeCommandSink) OnCommand(cmd wire.Command) {
	s.commands = append(s.commands, cmd)
}

func TestDeviceDispatchesTallyToSink(t *testing.T) {
	srv := newFakeSwitcher(t)
	defer srv.conn.Close()

	sess, err := client.Dial(srv.addr(), nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()
	peer := srv.acceptHandshake(sess)

	tally := &fakeTallySink{}
	dev := NewDevice(sess, 2, nil, nil, tally, nil, nil)

	srv.sendCommand(peer, 1, wire.CmdTally, []byte{0x00, 0x03, 0x00, tallyFlagPGMForTest()})

	if _, err := dev.Run(time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tally.calls != 1 {
		t.Fatalf("SetTally calls = %d, want 1", tally.calls)
	}
	if !tally.pgm || tally.pvw {
		t.Fatalf("tally = pgm=%v pvw=%v, want pgm=true pvw=false", tally.pgm, tally.pvw)
	}
}

func tallyFlagPGMForTest() byte { return 0x01 }

func TestDeviceDispatchesCameraControlToSink(t *testing.T) {
	srv := newFakeSwitcher(t)
	defer srv.conn.Close()

	sess, err := client.Dial(srv.addr(), nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()
	peer := srv.acceptHandshake(sess)

	camera := &fakeCameraSink{}
	dev := NewDevice(sess, 3, nil, nil, nil, camera, nil)

	payload := make([]byte, 18)
	payload[0] = 3 // dest
	payload[1] = 1 // category
	payload[2] = 2 // parameter
	payload[3] = 2 // data type
	payload[7] = 1 // count16 = 1
	payload[16] = 0x01
	payload[17] = 0xf4
	srv.sendCommand(peer, 1, wire.CmdCameraControl, payload)

	if _, err := dev.Run(time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(camera.packets) != 1 {
		t.Fatalf("SendSDI calls = %d, want 1", len(camera.packets))
	}
	want := []byte{3, 8, 0x00, 0x00, 0x01, 0x02, 0x02, 0x00, 0xf4, 0x01, 0x00, 0x00}
	got := camera.packets[0]
	if len(got) != len(want) {
		t.Fatalf("packet length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = 0x%02x, want 0x%02x", i, got[i], want[i])
		}
	}
}

func TestDeviceIgnoresCameraControlForOtherDest(t *testing.T) {
	srv := newFakeSwitcher(t)
	defer srv.conn.Close()

	sess, err := client.Dial(srv.addr(), nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()
	peer := srv.acceptHandshake(sess)

	camera := &fakeCameraSink{}
	dev := NewDevice(sess, 9, nil, nil, nil, camera, nil)

	payload := make([]byte, 18)
	payload[0] = 3 // dest != 9
	srv.sendCommand(peer, 1, wire.CmdCameraControl, payload)

	if _, err := dev.Run(time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(camera.packets) != 0 {
		t.Fatalf("SendSDI calls = %d, want 0 (wrong dest)", len(camera.packets))
	}
}

func TestDeviceForwardsUnknownCommandToCommandSink(t *testing.T) {
	srv := newFakeSwitcher(t)
	defer srv.conn.Close()

	sess, err := client.Dial(srv.addr(), nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()
	peer := srv.acceptHandshake(sess)

	cmds := &fakeCommandSink{}
	dev := NewDevice(sess, 2, nil, nil, nil, nil, cmds)

	const cmdUnknown = uint32('T')<<24 | uint32('e')<<16 | uint32('s')<<8 | uint32('t')
	srv.sendCommand(peer, 1, cmdUnknown, []byte{0xde, 0xad})

	if _, err := dev.Run(time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(cmds.commands) != 1 {
		t.Fatalf("OnCommand calls = %d, want 1", len(cmds.commands))
	}
	if cmds.commands[0].Name != cmdUnknown {
		t.Fatalf("command name = 0x%08x, want 0x%08x", cmds.commands[0].Name, cmdUnknown)
	}
}
