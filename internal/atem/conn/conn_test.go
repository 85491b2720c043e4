package conn

import (
	"testing"

	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/wire"
)

func synPacket(sessionID uint16, op wire.Opcode) []byte {
	buf := wire.EncodeHeader(wire.Header{Flags: wire.FlagSYN, Length: wire.LenSYN, SessionID: sessionID})
	buf = append(buf, make([]byte, wire.LenSYN-wire.LenHeader)...)
	wire.SetOpcode(buf, op)
	return buf
}

func ackreqPacket(sessionID, remoteID uint16) []byte {
	return wire.EncodeHeader(wire.Header{
		Flags:     wire.FlagACKREQ,
		Length:    wire.LenHeader,
		SessionID: sessionID,
		RemoteID:  remoteID,
	})
}

func TestParseAcceptThenDuplicateAccept(t *testing.T) {
	s := NewState()
	status, buf := s.Parse(synPacket(0x8001, wire.OpcodeAccept))
	if status != StatusAccepted {
		t.Fatalf("first ACCEPT: got %v, want ACCEPTED", status)
	}
	if !status.RequiresWrite() {
		t.Fatalf("ACCEPTED should require a write")
	}
	if wire.SessionID(buf) != 0x8001 {
		t.Fatalf("ack buffer session id = 0x%04x, want 0x8001", wire.SessionID(buf))
	}

	status, buf = s.Parse(synPacket(0x8001, wire.OpcodeAccept))
	if status != StatusWriteOnly {
		t.Fatalf("retransmitted ACCEPT: got %v, want WRITE_ONLY", status)
	}
	if buf == nil {
		t.Fatalf("WRITE_ONLY must carry a buffer to send")
	}
}

func TestParseACKREQInOrderAdvances(t *testing.T) {
	s := NewState()
	s.Parse(synPacket(0x8001, wire.OpcodeAccept))

	status, buf := s.Parse(ackreqPacket(0x8001, 1))
	if status != StatusWrite {
		t.Fatalf("in-order ACKREQ: got %v, want WRITE", status)
	}
	if wire.AckID(buf) != 1 {
		t.Fatalf("ack id = %d, want 1", wire.AckID(buf))
	}
	if s.LastRemoteID() != 1 {
		t.Fatalf("lastRemoteID = %d, want 1", s.LastRemoteID())
	}
}

func TestParseACKREQGapRequestsRetransmit(t *testing.T) {
	s := NewState()
	s.Parse(synPacket(0x8001, wire.OpcodeAccept))

	// Skip remote id 1 entirely; id 2 arrives first.
	status, buf := s.Parse(ackreqPacket(0x8001, 2))
	if status != StatusWriteOnly {
		t.Fatalf("gapped ACKREQ: got %v, want WRITE_ONLY", status)
	}
	if buf[0]&wire.FlagRETXREQ == 0 {
		t.Fatalf("expected RETXREQ flag set on response buffer")
	}
	if s.LastRemoteID() != 0 {
		t.Fatalf("lastRemoteID should not advance past a gap, got %d", s.LastRemoteID())
	}
}

func TestParseACKREQDuplicateReAcks(t *testing.T) {
	s := NewState()
	s.Parse(synPacket(0x8001, wire.OpcodeAccept))
	s.Parse(ackreqPacket(0x8001, 1))

	// Same remote id again: stale duplicate, should re-ack lastRemoteID.
	status, buf := s.Parse(ackreqPacket(0x8001, 1))
	if status != StatusWriteOnly {
		t.Fatalf("duplicate ACKREQ: got %v, want WRITE_ONLY", status)
	}
	if wire.AckID(buf) != 1 {
		t.Fatalf("duplicate re-ack id = %d, want 1", wire.AckID(buf))
	}
}

func TestParseNonSYNWithoutACKREQIsNone(t *testing.T) {
	s := NewState()
	buf := wire.EncodeHeader(wire.Header{Length: wire.LenHeader})
	status, out := s.Parse(buf)
	if status != StatusNone {
		t.Fatalf("got %v, want NONE", status)
	}
	if out != nil {
		t.Fatalf("NONE must not carry a buffer")
	}
	if status.RequiresWrite() {
		t.Fatalf("NONE must not require a write")
	}
}

func TestParseRejectReturnsRejected(t *testing.T) {
	s := NewState()
	status, buf := s.Parse(synPacket(0x1337, wire.OpcodeReject))
	if status != StatusRejected {
		t.Fatalf("got %v, want REJECTED", status)
	}
	if buf != nil {
		t.Fatalf("REJECTED must not carry a buffer")
	}
}

func TestParseUnknownOpcodeIsError(t *testing.T) {
	s := NewState()
	status, _ := s.Parse(synPacket(0x1337, wire.Opcode(0xff)))
	if status != StatusError {
		t.Fatalf("got %v, want ERROR", status)
	}
}

func TestParseClosingThenClosed(t *testing.T) {
	s := NewState()
	s.Parse(synPacket(0x8001, wire.OpcodeAccept))

	status, buf := s.Parse(synPacket(0x8001, wire.OpcodeClosing))
	if status != StatusClosing {
		t.Fatalf("peer CLOSING: got %v, want CLOSING", status)
	}
	if wire.GetOpcode(buf) != wire.OpcodeClosed {
		t.Fatalf("response opcode = %v, want CLOSED", wire.GetOpcode(buf))
	}

	// Peer acknowledges our CLOSED with its own CLOSED.
	status, buf = s.Parse(synPacket(0x8001, wire.OpcodeClosed))
	if status != StatusClosed {
		t.Fatalf("got %v, want CLOSED", status)
	}
	if buf != nil {
		t.Fatalf("CLOSED must not carry a buffer")
	}
}

func TestRequestCloseThenPeerClosingRace(t *testing.T) {
	s := NewState()
	s.Parse(synPacket(0x8001, wire.OpcodeAccept))

	closeBuf := s.RequestClose(synPacket(0x8001, wire.OpcodeAccept))
	if wire.GetOpcode(closeBuf) != wire.OpcodeClosing {
		t.Fatalf("RequestClose must stamp CLOSING opcode")
	}

	// Peer's own CLOSING crosses in flight with ours.
	status, buf := s.Parse(synPacket(0x8001, wire.OpcodeClosing))
	if status != StatusWriteOnly {
		t.Fatalf("crossed CLOSING: got %v, want WRITE_ONLY", status)
	}
	if wire.GetOpcode(buf) != wire.OpcodeClosed {
		t.Fatalf("response opcode = %v, want CLOSED", wire.GetOpcode(buf))
	}
}

func TestRequestCloseRetransmitsOnUnrelatedTraffic(t *testing.T) {
	s := NewState()
	s.Parse(synPacket(0x8001, wire.OpcodeAccept))
	s.RequestClose(synPacket(0x8001, wire.OpcodeAccept))

	status, buf := s.Parse(ackreqPacket(0x8001, 1))
	if status != StatusWriteOnly {
		t.Fatalf("got %v, want WRITE_ONLY (close retransmit)", status)
	}
	if buf[0]&wire.FlagRETX == 0 {
		t.Fatalf("expected RETX flag on re-armed close buffer")
	}
}

func TestResetSetsRETXOnSecondCall(t *testing.T) {
	s := NewState()
	first := s.Reset()
	if first[0]&wire.FlagRETX != 0 {
		t.Fatalf("first Reset must not carry RETX")
	}
	second := s.Reset()
	if second[0]&wire.FlagRETX == 0 {
		t.Fatalf("second Reset must carry RETX")
	}
}

func TestStatusRequiresWrite(t *testing.T) {
	cases := []struct {
		status Status
		want   bool
	}{
		{StatusError, false},
		{StatusWrite, true},
		{StatusAccepted, true},
		{StatusRejected, false},
		{StatusClosing, true},
		{StatusClosed, false},
		{StatusWriteOnly, true},
		{StatusNone, false},
	}
	for _, c := range cases {
		if got := c.status.RequiresWrite(); got != c.want {
			t.Fatalf("%v.RequiresWrite() = %v, want %v", c.status, got, c.want)
		}
	}
}
