package retransmit

import (
	"net"
	"testing"
	"time"

	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/wire"
)

func addrFor(sessionID uint16) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(sessionID)}
}

func newTestPayload() []byte {
	buf := wire.EncodeHeader(wire.Header{Flags: wire.FlagACKREQ, Length: wire.LenHeader})
	return buf
}

func TestBroadcastAssignsPerRecipientRemoteIDs(t *testing.T) {
	q := NewQueue(200 * time.Millisecond)
	counters := map[uint16]uint16{1: 10, 2: 20}
	next := func(id uint16) uint16 {
		counters[id]++
		return counters[id]
	}

	var sent []uint16
	send := func(addr *net.UDPAddr, buf []byte) error {
		sent = append(sent, wire.RemoteID(buf))
		return nil
	}

	recipients := []Recipient{{SessionID: 1, Addr: addrFor(1)}, {SessionID: 2, Addr: addrFor(2)}}
	p, refs, err := q.Broadcast(time.Now(), newTestPayload(), 3, recipients, next, send)
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("refs = %d, want 2", len(refs))
	}
	if sent[0] != 11 || sent[1] != 21 {
		t.Fatalf("sent remote ids = %v, want [11 21]", sent)
	}
	if q.Head() != p {
		t.Fatalf("queue head should be the new packet")
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
	if p.SessionsRemaining != 2 {
		t.Fatalf("SessionsRemaining = %d, want 2", p.SessionsRemaining)
	}
}

func TestAdvanceDisassociatesAckedAndStopsAtUnacked(t *testing.T) {
	q := NewQueue(200 * time.Millisecond)
	next := func(id uint16) uint16 { return 1 }
	var sent []uint16
	send := func(addr *net.UDPAddr, buf []byte) error { sent = append(sent, wire.RemoteID(buf)); return nil }

	recipients := []Recipient{{SessionID: 1, Addr: addrFor(1)}}
	p1, refs1, _ := q.Broadcast(time.Now(), newTestPayload(), 3, recipients, func(uint16) uint16 { return 5 }, send)
	p2, refs2, _ := q.Broadcast(time.Now(), newTestPayload(), 3, recipients, func(uint16) uint16 { return 6 }, send)
	_ = p2
	_ = next
	_ = sent

	LinkNext(refs1[0], refs2[0])
	head := refs1[0]

	newHead := q.Advance(head, 5)
	if newHead.Packet != p2 {
		t.Fatalf("after acking remote-id 5, head should advance to p2's slot")
	}
	if p1.SessionsRemaining != 0 {
		t.Fatalf("p1 should have been fully disassociated")
	}

	newHead = q.Advance(newHead, 6)
	if !newHead.Empty() {
		t.Fatalf("chain should be empty after acking remote-id 6")
	}
}

func TestDisassociateKeepsOtherSlotsReachable(t *testing.T) {
	q := NewQueue(200 * time.Millisecond)
	send := func(addr *net.UDPAddr, buf []byte) error { return nil }
	recipients := []Recipient{
		{SessionID: 1, Addr: addrFor(1)},
		{SessionID: 2, Addr: addrFor(2)},
		{SessionID: 3, Addr: addrFor(3)},
	}
	counter := uint16(0)
	p, _, _ := q.Broadcast(time.Now(), newTestPayload(), 3, recipients, func(uint16) uint16 { counter++; return counter }, send)

	if removed := p.disassociate(1); removed {
		t.Fatalf("packet should still have 2 live recipients")
	}
	live := p.LiveSlotIndices()
	if len(live) != 2 {
		t.Fatalf("live slots = %d, want 2", len(live))
	}
	for _, idx := range live {
		if idx == 1 {
			t.Fatalf("disassociated slot 1 should not appear in live indices: %v", live)
		}
	}
}

func TestExpireOnceRetransmitsThenEscalatesToClosing(t *testing.T) {
	q := NewQueue(10 * time.Millisecond)
	start := time.Now()
	send := func(addr *net.UDPAddr, buf []byte) error { return nil }

	recipients := []Recipient{{SessionID: 1, Addr: addrFor(1)}}
	counter := uint16(0)
	_, _, _ = q.Broadcast(start, newTestPayload(), 1, recipients, func(uint16) uint16 { counter++; return counter }, send)

	var demoted, terminated []uint16
	hooks := ExpireHooks{
		AddrOf:         func(id uint16) *net.UDPAddr { return addrFor(id) },
		Demote:         func(id uint16) { demoted = append(demoted, id) },
		Terminate:      func(id uint16) { terminated = append(terminated, id) },
		ClosingBuf:     func() []byte { return make([]byte, wire.LenSYN) },
		ClosingResends: func() int { return 1 },
	}

	fired := q.ExpireOnce(start.Add(20*time.Millisecond), send, hooks)
	if !fired {
		t.Fatalf("expected the one retransmit budget slot to fire")
	}
	if q.Head().ResendsRemaining != 0 {
		t.Fatalf("ResendsRemaining should be exhausted after the single retransmit")
	}

	fired = q.ExpireOnce(start.Add(40*time.Millisecond), send, hooks)
	if !fired {
		t.Fatalf("expected escalation to CLOSING to fire")
	}
	if q.Head().Kind != KindClosing {
		t.Fatalf("packet should have escalated to KindClosing")
	}
	if len(demoted) != 1 || demoted[0] != 1 {
		t.Fatalf("demoted = %v, want [1]", demoted)
	}

	fired = q.ExpireOnce(start.Add(60*time.Millisecond), send, hooks)
	if !fired {
		t.Fatalf("expected CLOSING retransmit to fire")
	}

	fired = q.ExpireOnce(start.Add(80*time.Millisecond), send, hooks)
	if !fired {
		t.Fatalf("expected CLOSING exhaustion to terminate stragglers")
	}
	if len(terminated) != 1 || terminated[0] != 1 {
		t.Fatalf("terminated = %v, want [1]", terminated)
	}
	if q.Head() != nil {
		t.Fatalf("queue should be empty after termination")
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after termination", q.Len())
	}
}
