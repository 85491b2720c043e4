// Package retransmit implements a single global time-ordered queue of
// in-flight packets, each referencing the sessions that have yet to
// acknowledge it, plus the broadcast/fan-out, acknowledgement and
// retransmit-expiry algorithms built on top of it.
//
// Disassociating a recipient shrinks SessionsRemaining through a
// permutation (a pair of index slices, perm/pos) instead of physically
// moving slots, so a session's chain links (which thread through
// Slot.NextPacket/NextSlot) stay stable. The package knows nothing about
// the session table; sessions are addressed purely by their 16-bit id.
package retransmit

import (
	"net"
	"time"

	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/wire"
)

// Resend budgets are protocol constants, not CLI-configurable: a data
// packet is retransmitted DefaultDataResends times before its stragglers
// are escalated to a CLOSING SYN, which itself gets only
// DefaultClosingResends attempts before those sessions are terminated
// outright. With the stock 200ms delay that bounds an unresponsive peer's
// lifetime to roughly two seconds.
const (
	DefaultDataResends    = 10
	DefaultClosingResends = 1
)

// Kind distinguishes an ordinary data/ping packet from one that has been
// escalated (or created) as a server-initiated CLOSING SYN.
type Kind int

const (
	KindData Kind = iota
	KindClosing
)

// Slot is one recipient's view of a Packet: which session it belongs to,
// the id stamped into that session's copy, and the forward link continuing
// that session's FIFO chain into whatever packet was queued after this one
// for the same session.
type Slot struct {
	SessionID  uint16
	RemoteID   uint16
	NextPacket *Packet
	NextSlot   int
}

// Ref addresses one slot within one packet; a session's outgoing chain is a
// linked list of Refs threaded through Packet.Slots[...].NextPacket/NextSlot.
type Ref struct {
	Packet *Packet
	Slot   int
}

// Empty reports whether r addresses nothing (the end of a chain).
func (r Ref) Empty() bool { return r.Packet == nil }

// LinkNext continues a session's chain from prev to next. Callers (the
// session table) invoke this when splicing a newly created Ref onto a
// non-empty chain's tail.
func LinkNext(prev, next Ref) {
	prev.Packet.Slots[prev.Slot].NextPacket = next.Packet
	prev.Packet.Slots[prev.Slot].NextSlot = next.Slot
}

// Packet is an in-flight datagram buffer shared by every session it is
// still addressed to, plus the per-recipient slot array and swap-index
// permutation the disassociation algorithm needs.
type Packet struct {
	Kind              Kind
	Buf               []byte
	OwnsBuffer        bool
	Slots             []Slot
	SessionsRemaining int
	ResendsRemaining  int
	Timeout           time.Time

	// perm[i] is the slot index currently holding logical position i;
	// pos[slotIdx] is the inverse (the logical position of that slot).
	// Disassociating a slot swaps its logical position with the last
	// remaining one and shrinks SessionsRemaining, in O(1), without
	// moving the Slots array itself (so NextPacket/NextSlot links taken
	// out to other packets stay valid).
	perm []int
	pos  []int

	prev, next *Packet
}

func newPacket(kind Kind, buf []byte, ownsBuffer bool, sessionIDs []uint16, resends int) *Packet {
	n := len(sessionIDs)
	p := &Packet{
		Kind:              kind,
		Buf:               buf,
		OwnsBuffer:        ownsBuffer,
		Slots:             make([]Slot, n),
		SessionsRemaining: n,
		ResendsRemaining:  resends,
		perm:              make([]int, n),
		pos:               make([]int, n),
	}
	for i, id := range sessionIDs {
		p.Slots[i] = Slot{SessionID: id}
		p.perm[i] = i
		p.pos[i] = i
	}
	return p
}

// disassociate removes the slot at slotIdx from consideration. Returns true
// if the packet now has no remaining recipients.
func (p *Packet) disassociate(slotIdx int) bool {
	i := p.pos[slotIdx]
	last := p.SessionsRemaining - 1
	if i != last {
		otherSlot := p.perm[last]
		p.perm[i], p.perm[last] = p.perm[last], p.perm[i]
		p.pos[slotIdx], p.pos[otherSlot] = p.pos[otherSlot], p.pos[slotIdx]
	}
	p.SessionsRemaining--
	return p.SessionsRemaining == 0
}

// LiveSlotIndices returns the physical Slots indices still awaiting
// disposition, in permutation order.
func (p *Packet) LiveSlotIndices() []int {
	return p.perm[:p.SessionsRemaining]
}

// Queue is the doubly-linked, timeout-ordered list of in-flight packets.
type Queue struct {
	head, tail      *Packet
	count           int
	retransmitDelay time.Duration
}

// NewQueue creates an empty queue with the given retransmit cadence.
func NewQueue(retransmitDelay time.Duration) *Queue {
	return &Queue{retransmitDelay: retransmitDelay}
}

// Head returns the next packet due to fire, or nil if the queue is empty.
func (q *Queue) Head() *Packet { return q.head }

// Len returns the number of in-flight packets currently queued.
func (q *Queue) Len() int { return q.count }

func (q *Queue) enqueueTail(p *Packet, timeout time.Time) {
	p.Timeout = timeout
	p.prev, p.next = q.tail, nil
	if q.tail != nil {
		q.tail.next = p
	} else {
		q.head = p
	}
	q.tail = p
	q.count++
}

func (q *Queue) remove(p *Packet) {
	q.count--
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		q.head = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	} else {
		q.tail = p.prev
	}
	p.prev, p.next = nil, nil
}

// Recipient is one connected session a fan-out packet will be addressed
// to, supplied by the caller (the session table) in table index order.
type Recipient struct {
	SessionID uint16
	Addr      *net.UDPAddr
}

// Broadcast allocates a new in-flight packet addressed to every recipient:
// for each one, in order, it assigns that session's next remote-id (via
// nextRemoteID, which must mutate and return the session's own counter),
// stamps that id and the recipient's session-id into the shared buffer, and
// transmits the datagram via send.
// The packet is enqueued at the tail with timeout = now + retransmit delay.
// payload must already carry the wire header (flags/length/session-id
// placeholder); Broadcast owns it from here on (OwnsBuffer is set).
//
// Returns the packet and, in recipient order, the Ref each one should
// append to its own chain.
func (q *Queue) Broadcast(
	now time.Time,
	payload []byte,
	resends int,
	recipients []Recipient,
	nextRemoteID func(sessionID uint16) uint16,
	send func(addr *net.UDPAddr, buf []byte) error,
) (*Packet, []Ref, error) {
	ids := make([]uint16, len(recipients))
	for i, r := range recipients {
		ids[i] = r.SessionID
	}
	p := newPacket(KindData, payload, true, ids, resends)

	refs := make([]Ref, len(recipients))
	var sendErr error
	for i, r := range recipients {
		remoteID := nextRemoteID(r.SessionID)
		p.Slots[i].RemoteID = remoteID
		wire.SetSessionID(p.Buf, r.SessionID)
		wire.SetRemoteID(p.Buf, remoteID)
		if err := send(r.Addr, p.Buf); err != nil && sendErr == nil {
			sendErr = err
		}
		refs[i] = Ref{Packet: p, Slot: i}
	}
	q.enqueueTail(p, now.Add(q.retransmitDelay))
	return p, refs, sendErr
}

// Advance walks a session's chain from head, disassociating every slot
// whose remote-id is at-or-behind ackID (ring distance <= 0x3FFF, so the
// comparison survives the 15-bit wrap), and returns the new head
// (the zero Ref once the chain is exhausted or the next slot is still
// ahead of ackID).
func (q *Queue) Advance(head Ref, ackID uint16) Ref {
	cur := head
	for !cur.Empty() {
		slot := cur.Packet.Slots[cur.Slot]
		dist := (ackID - slot.RemoteID) & wire.LimitRemoteID
		if dist > wire.LimitRemoteID/2 {
			break
		}
		next := Ref{Packet: slot.NextPacket, Slot: slot.NextSlot}
		if cur.Packet.disassociate(cur.Slot) {
			q.remove(cur.Packet)
		}
		cur = next
	}
	return cur
}

// Flush disassociates every slot in a session's chain starting at head,
// used to eject a session's remaining backlog (e.g. when it is force-closed
// or dropped from a broadcast target list).
func (q *Queue) Flush(head Ref) {
	cur := head
	for !cur.Empty() {
		slot := cur.Packet.Slots[cur.Slot]
		next := Ref{Packet: slot.NextPacket, Slot: slot.NextSlot}
		if cur.Packet.disassociate(cur.Slot) {
			q.remove(cur.Packet)
		}
		cur = next
	}
}

// ExpireHooks supplies the callbacks ExpireOnce needs from the session
// table without importing it: where to send a straggler's retransmit, what
// to do when a session is force-demoted or terminated, and which buffer/
// budget to use once a data packet escalates to a CLOSING SYN.
type ExpireHooks struct {
	AddrOf         func(sessionID uint16) *net.UDPAddr
	Demote         func(sessionID uint16)
	Terminate      func(sessionID uint16)
	ClosingBuf     func() []byte
	ClosingResends func() int
}

// ExpireOnce processes the queue head if its timeout has elapsed,
// performing exactly one of: a plain retransmit of a still-live packet, a
// retransmit of an already-CLOSING packet, termination of stragglers when a
// CLOSING packet's own resends are exhausted, or escalation of a data
// packet that ran out of retransmits into a CLOSING SYN for its
// stragglers. Returns false if nothing was due.
func (q *Queue) ExpireOnce(now time.Time, send func(addr *net.UDPAddr, buf []byte) error, hooks ExpireHooks) bool {
	p := q.head
	if p == nil || now.Before(p.Timeout) {
		return false
	}

	if p.ResendsRemaining > 0 {
		q.retransmitLive(p, now, send, hooks)
		return true
	}

	if p.Kind == KindClosing {
		for _, slotIdx := range p.LiveSlotIndices() {
			hooks.Terminate(p.Slots[slotIdx].SessionID)
		}
		q.remove(p)
		return true
	}

	q.escalateToClosing(p, now, send, hooks)
	return true
}

func (q *Queue) retransmitLive(p *Packet, now time.Time, send func(*net.UDPAddr, []byte) error, hooks ExpireHooks) {
	p.ResendsRemaining--
	p.Buf[wire.IndexFlags] |= wire.FlagRETX
	for _, slotIdx := range p.LiveSlotIndices() {
		slot := p.Slots[slotIdx]
		wire.SetSessionID(p.Buf, slot.SessionID)
		if p.Kind == KindData {
			wire.SetRemoteID(p.Buf, slot.RemoteID)
		}
		if addr := hooks.AddrOf(slot.SessionID); addr != nil {
			send(addr, p.Buf)
		}
	}
	q.remove(p)
	q.enqueueTail(p, now.Add(q.retransmitDelay))
}

// escalateToClosing converts a data packet that exhausted its retransmit
// budget into a CLOSING SYN for its remaining recipients: their backlog
// beyond this packet is flushed, they are demoted out of the connected
// partition, and the packet itself is reused (buffer swapped to the
// singleton CLOSING buffer) with a much smaller resend budget.
func (q *Queue) escalateToClosing(p *Packet, now time.Time, send func(*net.UDPAddr, []byte) error, hooks ExpireHooks) {
	for _, slotIdx := range p.LiveSlotIndices() {
		slot := p.Slots[slotIdx]
		next := Ref{Packet: slot.NextPacket, Slot: slot.NextSlot}
		q.Flush(next)
		hooks.Demote(slot.SessionID)
	}

	p.OwnsBuffer = false
	p.Buf = hooks.ClosingBuf()
	wire.SetFlags(p.Buf, wire.FlagSYN)
	p.Kind = KindClosing
	p.ResendsRemaining = hooks.ClosingResends()

	for _, slotIdx := range p.LiveSlotIndices() {
		slot := p.Slots[slotIdx]
		wire.SetSessionID(p.Buf, slot.SessionID)
		if addr := hooks.AddrOf(slot.SessionID); addr != nil {
			send(addr, p.Buf)
		}
	}
	q.remove(p)
	q.enqueueTail(p, now.Add(q.retransmitDelay))
}
