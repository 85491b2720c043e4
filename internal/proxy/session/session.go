// Package session implements the proxy-side session table: a dense array
// of Session records partitioned into a connected prefix and an
// opening-or-closing suffix, backed by a direct session-id lookup array,
// so every operation the server's dispatch loop needs (find-by-id, iterate
// connected sessions for a broadcast, move a session between partitions)
// is O(1) without a map's hashing or iteration-order cost.
package session

import (
	"errors"
	"net"

	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/atem/conn"
	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/proxy/retransmit"
)

// ErrTableFull is returned by Create when the session limit has been
// reached; the caller sends a SYN REJECT echoing the client-assigned id
// instead of creating a session.
var ErrTableFull = errors.New("session table is at its configured limit")

// Resize policy: grow by 1.6x, shrink once usage falls below size/1.6^2,
// floor at 2.
const (
	growFactor   = 1.6
	shrinkFactor = growFactor * growFactor
	minCapacity  = 2

	// lookupSize covers every possible 16-bit session-id.
	lookupSize = 1 << 16
)

// Session is one downstream connection the proxy serves: its peer address,
// outgoing-broadcast sequencing state, and the bookkeeping the retransmit
// queue needs to address it. A proxy-side Session mostly only ever
// broadcasts to its peer and receives ACKs back, but downstream firmware
// can also push commands upstream (e.g. CCdP camera-control requests), so
// each session keeps its own internal/atem/conn.State to run the same
// receiving-side state machine the client driver uses.
type Session struct {
	ID   uint16
	Addr *net.UDPAddr

	// ClientID is the client-assigned id presented in the opening SYN
	// OPEN. It is registered in the lookup table alongside ID until
	// Promote releases it, so an opening session is reachable by either
	// id.
	ClientID uint16

	// State runs the connection state machine against datagrams received
	// from this session's peer.
	State *conn.State

	// AcceptBuf is the cached ACCEPT datagram sent in response to this
	// session's OPEN, replayed with RETX set if the peer's OPEN arrives
	// again before it acks.
	AcceptBuf []byte

	// remoteID is this session's own monotonic broadcast sequence
	// counter, advanced by NextRemoteID.
	remoteID uint16

	// chainHead/chainTail thread this session's outstanding broadcast
	// slots through the shared retransmit queue, per retransmit.Ref.
	chainHead, chainTail retransmit.Ref
}

// NextRemoteID returns the next remote-id to stamp into an outgoing
// broadcast for this session, advancing the session's own counter through
// the full 15-bit ring 1, 2, ..., 0x7FFF, 0x0000, 1, ... forever.
func (s *Session) NextRemoteID() uint16 {
	s.remoteID = (s.remoteID + 1) & 0x7fff
	return s.remoteID
}

// AppendChain splices ref onto the tail of this session's outstanding
// broadcast chain, linking it after the previous tail (if any).
func (s *Session) AppendChain(ref retransmit.Ref) {
	if s.chainTail.Empty() {
		s.chainHead = ref
	} else {
		retransmit.LinkNext(s.chainTail, ref)
	}
	s.chainTail = ref
}

// AdvanceChain disassociates every slot in this session's chain up to and
// including ackID, via q, updating the session's own chain head.
func (s *Session) AdvanceChain(q *retransmit.Queue, ackID uint16) {
	s.chainHead = q.Advance(s.chainHead, ackID)
	if s.chainHead.Empty() {
		s.chainTail = retransmit.Ref{}
	}
}

// FlushChain discards this session's entire outstanding chain, via q, used
// when the session is being removed from the table.
func (s *Session) FlushChain(q *retransmit.Queue) {
	q.Flush(s.chainHead)
	s.chainHead, s.chainTail = retransmit.Ref{}, retransmit.Ref{}
}

// Table is the dense, partitioned session store: sessions[0:connected] are
// fully connected (eligible for broadcast), sessions[connected:len] are
// opening or closing. lookup maps a 16-bit session-id directly to its
// index+1 in sessions (0 meaning absent), avoiding a map's bookkeeping for
// the hot path of "find this packet's session".
type Table struct {
	sessions  []*Session
	connected int
	lookup    []uint16
	limit     int

	nextID uint16
}

// NewTable creates an empty table that rejects new sessions once it holds
// limit of them.
func NewTable(limit int) *Table {
	return &Table{
		sessions: make([]*Session, 0, minCapacity),
		lookup:   make([]uint16, lookupSize),
		limit:    limit,
		nextID:   1,
	}
}

// Len returns the total number of tracked sessions (connected + opening-or-
// closing).
func (t *Table) Len() int { return len(t.sessions) }

// Connected returns the number of fully connected sessions, i.e. the
// partition boundary.
func (t *Table) Connected() int { return t.connected }

// ByID returns the session with the given id, or nil if none is tracked.
func (t *Table) ByID(id uint16) *Session {
	idx := t.lookup[id]
	if idx == 0 {
		return nil
	}
	return t.sessions[idx-1]
}

// ConnectedSessions returns the connected-partition slice, suitable for
// building a retransmit.Recipient list for a broadcast. The slice aliases
// the table's backing array and must not be retained past the next table
// mutation.
func (t *Table) ConnectedSessions() []*Session {
	return t.sessions[:t.connected]
}

// AllocateID returns the next server-assigned session-id for a new
// opening session: a 15-bit value with the server-assignment MSB set,
// never colliding with a currently tracked id and never 0.
func (t *Table) AllocateID() uint16 {
	for {
		id := t.nextID & 0x7fff
		t.nextID++
		if id == 0 {
			continue
		}
		if t.lookup[id|0x8000] == 0 {
			return id | 0x8000
		}
	}
}

// Create allocates a new opening session for a client-assigned id, at the
// end of the opening-or-closing partition, assigning it a fresh
// server-assigned id via AllocateID. Both ids are registered in the lookup
// table, reachable at the same index, until Promote releases the
// client-assigned one. Returns ErrTableFull (the caller should send a SYN
// REJECT echoing clientID) once the table holds limit sessions.
func (t *Table) Create(clientID uint16, addr *net.UDPAddr, st *conn.State) (*Session, error) {
	if len(t.sessions) >= t.limit {
		return nil, ErrTableFull
	}
	serverID := t.AllocateID()
	s := &Session{ID: serverID, ClientID: clientID, Addr: addr, State: st}
	t.grow()
	t.sessions = append(t.sessions, s)
	idx := uint16(len(t.sessions))
	t.lookup[serverID] = idx
	t.lookup[clientID] = idx
	return s, nil
}

// Promote moves a session from the opening-or-closing partition into the
// connected partition, swapping it with the first opening-or-closing
// element so the partition boundary only ever moves by one, and releases
// the session's client-assigned lookup entry (it is never addressed by
// that id again once connected). The session's ClientID is zeroed so that
// a later Remove or swap never touches the lookup slot again; a new
// opening session may have re-registered the same client-assigned id by
// then.
func (t *Table) Promote(id uint16) {
	idx := int(t.lookup[id]) - 1
	if idx < t.connected {
		return
	}
	t.lookup[t.sessions[idx].ClientID] = 0
	t.sessions[idx].ClientID = 0
	t.swap(idx, t.connected)
	t.connected++
}

// Demote moves a session from the connected partition back into the
// opening-or-closing partition (used when it is escalated into a
// server-initiated CLOSING handshake), the mirror image of Promote.
func (t *Table) Demote(id uint16) {
	idx := int(t.lookup[id]) - 1
	if idx < 0 || idx >= t.connected {
		return
	}
	t.connected--
	t.swap(idx, t.connected)
}

// Remove deletes a session from the table entirely. Removing a connected
// session requires a two-phase swap to preserve the partition invariant:
// first swap it to the end of its own partition and shrink that partition's
// boundary, then (if that left a hole because the global last element
// belongs to the other partition) pull the true last element down into the
// gap. Removing an opening-or-closing session degenerates to the ordinary
// single swap-with-last.
func (t *Table) Remove(id uint16) {
	idx := int(t.lookup[id]) - 1
	if idx < 0 {
		return
	}
	last := len(t.sessions) - 1

	if idx < t.connected {
		boundary := t.connected - 1
		t.swap(idx, boundary)
		t.connected--
		if boundary != last {
			t.swap(boundary, last)
		}
	} else {
		t.swap(idx, last)
	}

	removed := t.sessions[last]
	t.lookup[removed.ID] = 0
	if removed.ClientID != 0 {
		t.lookup[removed.ClientID] = 0
	}
	t.sessions = t.sessions[:last]
	t.shrink()
}

func (t *Table) swap(i, j int) {
	if i == j {
		return
	}
	t.sessions[i], t.sessions[j] = t.sessions[j], t.sessions[i]
	t.reindex(i)
	t.reindex(j)
}

// reindex rewrites every lookup entry pointing at the session now sitting
// at idx (its server-assigned id, and its client-assigned id too if that
// entry is still registered, i.e. the session has not yet been promoted).
func (t *Table) reindex(idx int) {
	s := t.sessions[idx]
	t.lookup[s.ID] = uint16(idx + 1)
	if s.ClientID != 0 && t.lookup[s.ClientID] != 0 {
		t.lookup[s.ClientID] = uint16(idx + 1)
	}
}

// grow re-slices the backing array to a larger capacity, by growFactor,
// whenever the dense slice is about to outrun its current allocation.
func (t *Table) grow() {
	if len(t.sessions) < cap(t.sessions) {
		return
	}
	newCap := int(float64(cap(t.sessions)) * growFactor)
	if newCap <= cap(t.sessions) {
		newCap = cap(t.sessions) + 1
	}
	grown := make([]*Session, len(t.sessions), newCap)
	copy(grown, t.sessions)
	t.sessions = grown
}

// shrink reallocates to a smaller backing array once usage falls below
// cap/shrinkFactor, floored at minCapacity, to bound memory for a table
// that grew during a burst of connections and then mostly emptied out.
func (t *Table) shrink() {
	threshold := float64(cap(t.sessions)) / shrinkFactor
	if float64(len(t.sessions)) >= threshold {
		return
	}
	newCap := int(float64(cap(t.sessions)) / growFactor)
	if newCap < minCapacity {
		newCap = minCapacity
	}
	if newCap < len(t.sessions) {
		newCap = len(t.sessions)
	}
	shrunk := make([]*Session, len(t.sessions), newCap)
	copy(shrunk, t.sessions)
	t.sessions = shrunk
}
