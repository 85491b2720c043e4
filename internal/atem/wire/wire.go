// Package wire implements the ATEM UDP packet codec: the 12-byte fixed
// header, command records embedded in the payload, and the constants that
// describe field offsets, flag bits and opcodes.
//
// Every function here is pure and stateless: this package knows what a
// byte means, never what a connection does with it.
package wire

// Flag bits packed into the high 5 bits of byte 0. The low 11 bits of
// bytes 0-1 carry the total datagram length, so flags and length share a
// byte and must be masked, never overlaid as a struct.
const (
	FlagACKREQ  byte = 0x08
	FlagSYN     byte = 0x10
	FlagRETX    byte = 0x20
	FlagRETXREQ byte = 0x40
	FlagACK     byte = 0x80
)

// Opcode carried in byte 12 of SYN packets.
type Opcode uint8

const (
	OpcodeOpen    Opcode = 1
	OpcodeAccept  Opcode = 2
	OpcodeReject  Opcode = 3
	OpcodeClosing Opcode = 4
	OpcodeClosed  Opcode = 5
)

// Byte offsets within the fixed header.
const (
	IndexFlags            = 0
	IndexLenHigh          = 0
	IndexLenLow           = 1
	IndexSessionIDHigh    = 2
	IndexSessionIDLow     = 3
	IndexAckIDHigh        = 4
	IndexAckIDLow         = 5
	IndexLocalIDHigh      = 6
	IndexLocalIDLow       = 7
	IndexUnknownIDHigh    = 8
	IndexUnknownIDLow     = 9
	IndexRemoteIDHigh     = 10
	IndexRemoteIDLow      = 11
	IndexOpcode           = 12
	IndexNewSessionIDHigh = 14
	IndexNewSessionIDLow  = 15
)

// Packet/field size limits.
const (
	LenHeader    = 12
	LenSYN       = 20
	LenCmdHeader = 8

	// PacketLenMax is the largest datagram the protocol allows on the wire.
	PacketLenMax = 2047
	// PacketLenMaxSoft is the MTU-safe size official Blackmagic peers limit
	// themselves to; this package does not enforce it, only documents it.
	PacketLenMaxSoft = 1422

	// MaskLenHigh masks the length's high bits out of byte 0, which also
	// carries the flag bits in its upper 5 bits.
	MaskLenHigh = PacketLenMax >> 8

	// LimitRemoteID is the mask for the 15-bit remote-id ring.
	LimitRemoteID = 0x7fff
)

// Header is the decoded form of the 12-byte fixed header.
type Header struct {
	Flags     byte
	Length    uint16
	SessionID uint16
	AckID     uint16
	LocalID   uint16
	UnknownID uint16
	RemoteID  uint16
}

// EncodeHeader writes h into a freshly allocated LenHeader-byte buffer.
// Callers needing a SYN body should grow it to LenSYN and call SetOpcode /
// SetNewSessionID afterward.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, LenHeader)
	PutHeader(buf, h)
	return buf
}

// PutHeader writes h's fields into buf, which must be at least LenHeader
// bytes. Flags and the length's high bits are packed into byte 0 together.
func PutHeader(buf []byte, h Header) {
	_ = buf[LenHeader-1]
	buf[IndexLenHigh] = (h.Flags & ^byte(MaskLenHigh)) | byte(h.Length>>8&MaskLenHigh)
	buf[IndexLenLow] = byte(h.Length)
	buf[IndexSessionIDHigh] = byte(h.SessionID >> 8)
	buf[IndexSessionIDLow] = byte(h.SessionID)
	buf[IndexAckIDHigh] = byte(h.AckID >> 8)
	buf[IndexAckIDLow] = byte(h.AckID)
	buf[IndexLocalIDHigh] = byte(h.LocalID >> 8)
	buf[IndexLocalIDLow] = byte(h.LocalID)
	buf[IndexUnknownIDHigh] = byte(h.UnknownID >> 8)
	buf[IndexUnknownIDLow] = byte(h.UnknownID)
	buf[IndexRemoteIDHigh] = byte(h.RemoteID >> 8)
	buf[IndexRemoteIDLow] = byte(h.RemoteID)
}

// DecodeHeader parses the fixed header out of buf, which must be at least
// LenHeader bytes.
func DecodeHeader(buf []byte) Header {
	_ = buf[LenHeader-1]
	return Header{
		Flags:     buf[IndexFlags] & ^byte(MaskLenHigh),
		Length:    (uint16(buf[IndexLenHigh]&MaskLenHigh) << 8) | uint16(buf[IndexLenLow]),
		SessionID: uint16(buf[IndexSessionIDHigh])<<8 | uint16(buf[IndexSessionIDLow]),
		AckID:     uint16(buf[IndexAckIDHigh])<<8 | uint16(buf[IndexAckIDLow]),
		LocalID:   uint16(buf[IndexLocalIDHigh])<<8 | uint16(buf[IndexLocalIDLow]),
		UnknownID: uint16(buf[IndexUnknownIDHigh])<<8 | uint16(buf[IndexUnknownIDLow]),
		RemoteID:  uint16(buf[IndexRemoteIDHigh])<<8 | uint16(buf[IndexRemoteIDLow]),
	}
}

// SetFlags replaces byte 0's flag bits with flags (any flag not in flags is
// cleared) without touching the packed length bits.
func SetFlags(buf []byte, flags byte) {
	buf[IndexFlags] = (buf[IndexFlags] & MaskLenHigh) | flags
}

// ClearFlags resets byte 0's flag bits, keeping the packed length bits.
func ClearFlags(buf []byte) {
	buf[IndexFlags] &= MaskLenHigh
}

// SetLength rewrites the 11-bit length packed into bytes 0-1, preserving
// byte 0's flag bits.
func SetLength(buf []byte, length uint16) {
	buf[IndexLenHigh] = (buf[IndexLenHigh] & ^byte(MaskLenHigh)) | byte(length>>8&MaskLenHigh)
	buf[IndexLenLow] = byte(length)
}

// Length reads the 11-bit length packed into bytes 0-1.
func Length(buf []byte) uint16 {
	return (uint16(buf[IndexLenHigh]&MaskLenHigh) << 8) | uint16(buf[IndexLenLow])
}

// SetSessionID writes the session id field.
func SetSessionID(buf []byte, id uint16) {
	buf[IndexSessionIDHigh] = byte(id >> 8)
	buf[IndexSessionIDLow] = byte(id)
}

// SessionID reads the session id field.
func SessionID(buf []byte) uint16 {
	return uint16(buf[IndexSessionIDHigh])<<8 | uint16(buf[IndexSessionIDLow])
}

// SetAckID writes the ack id field.
func SetAckID(buf []byte, id uint16) {
	buf[IndexAckIDHigh] = byte(id >> 8)
	buf[IndexAckIDLow] = byte(id)
}

// AckID reads the ack id field.
func AckID(buf []byte) uint16 {
	return uint16(buf[IndexAckIDHigh])<<8 | uint16(buf[IndexAckIDLow])
}

// SetLocalID writes the local ("missing") id field used by RETXREQ.
func SetLocalID(buf []byte, id uint16) {
	buf[IndexLocalIDHigh] = byte(id >> 8)
	buf[IndexLocalIDLow] = byte(id)
}

// SetRemoteID writes the remote id (this packet's sequence number) field.
func SetRemoteID(buf []byte, id uint16) {
	buf[IndexRemoteIDHigh] = byte(id >> 8)
	buf[IndexRemoteIDLow] = byte(id)
}

// RemoteID reads the remote id field.
func RemoteID(buf []byte) uint16 {
	return uint16(buf[IndexRemoteIDHigh])<<8 | uint16(buf[IndexRemoteIDLow])
}

// SetOpcode writes the opcode byte carried in SYN packet bodies.
func SetOpcode(buf []byte, op Opcode) {
	buf[IndexOpcode] = byte(op)
}

// GetOpcode reads the opcode byte carried in SYN packet bodies.
func GetOpcode(buf []byte) Opcode {
	return Opcode(buf[IndexOpcode])
}

// SetNewSessionID writes the server-assigned id returned in an ACCEPT body.
// The MSB must be 0; callers are responsible for only passing 15-bit ids.
func SetNewSessionID(buf []byte, id uint16) {
	buf[IndexNewSessionIDHigh] = byte(id >> 8)
	buf[IndexNewSessionIDLow] = byte(id)
}

// NewSessionID reads the server-assigned id carried in an ACCEPT body.
func NewSessionID(buf []byte) uint16 {
	return uint16(buf[IndexNewSessionIDHigh])<<8 | uint16(buf[IndexNewSessionIDLow])
}
