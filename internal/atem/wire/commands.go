package wire

// Command names acted on by the firmware. The proxy forwards every
// command record verbatim without interpreting it; only the client driver
// and the firmware sink care about these.
const (
	CmdVersion       = uint32('_')<<24 | uint32('v')<<16 | uint32('e')<<8 | uint32('r')
	CmdTally         = uint32('T')<<24 | uint32('l')<<16 | uint32('I')<<8 | uint32('n')
	CmdCameraControl = uint32('C')<<24 | uint32('C')<<16 | uint32('d')<<8 | uint32('P')
)

// Command is a single parsed command record: a 4-byte name packed into a
// uint32 for switch-on-integer dispatch, plus its payload (a sub-slice of
// the original packet buffer, not copied).
type Command struct {
	Name    uint32
	Payload []byte
}

// Commands iterates the command records packed into an ACKREQ packet's
// payload (the bytes following the 12-byte header). A command record is
// {len:u16, reserved:u16, name:[4]byte, payload:[len-8]byte} with no
// padding between records.
//
// Iteration stops silently on a malformed trailing record (one whose
// declared length would run past the end of payload, or shorter than its
// own header) rather than returning an error: a 0-length record would
// spin forever, so a bound is applied here instead of trusting the wire.
func Commands(payload []byte) []Command {
	var cmds []Command
	index := 0
	for index+LenCmdHeader <= len(payload) {
		length := int(payload[index])<<8 | int(payload[index+1])
		if length < LenCmdHeader || index+length > len(payload) {
			break
		}
		name := uint32(payload[index+4])<<24 | uint32(payload[index+5])<<16 |
			uint32(payload[index+6])<<8 | uint32(payload[index+7])
		cmds = append(cmds, Command{
			Name:    name,
			Payload: payload[index+LenCmdHeader : index+length],
		})
		index += length
	}
	return cmds
}

// EncodeCommand packs a single command record: header is
// {len:u16, reserved:u16 (zero), name} followed by payload.
func EncodeCommand(name uint32, payload []byte) []byte {
	length := LenCmdHeader + len(payload)
	buf := make([]byte, length)
	buf[0] = byte(length >> 8)
	buf[1] = byte(length)
	buf[4] = byte(name >> 24)
	buf[5] = byte(name >> 16)
	buf[6] = byte(name >> 8)
	buf[7] = byte(name)
	copy(buf[LenCmdHeader:], payload)
	return buf
}
