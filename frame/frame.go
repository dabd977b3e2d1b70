// Package frame implements the RUDP core's wire codec: encoding and
// decoding of the fixed 21-byte control frame, and classification of
// inbound datagrams as control frames, data frames, or garbage to
// discard.
//
// The control frame is little-endian on the wire regardless of host
// endianness, so encode/decode always go through encoding/binary's
// LittleEndian helpers rather than unsafe casts.
package frame

import "encoding/binary"

// Magic is the constant that identifies a control frame on the wire.
const Magic uint32 = 0xFFFFFFFF

// Unbound is the reserved descriptor id meaning "unbound/control" or
// "unknown destination".
const Unbound uint32 = 0xFFFFFFFF

// ControlSize is the fixed wire size of a control frame, in bytes.
const ControlSize = 21

// DataMinSize is the minimum length of a datagram to be considered an RTE
// data frame rather than garbage.
const DataMinSize = 24

// Command identifies the kind of control frame.
type Command uint8

// Recognized command kinds.
const (
	SYN Command = iota + 1
	SynAck
	SynAck2
	Ping
	Pong
	Rst
)

func (c Command) String() string {
	switch c {
	case SYN:
		return "SYN"
	case SynAck:
		return "SYN_ACK"
	case SynAck2:
		return "SYN_ACK2"
	case Ping:
		return "PING"
	case Pong:
		return "PONG"
	case Rst:
		return "RST"
	default:
		return "UNKNOWN"
	}
}

func validCommand(c Command) bool {
	switch c {
	case SYN, SynAck, SynAck2, Ping, Pong, Rst:
		return true
	}
	return false
}

// Control is the decoded form of a 21-byte control frame.
type Control struct {
	Command   Command
	Timestamp uint32
	SrcID     uint32
	DstID     uint32
	Payload   uint32
}

// Encode renders f as its 21-byte wire form.
func (f Control) Encode() []byte {
	b := make([]byte, ControlSize)
	binary.LittleEndian.PutUint32(b[0:4], Magic)
	b[4] = byte(f.Command)
	binary.LittleEndian.PutUint32(b[5:9], f.Timestamp)
	binary.LittleEndian.PutUint32(b[9:13], f.SrcID)
	binary.LittleEndian.PutUint32(b[13:17], f.DstID)
	binary.LittleEndian.PutUint32(b[17:21], f.Payload)
	return b
}

// Decode parses b as a control frame. It returns ok=false if the length
// doesn't match, the magic doesn't match, or the command byte is
// unrecognized - any of which means the datagram was not a control frame.
func Decode(b []byte) (f Control, ok bool) {
	if len(b) != ControlSize {
		return Control{}, false
	}
	if binary.LittleEndian.Uint32(b[0:4]) != Magic {
		return Control{}, false
	}
	cmd := Command(b[4])
	if !validCommand(cmd) {
		return Control{}, false
	}
	f.Command = cmd
	f.Timestamp = binary.LittleEndian.Uint32(b[5:9])
	f.SrcID = binary.LittleEndian.Uint32(b[9:13])
	f.DstID = binary.LittleEndian.Uint32(b[13:17])
	f.Payload = binary.LittleEndian.Uint32(b[17:21])
	return f, true
}

// Kind describes what classify decided an inbound datagram is.
type Kind int

// Classification outcomes.
const (
	Garbage Kind = iota
	KindControl
	KindData
)

// Classify implements the inbound-datagram classification rule: exactly
// ControlSize bytes with a matching magic is a control frame; at least
// DataMinSize bytes is a data frame; anything else is discarded.
func Classify(b []byte) Kind {
	if len(b) == ControlSize {
		if binary.LittleEndian.Uint32(b[0:4]) == Magic {
			return KindControl
		}
	}
	if len(b) >= DataMinSize {
		return KindData
	}
	return Garbage
}

// HandshakePayload packs the MTU (low 24 bits) and stream-mode flag (bit 24)
// that SYN/SYN_ACK frames carry as their Payload field.
func HandshakePayload(mtu uint32, streamMode bool) uint32 {
	p := mtu & 0x00FFFFFF
	if streamMode {
		p |= 1 << 24
	}
	return p
}

// ParseHandshakePayload unpacks a SYN/SYN_ACK Payload field into its MTU and
// stream-mode components.
func ParseHandshakePayload(payload uint32) (mtu uint32, streamMode bool) {
	return payload & 0x00FFFFFF, payload&(1<<24) != 0
}
