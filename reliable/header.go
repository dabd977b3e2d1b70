// Package reliable implements the RUDP core's reliable-transport engine: a
// sliding-window sender/receiver with per-fragment retransmission timers,
// RTT estimation, fast retransmit, congestion control, and stream-vs-message
// framing.
//
// The RTE header's exact layout is a private implementation detail of this
// package - unlike the control frame in package frame, nothing outside
// reliable ever parses it.
package reliable

import "encoding/binary"

// headerSize is the fixed size of the RTE header prefixing every data frame.
const headerSize = 24

// cmd identifies the kind of RTE frame.
type cmd uint8

const (
	cmdPush cmd = iota + 1 // carries application payload
	cmdAck                 // acknowledges a single sequence number
	cmdWindowAsk           // sender asks receiver to restate its window
	cmdWindowTell          // receiver restates its window
)

// header is the decoded form of the 24-byte RTE header.
type header struct {
	conv   uint32
	cmd    cmd
	frg    uint8  // remaining fragment count in this message (message mode only)
	wnd    uint16 // sender's advertised receive window, in fragments
	ts     uint32 // echo of the peer's clock for RTT measurement
	sn     uint32 // sequence number (meaningless for cmdWindowAsk/Tell)
	una    uint32 // cumulative ack: everything before una has been received
	length uint32 // payload length following the header
}

func (h header) encode(payload []byte) []byte {
	b := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(b[0:4], h.conv)
	b[4] = byte(h.cmd)
	b[5] = h.frg
	binary.LittleEndian.PutUint16(b[6:8], h.wnd)
	binary.LittleEndian.PutUint32(b[8:12], h.ts)
	binary.LittleEndian.PutUint32(b[12:16], h.sn)
	binary.LittleEndian.PutUint32(b[16:20], h.una)
	binary.LittleEndian.PutUint32(b[20:24], uint32(len(payload)))
	copy(b[24:], payload)
	return b
}

// decodeHeader parses the first 24 bytes of b. Callers must have already
// established len(b) >= headerSize (frame.Classify does this).
func decodeHeader(b []byte) (h header, payload []byte, ok bool) {
	if len(b) < headerSize {
		return header{}, nil, false
	}
	h.conv = binary.LittleEndian.Uint32(b[0:4])
	h.cmd = cmd(b[4])
	h.frg = b[5]
	h.wnd = binary.LittleEndian.Uint16(b[6:8])
	h.ts = binary.LittleEndian.Uint32(b[8:12])
	h.sn = binary.LittleEndian.Uint32(b[12:16])
	h.una = binary.LittleEndian.Uint32(b[16:20])
	h.length = binary.LittleEndian.Uint32(b[20:24])
	rest := b[24:]
	if uint32(len(rest)) < h.length {
		return header{}, nil, false
	}
	return h, rest[:h.length], true
}

// PeekConv extracts just the conversation id from a data frame, without
// decoding the rest of the (otherwise private) RTE header. Callers outside
// this package use it only to route an inbound datagram to the right
// Engine; they must not otherwise interpret RTE header bytes.
func PeekConv(b []byte) (uint32, bool) {
	if len(b) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[0:4]), true
}

func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

func seqLessEq(a, b uint32) bool {
	return int32(a-b) <= 0
}
