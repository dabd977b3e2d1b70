package frame

import (
	"testing"

	"github.com/go-test/deep"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := Control{Command: SynAck, Timestamp: 12345, SrcID: 7, DstID: 9, Payload: HandshakePayload(1200, true)}
	wire := in.Encode()
	if len(wire) != ControlSize {
		t.Fatalf("expected %d bytes, got %d", ControlSize, len(wire))
	}
	out, ok := Decode(wire)
	if !ok {
		t.Fatalf("expected decode to succeed")
	}
	if diff := deep.Equal(in, out); diff != nil {
		t.Errorf("round trip mismatch: %v", diff)
	}
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	if _, ok := Decode(make([]byte, 20)); ok {
		t.Fatalf("expected decode to fail on wrong length")
	}
	if _, ok := Decode(make([]byte, 24)); ok {
		t.Fatalf("expected decode to fail on data-frame-sized input")
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	b := Control{Command: Ping}.Encode()
	b[0] = 0
	if _, ok := Decode(b); ok {
		t.Fatalf("expected decode to fail on bad magic")
	}
}

func TestDecodeRejectsUnknownCommand(t *testing.T) {
	b := Control{Command: Ping}.Encode()
	b[4] = 0xEE
	if _, ok := Decode(b); ok {
		t.Fatalf("expected decode to fail on unknown command")
	}
}

func TestClassify(t *testing.T) {
	ctrl := Control{Command: SYN}.Encode()
	if Classify(ctrl) != KindControl {
		t.Errorf("expected control frame to classify as KindControl")
	}
	if Classify(make([]byte, 24)) != KindData {
		t.Errorf("expected 24-byte datagram to classify as KindData")
	}
	if Classify(make([]byte, 100)) != KindData {
		t.Errorf("expected oversized datagram to classify as KindData")
	}
	if Classify(make([]byte, 10)) != Garbage {
		t.Errorf("expected short datagram to classify as Garbage")
	}
	// 21 bytes but wrong magic: not control (bad magic), and too short for data.
	short := make([]byte, ControlSize)
	if Classify(short) != Garbage {
		t.Errorf("expected 21-byte non-magic datagram to classify as Garbage")
	}
}

func TestHandshakePayloadRoundTrip(t *testing.T) {
	p := HandshakePayload(1200, true)
	mtu, stream := ParseHandshakePayload(p)
	if mtu != 1200 || !stream {
		t.Fatalf("got mtu=%d stream=%v, want 1200 true", mtu, stream)
	}
	p2 := HandshakePayload(280, false)
	mtu2, stream2 := ParseHandshakePayload(p2)
	if mtu2 != 280 || stream2 {
		t.Fatalf("got mtu=%d stream=%v, want 280 false", mtu2, stream2)
	}
}

func TestCommandString(t *testing.T) {
	if SYN.String() != "SYN" || Command(99).String() != "UNKNOWN" {
		t.Fatalf("unexpected command strings")
	}
}
