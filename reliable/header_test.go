package reliable

import "testing"

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := header{conv: 42, cmd: cmdPush, frg: 3, wnd: 128, ts: 99999, sn: 7, una: 5, length: 7}
	wire := h.encode([]byte("payload"))
	got, payload, ok := decodeHeader(wire)
	if !ok {
		t.Fatalf("expected decode to succeed")
	}
	if got != h {
		t.Fatalf("got %+v, want %+v", got, h)
	}
	if string(payload) != "payload" {
		t.Fatalf("got payload %q", payload)
	}
}

func TestDecodeHeaderRejectsShortInput(t *testing.T) {
	if _, _, ok := decodeHeader(make([]byte, headerSize-1)); ok {
		t.Fatalf("expected decode to reject input shorter than header")
	}
}

func TestDecodeHeaderRejectsTruncatedPayload(t *testing.T) {
	h := header{conv: 1, cmd: cmdPush}
	wire := h.encode(nil) // 24 bytes, no payload
	wire[20] = 10         // length field (bytes 20-23, little-endian) now claims 10
	if _, _, ok := decodeHeader(wire); ok {
		t.Fatalf("expected decode to reject truncated payload")
	}
}

func TestPeekConv(t *testing.T) {
	h := header{conv: 0xAABBCCDD, cmd: cmdPush}
	wire := h.encode(nil)
	conv, ok := PeekConv(wire)
	if !ok || conv != 0xAABBCCDD {
		t.Fatalf("got conv=%#x ok=%v, want 0xAABBCCDD", conv, ok)
	}
	if _, ok := PeekConv([]byte{1, 2}); ok {
		t.Fatalf("expected PeekConv to reject short input")
	}
}

func TestSeqLess(t *testing.T) {
	if !seqLess(1, 2) || seqLess(2, 1) || seqLess(5, 5) {
		t.Fatalf("seqLess wrap-unaware comparison broken")
	}
	// wraparound: a very large sn is "before" a small one that follows it.
	if !seqLess(0xFFFFFFFF, 0) {
		t.Fatalf("expected wraparound comparison to treat 0xFFFFFFFF as before 0")
	}
}
