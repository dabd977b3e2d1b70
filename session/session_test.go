package session

import (
	"testing"
	"time"

	"github.com/rudplab/rudp/config"
	"github.com/rudplab/rudp/frame"
	"github.com/rudplab/rudp/reliable"
	"github.com/rudplab/rudp/rudperr"
)

type harness struct {
	sent      []frame.Control
	connected *reliable.Engine
	closedKind rudperr.Kind
	closedCalled bool
}

func newHarness() *harness {
	return &harness{}
}

func (h *harness) send(f frame.Control) {
	h.sent = append(h.sent, f)
}

func (h *harness) sendData(wire []byte) {}

func (h *harness) onConnected(e *reliable.Engine) {
	h.connected = e
}

func (h *harness) onClosed(kind rudperr.Kind, detail string) {
	h.closedCalled = true
	h.closedKind = kind
}

func (h *harness) last() frame.Control {
	return h.sent[len(h.sent)-1]
}

func TestClientHandshakeCompletesOnSynAck(t *testing.T) {
	hc := newHarness()
	cfg := config.NewBlock()
	client := New(1, cfg, hc.send, hc.sendData, hc.onConnected, hc.onClosed)

	now := time.Now()
	if err := client.Connect(now); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if client.State() != SynSent {
		t.Fatalf("expected SYN_SENT, got %s", client.State())
	}
	if hc.last().Command != frame.SYN {
		t.Fatalf("expected SYN to be sent")
	}

	client.HandleControl(frame.Control{
		Command: frame.SynAck,
		SrcID:   2,
		DstID:   1,
		Payload: frame.HandshakePayload(1200, false),
	}, now)

	if client.State() != Connected {
		t.Fatalf("expected CONNECTED after SYN_ACK, got %s", client.State())
	}
	if hc.last().Command != frame.SynAck2 {
		t.Fatalf("expected SYN_ACK2 to be sent after SYN_ACK")
	}
	if hc.connected == nil {
		t.Fatalf("expected onConnected to fire")
	}
}

func TestServerHandshakeCompletesOnSynAck2(t *testing.T) {
	hs := newHarness()
	cfg := config.NewBlock()
	server := New(2, cfg, hs.send, hs.sendData, hs.onConnected, hs.onClosed)

	now := time.Now()
	server.AcceptSYN(1, frame.HandshakePayload(1200, false), now)
	if server.State() != SynRecv {
		t.Fatalf("expected SYN_RECV, got %s", server.State())
	}
	if hs.last().Command != frame.SynAck {
		t.Fatalf("expected SYN_ACK to be sent")
	}

	server.HandleControl(frame.Control{Command: frame.SynAck2, SrcID: 1, DstID: 2}, now)
	if server.State() != Connected {
		t.Fatalf("expected CONNECTED after SYN_ACK2, got %s", server.State())
	}
	if hs.connected == nil {
		t.Fatalf("expected onConnected to fire")
	}
}

func TestHandshakeRetryExhaustsTryBudget(t *testing.T) {
	hc := newHarness()
	cfg := config.NewBlock()
	cfg.Set(config.ConnectTimeoutMS, 1)
	cfg.Set(config.CommandMaxTryCnt, 2)
	client := New(1, cfg, hc.send, hc.sendData, hc.onConnected, hc.onClosed)

	now := time.Now()
	client.Connect(now)

	for i := 0; i < 5 && client.State() != Closed; i++ {
		now = now.Add(10 * time.Millisecond)
		client.Tick(now)
	}

	if client.State() != Closed {
		t.Fatalf("expected handshake to give up after exhausting retry budget")
	}
	if !hc.closedCalled || hc.closedKind != rudperr.NetworkUnreachable {
		t.Fatalf("expected NetworkUnreachable close reason, got %v", hc.closedKind)
	}
}

func TestRstTearsDownConnectedSession(t *testing.T) {
	hc := newHarness()
	cfg := config.NewBlock()
	client := New(1, cfg, hc.send, hc.sendData, hc.onConnected, hc.onClosed)
	now := time.Now()
	client.Connect(now)
	client.HandleControl(frame.Control{Command: frame.SynAck, SrcID: 2, DstID: 1, Payload: frame.HandshakePayload(1200, false)}, now)
	if client.State() != Connected {
		t.Fatalf("setup: expected connected")
	}

	client.HandleControl(frame.Control{Command: frame.Rst, SrcID: 2, DstID: 1}, now)
	if client.State() != Closed {
		t.Fatalf("expected RST to close the session")
	}
	if hc.closedKind != rudperr.ConnectionReset {
		t.Fatalf("expected ConnectionReset close reason, got %v", hc.closedKind)
	}
}

func TestPingPongKeepsSessionAlive(t *testing.T) {
	hc := newHarness()
	cfg := config.NewBlock()
	client := New(1, cfg, hc.send, hc.sendData, hc.onConnected, hc.onClosed)
	now := time.Now()
	client.Connect(now)
	client.HandleControl(frame.Control{Command: frame.SynAck, SrcID: 2, DstID: 1, Payload: frame.HandshakePayload(1200, false)}, now)

	client.HandleControl(frame.Control{Command: frame.Ping, SrcID: 2, DstID: 1}, now)
	if hc.last().Command != frame.Pong {
		t.Fatalf("expected Pong reply to Ping")
	}
}

func TestUnverifiedSourceIsIgnored(t *testing.T) {
	hc := newHarness()
	cfg := config.NewBlock()
	client := New(1, cfg, hc.send, hc.sendData, hc.onConnected, hc.onClosed)
	now := time.Now()
	client.Connect(now)
	client.HandleControl(frame.Control{Command: frame.SynAck, SrcID: 2, DstID: 1, Payload: frame.HandshakePayload(1200, false)}, now)

	sentBefore := len(hc.sent)
	client.HandleControl(frame.Control{Command: frame.Rst, SrcID: 99, DstID: 1}, now)
	if client.State() != Connected {
		t.Fatalf("expected RST from unverified source to be ignored")
	}
	if len(hc.sent) != sentBefore {
		t.Fatalf("expected no reply to unverified-source frame")
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	hc := newHarness()
	cfg := config.NewBlock()
	client := New(1, cfg, hc.send, hc.sendData, hc.onConnected, hc.onClosed)
	client.Destroy()
	client.Destroy()
	if !hc.closedCalled {
		t.Fatalf("expected onClosed to fire")
	}
}

func TestIdleTimeoutClosesConnectedSession(t *testing.T) {
	hc := newHarness()
	cfg := config.NewBlock()
	cfg.Set(config.MaxIdleConnectionTimeMS, 10) // clamped up to the 200ms minimum
	cfg.Set(config.EnableAutoKeepalive, 0)
	client := New(1, cfg, hc.send, hc.sendData, hc.onConnected, hc.onClosed)
	now := time.Now()
	client.Connect(now)
	client.HandleControl(frame.Control{Command: frame.SynAck, SrcID: 2, DstID: 1, Payload: frame.HandshakePayload(1200, false)}, now)

	now = now.Add(300 * time.Millisecond)
	client.Tick(now)
	if client.State() != Closed {
		t.Fatalf("expected idle timeout to close the session")
	}
	if hc.closedKind != rudperr.TimedOut {
		t.Fatalf("expected TimedOut close reason, got %v", hc.closedKind)
	}
}
