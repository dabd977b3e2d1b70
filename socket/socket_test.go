package socket

import (
	"testing"
	"time"

	"github.com/rudplab/rudp/config"
	"github.com/rudplab/rudp/rudperr"
)

func TestBindSendRecvRoundTrip(t *testing.T) {
	cfg := config.NewBlock()
	a, err := Bind("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("Bind a: %v", err)
	}
	defer a.Close()
	b, err := Bind("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("Bind b: %v", err)
	}
	defer b.Close()

	if serr := a.SendTo(b.LocalAddr(), []byte("hello")); serr != nil {
		t.Fatalf("SendTo: %v", serr)
	}

	buf := make([]byte, 64)
	n, _, rerr := b.RecvFrom(buf)
	if rerr != nil {
		t.Fatalf("RecvFrom: %v", rerr)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q, want %q", buf[:n], "hello")
	}
}

func TestRecvAfterCloseReturnsBadFileDescriptor(t *testing.T) {
	cfg := config.NewBlock()
	e, err := Bind("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	done := make(chan *rudperr.Error, 1)
	go func() {
		buf := make([]byte, 64)
		_, _, rerr := e.RecvFrom(buf)
		done <- rerr
	}()

	time.Sleep(10 * time.Millisecond)
	if cerr := e.Close(); cerr != nil {
		t.Fatalf("Close: %v", cerr)
	}

	select {
	case got := <-done:
		if got == nil {
			t.Fatalf("expected an error after close")
		}
	case <-time.After(time.Second):
		t.Fatalf("RecvFrom did not unblock after Close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	cfg := config.NewBlock()
	e, err := Bind("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
