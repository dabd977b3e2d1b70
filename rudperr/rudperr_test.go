package rudperr

import (
	"errors"
	"testing"
)

func TestErrorString(t *testing.T) {
	e := New(TimedOut, "idle for %dms", 500)
	if e.Error() != "timed_out: idle for 500ms" {
		t.Fatalf("unexpected message: %q", e.Error())
	}
}

func TestIsMatchesByKind(t *testing.T) {
	e := New(ConnectionReset, "src=%d", 7)
	if !errors.Is(e, ErrConnectionReset) {
		t.Fatalf("expected errors.Is to match on Kind alone")
	}
	if errors.Is(e, ErrTimedOut) {
		t.Fatalf("expected errors.Is to not match a different Kind")
	}
}

func TestUnknownKindString(t *testing.T) {
	var k Kind = 999
	if k.String() != "unknown" {
		t.Fatalf("expected unknown, got %q", k.String())
	}
}
