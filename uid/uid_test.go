package uid

import "testing"

func TestPrefixIsStableAndNonEmpty(t *testing.T) {
	a := Prefix()
	b := Prefix()
	if a == "" {
		t.Fatalf("expected non-empty prefix")
	}
	if a != b {
		t.Fatalf("expected cached prefix to be stable across calls, got %q then %q", a, b)
	}
}

func TestAllocatorNeverReturnsReservedOrZero(t *testing.T) {
	a := NewAllocator()
	a.next = Reserved - 1
	for i := 0; i < 5; i++ {
		id := a.Next()
		if id == Reserved || id == 0 {
			t.Fatalf("allocator returned disallowed id %d", id)
		}
	}
}

func TestAllocatorProducesDistinctIDs(t *testing.T) {
	a := NewAllocator()
	seen := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		id := a.Next()
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
}
