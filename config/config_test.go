package config

import "testing"

func TestDefaultsMatchSpec(t *testing.T) {
	b := NewBlock()
	cases := map[Option]int64{
		ConnectTimeoutMS:          250,
		CommandMaxTryCnt:          20,
		MaxSendWindow:             128,
		MaxRecvWindow:             128,
		MTUSize:                   1200,
		EnableNoDelay:             1,
		UpdateIntervalMS:         10,
		FastResendSkipCnt:         0,
		EnableNoCongestionControl: 1,
		EnableAutoKeepalive:       0,
		EnableStreamMode:          0,
		MaxIdleConnectionTimeMS:   10000,
	}
	for opt, want := range cases {
		if got := b.Get(opt); got != want {
			t.Errorf("option %d: got %d, want %d", opt, got, want)
		}
	}
}

func TestSetClampsOutOfRangeValues(t *testing.T) {
	b := NewBlock()
	b.Set(CommandMaxTryCnt, 1) // below min 2
	if got := b.Get(CommandMaxTryCnt); got != 2 {
		t.Errorf("expected clamp to min 2, got %d", got)
	}
	b.Set(CommandMaxTryCnt, 10000) // above max 500
	if got := b.Get(CommandMaxTryCnt); got != 500 {
		t.Errorf("expected clamp to max 500, got %d", got)
	}
	b.Set(CommandMaxTryCnt, 50)
	if got := b.Get(CommandMaxTryCnt); got != 50 {
		t.Errorf("expected 50, got %d", got)
	}
}

func TestNewBlockFromSnapshotsIndependently(t *testing.T) {
	SetSystemDefault(MTUSize, 1400)
	child := NewBlockFrom(System())
	if got := child.Get(MTUSize); got != 1400 {
		t.Fatalf("expected child to inherit 1400, got %d", got)
	}
	child.Set(MTUSize, 500)
	if got := System().Get(MTUSize); got != 1400 {
		t.Fatalf("mutating child leaked into system default: got %d", got)
	}
	SetSystemDefault(MTUSize, 1200) // restore for other tests
}

func TestBoolOption(t *testing.T) {
	b := NewBlock()
	if b.Bool(EnableStreamMode) {
		t.Fatalf("expected stream mode default false")
	}
	b.Set(EnableStreamMode, 1)
	if !b.Bool(EnableStreamMode) {
		t.Fatalf("expected stream mode true after Set(1)")
	}
}
