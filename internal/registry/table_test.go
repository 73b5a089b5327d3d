package registry

import (
	"fmt"
	"testing"
	"time"
)

func newTestTable(now *time.Time) *Table {
	t := NewTable(nil)
	t.now = func() time.Time { return *now }
	return t
}

func TestRegisterAndLookup(t *testing.T) {
	now := time.Unix(5000, 0)
	tab := newTestTable(&now)
	tab.Register(0xdeadbeef, "alice", 1234, "web login")

	e := tab.Lookup(0xdeadbeef, 0x0a000001, "alice", 1234)
	if e == nil {
		t.Fatal("registered user not found")
	}
	if e.IP != 0x0a000001 {
		t.Fatalf("real IP not recorded: %x", e.IP)
	}
	if tab.Lookup(0xdeadbeef, 0, "alice", 9999) != nil {
		t.Fatal("uid mismatch accepted")
	}
	if tab.Lookup(0xcafef00d, 0, "alice", 1234) != nil {
		t.Fatal("key mismatch accepted")
	}
	if tab.Lookup(0xdeadbeef, 0, "bob", 1234) != nil {
		t.Fatal("name mismatch accepted")
	}
}

func TestZeroUIDMatchesAny(t *testing.T) {
	now := time.Unix(5000, 0)
	tab := newTestTable(&now)
	tab.Register(1, "guest", 0, "")
	if tab.Lookup(1, 0, "guest", 777) == nil {
		t.Fatal("zero-uid registration must match any uid")
	}
}

func TestExpiry(t *testing.T) {
	now := time.Unix(5000, 0)
	tab := newTestTable(&now)
	tab.Register(1, "alice", 10, "")

	now = now.Add(Timeout - time.Second)
	if tab.Lookup(1, 0, "alice", 10) == nil {
		t.Fatal("registration expired early")
	}
	now = now.Add(Timeout + time.Second)
	if tab.Lookup(1, 0, "alice", 10) != nil {
		t.Fatal("stale registration accepted")
	}
	if tab.Count() != 0 {
		t.Fatalf("count after purge = %d", tab.Count())
	}
}

func TestTouchExtendsLifetime(t *testing.T) {
	now := time.Unix(5000, 0)
	tab := newTestTable(&now)
	tab.Register(1, "alice", 10, "")
	e := tab.Lookup(1, 0, "alice", 10)

	now = now.Add(Timeout - time.Minute)
	tab.Touch(e)
	now = now.Add(Timeout - time.Minute)
	if tab.Lookup(1, 0, "alice", 10) == nil {
		t.Fatal("touched registration expired")
	}
	// Touch of a nil entry is a no-op, not a crash
	tab.Touch(nil)
}

func TestReRegisterRefreshes(t *testing.T) {
	now := time.Unix(5000, 0)
	tab := newTestTable(&now)
	tab.Register(1, "alice", 10, "")
	now = now.Add(Timeout / 2)
	tab.Register(1, "alice", 10, "again")
	if tab.Count() != 1 {
		t.Fatalf("duplicate registration created: %d", tab.Count())
	}
	now = now.Add(Timeout - time.Minute)
	if tab.Lookup(1, 0, "alice", 10) == nil {
		t.Fatal("refreshed registration expired")
	}
}

func TestCapacity(t *testing.T) {
	now := time.Unix(5000, 0)
	tab := newTestTable(&now)
	for i := 0; i < Capacity+5; i++ {
		tab.Register(uint32(i+1), fmt.Sprintf("u%d", i), i+1, "")
	}
	if tab.Count() != Capacity {
		t.Fatalf("table grew past capacity: %d", tab.Count())
	}
}
