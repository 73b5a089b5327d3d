package ban

import (
	"fmt"
	"testing"
	"time"
)

func newTestRing(now *time.Time) *Ring {
	r := NewRing()
	r.now = func() time.Time { return *now }
	return r
}

func TestBanAndMatch(t *testing.T) {
	now := time.Unix(1000000, 0)
	r := newTestRing(&now)

	r.BanUser("cheater", 42, "cookie-1")

	if got := r.Check("cheater", 0, 0, "", 0); got != SameName {
		t.Fatalf("name match = %v", got)
	}
	if got := r.Check("other", 42, 0, "", 0); got != SameID {
		t.Fatalf("uid match = %v", got)
	}
	if got := r.Check("other", 0, 0, "cookie-1", 0); got != SameID {
		t.Fatalf("cookie match = %v", got)
	}
	if got := r.Check("innocent", 7, 0, "cookie-2", 0x01020304); got != None {
		t.Fatalf("innocent user flagged: %v", got)
	}
}

func TestBanIPDoesNotBanIdentity(t *testing.T) {
	now := time.Unix(1000000, 0)
	r := newTestRing(&now)
	r.BanIP(0x0a000001)

	if !r.IsBannedIP(0x0a000001) {
		t.Fatal("banned IP admitted")
	}
	if r.IsBannedIP(0x0a000002) {
		t.Fatal("neighbor IP banned")
	}
}

func TestBanUserSparesSharedIP(t *testing.T) {
	now := time.Unix(1000000, 0)
	r := newTestRing(&now)
	r.BanUser("cheater", 42, "cookie-1")
	if r.IsBannedIP(0x0a000001) {
		t.Fatal("IP banned by identity-only ban")
	}
}

func TestCheckRenewsBan(t *testing.T) {
	now := time.Unix(1000000, 0)
	r := newTestRing(&now)
	r.BanUser("cheater", 42, "cookie-1")

	// 50 minutes later the ban is still live and the attempt renews it
	now = now.Add(50 * time.Minute)
	if got := r.Check("cheater", 42, 0, "cookie-1", 0); got != SameName {
		t.Fatalf("renewal check = %v", got)
	}
	if r.TotalAttempts != 1 {
		t.Fatalf("attempts = %d", r.TotalAttempts)
	}
	// 50 more minutes: without the renewal this would have expired
	now = now.Add(50 * time.Minute)
	if got := r.Check("cheater", 0, 0, "", 0); got != SameName {
		t.Fatalf("post-renewal check = %v", got)
	}
}

func TestBanExpires(t *testing.T) {
	now := time.Unix(1000000, 0)
	r := newTestRing(&now)
	r.BanUser("cheater", 42, "cookie-1")
	now = now.Add(Expire + time.Minute)
	if got := r.Check("cheater", 42, 0, "cookie-1", 0); got != None {
		t.Fatalf("expired ban still matches: %v", got)
	}
}

func TestGuestRenewalKeepsNoIdentity(t *testing.T) {
	now := time.Unix(1000000, 0)
	r := newTestRing(&now)
	r.BanUser("guest", 99, "cookie-g")

	// the renewal path must not store the guest name or uid
	now = now.Add(time.Minute)
	r.Check("guest", 99, 0, "cookie-g", 0)
	active := r.Active()
	if len(active) != 1 {
		t.Fatalf("active bans = %d", len(active))
	}
	if active[0].Name != "" || active[0].UID != 0 {
		t.Fatalf("guest identity persisted: %+v", active[0])
	}
	// the cookie still matches, the name no longer does
	if got := r.Check("guest", 0, 0, "", 0); got != None {
		t.Fatalf("guest banned by name: %v", got)
	}
	if got := r.Check("", 0, 0, "cookie-g", 0); got != SameID {
		t.Fatalf("guest cookie forgotten: %v", got)
	}
}

func TestSupervisorUnbansOnSight(t *testing.T) {
	now := time.Unix(1000000, 0)
	r := newTestRing(&now)
	r.BanUser("boss", 5, "cookie-s")

	if got := r.Check("boss", 5, 'S', "cookie-s", 0); got != Supervisor {
		t.Fatalf("supervisor code = %v", got)
	}
	if got := r.Check("boss", 5, 0, "cookie-s", 0); got != None {
		t.Fatalf("supervisor still banned: %v", got)
	}
	// 'S' with no matching record is still a supervisor, never a new ban
	if got := r.Check("fresh", 1, 'S', "c", 0); got != Supervisor {
		t.Fatalf("fresh supervisor = %v", got)
	}
	if len(r.Active()) != 0 {
		t.Fatalf("supervisor check created records: %d", len(r.Active()))
	}
}

func TestDatabaseUnban(t *testing.T) {
	now := time.Unix(1000000, 0)
	r := newTestRing(&now)
	r.BanUser("redeemed", 8, "cookie-r")
	if got := r.Check("redeemed", 8, 'U', "cookie-r", 0); got != Unbanned {
		t.Fatalf("unban code = %v", got)
	}
	if got := r.Check("redeemed", 8, 0, "cookie-r", 0); got != None {
		t.Fatalf("still banned after unban: %v", got)
	}
}

func TestUnbanEvent(t *testing.T) {
	now := time.Unix(1000000, 0)
	r := newTestRing(&now)
	r.BanUser("first", 1, "c1")
	r.BanUser("second", 2, "c2")

	active := r.Active()
	if len(active) != 2 {
		t.Fatalf("active = %d", len(active))
	}
	if !r.UnbanEvent(active[0].EventID) {
		t.Fatal("unban by event id failed")
	}
	if r.UnbanEvent(999) {
		t.Fatal("phantom event unbanned")
	}
	if got := r.Check("first", 1, 0, "c1", 0); got != None {
		t.Fatalf("event-unbanned user still banned: %v", got)
	}
	if got := r.Check("second", 2, 0, "c2", 0); got != SameName {
		t.Fatalf("wrong record cleared: %v", got)
	}
}

func TestRingReusesSlots(t *testing.T) {
	now := time.Unix(1000000, 0)
	r := newTestRing(&now)
	for i := 0; i < MaxBanned+10; i++ {
		r.BanUser(fmt.Sprintf("user%d", i), 1000+i, fmt.Sprintf("ck%d", i))
	}
	if got := len(r.Active()); got > MaxBanned {
		t.Fatalf("ring overflowed: %d", got)
	}
	// the oldest entries were overwritten round-robin
	if got := r.Check("user0", 0, 0, "", 0); got != None {
		t.Fatalf("evicted ban still matches: %v", got)
	}
	last := fmt.Sprintf("user%d", MaxBanned+9)
	if got := r.Check(last, 0, 0, "", 0); got != SameName {
		t.Fatalf("recent ban missing: %v", got)
	}
}
