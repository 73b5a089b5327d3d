package game

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/boardspace/roomserver/internal/protocol"
)

type fakeRoom struct {
	num     int
	demoted int
	game    *Buffer
}

func (r *fakeRoom) DemotePlayers() { r.demoted++ }
func (r *fakeRoom) RoomNumber() int { return r.num }
func (r *fakeRoom) SessionGame() *Buffer { return r.game }
func (r *fakeRoom) SetSessionGame(g *Buffer) { r.game = g }

// checkRefs verifies the reference-count bookkeeping: one reference for
// hash membership, one for dirty-queue membership, one per owning room.
func checkRefs(t *testing.T, c *Cache) {
	t.Helper()
	for _, g := range c.all {
		want := 0
		if g.preserved {
			want++
		}
		if g.dirty {
			want++
		}
		if g.Owner != nil {
			want++
		}
		if g.refCount != want {
			t.Fatalf("%s#%d refCount=%d, want %d (preserved=%v dirty=%v owned=%v)",
				g.ID, g.UID, g.refCount, want, g.preserved, g.dirty, g.Owner != nil)
		}
	}
}

func TestRecordAndFind(t *testing.T) {
	c := NewCache(10, 60, true)
	room := &fakeRoom{num: 3}
	g := c.Record(room, "MyGame", []byte("start move1"))
	if g == nil || !g.Preserved() {
		t.Fatal("recorded game not preserved")
	}
	if c.FindNamed("mygame") != g || c.FindNamed("MYGAME") != g {
		t.Fatal("case-insensitive lookup failed")
	}
	if c.FindNamed("other") != nil {
		t.Fatal("phantom game found")
	}
	checkRefs(t, c)
}

func TestAppendVerifiesPrefix(t *testing.T) {
	c := NewCache(10, 60, true)
	room := &fakeRoom{}
	base := []byte("move1 move2 ")
	c.Record(room, "g1", base)

	sum := protocol.HashPrefix(base, len(base))
	g, err := c.Append(room, "g1", len(base), sum, []byte("move3"))
	if err != nil || !bytes.Equal(g.Data, []byte("move1 move2 move3")) {
		t.Fatalf("append failed: %v, data %q", err, g.Data)
	}

	if _, err := c.Append(room, "g1", 5, 12345, []byte("x")); err != ErrChecksum {
		t.Fatalf("bad checksum accepted: %v", err)
	}
	if _, err := c.Append(room, "nosuch", 5, 0, []byte("x")); err != ErrUnknownGame {
		t.Fatalf("append to unknown game: %v", err)
	}
	// offset 0 always records from scratch
	g2, err := c.Append(room, "g1", 0, 0, []byte("fresh"))
	if err != nil || !bytes.Equal(g2.Data, []byte("fresh")) {
		t.Fatalf("offset-0 append: %v %q", err, g2.Data)
	}
	checkRefs(t, c)
}

func TestDuplicateOwnerDemoted(t *testing.T) {
	c := NewCache(10, 60, true)
	first := &fakeRoom{num: 1}
	second := &fakeRoom{num: 2}

	g := c.Record(first, "shared", []byte("x"))
	if g.Owner != first || first.game != g {
		t.Fatal("recording room did not claim the game")
	}
	checkRefs(t, c)

	c.Record(second, "shared", []byte("y"))
	if first.demoted != 1 {
		t.Fatalf("first room demoted %d times, want 1", first.demoted)
	}
	if second.demoted != 0 {
		t.Fatal("innocent room demoted")
	}
	if g.Owner != second || second.game != g {
		t.Fatal("claim did not move to the re-recording room")
	}
	if first.game != nil {
		t.Fatal("losing room still points at the game")
	}
	checkRefs(t, c)
}

func TestRemoveUnpreserves(t *testing.T) {
	c := NewCache(10, 60, true)
	room := &fakeRoom{}
	g := c.Record(room, "gone", []byte("x"))
	uid := g.UID
	if got := c.Remove("gone"); got != uid {
		t.Fatalf("remove returned %d, want %d", got, uid)
	}
	if c.FindNamed("gone") != nil {
		t.Fatal("removed game still findable")
	}
	if c.Remove("gone") != 0 {
		t.Fatal("second remove found something")
	}
	checkRefs(t, c)
}

func TestEvictionPrefersExpired(t *testing.T) {
	c := NewCache(2, 60, true)
	day := 100
	c.now = func() int { return day }
	room := &fakeRoom{}

	c.Record(room, "old", []byte("a"))
	day = 101
	c.Record(room, "newer", []byte("b"))
	day = 200 // "old" and "newer" are both expired now
	c.Record(room, "third", []byte("c"))

	if c.FindNamed("third") == nil {
		t.Fatal("newest game evicted")
	}
	if c.Cached() > 2 {
		t.Fatalf("cache above capacity: %d", c.Cached())
	}
	checkRefs(t, c)
}

func TestEvictionOldestUnowned(t *testing.T) {
	c := NewCache(2, 60, true)
	day := 100
	c.now = func() int { return day }
	room := &fakeRoom{}

	other := &fakeRoom{num: 2}
	c.Record(room, "oldest", []byte("a"))
	day++
	middle := c.Record(other, "middle", []byte("b"))
	c.Disown(middle) // that room cleared and moved on
	day++
	c.Record(other, "third", []byte("c"))

	// "oldest" is still claimed, so "middle" is the victim despite
	// being newer
	if c.FindNamed("oldest") == nil {
		t.Fatal("owned game evicted")
	}
	if c.FindNamed("middle") != nil {
		t.Fatal("unowned victim survived")
	}
	if c.FindNamed("third") == nil {
		t.Fatal("new game missing")
	}
	checkRefs(t, c)
}

func TestExpiredHitEvictsOnTheSpot(t *testing.T) {
	c := NewCache(10, 60, true)
	day := 100
	c.now = func() int { return day }
	room := &fakeRoom{}
	c.Record(room, "stale", []byte("x"))

	day = 161
	if c.FindNamed("stale") != nil {
		t.Fatal("expired game returned")
	}
	if c.Cached() != 0 {
		t.Fatalf("expired game still cached: %d", c.Cached())
	}
}

func TestFindRefreshesStamp(t *testing.T) {
	c := NewCache(10, 60, true)
	day := 100
	c.now = func() int { return day }
	room := &fakeRoom{}
	g := c.Record(room, "live", []byte("x"))

	day = 150
	if c.FindNamed("live") != g {
		t.Fatal("game missing before expiry")
	}
	day = 205 // 55 days after the refreshed stamp
	if c.FindNamed("live") != g {
		t.Fatal("refresh did not extend lifetime")
	}
}

func TestSweepStopsWhenQueueFull(t *testing.T) {
	c := NewCache(10, 60, true)
	room := &fakeRoom{}
	for i := 0; i < 5; i++ {
		c.Record(room, fmt.Sprintf("g%d", i), []byte("data"))
	}
	if c.DirtyDepth() != 5 {
		t.Fatalf("dirty depth %d, want 5", c.DirtyDepth())
	}
	out := make(chan Snapshot, 2)
	c.Sweep(out)
	if c.DirtyDepth() != 3 {
		t.Fatalf("dirty depth after full queue %d, want 3", c.DirtyDepth())
	}
	<-out
	<-out
	c.Sweep(out)
	if c.DirtyDepth() != 1 {
		t.Fatalf("dirty depth after second sweep %d, want 1", c.DirtyDepth())
	}
	checkRefs(t, c)
}

func TestHashRemovalKeepsCluster(t *testing.T) {
	c := NewCache(10, 60, true)
	// plant a probe cluster: three games with colliding hash codes
	var gs []*Buffer
	for i := 0; i < 3; i++ {
		g := c.New()
		g.ID = fmt.Sprintf("c%d", i)
		g.Hash = 7
		c.Preserve(g)
		gs = append(gs, g)
	}
	c.hashOut(gs[1])
	if gs[1].hashed {
		t.Fatal("removed game still marked hashed")
	}
	// survivors pushed down by the collision must be rehashed, not
	// stranded past the hole
	seen := map[string]bool{}
	idx := 7 % len(c.table)
	for c.table[idx] != nil {
		seen[c.table[idx].ID] = true
		idx++
		if idx >= len(c.table) {
			idx = 0
		}
	}
	if !seen["c0"] || !seen["c2"] || seen["c1"] {
		t.Fatalf("cluster after removal: %v", seen)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := Snapshot{
		ID:        "round-trip",
		UID:       42,
		Hash:      protocol.HashID("round-trip"),
		Day:       19000,
		Data:      []byte("moves with \x00 binary \xff bytes"),
		Preserved: true,
	}
	id, day, data, ok := decodeRecord(encodeSnapshot(s))
	if !ok || id != s.ID || day != s.Day || !bytes.Equal(data, s.Data) {
		t.Fatalf("round trip gave id=%q day=%d ok=%v data=%q", id, day, ok, data)
	}
}

func TestLegacyLayout(t *testing.T) {
	raw := make([]byte, legacyIDSize+legacyLogSize+4)
	copy(raw, "oldgame")
	copy(raw[legacyIDSize:], "legacy moves")
	raw[legacyIDSize+legacyLogSize] = 0x10 // day stamp, little endian
	id, day, data, ok := decodeRecord(raw)
	if !ok || id != "oldgame" || day != 0x10 || string(data) != "legacy moves" {
		t.Fatalf("legacy decode: id=%q day=%d data=%q ok=%v", id, day, data, ok)
	}
}

func TestReloadDirectory(t *testing.T) {
	dir := t.TempDir()
	live := Snapshot{ID: "live", Day: 19000, Data: []byte("keep me"), Preserved: true}
	stale := Snapshot{ID: "stale", Day: 100, Data: []byte("too old"), Preserved: true}
	if err := writeSnapshot(dir, live); err != nil {
		t.Fatal(err)
	}
	if err := writeSnapshot(dir, stale); err != nil {
		t.Fatal(err)
	}
	// junk that must be ignored
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewCache(10, 60, true)
	c.now = func() int { return 19010 }
	if n := c.Reload(dir); n != 1 {
		t.Fatalf("reloaded %d, want 1", n)
	}
	g := c.FindNamed("live")
	if g == nil || string(g.Data) != "keep me" {
		t.Fatalf("reloaded game wrong: %+v", g)
	}
	checkRefs(t, c)

	// the expired file is cleaned up during reload
	if _, err := os.Stat(cacheFileName(dir, "stale")); !os.IsNotExist(err) {
		t.Fatalf("expired cache file survived: %v", err)
	}
}

func TestWriteSnapshotDeletesUnpreserved(t *testing.T) {
	dir := t.TempDir()
	s := Snapshot{ID: "doomed", Day: 19000, Data: []byte("x"), Preserved: true}
	if err := writeSnapshot(dir, s); err != nil {
		t.Fatal(err)
	}
	s.Preserved = false
	if err := writeSnapshot(dir, s); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cacheFileName(dir, "doomed")); !os.IsNotExist(err) {
		t.Fatalf("file not deleted: %v", err)
	}
	// deleting an absent file is not an error
	if err := writeSnapshot(dir, s); err != nil {
		t.Fatal(err)
	}
}
