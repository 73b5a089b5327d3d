package game

import (
	"errors"
	"log"
	"strings"

	"github.com/boardspace/roomserver/internal/protocol"
)

// Append outcomes that the dispatcher reports back to the client.
var (
	// ErrUnknownGame: the append names a game that is not cached.
	ErrUnknownGame = errors.New("game: no such cached game")

	// ErrChecksum: the stored prefix does not hash to the client's
	// claimed value; the client must resend the game from scratch.
	ErrChecksum = errors.New("game: append checksum mismatch")
)

// Cache holds every live Buffer and the name hash table. It is owned by
// the event-loop goroutine; the only concurrency is the snapshot channel
// feeding the saver.
type Cache struct {
	capacity   int
	expireDays int
	persist    bool // write-back configured; dirty tracking is pointless without it

	table  []*Buffer // open addressing, linear probe
	cached int       // preserved entries resident in table

	all   []*Buffer
	dirty []*Buffer // FIFO, oldest first

	uids int

	// fraud/pressure counters, scraped by metrics
	IrregularReRecords int
	MaxDirty           int

	now func() int // day clock, replaceable in tests
}

// NewCache sizes the hash table at twice the preserved-game ceiling so
// probe chains stay short even at capacity.
func NewCache(capacity, expireDays int, persist bool) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if expireDays <= 0 {
		expireDays = ExpireDays
	}
	return &Cache{
		capacity:   capacity,
		expireDays: expireDays,
		persist:    persist,
		table:      make([]*Buffer, capacity*2),
		uids:       1,
		now:        daysNow,
	}
}

// Total is the number of live buffers, hashed or not.
func (c *Cache) Total() int { return len(c.all) }

// Cached is the number of hash-resident (preserved) games.
func (c *Cache) Cached() int { return c.cached }

// DirtyDepth is the current write-back backlog.
func (c *Cache) DirtyDepth() int { return len(c.dirty) }

// New allocates a fresh buffer with the next uid and a zero reference
// count; the caller decides whether it gets preserved, owned, or both.
func (c *Cache) New() *Buffer {
	g := &Buffer{
		UID:    c.uids,
		Day:    c.now(),
		allIdx: len(c.all),
	}
	c.uids++
	c.all = append(c.all, g)
	return g
}

func (c *Cache) free(g *Buffer) {
	if g.preserved || g.dirty || g.Owner != nil {
		log.Printf("game: freeing %s#%d with live references", g.ID, g.UID)
	}
	last := len(c.all) - 1
	c.all[g.allIdx] = c.all[last]
	c.all[g.allIdx].allIdx = g.allIdx
	c.all = c.all[:last]
	g.Data = nil
}

// release drops one reference and frees the buffer when the last one
// goes. An owned buffer is never freed here even if the counts were
// damaged; the room still points at it.
func (c *Cache) release(g *Buffer) {
	g.refCount--
	if g.refCount <= 0 && g.Owner == nil {
		c.free(g)
	}
}

// Own claims g for room o. The room's previous claim, if different, is
// released first, so a room holds at most one game and the refcount
// carries exactly one reference per owning room.
func (c *Cache) Own(g *Buffer, o Owner) {
	if g.Owner == o {
		return
	}
	if prev := o.SessionGame(); prev != nil && prev != g {
		c.Disown(prev)
	}
	g.refCount++
	g.Owner = o
	o.SetSessionGame(g)
}

// Disown releases a room's claim, dropping the room's back-pointer.
func (c *Cache) Disown(g *Buffer) {
	if o := g.Owner; o != nil {
		o.SetSessionGame(nil)
	}
	g.Owner = nil
	c.release(g)
}

// hashIn inserts into the first free probe slot.
func (c *Cache) hashIn(g *Buffer) {
	idx := int(g.Hash) % len(c.table)
	for c.table[idx] != nil {
		idx++
		if idx >= len(c.table) {
			idx = 0
		}
	}
	c.table[idx] = g
	g.hashed = true
	c.cached++
}

// hashOut removes g and reinserts the rest of its probe cluster, which
// may have been pushed past g by earlier collisions. Without the
// reinsertion a later lookup would stop at the hole and miss them.
func (c *Cache) hashOut(g *Buffer) {
	if !g.hashed {
		return
	}
	idx := int(g.Hash) % len(c.table)
	for c.table[idx] != nil {
		target := c.table[idx]
		c.table[idx] = nil
		target.hashed = false
		c.cached--
		if target != g {
			c.hashIn(target)
		}
		idx++
		if idx >= len(c.table) {
			idx = 0
		}
	}
	g.hashed = false
}

// Preserve admits g to the hash table, evicting first if the cache is at
// its ceiling, and takes the table's reference.
func (c *Cache) Preserve(g *Buffer) {
	if g.preserved {
		return
	}
	c.evictToFit()
	g.refCount++
	g.preserved = true
	c.hashIn(g)
}

// Unpreserve ejects g from the hash table. Marking dirty first is what
// triggers deletion of the cached file. Clients restarted mid-cleanup
// can request this twice; the second call is a no-op.
func (c *Cache) Unpreserve(g *Buffer) {
	if !g.preserved {
		return
	}
	c.MarkDirty(g)
	g.preserved = false
	c.hashOut(g)
	c.release(g)
}

// evictToFit throws preserved, unowned games over the side until there
// is room: expired ones first, else the single oldest. This ought to
// happen rarely or never.
func (c *Cache) evictToFit() {
	for c.cached >= c.capacity {
		now := c.now()
		var min *Buffer
		minDay := 0
		for _, g := range append([]*Buffer(nil), c.all...) {
			if !g.preserved || g.Owner != nil {
				continue
			}
			if min == nil && g.hashed {
				min, minDay = g, g.Day
			}
			if now-g.Day > c.expireDays {
				log.Printf("game: evicting expired %s#%d", g.ID, g.UID)
				c.Unpreserve(g)
			} else if g.Day < minDay {
				min, minDay = g, g.Day
			}
		}
		if c.cached >= c.capacity {
			if min == nil {
				return
			}
			log.Printf("game: evicting oldest %s#%d to make room", min.ID, min.UID)
			c.Unpreserve(min)
		}
	}
}

// FindNamed looks up a preserved game by id, case-insensitively. A hit
// refreshes the activity stamp; a hit on an expired game evicts it on
// the spot and reports not-found.
func (c *Cache) FindNamed(id string) *Buffer {
	hash := protocol.HashID(id)
	idx := int(hash) % len(c.table)
	for c.table[idx] != nil {
		target := c.table[idx]
		if equalFold(target.ID, id) {
			now := c.now()
			if target.Day > 0 && now-target.Day > c.expireDays {
				c.Unpreserve(target)
				return nil
			}
			target.Day = now
			return target
		}
		idx++
		if idx >= len(c.table) {
			idx = 0
		}
	}
	return nil
}

// Matching returns the preserved games whose id contains sub; "*"
// matches everything. Supervisor inspection only.
func (c *Cache) Matching(sub string) []*Buffer {
	all := sub == "*"
	var out []*Buffer
	for _, g := range c.all {
		if g.preserved && (all || strings.Contains(g.ID, sub)) {
			out = append(out, g)
		}
	}
	return out
}

// ByUID finds a live buffer by its numeric uid.
func (c *Cache) ByUID(uid int) *Buffer {
	for _, g := range c.all {
		if g.UID == uid {
			return g
		}
	}
	return nil
}

// zapDuplicateOwner demotes the players of any other room currently
// claiming g and strips that room's claim. Restoring one game from two
// rooms and trying different moves in each is a known cheat, not an
// accident.
func (c *Cache) zapDuplicateOwner(g *Buffer, o Owner) {
	if g.Owner != nil && g.Owner != o {
		log.Printf("game: %s#%d already busy in room %d, demoting its players",
			g.ID, g.UID, g.Owner.RoomNumber())
		c.IrregularReRecords++
		g.Owner.DemotePlayers()
		c.Disown(g)
	}
}

// Record stores a complete game under id, creating and preserving the
// buffer on first use.
func (c *Cache) Record(o Owner, id string, payload []byte) *Buffer {
	g := c.FindNamed(id)
	if g == nil {
		g = c.New()
		g.ID = clampID(id)
		g.Hash = protocol.HashID(g.ID)
		c.Preserve(g)
	}
	c.RecordInto(g, o)
	g.ensure(len(payload))
	g.Data = append(g.Data[:0], payload...)
	c.MarkDirty(g)
	return g
}

// RecordInto runs the ownership fraud check on a buffer the caller
// already resolved and claims it for the recording room: a different
// room holding it loses its players and its claim, the recording
// room's previous game is released, and the buffer becomes the room's
// session game. A nil owner (a save from outside any game room) only
// refreshes the activity stamp.
func (c *Cache) RecordInto(g *Buffer, o Owner) {
	if o != nil {
		c.zapDuplicateOwner(g, o)
		c.Own(g, o)
	}
	g.Day = c.now()
}

// Append extends a stored game. The caller presents the length of what
// it believes is stored and a rolling hash of that prefix; a mismatch
// means the two ends have diverged and the client must resend whole.
// offset -1 skips verification and overwrites from the start.
func (c *Cache) Append(o Owner, id string, offset int, sum int32, payload []byte) (*Buffer, error) {
	if offset == 0 {
		return c.Record(o, id, payload), nil
	}
	g := c.FindNamed(id)
	if g == nil {
		return nil, ErrUnknownGame
	}
	c.RecordInto(g, o)
	if offset > len(g.Data) {
		c.IrregularReRecords++
		log.Printf("game: append to %s#%d at %d past stored end %d", g.ID, g.UID, offset, len(g.Data))
	} else if offset != -1 {
		if protocol.HashPrefix(g.Data, offset) != sum {
			c.IrregularReRecords++
			return nil, ErrChecksum
		}
	}
	off := offset
	switch {
	case off == -1:
		off = 0
	case off > len(g.Data):
		off = len(g.Data)
	}
	g.ensure(off + len(payload))
	g.Data = append(g.Data[:off], payload...)
	c.MarkDirty(g)
	return g, nil
}

// Remove forgets a named game. It stays claimed by its room until the
// room clears, but can no longer be found by name. Returns the uid, or
// 0 when the name is unknown.
func (c *Cache) Remove(id string) int {
	g := c.FindNamed(id)
	if g == nil {
		return 0
	}
	uid := g.UID
	c.Unpreserve(g)
	return uid
}

// MarkDirty queues g for write-back. Only preserved games are saved;
// games already queued keep their place so the oldest are written first.
func (c *Cache) MarkDirty(g *Buffer) {
	if !g.preserved || g.dirty || !c.persist {
		return
	}
	g.dirty = true
	g.refCount++
	c.dirty = append(c.dirty, g)
	if len(c.dirty) > c.MaxDirty {
		c.MaxDirty = len(c.dirty)
	}
}

func (c *Cache) markClean(g *Buffer) {
	for i, d := range c.dirty {
		if d == g {
			c.dirty = append(c.dirty[:i], c.dirty[i+1:]...)
			g.dirty = false
			c.release(g)
			return
		}
	}
	log.Printf("game: emergency clean of %s#%d not on dirty list", g.ID, g.UID)
	g.dirty = false
	c.release(g)
}

// snapshot copies everything the saver needs; it shares nothing with
// the live buffer.
func (c *Cache) snapshot(g *Buffer) Snapshot {
	return Snapshot{
		ID:        g.ID,
		UID:       g.UID,
		Hash:      g.Hash,
		Day:       g.Day,
		Data:      append([]byte(nil), g.Data...),
		Preserved: g.preserved,
	}
}

// Sweep moves dirty games, oldest first, onto the saver queue. A full
// queue stops the sweep; the backlog drains next tick, so filesystem
// load stays bounded no matter how bursty game traffic is. Reports
// whether any progress was made.
func (c *Cache) Sweep(out chan<- Snapshot) bool {
	progress := false
	for len(c.dirty) > 0 {
		g := c.dirty[0]
		if g.dirty {
			select {
			case out <- c.snapshot(g):
			default:
				return progress
			}
		}
		c.markClean(g)
		progress = true
	}
	return progress
}

func clampID(id string) string {
	if len(id) > MaxIDLen {
		return id[:MaxIDLen]
	}
	return id
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
