// Package game is the reference-counted cache of move-log records. The
// server never interprets a move log; it only establishes, appends to,
// forgets, and persists the raw bytes. Named games live in a hash table
// so abandoned robot games can be resumed days later; each active room
// also owns one (possibly unnamed) record. Lifetime is tracked with a
// reference count: one reference for hash-table membership, one for
// pending write-back, and one per owning room.
package game

import (
	"time"

	"github.com/boardspace/roomserver/internal/framing"
)

const (
	// DefaultCapacity is the ceiling on hash-resident games.
	DefaultCapacity = 800

	// ExpireDays is how long an untouched named game survives. Robot
	// games stick around long enough to discourage players from
	// abandoning games they are losing.
	ExpireDays = 60

	// WritePoolSize bounds the number of snapshots queued to the saver.
	WritePoolSize = 20

	// MaxIDLen is the longest game id accepted or persisted.
	MaxIDLen = 64
)

// Owner is the room claiming a game record. Claims are exclusive; the
// anti-fraud check demotes the players of a room that tries to keep a
// game open while another room replays it. The cache moves claims and
// refcounts; SessionGame/SetSessionGame just let it keep the room's
// back-pointer in step.
type Owner interface {
	DemotePlayers()
	RoomNumber() int
	SessionGame() *Buffer
	SetSessionGame(*Buffer)
}

// Buffer is one game record.
type Buffer struct {
	ID   string
	UID  int
	Hash uint32
	Day  int // day stamp of last activity
	Data []byte

	Owner Owner

	refCount  int
	preserved bool
	dirty     bool
	hashed    bool
	allIdx    int
}

// Offset is the current logical end of the move log; appends must name it.
func (g *Buffer) Offset() int { return len(g.Data) }

// Preserved reports hash-table membership (and so disk persistence).
func (g *Buffer) Preserved() bool { return g.preserved }

// RefCount is exposed for consistency checks and logging.
func (g *Buffer) RefCount() int { return g.refCount }

// ensure grows the backing array so the log can reach size bytes,
// rounded up in allocation steps, preserving current content.
func (g *Buffer) ensure(size int) {
	need := roundUp(size + framing.Slop)
	if cap(g.Data) >= need {
		return
	}
	nd := make([]byte, len(g.Data), need)
	copy(nd, g.Data)
	g.Data = nd
}

func roundUp(n int) int {
	return (n + framing.AllocStep - 1) / framing.AllocStep * framing.AllocStep
}

// daysNow is the coarse long-term clock: whole days since the unix
// epoch, so the stamps in cached game files stay meaningful for decades.
func daysNow() int {
	return int(time.Now().Unix() / (60 * 60 * 24))
}
