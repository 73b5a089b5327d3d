// Package lobby is the connection and room core of the server: the
// user/session state machine, the line dispatcher, the output path, and
// the event loop that multiplexes every socket on one goroutine. All
// lobby state is owned by that goroutine; the only things that leave it
// are immutable snapshots (game saves, audit events, bus messages).
package lobby

import (
	"fmt"
	"time"

	"github.com/boardspace/roomserver/internal/codec"
	"github.com/boardspace/roomserver/internal/framing"
	"github.com/boardspace/roomserver/internal/registry"
	"github.com/boardspace/roomserver/internal/transport"
)

const (
	// MaxClients is the user-slot pool size.
	MaxClients = 500

	// MaxSessions is the number of numbered game rooms (plus the lobby,
	// room 0).
	MaxSessions = 200

	// FirstUserNum seeds user numbering; numbers below it are never
	// valid, which catches stale references cheaply.
	FirstUserNum = 1000

	// ServerID identifies this server build to clients in the intro
	// reply.
	ServerID = 19

	// maxErrorsLogged caps per-connection security logging so one
	// abusive client cannot flood the logs.
	maxErrorsLogged = 100
)

// User is one connection slot. Slots are pooled: a slot lives in the
// idle pool, is bound to a transport on accept, moves through the
// waiting session into a room, and eventually returns to the pool.
type User struct {
	Num     int
	Session *Session

	Stream transport.Stream // nil when the slot has no live socket
	In     *framing.Buffer
	Out    *outputRing
	Codec  codec.Codec

	// identity
	Name      string // publicName, changeable
	RealName  string // set once at first naming
	UID       int
	Cookie    string
	ClaimedIP string // the address the client claims, dotted
	IP        uint32 // the address the connection actually came from

	// role within the room
	Seat, Order, Rev int
	IsPlayer         bool
	IsRobot          bool
	Supervisor       bool
	Gagged           bool

	// protocol state
	Checksums bool // client wraps lines in the 500 envelope
	UseSeqIn  bool
	UseSeqOut bool
	ExpectEOF bool // a close is expected; EOF is not an error

	// lock protocol (342)
	RequestingLock bool

	// counters
	NRead          int
	Transactions   int
	Unexpected     int
	OopsCount      int // failed supervisor password guesses
	errorsLogged   int
	seqErrLogged   bool
	rogueOutput    int
	injectedOutput int
	chatStrikes    int // chat-filter hits; enough of them earns a gag

	// bookkeeping
	LastActive   time.Time
	Reg          *registry.Entry
	ServerKey    uint32 // registration key presented at intro
	PingStats    string
	LobbyInfo    string
	ReasonClosed string
	inputClosed  bool // further input is ignored
}

// HasSocket reports whether the slot is attached to a live transport.
func (u *User) HasSocket() bool { return u.Stream != nil }

// Desc is the standard log identity: number, name, uid, transport.
func (u *User) Desc() string {
	fd := -1
	if u.Stream != nil {
		fd = u.Stream.Fd()
	}
	return fmt.Sprintf("C%d (%s#%d) S%d", u.Num, u.RealName, u.UID, fd)
}

// logBudget burns one unit of this connection's security-log budget and
// reports whether the event should still be logged.
func (u *User) logBudget() bool {
	u.errorsLogged++
	return u.errorsLogged <= maxErrorsLogged
}

// reset returns a slot to its blank state, keeping only the permanent
// user number and the allocated buffers.
func (u *User) reset() {
	num := u.Num
	in, out := u.In, u.Out
	*u = User{Num: num, In: in, Out: out}
	if u.In != nil {
		u.In.Reset()
	}
	if u.Out != nil {
		u.Out.reset()
	}
}

// adoptIdentity copies the reclaimable identity of a disconnected
// player onto this slot during a takeover: name, uid, seat, role, and
// per-game revision. Transport and codec state stay with the receiver.
func (u *User) adoptIdentity(from *User) {
	u.Name = from.Name
	u.RealName = from.RealName
	u.UID = from.UID
	u.Cookie = from.Cookie
	u.Seat = from.Seat
	u.Order = from.Order
	u.Rev = from.Rev
	u.IsPlayer = from.IsPlayer
	u.Supervisor = from.Supervisor
	u.Gagged = from.Gagged
}
