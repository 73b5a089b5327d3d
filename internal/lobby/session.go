package lobby

import (
	"fmt"
	"log"
	"time"

	"github.com/boardspace/roomserver/internal/game"
	"github.com/boardspace/roomserver/internal/protocol"
)

// Session timeouts, in seconds in the original protocol and kept as
// durations here.
const (
	SessionTimeout      = 300 * time.Second // idle room with state
	SessionClearTimeout = 10 * time.Second  // grace period while clearing
	MaxWaitingTime      = 30 * time.Second  // pre-auth connections
)

// Pseudo-session numbers. Real rooms are 0 (the lobby) through
// MaxSessions; the pseudo sessions hold slots that are not in any room.
const (
	LobbySession   = 0
	WaitingSession = MaxSessions + 1 // connected, not yet introduced
	ProxySession   = MaxSessions + 2 // robot proxy links
	IdleSession    = MaxSessions + 3 // free slot pool
)

// Session is one game room, or one of the pseudo-sessions.
type Session struct {
	Num   int
	Users []*User

	// the room's current game record, claimed in the cache
	Game *game.Buffer

	// policy and lifecycle
	Key         uint32 // reservation key, 0 when unreserved
	Password    string // empty = open room
	Private     bool
	Poisoned    bool // no new players admitted
	HasGame     bool
	Scored      int
	FileWritten bool
	Clearing    bool

	States int // room type / mode code
	GameID int // game-type id
	Info   string

	// fraud-detection state key (328)
	StateKey     string
	stateKeySlot int

	// lock protocol (342)
	LockOwner *User

	// pending lobby notification
	Describe bool

	Idle time.Time // last activity, drives the orphan sweep
}

// RoomNumber implements game.Owner.
func (s *Session) RoomNumber() int { return s.Num }

// SessionGame and SetSessionGame implement game.Owner: the cache moves
// the claims and refcounts, the session just carries the pointer.
func (s *Session) SessionGame() *game.Buffer { return s.Game }

func (s *Session) SetSessionGame(g *game.Buffer) { s.Game = g }

// DemotePlayers implements game.Owner. Restoring one game into two
// rooms and trying different moves in each is a known cheat; the losing
// room's players become spectators, hear a server quit notice, and the
// room is poisoned against new players. The claim itself moves to the
// room that re-recorded the game.
func (s *Session) DemotePlayers() {
	s.Private = false
	s.Password = ""
	for _, u := range s.Users {
		if !u.IsPlayer && !u.IsRobot {
			continue
		}
		u.Seat, u.Order, u.Rev = -1, -1, -1
		u.IsPlayer = false
		u.IsRobot = false
		u.ExpectEOF = true
		if u.HasSocket() {
			u.Sendf("%s%d server", protocol.EchoPlayerQuit, u.Num)
			u.inputClosed = true
		}
	}
	s.Poisoned = true
	log.Printf("lobby: demoted players of session %d", s.Num)
}

// Population is the number of slots attached to this session.
func (s *Session) Population() int { return len(s.Users) }

// Empty reports whether the room holds no live sockets (robots and
// preserved disconnected identities do not count).
func (s *Session) Empty() bool {
	for _, u := range s.Users {
		if u.HasSocket() {
			return false
		}
	}
	return true
}

// ActiveCount counts members that look alive to the lobby display:
// live sockets and robots.
func (s *Session) ActiveCount() int {
	n := 0
	for _, u := range s.Users {
		if u.HasSocket() || u.IsRobot {
			n++
		}
	}
	return n
}

// attach links a slot to this session; the caller must have detached it
// from its previous session first.
func (s *Session) attach(u *User) {
	if u.Session != nil {
		panic(fmt.Sprintf("attach of %s still in session %d", u.Desc(), u.Session.Num))
	}
	u.Session = s
	s.Users = append(s.Users, u)
	s.Idle = time.Now()
}

// detach unlinks a slot, preserving member order so seat-based
// iteration stays stable.
func (s *Session) detach(u *User) {
	for i, m := range s.Users {
		if m == u {
			s.Users = append(s.Users[:i], s.Users[i+1:]...)
			u.Session = nil
			if s.LockOwner == u {
				s.LockOwner = nil
			}
			return
		}
	}
	panic(fmt.Sprintf("detach of %s not in session %d", u.Desc(), s.Num))
}

// FindByNum returns the member with the given user number.
func (s *Session) FindByNum(num int) *User {
	for _, u := range s.Users {
		if u.Num == num {
			return u
		}
	}
	return nil
}

// FindPlayerBySeat returns the player occupying a seat, for takeover.
func (s *Session) FindPlayerBySeat(seat int) *User {
	for _, u := range s.Users {
		if u.IsPlayer && u.Seat == seat {
			return u
		}
	}
	return nil
}

// summaryPassCode is the pass field of the room summary line: 2 while
// clearing, 1 for a password room, 3 for a private password room, else 0.
func (s *Session) summaryPassCode() int {
	switch {
	case s.Clearing:
		return 2
	case s.Password != "" && s.Private:
		return 3
	case s.Password != "":
		return 1
	}
	return 0
}
