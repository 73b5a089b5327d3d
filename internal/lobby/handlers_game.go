package lobby

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/boardspace/roomserver/internal/game"
	"github.com/boardspace/roomserver/internal/protocol"
)

// resolveGame maps a game id to a cache buffer. The id "*" means the
// room's own game, created on demand and claimed by the room; anything
// else is a lookup by name. Only numbered rooms have a game of their
// own.
func (s *Server) resolveGame(u *User, id string) *game.Buffer {
	if id == "*" {
		sess := u.Session
		if sess == nil || sess.Num < 1 || sess.Num > MaxSessions {
			return nil
		}
		if sess.Game == nil {
			s.setGame(sess, s.games.New())
		}
		return sess.Game
	}
	return s.games.FindNamed(id)
}

// roomOwner is the claiming identity for game records. Only numbered
// rooms hold claims; a save from the lobby or a pseudo-session leaves
// ownership alone.
func (s *Server) roomOwner(u *User) game.Owner {
	if sess := u.Session; sess != nil && sess.Num >= 1 && sess.Num <= MaxSessions {
		return sess
	}
	return nil
}

// recordGame stores a complete game body under id, or into the room's
// own unnamed game for "*". Either way the record claims the buffer
// for the saving room.
func (s *Server) recordGame(u *User, id string, payload []byte) *game.Buffer {
	if id == "*" {
		g := s.resolveGame(u, id)
		if g == nil {
			return nil
		}
		s.games.RecordInto(g, u.Session)
		g.Data = append(g.Data[:0], payload...)
		s.games.MarkDirty(g)
		return g
	}
	return s.games.Record(s.roomOwner(u), id, payload)
}

// handleWriteGame archives the finished game to the numbered sgf
// directory the client names. One write per room per game; the archive
// is what the scoring scripts read.
func (s *Server) handleWriteGame(u *User, data, seq string) {
	sess := u.Session
	if sess == s.lobby() || sess.FileWritten {
		return
	}
	sess.FileWritten = true

	body := string(protocol.Unescape(data))
	gamen, idx, okN := protocol.ScanInt(body)
	if !okN {
		return
	}
	name, n, okName := protocol.ScanToken(body[idx:])
	if !okName {
		return
	}
	content := body[idx+n:]
	// the client supplies a path; only the last component is honored
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if gamen < 0 || gamen >= len(s.cfg.GameDirs) {
		if u.logBudget() {
			log.Printf("lobby: %s write game directory %d out of range", u.Desc(), gamen)
		}
		return
	}
	path := filepath.Join(s.cfg.GameDirs[gamen], name+".sgf")
	if err := os.WriteFile(path, []byte(content+"\n"), 0644); err != nil {
		log.Printf("lobby: write game %s: %v", path, err)
		return
	}
	log.Printf("lobby: session %d game written to %s", sess.Num, path)
}

// handleQueryGame answers 318 with the uid under which a named game is
// cached, or 0.
func (s *Server) handleQueryGame(u *User, data, seq string) {
	sessNum, idx, _ := protocol.ScanInt(data)
	name, _, ok := protocol.ScanToken(data[idx:])
	uid := 0
	if ok {
		if g := s.resolveGame(u, name); g != nil {
			uid = g.UID
		}
	}
	u.Sendf("%s%d %d", protocol.EchoQueryGame, sessNum, uid)
}

// saveGuard rejects spectators trying to write the room's game state.
// Silence is deliberate: the client is either buggy or probing, and
// either way learns nothing.
func (s *Server) saveGuard(u *User) bool {
	if u.Session.HasGame && !u.IsPlayer {
		s.unusual(u, "unusual", "spectator tried to record a game")
		return false
	}
	return true
}

// handleSaveGame stores the complete current game body.
func (s *Server) handleSaveGame(u *User, data, seq string) {
	body := string(protocol.Unescape(data))
	if !s.saveGuard(u) {
		return
	}
	name, idx, ok := protocol.ScanToken(body)
	uid := 0
	if ok {
		if g := s.recordGame(u, name, []byte(body[idx:])); g != nil {
			uid = g.UID
		}
	}
	u.Sendf("%s%d", protocol.EchoSaveGame, uid)
}

// handleAppendGame extends a stored game from a claimed offset, after
// verifying a rolling hash of the prefix both ends believe is stored. A
// hash mismatch tells the client to resend the whole game.
func (s *Server) handleAppendGame(u *User, data, seq string) {
	body := string(protocol.Unescape(data))
	if !s.saveGuard(u) {
		return
	}
	rest := body
	name, n, ok := protocol.ScanToken(rest)
	rest = rest[n:]
	if !ok {
		u.Sendf("%s%d", protocol.EchoSaveGame, 0)
		return
	}
	offset, n, okOff := protocol.ScanInt(rest)
	rest = rest[n:]
	sum, n, okSum := protocol.ScanInt(rest)
	rest = rest[n:]
	if !okOff || !okSum {
		u.Sendf("%s%d", protocol.EchoSaveGame, 0)
		return
	}
	if len(rest) > 0 && rest[0] == ' ' {
		rest = rest[1:]
	}

	var g *game.Buffer
	if name == "*" {
		g = s.appendOwnGame(u, offset, int32(sum), []byte(rest))
	} else {
		var err error
		g, err = s.games.Append(s.roomOwner(u), name, offset, int32(sum), []byte(rest))
		switch err {
		case nil:
		case game.ErrUnknownGame:
			s.unusual(u, "unusual", "append to a game that is not cached: "+name)
		case game.ErrChecksum:
			s.unusual(u, "unusual", "append checksum mismatch on "+name)
			u.Send(protocol.EchoAppendGame + "1")
		}
	}
	uid := 0
	if g != nil {
		uid = g.UID
	}
	u.Sendf("%s%d", protocol.EchoSaveGame, uid)
}

// appendOwnGame is the append path for the room's unnamed game, which
// the cache cannot find by name.
func (s *Server) appendOwnGame(u *User, offset int, sum int32, payload []byte) *game.Buffer {
	g := s.resolveGame(u, "*")
	if g == nil {
		return nil
	}
	s.games.RecordInto(g, u.Session)
	if offset > len(g.Data) {
		s.games.IrregularReRecords++
		log.Printf("lobby: %s appends at %d past stored end %d", u.Desc(), offset, len(g.Data))
	} else if offset != -1 && offset != 0 {
		if protocol.HashPrefix(g.Data, offset) != sum {
			s.games.IrregularReRecords++
			s.unusual(u, "unusual", "append checksum mismatch on room game")
			u.Send(protocol.EchoAppendGame + "1")
			return nil
		}
	}
	off := offset
	switch {
	case off < 0:
		off = 0
	case off > len(g.Data):
		off = len(g.Data)
	}
	g.Data = append(g.Data[:off], payload...)
	s.games.MarkDirty(g)
	return g
}

// handleRemoveGame forgets a named game; its room finishes with it
// normally but nobody can restore it again.
func (s *Server) handleRemoveGame(u *User, data, seq string) {
	name, _, ok := protocol.ScanToken(data)
	v := 0
	if ok {
		v = s.games.Remove(name)
		if v != 0 {
			log.Printf("lobby: %s removed game %s#%d", u.Desc(), name, v)
		} else {
			log.Printf("lobby: %s removed game %s: not found", u.Desc(), name)
		}
	}
	u.Sendf("%s%d", protocol.EchoRemoveGame, v)
}

// handleLockGame is the cooperative room lock: "342 1" grants, "342 0"
// denies or confirms release. Releasing passes the lock round-robin to
// the next member still asking for it.
func (s *Server) handleLockGame(u *User, data, seq string) {
	onoff, _, _ := protocol.ScanInt(data)
	sess := u.Session
	u.RequestingLock = onoff != 0
	switch {
	case onoff != 0 && (sess.LockOwner == nil || sess.LockOwner == u):
		u.RequestingLock = false
		sess.LockOwner = u
		u.Send(protocol.EchoLockGame + "1")
	case sess.LockOwner == u:
		s.passLock(sess)
	default:
		u.Send(protocol.EchoLockGame + "0")
	}
}

func (s *Server) passLock(sess *Session) {
	holder := sess.LockOwner
	sess.LockOwner = nil
	holder.Send(protocol.EchoLockGame + "0")
	at := -1
	for i, m := range sess.Users {
		if m == holder {
			at = i
			break
		}
	}
	n := len(sess.Users)
	for i := 1; i <= n; i++ {
		m := sess.Users[(at+i+n)%n]
		if m.RequestingLock && m.HasSocket() {
			m.RequestingLock = false
			sess.LockOwner = m
			m.Send(protocol.EchoLockGame + "1")
			return
		}
	}
}

// fetchGame answers 344/320 with a stored game body, escaped for the
// wire. The filtered form strips bytes the applet-era clients could not
// digest.
func (s *Server) fetchGame(u *User, data, echo string, filter bool) {
	name, _, ok := protocol.ScanToken(data)
	if ok {
		// a fetch is a read; the claim moves only when the room records
		if g := s.resolveGame(u, name); g != nil {
			u.Sendf("%s%d %s", echo, g.UID, protocol.EscapeFiltered(g.Data, filter))
			return
		}
	}
	u.Send(echo + "0")
}

func (s *Server) handleFetchGame(u *User, data, seq string) {
	s.fetchGame(u, data, protocol.EchoFetchGame, false)
}

func (s *Server) handleFetchGameFiltered(u *User, data, seq string) {
	s.fetchGame(u, data, protocol.EchoFetchGameF, true)
}

// fetchActiveGame answers 346/340 with the room's own game plus the
// roster needed to resume it: each player's channel, seat, order, uid,
// liveness code, and name, then the room's game flags.
func (s *Server) fetchActiveGame(u *User, echo string, filter bool) {
	g := s.resolveGame(u, "*")
	if g == nil {
		u.Send(echo + "0")
		return
	}
	sess := u.Session
	var b strings.Builder
	fmt.Fprintf(&b, "%s%d ", echo, g.UID)
	for _, m := range sess.Users {
		if !m.IsPlayer && !m.IsRobot {
			continue
		}
		code := byte('Q')
		switch {
		case m.IsRobot:
			code = 'R'
		case m.HasSocket():
			code = 'P'
		}
		fmt.Fprintf(&b, " %d %d %d %d %c %s", m.Num, m.Seat, m.Order, m.UID, code, m.RealName)
	}
	gamecode := -1
	if sess.HasGame {
		gamecode ^= 1
	}
	if sess.Scored > 0 {
		gamecode ^= 2
	}
	if sess.FileWritten {
		gamecode ^= 4
	}
	fmt.Fprintf(&b, " %d %s", gamecode, protocol.EscapeFiltered(g.Data, filter))
	u.Send(b.String())
}

func (s *Server) handleFetchActiveGame(u *User, data, seq string) {
	s.fetchActiveGame(u, protocol.EchoActiveGame, false)
}

func (s *Server) handleFetchActiveGameFiltered(u *User, data, seq string) {
	s.fetchActiveGame(u, protocol.EchoActiveGameF, true)
}

// handleStateKey files the room's game-state digest in the probe table.
// Two rooms filing the same digest means one game is being replayed in
// both, the follower fraud: one client mirrors another's game to peek
// at its position. The probe table has one slot per hash; collisions
// lose the older claim, which is fine because real duplicates re-file
// on every move.
func (s *Server) handleStateKey(u *User, data, seq string) {
	key, _, ok := protocol.ScanToken(data)
	if !ok {
		return
	}
	sess := u.Session
	if sess.stateKeySlot >= 0 {
		s.stateKeys[sess.stateKeySlot] = nil
		sess.stateKeySlot = -1
	}
	sess.StateKey = key
	slot := int(protocol.HashID(key)) % len(s.stateKeys)
	leader := s.stateKeys[slot]
	if leader == nil {
		s.stateKeys[slot] = sess
		sess.stateKeySlot = slot
	} else if leader != sess && leader.StateKey == key {
		s.unusual(u, "fraud", fmt.Sprintf("session %d mirrors the game in session %d", sess.Num, leader.Num))
		u.Send(protocol.EchoStateKey + " follow")
	}
}

// handleReserveRoom is 332: claiming an empty room for a new game, or
// re-keying the room the user is already in. The token is the room
// password; "<no_password>" opens the room to the public.
func (s *Server) handleReserveRoom(u *User, data, seq string) {
	num, idx, okNum := protocol.ScanInt(data)
	token, _, okTok := protocol.ScanToken(data[idx:])
	sent := false
	if okNum && okTok && num > 0 && num <= MaxSessions {
		sess := s.session(num)
		noPW := token == "<no_password>"
		empty := sess.Empty()
		allowed := false
		if empty {
			allowed = sess.Key == 0
		} else {
			allowed = u.Session == sess && (!sess.HasGame || u.IsPlayer)
		}
		if allowed {
			if noPW {
				sess.Password = ""
				sess.Describe = true
				if sess.Private {
					sess.Private = false
					log.Printf("lobby: session %d made public by %s", num, u.Desc())
				} else {
					log.Printf("lobby: session %d launched by %s", num, u.Desc())
				}
			} else {
				sess.Password = token
				sess.Describe = true
			}
			if empty {
				if s.closed || u.Gagged {
					u.Sendf("%s%s %s no new games allowed", protocol.EchoFailed, protocol.SendReserveRoom, data)
					sent = true
				} else {
					sess.Key = rand.Uint32()
					sess.Private = false
				}
			} else {
				sess.Private = true
			}
			if !sent {
				sess.Idle = s.now()
				if empty {
					u.Sendf("%s%s", protocol.EchoReserveRoom, data)
				} else {
					sess.SendAll(protocol.EchoReserveRoom + data)
				}
				sent = true
			}
		}
	}
	if !sent {
		u.Sendf("%s%s %s", protocol.EchoFailed, protocol.SendReserveRoom, data)
	}
}

// handleSetState is 334: the lobby stamps an idle room with the game
// type and id it is being set up for.
func (s *Server) handleSetState(u *User, data, seq string) {
	rest := data
	num, n, ok1 := protocol.ScanInt(rest)
	rest = rest[n:]
	state, n, ok2 := protocol.ScanInt(rest)
	rest = rest[n:]
	gid := 0
	if g, _, okG := protocol.ScanInt(rest); okG {
		gid = g
	}
	if ok1 && ok2 && num > 0 && num <= MaxSessions {
		sess := s.session(num)
		if sess.Empty() && sess.Key == 0 && (sess.States != state || sess.GameID != gid) {
			sess.States = state
			sess.GameID = gid
			sess.Describe = true
			s.clearSessionGame(sess)
			sess.SendAll(protocol.EchoSetState + data)
			return
		}
	}
	u.Sendf("%s%s %s", protocol.EchoFailed, protocol.SendSetState, data)
}
