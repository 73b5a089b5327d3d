package lobby

import (
	"log"
	"strconv"

	"github.com/boardspace/roomserver/internal/protocol"
)

// transferConnection splices the live socket, buffers, cipher, and
// accumulated protocol state out of one slot and into another. After
// this the old slot has no transport and can be parked or recycled; the
// new slot continues the byte streams exactly where the old one left
// them, which is what keeps the cipher and sequence counters in step.
func (s *Server) transferConnection(from, to *User) {
	to.Stream = from.Stream
	from.Stream = nil

	// swap rather than move, so the donor keeps valid empty buffers
	to.In, from.In = from.In, to.In
	to.Out, from.Out = from.Out, to.Out

	to.Codec = from.Codec
	from.Codec.SeedIn("")
	from.Codec.SeedOut("")
	to.Checksums = from.Checksums
	to.UseSeqIn = from.UseSeqIn
	to.UseSeqOut = from.UseSeqOut

	to.IP = from.IP
	to.ClaimedIP = from.ClaimedIP
	to.Cookie = from.Cookie
	to.ServerKey = from.ServerKey
	to.Reg = from.Reg
	from.Reg = nil
	to.Supervisor = from.Supervisor
	to.Gagged = from.Gagged

	to.NRead = from.NRead
	to.Transactions = from.Transactions
	to.Unexpected = from.Unexpected
	to.OopsCount = from.OopsCount
	to.RequestingLock = from.RequestingLock
	to.rogueOutput = from.rogueOutput
	to.injectedOutput = from.injectedOutput
	// a fresh identity earns back half its log budget
	to.errorsLogged = from.errorsLogged / 2
	to.ExpectEOF = false
	to.inputClosed = false
	to.PingStats = from.PingStats
	to.LobbyInfo = from.LobbyInfo
	to.LastActive = s.now()

	if to.Stream != nil {
		s.ep.users[to.Stream.Fd()] = to
	}
}

// handleTakeover is the 220 channel switch. "playing <seat>" moves this
// connection onto the player slot holding that seat, reclaiming a
// dropped player's identity or bumping a live one; "spectate" sheds the
// playing role onto a fresh slot and keeps watching; anything else is a
// request to be closed. Returns the user the connection belongs to
// afterwards.
func (s *Server) handleTakeover(u *User, data, seq string) *User {
	keyword, idx, ok := protocol.ScanToken(data)
	sess := u.Session

	if !ok || (keyword != protocol.KeywordPlaying && keyword != protocol.KeywordSpectate) {
		// a goodbye, not a switch
		u.ExpectEOF = true
		s.echoOthers(u, protocol.EchoPlayerQuit+lineNum(u.Num)+" "+data, true)
		u.Sendf("%s%s%s", protocol.EchoIQuit, seq, data)
		s.closeUser(u, "user request", graceForbidden)
		return u
	}

	if keyword == protocol.KeywordPlaying {
		seat, _, okSeat := protocol.ScanInt(data[idx:])
		var to *User
		if okSeat && sess != nil {
			to = sess.FindPlayerBySeat(seat)
		}
		if to == u {
			return u
		}
		if to == nil {
			s.unusual(u, "unusual", "takeover of a seat nobody holds: "+data)
			u.Sendf("%s%s %s", protocol.EchoFailed, protocol.SendTakeover, data)
			return u
		}
		if to.HasSocket() {
			s.closeUser(to, "reconnect", graceForbidden)
		}
		log.Printf("lobby: %s takes over seat %d from %s", u.Desc(), seat, to.Desc())
		// the notices ride in the output ring, which moves with the socket
		s.echoOthers(u, protocol.EchoPlayerQuit+lineNum(u.Num)+" "+data, true)
		u.Sendf("%s%s%s", protocol.EchoIQuit, seq, data)
		to.Name = u.Name
		to.RealName = u.Name // the public name; the real one left with the quitter
		to.UID = u.UID
		to.IsPlayer = true
		s.transferConnection(u, to)
		s.recycle(u)
		sess.Describe = true
		return to
	}

	// spectate: the playing identity stays behind as a vacancy
	s.echoOthers(u, protocol.EchoPlayerQuit+lineNum(u.Num)+" "+data, true)
	u.Sendf("%s%s%s", protocol.EchoIQuit, seq, data)
	nu := s.allocSlot(sess)
	if nu == nil {
		u.Sendf("%s%s %s", protocol.EchoFailed, protocol.SendTakeover, data)
		return u
	}
	nu.Name = u.Name
	nu.RealName = u.RealName
	nu.UID = u.UID
	s.transferConnection(u, nu)
	u.Name = "(vacancy)"
	sess.Describe = true
	return nu
}

func lineNum(n int) string { return strconv.Itoa(n) }
