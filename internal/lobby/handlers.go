package lobby

import (
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/boardspace/roomserver/internal/ban"
	"github.com/boardspace/roomserver/internal/chat"
	"github.com/boardspace/roomserver/internal/framing"
	"github.com/boardspace/roomserver/internal/messaging"
	"github.com/boardspace/roomserver/internal/protocol"
	"github.com/boardspace/roomserver/internal/transport"
)

// echoOthers sends msg to every other live, ungagged member of the
// sender's session. Nothing is echoed for gagged senders, socket-less
// senders (unless they are on their way out), or pseudo-sessions, so a
// silenced client cannot tell it has been silenced.
func (s *Server) echoOthers(u *User, msg string, ignore bool) {
	sess := u.Session
	ignore = ignore || u.ExpectEOF
	if sess == nil || sess == s.waiting || sess == s.proxy || u.Gagged {
		return
	}
	if !u.HasSocket() && !ignore {
		return
	}
	for _, m := range sess.Users {
		if m != u && m.HasSocket() && !m.Gagged {
			m.Send(msg)
		}
	}
}

// echoAll is echoOthers including the sender.
func (s *Server) echoAll(u *User, msg string) {
	sess := u.Session
	if sess == nil || sess == s.waiting || sess == s.proxy || u.Gagged {
		return
	}
	for _, m := range sess.Users {
		if m.HasSocket() && !m.Gagged {
			m.Send(msg)
		}
	}
}

// memberIntroLine is the 203 line describing one session member: role 2
// for a robot, 1 for a player, 0 for a spectator.
func memberIntroLine(m *User) string {
	role := 0
	switch {
	case m.IsRobot:
		role = 2
	case m.IsPlayer:
		role = 1
	}
	return fmt.Sprintf("%s%d %d %d %d %s %d %d", protocol.EchoIntroOthers,
		m.Num, role, m.Seat, m.UID, m.RealName, m.Order, m.Rev)
}

// parseDotted splits an a.b.c.d address into its four components.
func parseDotted(tok string) (b [4]int, ok bool) {
	parts := strings.Split(tok, ".")
	if len(parts) != 4 {
		return b, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return b, false
		}
		b[i] = n
	}
	return b, true
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// userNameMatches matches a supervisor-supplied name against a member:
// guest names only ever match the public name, everyone else matches
// the registered name.
func userNameMatches(m *User, name string) bool {
	if len(name) >= 5 && equalFold(name[:5], "guest") {
		return equalFold(name, m.Name)
	}
	return equalFold(name, m.RealName)
}

// handleIntro is the 200 login: parse the claimed identity, run the ban
// and registration gauntlet, and place the connection in its session.
// The reply carries the room key and the time salt both ends use to
// derive the cipher seeds.
func (s *Server) handleIntro(u *User, data, seq string) {
	rest := data
	sessNum, n, okSess := protocol.ScanInt(rest)
	rest = rest[n:]
	username, n, _ := protocol.ScanToken(rest)
	rest = rest[n:]
	ipTok, n, okTok := protocol.ScanToken(rest)
	rest = rest[n:]
	var claimed [4]int
	okIP := false
	if okTok {
		claimed, okIP = parseDotted(ipTok)
	}
	var password, cookie, bankey string
	okPass, okCookie, okBan := false, false, false
	if okIP {
		password, n, okPass = protocol.ScanToken(rest)
		rest = rest[n:]
	}
	if okPass {
		cookie, n, okCookie = protocol.ScanToken(rest)
		rest = rest[n:]
	}
	if okCookie {
		bankey, _, okBan = protocol.ScanToken(rest)
	}

	uid := 0
	if h := strings.IndexByte(username, '#'); h >= 0 {
		uid, _ = strconv.Atoi(username[h+1:])
		username = username[:h]
	}
	serverKey := uint32(claimed[0]) | uint32(claimed[1])<<8 |
		uint32(claimed[2])<<16 | uint32(claimed[3])<<24
	u.ClaimedIP = ipTok

	if s.exemptUser != "" &&
		(equalFold(username, s.exemptUser) || s.exemptUser == transport.FormatIP(u.IP)) {
		s.reg.Register(serverKey, username, uid, "")
	} else if okIP && sessNum == -1 {
		// a bare registration probe from the web tier, no session wanted
		if s.trustedIP(u.IP) {
			s.reg.Register(serverKey, username, uid, "")
			s.closeUser(u, "user registered by server", graceForbidden)
		} else {
			s.unusual(u, "unusual", "registration probe not from a trusted address")
			s.closeUser(u, "not server ip", graceForbidden)
		}
		return
	}

	u.Supervisor = false
	if okBan && bankey != "" {
		code := s.bans.Check(username, uid, bankey[0], cookie, u.IP)
		u.Cookie = cookie
		switch {
		case code == ban.Supervisor:
			u.Supervisor = true
			log.Printf("lobby: %s connects as supervisor: %s", u.Desc(), s.bans.LastMatch(code))
		case code.Banned():
			u.Send(protocol.EchoIQuit + "bad-banner-id ")
			s.unusual(u, "ban", s.bans.LastMatch(code))
			s.closeUser(u, "failed login (banned)", graceForbidden)
			return
		}
	}

	if s.cfg.StrictLogin {
		ok := false
		if okIP {
			if e := s.reg.Lookup(serverKey, u.IP, username, uid); e != nil {
				u.ServerKey = serverKey
				u.Reg = e
				ok = true
			} else {
				s.unusual(u, "unusual", "unregistered user attempted to connect")
			}
		}
		if !ok {
			u.Send(protocol.EchoIQuit + "bad-id ")
			s.closeUser(u, "failed login", graceForbidden)
			return
		}
	}

	if uid != 0 && u.IP != 0 && s.countByUID(uid, u.IP) >= s.cfg.MaxPerUID {
		u.Send(protocol.EchoIQuit + "bad-banner-id ")
		s.unusual(u, "unusual", "too many connections for one account")
		u.inputClosed = true
		u.Out.closing = true
	}

	sent := false
	if okSess && sessNum >= 0 && sessNum <= MaxSessions {
		sess := s.session(sessNum)
		passw := 0
		if sess.Password != "" {
			passw = 1
		}
		key := sess.Key
		r1, r2, r3, r4 := int(key&0xff), int(key>>8&0xff), int(key>>16&0xff), int(key>>24&0xff)
		passwordOk := okPass && password == sess.Password
		passwordSupplied := password != "<none>"

		if sessNum > 0 && u.IP != 0 && s.countByIPInSession(u.IP, sess) >= s.cfg.MaxPerSession {
			u.Send(protocol.EchoIQuit + "bad-banner-id ")
			s.unusual(u, "unusual", "too many connections in one room")
			u.inputClosed = true
			u.Out.closing = true
		}

		// a poisoned room admits nobody; a keyed room admits only the
		// password holders, and an open room only clients not waving a
		// password around
		if !sess.Poisoned && ((passw == 1 && passwordOk) || (passw == 0 && !passwordSupplied)) {
			s.move(u, sess)
			sess.Clearing = false
			if passw == 1 {
				sess.HasGame = true
			}
			sess.Describe = true
			u.IsPlayer = passw == 1
			u.IsRobot = false
			u.Name, u.RealName = username, username
			u.UID = uid
			u.Seat, u.Order, u.Rev = -1, -1, -1

			realtime := s.now().Unix()
			hitime := int(realtime / 1000000)
			lowtime := int(realtime % 1000000)
			nowtime := uint32(realtime)
			// the low bit of the time fields tells the client whether to
			// bring up the cipher
			if s.cfg.RequireRNG {
				nowtime |= 1
				lowtime |= 1
			} else {
				nowtime &^= 1
				lowtime &^= 1
			}
			ip := u.IP
			u.Sendf("%s%d %d %d %d.%d.%d.%d %d.%d.%d.%d %d%06d %d %d %d",
				protocol.EchoIntroSelf, sessNum, u.Num, ServerID,
				r1, r2, r3, r4,
				int(ip>>24&0xff), int(ip>>16&0xff), int(ip>>8&0xff), int(ip&0xff),
				hitime, lowtime, framing.MaxInputSize, sess.Population(), passw)

			if u.HasSocket() {
				if s.cfg.RequireRNG {
					// both ends derive identical seed strings; the 201
					// just sent is the last plaintext line
					u.Codec.SeedIn(fmt.Sprintf("%d.%d.%d.%d.%d",
						r1+1, r2+2, r3+3, r4+4, int32(nowtime+2)))
					u.Codec.SeedOut(fmt.Sprintf("%d.%d.%d.%d.%d",
						r1+3, r2+6, r3+9, r4+12, int32(nowtime+1)))
				}
				u.UseSeqIn = s.cfg.RequireSeq
				u.UseSeqOut = s.cfg.RequireSeq

				s.echoOthers(u, memberIntroLine(u), false)
				for _, m := range sess.Users {
					if m != u {
						u.Send(memberIntroLine(m))
					}
				}
				log.Printf("lobby: %s from queue is now in session %d using server key #%08x session key %d.%d.%d.%d",
					u.Desc(), sessNum, u.ServerKey, r1, r2, r3, r4)
			}
			sess.Idle = s.now()
			sent = true
		} else {
			log.Printf("lobby: connection %s rejected poison=%v passw=%d ok=%v supplied=%v",
				u.Desc(), sess.Poisoned, passw, passwordOk, passwordSupplied)
		}
	} else if sessNum != -1 {
		log.Printf("lobby: connection %s rejected, bad session number %d", u.Desc(), sessNum)
	}
	if sessNum == -1 {
		sent = true
	}
	if !sent {
		u.Sendf("%s%s %s", protocol.EchoFailed, protocol.SendIntro, data)
	}
}

// handleCheckScore is the 218 request the scoring script sends before
// crediting a finished game: it must come from the web tier, name the
// room's key, and list the uids of everyone who played. One yes per
// room per game.
func (s *Server) handleCheckScore(u *User, data, seq string) {
	if s.cfg.StrictScore == 2 {
		u.Send(protocol.EchoCheckScore + "0")
		s.closeUser(u, "scoring disabled", graceForbidden)
		return
	}

	var vals []int
	rest := data
	for len(vals) < 17 {
		v, idx, ok := protocol.ScanInt(rest)
		if !ok {
			break
		}
		vals = append(vals, v)
		rest = rest[idx:]
	}
	nc := len(vals)

	sent := false
	if s.trustedIP(u.IP) && nc >= 7 && vals[0] > 0 && vals[0] <= MaxSessions {
		sess := s.session(vals[0])
		claimed := uint32(vals[3]) | uint32(vals[4])<<8 | uint32(vals[5])<<16 | uint32(vals[6])<<24
		if sess.Key == claimed && sess.Scored == 0 {
			// uids 1 and 2 precede the key, the rest follow it
			uids := make([]int, 12)
			ok := make([]bool, 12)
			lax := s.cfg.StrictScore == 0
			uids[0], uids[1] = vals[1], vals[2]
			ok[0], ok[1] = lax, lax
			for i := 2; i < 12; i++ {
				uids[i] = -1
				if 5+i < nc {
					uids[i] = vals[5+i]
				}
				ok[i] = lax || 5+i >= nc
			}
			players := 0
			for _, m := range sess.Users {
				if !m.IsPlayer {
					continue
				}
				players++
				for i := range uids {
					claimable := i == 0 || uids[i] > 0
					if claimable && !ok[i] && uids[i] == m.UID {
						ok[i] = true
						break
					}
				}
			}
			if players == 1 {
				// single player games list a placeholder second uid
				ok[1] = true
			}
			allOK := true
			for _, o := range ok {
				allOK = allOK && o
			}
			if allOK {
				if sess.Clearing {
					log.Printf("lobby: scoring check: %s (saved by grace time)", data)
					sess.Clearing = false
					s.clearSession(sess)
				} else {
					log.Printf("lobby: scoring check: %s", data)
					sess.Scored++
					sess.Describe = true
				}
				s.bus.PublishGameScored(messaging.RoomEvent{Room: sess.Num})
				u.Send(protocol.EchoCheckScore + "1")
				s.closeUser(u, "scoring check ok", graceForbidden)
				sent = true
			}
		}
	}
	if !sent {
		s.unusual(u, "unusual", "scoring check failed: "+data)
		u.Send(protocol.EchoCheckScore + "0")
		s.closeUser(u, "scoring check, not ok", graceForbidden)
	}
}

// handlePing answers 302 with server capacity and the wall clock, and
// harvests the piggy-backed client statistics: the parity bits hidden
// in the stats string flag clients whose output pipeline is out of step
// with what they actually sent, which means something else is injecting
// traffic on their connection.
func (s *Server) handlePing(u *User, data, seq string) {
	now := s.now()
	reply := fmt.Sprintf("%s%d %d %d %d", protocol.EchoPing,
		MaxSessions+1, MaxClients, now.Unix(), now.Nanosecond()/1e6)

	rest := data
	if strings.HasPrefix(rest, "P:") {
		stats := rest[2:]
		if i := strings.IndexByte(stats, ' '); i >= 0 {
			rest = stats[i:]
			stats = stats[:i]
		} else {
			rest = ""
		}
		u.PingStats = stats
		if ci := strings.LastIndexByte(stats, ','); ci > 0 && len(stats) > 2 {
			if stats[len(stats)-1]&1 != 0 {
				u.rogueOutput++
				if u.rogueOutput == 1 {
					s.unusual(u, "fraud", "rogue output flagged")
				}
			}
			if stats[ci-1]&1 != 0 {
				u.injectedOutput++
				if u.injectedOutput == 1 {
					s.unusual(u, "fraud", "injected output flagged")
				}
			}
		}
	}

	sess := u.Session
	if sess.Info != rest {
		sess.Info = rest
		sess.Describe = true
	}
	u.Send(reply)
}

// handleSummary answers 304 with one 305 line per room.
func (s *Server) handleSummary(u *User, data, seq string) {
	for _, sess := range s.sessions {
		u.Send(s.describeSessionString(sess))
	}
}

// handleAskDetail answers 306 with a 307 roster line per visible member
// of one room and a 309 trailer. Gagged members are invisible.
func (s *Server) handleAskDetail(u *User, data, seq string) {
	num, _, ok := protocol.ScanInt(data)
	if !ok || num < 0 || num > MaxSessions {
		u.Sendf("%s%s %s", protocol.EchoFailed, protocol.SendAskDetail, data)
		return
	}
	sess := s.session(num)
	total := 0
	for _, m := range sess.Users {
		if m.Gagged || m.Name == "" {
			continue
		}
		total++
		if num == LobbySession {
			u.Sendf("%s%d %d %d %s %d %s", protocol.EchoDetail,
				num, m.Num, 0, m.Name, m.UID, m.LobbyInfo)
		} else {
			code := 0
			switch {
			case m.Seat >= 0:
				code = 100 + m.Seat
			case m.IsPlayer:
				code = 1
			}
			u.Sendf("%s%d %d %d %s %d", protocol.EchoDetail,
				num, m.Num, code, m.Name, m.UID)
		}
	}
	u.Sendf("%s%d %d", protocol.EchoEndDetail, num, total)
}

// handleAskPassword answers 310 with the room password, used by the
// lobby to join a friend's game.
func (s *Server) handleAskPassword(u *User, data, seq string) {
	num, _, ok := protocol.ScanInt(data)
	if !ok || num < 0 || num > MaxSessions {
		u.Sendf("%s%s %s", protocol.EchoFailed, protocol.SendAskPassword, data)
		return
	}
	u.Sendf("%s%d %s", protocol.EchoPassword, num, s.session(num).Password)
}

// handleGroup is 210 room chat, and doubles as the supervisor command
// channel: a chat of the form "schat <password>|<command>" from a
// supervisor account runs the command instead. Bad guesses get a
// taunt, and too many bad guesses close the channel for good.
func (s *Server) handleGroup(u *User, data, seq string) {
	pwd := s.cfg.SupervisorPassword
	gate := false
	wordEnd := 6
	if len(pwd) > 3 && u.OopsCount < 5 && len(data) >= 7 && data[1:6] == "chat " {
		for wordEnd < len(data) && data[wordEnd] > ' ' && data[wordEnd] != '|' {
			wordEnd++
		}
		gate = wordEnd < len(data) && data[wordEnd] == '|'
	}
	if gate {
		if u.Supervisor && strings.HasPrefix(data[6:], pwd+"|") {
			s.doSupervisor(u, data[7+len(pwd):])
		} else {
			u.OopsCount++
			u.Sendf("%s%d schat oops", protocol.EchoGroupOthers, u.Num)
		}
	} else {
		if len(data) >= 6 && equalFold(data[1:6], "chat ") && !u.Session.Private &&
			data[0] != 't' && data[0] != 'T' && data[0] != 'l' && data[0] != 'L' {
			log.Printf("chat: S%d %s: %s", u.Session.Num, u.RealName, data[6:])
			s.screenChat(u, data[6:])
		}
		s.echoOthers(u, fmt.Sprintf("%s%d %s", protocol.EchoGroupOthers, u.Num, data), false)
	}
	// always echoed back, even when it was a supervisor command
	u.Sendf("%s%s%s", protocol.EchoGroupSelf, seq, data)
}

// chatStrikeLimit is how many filter hits gag a chatter.
const chatStrikeLimit = 5

// screenChat retains a public chat line for supervisor review and runs
// the moderation filter over it. Flagged chatters accumulate strikes;
// with enough of them the gag applies itself, subject to supervisor
// review through the retained history.
func (s *Server) screenChat(u *User, text string) {
	if chat.Validate(text) != nil {
		return
	}
	s.chatLog.Add(u.Session.Num, chat.Line{From: u.RealName, UID: u.UID, Text: text, Ts: s.now().Unix()})
	if s.chatFilter == nil || u.Supervisor || u.Gagged {
		return
	}
	r := s.chatFilter.Check(text)
	if !r.Flagged {
		return
	}
	u.chatStrikes++
	if u.chatStrikes == 1 {
		s.unusual(u, "unusual", fmt.Sprintf("chat flagged: %s %s", r.Reason, r.Term))
	}
	if u.chatStrikes >= chatStrikeLimit {
		u.Gagged = true
		s.unusual(u, "unusual", "gagged for repeated flagged chat")
	}
}

// handleAllGroup relays 312 verbatim to the whole room; it is how a
// client speaks for the robots it runs.
func (s *Server) handleAllGroup(u *User, data, seq string) {
	s.echoAll(u, data)
}

// handleMessageTo is a 230 private line to one member of the room.
func (s *Server) handleMessageTo(u *User, data, seq string) {
	target, idx, ok := protocol.ScanInt(data)
	if !ok {
		return
	}
	body := strings.TrimLeft(data[idx:], " ")
	firstTok, _, okTok := protocol.ScanToken(body)
	isPM := okTok && strings.HasSuffix(strings.ToLower(firstTok), "chat")
	for _, m := range u.Session.Users {
		if m.Num != target || !m.HasSocket() {
			continue
		}
		m.Sendf("%s%d %s", protocol.EchoGroupOthers, u.Num, body)
		if isPM {
			text := strings.TrimLeft(body[len(firstTok):], " ")
			log.Printf("chat: S%d PM %s to %s: %s", u.Session.Num, u.RealName, m.RealName, text)
		}
	}
}

// handleName records the 204 public name. The registered name is set
// only once; later renames change the display name only.
func (s *Server) handleName(u *User, data, seq string) {
	name, idx, ok := protocol.ScanToken(data)
	if !ok {
		u.Sendf("%s%s%s", protocol.EchoFailed, protocol.EchoName, data)
		return
	}
	u.Sendf("%s%s", protocol.EchoName, name)
	u.Name = name
	if u.RealName == "" {
		u.RealName = name
	}
	if uid, _, okUID := protocol.ScanInt(data[idx:]); okUID {
		u.UID = uid
	}
}

// handleSeat records the 206 seat claim.
func (s *Server) handleSeat(u *User, data, seq string) {
	seat, _, ok := protocol.ScanInt(data)
	if !ok {
		u.Sendf("%s%s%s", protocol.EchoFailed, protocol.EchoSeat, data)
		return
	}
	u.Seat = seat
	u.Sendf("%s%d", protocol.EchoSeat, seat)
}

// handleRegisterPlayer is 314: a client registers a robot player, or
// fills in the playing role of an existing member by channel number.
// The room hears a 203 as if the player had just walked in.
func (s *Server) handleRegisterPlayer(u *User, data, seq string) {
	rest := data
	order, n, ok1 := protocol.ScanInt(rest)
	rest = rest[n:]
	seat, n, ok2 := 0, 0, false
	if ok1 {
		seat, n, ok2 = protocol.ScanInt(rest)
		rest = rest[n:]
	}
	name, n, ok3 := "", 0, false
	if ok2 {
		name, n, ok3 = protocol.ScanToken(rest)
		rest = rest[n:]
	}
	if !ok3 {
		u.Sendf("%s%s %s", protocol.EchoFailed, protocol.SendRegisterPlayer, data)
		return
	}
	uid, n, ok4 := protocol.ScanInt(rest)
	rest = rest[n:]
	chanNum, n, ok5 := 0, 0, false
	if ok4 {
		chanNum, n, ok5 = protocol.ScanInt(rest)
		rest = rest[n:]
	}
	rev := 0
	if ok5 {
		if r, _, okRev := protocol.ScanInt(rest); okRev {
			rev = r
		}
	}

	log.Printf("lobby: register player %s session %d: %s", u.Desc(), u.Session.Num, data)

	var nu *User
	if ok5 && chanNum > 0 {
		nu = u.Session.FindByNum(chanNum)
		if nu == nil {
			// bogus channel; take it out on the requester
			nu = u
		}
		nu.IsRobot = !nu.HasSocket()
	} else {
		nu = s.allocSlot(u.Session)
		if nu == nil {
			u.Sendf("%s%s %s", protocol.EchoFailed, protocol.SendRegisterPlayer, data)
			return
		}
		nu.Checksums = false
		nu.IsRobot = true
	}
	nu.UID = uid
	nu.Name, nu.RealName = name, name
	nu.Seat, nu.Order, nu.Rev = seat, order, rev
	nu.IsPlayer = true
	s.echoAll(u, memberIntroLine(nu))
}

// handleLobbyInfo stores the 330 status string shown next to the user
// in lobby rosters. No reply.
func (s *Server) handleLobbyInfo(u *User, data, seq string) {
	u.LobbyInfo = data
}

// handleLogShortNote is a client-side observation worth a log line and
// nothing else.
func (s *Server) handleLogShortNote(u *User, data, seq string) {
	log.Printf("lobby: note from %s session %d: %q",
		u.Desc(), u.sessionNum(), protocol.Unescape(data))
}

// handleLogMessage is the client-side error report channel; it burns
// log budget so a looping client cannot flood the logs.
func (s *Server) handleLogMessage(u *User, data, seq string) {
	if u.logBudget() {
		log.Printf("lobby: client log from %s session %d: %q",
			u.Desc(), u.sessionNum(), protocol.Unescape(data))
	}
}

// handleMultiple unpacks a 338 batch: length-prefixed subcommands
// executed back to back, so a client can make a multi-step move
// atomically with respect to other room traffic. Lengths were computed
// before escaping, so the scan counts escape sequences as one.
func (s *Server) handleMultiple(u *User, data, seq string) {
	rest := data
	sub := 0
	for strings.TrimLeft(rest, " ") != "" {
		length, idx, ok := protocol.ScanInt(rest)
		sub++
		if !ok {
			if u.logBudget() {
				log.Printf("lobby: malformed multiple command from %s #%d: %.100s", u.Desc(), sub, rest)
			}
			return
		}
		adv := protocol.SkipEscaped(rest[idx:], length)
		if length < 0 || idx+adv > len(rest) {
			if u.logBudget() {
				log.Printf("lobby: overrun multiple command from %s #%d: %.100s", u.Desc(), sub, data)
			}
			return
		}
		cmd := rest[idx : idx+adv]
		if len(cmd) > 0 && cmd[0] == ' ' {
			cmd = cmd[1:]
		}
		u = s.dispatch(u, cmd, seq)
		rest = rest[idx+adv:]
	}
}
