package lobby

import (
	"fmt"
	"log"
	"strconv"

	"github.com/boardspace/roomserver/internal/metrics"
	"github.com/boardspace/roomserver/internal/protocol"
)

// superChat answers the supervisor on their own chat channel, disguised
// as ordinary room chat so nothing special shows on the wire.
func (u *User) superChat(format string, args ...interface{}) {
	u.Sendf("%s%d schat %s", protocol.EchoGroupOthers, u.Num, fmt.Sprintf(format, args...))
}

// doSupervisor executes one authenticated supervisor command. These
// arrive hidden inside 210 chat lines; see handleGroup for the gate.
func (s *Server) doSupervisor(u *User, cmd string) {
	verb, idx, ok := protocol.ScanToken(cmd)
	if !ok {
		u.superChat("say what?")
		return
	}
	arg, _, hasArg := protocol.ScanToken(cmd[idx:])
	log.Printf("lobby: supervisor %s: %s", u.Desc(), cmd)

	switch verb {
	case "cached":
		if !hasArg {
			arg = "*"
		}
		games := s.games.Matching(arg)
		u.superChat("%d cached games match %q", len(games), arg)
		for _, g := range games {
			u.superChat("%d: %s", g.UID, g.ID)
		}

	case "uncache":
		n, _ := strconv.Atoi(arg)
		if g := s.games.ByUID(n); g != nil && g.Preserved() {
			u.superChat("removed %s#%d", g.ID, g.UID)
			s.games.Unpreserve(g)
		} else {
			u.superChat("no cached game #%d", n)
		}

	case "score":
		if hasArg {
			s.cfg.StrictScore, _ = strconv.Atoi(arg)
		}
		u.superChat("strict score is %d", s.cfg.StrictScore)

	case "strict":
		if hasArg {
			s.cfg.StrictLogin = arg != "0"
		}
		u.superChat("strict login is %v", s.cfg.StrictLogin)

	case "shutdown":
		u.superChat("shutting down")
		s.quitting = true

	case "close":
		s.closed = true
		u.superChat("no new games will start")

	case "open":
		s.closed = false
		u.superChat("new games may start")

	case "kill", "zap":
		n := 0
		for _, victim := range s.findByName(arg) {
			n++
			metrics.BansTotal.WithLabelValues("user").Inc()
			s.bans.BanUser(victim.RealName, victim.UID, victim.Cookie)
			victim.ExpectEOF = true
			s.echoAll(victim, fmt.Sprintf("%s%d killed by supervisor", protocol.EchoPlayerQuit, victim.Num))
			victim.inputClosed = true
		}
		u.superChat("zapped %d x %s", n, arg)

	case "recent":
		n, _ := strconv.Atoi(arg)
		lines := s.chatLog.Recent(n)
		u.superChat("%d retained lines for session %d", len(lines), n)
		for _, l := range lines {
			u.superChat("%s#%d: %s", l.From, l.UID, l.Text)
		}

	case "exempt":
		s.exemptUser = arg
		u.superChat("exempt user is %q", s.exemptUser)

	case "gag", "ungag":
		gag := verb == "gag"
		n := 0
		for _, victim := range s.findByName(arg) {
			n++
			victim.ExpectEOF = true
			s.echoOthers(victim, fmt.Sprintf("%s%d gagged=%v", protocol.EchoPlayerQuit, victim.Num, gag), true)
			victim.Gagged = gag
			if gag {
				s.bans.BanUser(victim.RealName, victim.UID, victim.Cookie)
			} else {
				s.bans.Check(victim.RealName, victim.UID, 'U', victim.Cookie, 0)
			}
		}
		u.superChat("gag=%v %d x %s", gag, n, arg)

	case "ban":
		// the argument can be an address, a uid, or a name
		if ip4, okIP := parseDotted(arg); okIP {
			ip := uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
			s.bans.Check("", 0, 'Z', "", ip)
		} else if uid, err := strconv.Atoi(arg); err == nil {
			s.bans.Check("", uid, 'Z', "", 0)
		} else {
			s.bans.Check(arg, 0, 'Z', "", 0)
		}
		metrics.BansTotal.WithLabelValues("supervisor").Inc()
		u.superChat("banned %s", arg)

	case "unban":
		id, _ := strconv.Atoi(arg)
		if s.bans.UnbanEvent(id) {
			u.superChat("unbanned event #%d", id)
		} else {
			u.superChat("no ban event #%d", id)
		}
		for _, b := range s.bans.Active() {
			u.superChat("%s", b.Describe())
		}

	case "help":
		u.superChat("cached <part>|uncache <n>|score <n>|strict <n>|close|open|shutdown")
		u.superChat("kill <name>|gag <name>|ungag <name>|ban <ip|uid|name>|unban <event>|exempt <name>|recent <room>")

	default:
		u.superChat("unknown command %q, try help", verb)
	}
}

// findByName collects every member in any room matching a supervisor
// target name.
func (s *Server) findByName(name string) []*User {
	if name == "" {
		return nil
	}
	var out []*User
	for _, sess := range s.sessions {
		for _, m := range sess.Users {
			if userNameMatches(m, name) {
				out = append(out, m)
			}
		}
	}
	return out
}
