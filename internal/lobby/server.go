package lobby

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/boardspace/roomserver/internal/audit"
	"github.com/boardspace/roomserver/internal/ban"
	"github.com/boardspace/roomserver/internal/chat"
	"github.com/boardspace/roomserver/internal/framing"
	"github.com/boardspace/roomserver/internal/game"
	"github.com/boardspace/roomserver/internal/messaging"
	"github.com/boardspace/roomserver/internal/metrics"
	"github.com/boardspace/roomserver/internal/moderation"
	"github.com/boardspace/roomserver/internal/protocol"
	"github.com/boardspace/roomserver/internal/registry"
	"github.com/boardspace/roomserver/internal/transport"
)

// Config holds server settings.
type Config struct {
	TCPAddr string // plain game port
	WSAddr  string // websocket game port, empty to disable

	CacheDir string // game write-back directory, empty to disable
	SaveRate int    // games written per second

	StrictLogin bool // require pre-registration through the web tier
	StrictScore int  // 0 lax, 1 verify players, 2 scoring disabled
	RequireSeq  bool // sequence-number every line both ways
	RequireRNG  bool // obfuscate the byte streams

	MaxWaitingPerIP int // pending connections per address before a ban
	MaxPerSession   int // connections per address in one room
	MaxPerUID       int // simultaneous connections per user id

	SupervisorPassword string
	ServerIPs          []uint32 // addresses trusted as the web tier
	GameDirs           []string // numbered archive directories for finished games

	LobbyTimeout  time.Duration
	ClientTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TCPAddr:         ":12000",
		CacheDir:        "gamecache",
		SaveRate:        2,
		StrictScore:     1,
		MaxWaitingPerIP: 8,
		MaxPerSession:   24,
		MaxPerUID:       4,
		LobbyTimeout:    SessionTimeout,
		ClientTimeout:   SessionTimeout,
	}
}

// Deps are the server's external services. Audit and Bus may be nil;
// everything they feed degrades to log lines. Gate, when set, screens
// accepted connections before they reach the loop.
type Deps struct {
	Games    *game.Cache
	Saver    *game.Saver
	Bans     *ban.Ring
	Registry *registry.Table
	Audit    *audit.Store
	Bus      *messaging.NATSClient
	Gate     transport.Gate

	// ChatFilter screens public room chat; nil disables screening.
	ChatFilter *moderation.Filter
}

// close grace: whether an emptied room lingers for the scoring callback.
type graceState int

const (
	graceOptional graceState = iota
	graceMandatory
	graceForbidden
)

// Server is the whole connection core. Every field is owned by the
// event-loop goroutine; nothing here is locked.
type Server struct {
	cfg Config

	sessions []*Session // rooms 0..MaxSessions
	idle     *Session   // free slot pool
	waiting  *Session   // accepted, not yet introduced
	proxy    *Session   // robot proxy links

	nextNum int

	games *game.Cache
	saver *game.Saver
	bans  *ban.Ring
	reg   *registry.Table
	audit *audit.Store
	bus   *messaging.NATSClient

	chatFilter *moderation.Filter
	chatLog    *chat.History

	ep        *epoll
	listeners []*transport.Listener
	gate      transport.Gate

	// single-probe state-key table for follower-fraud detection;
	// collisions are ignored, real duplicates repeat every move
	stateKeys [2 * MaxSessions]*Session

	// quit notices deferred until all the casualties of one event are
	// off the floor
	obituaries []obituary

	exemptUser string // one name excused from strict login
	closed     bool   // refusing new games
	quitting   bool
	quit       chan struct{}
	quitOnce   sync.Once

	now func() time.Time
}

type obituary struct {
	num     int
	session *Session
	reason  string
}

// NewServer builds the arenas. It does not listen yet; Run does.
func NewServer(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		games:   deps.Games,
		saver:   deps.Saver,
		bans:    deps.Bans,
		reg:     deps.Registry,
		audit:   deps.Audit,
		bus:     deps.Bus,
		gate:    deps.Gate,
		nextNum: FirstUserNum,
		quit:    make(chan struct{}),
		now:     time.Now,

		chatFilter: deps.ChatFilter,
		chatLog:    chat.NewHistory(),
	}
	for i := 0; i <= MaxSessions; i++ {
		s.sessions = append(s.sessions, &Session{Num: i, stateKeySlot: -1})
	}
	s.waiting = &Session{Num: WaitingSession}
	s.proxy = &Session{Num: ProxySession}
	s.idle = &Session{Num: IdleSession}
	for i := 0; i < MaxClients; i++ {
		u := &User{In: framing.NewBuffer(), Out: &outputRing{}}
		s.idle.attach(u)
	}
	return s
}

// session maps a room number to its Session, nil when out of range.
func (s *Server) session(n int) *Session {
	if n < 0 || n >= len(s.sessions) {
		return nil
	}
	return s.sessions[n]
}

func (s *Server) lobby() *Session { return s.sessions[LobbySession] }

// allocSlot takes a slot from the idle pool and gives it a fresh user
// number, so references to the previous tenant can never match.
func (s *Server) allocSlot(dest *Session) *User {
	n := len(s.idle.Users)
	if n == 0 {
		return nil
	}
	u := s.idle.Users[n-1]
	s.idle.detach(u)
	u.reset()
	u.Num = s.nextNum
	s.nextNum++
	u.LastActive = s.now()
	dest.attach(u)
	return u
}

// recycle returns a slot to the pool.
func (s *Server) recycle(u *User) {
	if u.Session != nil {
		u.Session.detach(u)
	}
	u.reset()
	s.idle.attach(u)
}

// move reattaches a slot to another session.
func (s *Server) move(u *User, dest *Session) {
	u.Session.detach(u)
	dest.attach(u)
}

// trustedIP reports whether the connection comes from the web tier.
func (s *Server) trustedIP(ip uint32) bool {
	for _, t := range s.cfg.ServerIPs {
		if t == ip {
			return true
		}
	}
	return false
}

// unusual records a security-relevant irregularity: counter, log line,
// and the audit sink when one is configured.
func (s *Server) unusual(u *User, kind, detail string) {
	metrics.UnusualEvents.Inc()
	log.Printf("lobby: UNUSUAL %s %s: %s", kind, u.Desc(), detail)
	ev := audit.Event{Type: kind, Detail: detail}
	if u != nil {
		ev.User = u.RealName
		ev.UID = u.UID
		ev.IP = transport.FormatIP(u.IP)
		if u.Session != nil {
			ev.Room = u.Session.Num
		}
		if u.Stream != nil {
			ev.TraceID = u.Stream.TraceID()
		}
	}
	s.audit.Record(ev)
}

// admit runs the accept-time gauntlet on a freshly handed-off stream.
func (s *Server) admit(st transport.Stream) {
	ip := st.RemoteIP()
	if s.bans.IsBannedIP(ip) {
		log.Printf("lobby: rejecting connection from banned ip %s", transport.FormatIP(ip))
		st.Close()
		return
	}
	pending := 0
	for _, w := range s.waiting.Users {
		if w.IP == ip && w.HasSocket() {
			pending++
		}
	}
	if ip != 0 && pending >= s.cfg.MaxWaitingPerIP {
		metrics.UnusualEvents.Inc()
		metrics.BansTotal.WithLabelValues("ip").Inc()
		log.Printf("lobby: UNUSUAL banning ip %s, too many pending connections", transport.FormatIP(ip))
		s.audit.Record(audit.Event{
			Type: "ban", IP: transport.FormatIP(ip), TraceID: st.TraceID(),
			Detail: "too many pending connections",
		})
		s.bans.BanIP(ip)
		s.bus.PublishBan(messaging.BanEvent{IP: transport.FormatIP(ip), Reason: "too many pending connections"})
		st.Close()
		s.closePending(ip)
		return
	}
	u := s.allocSlot(s.waiting)
	if u == nil {
		log.Printf("lobby: connection from %s refused, no free slots", transport.FormatIP(ip))
		st.Close()
		return
	}
	u.Stream = st
	u.IP = ip
	if err := s.ep.add(u); err != nil {
		log.Printf("lobby: epoll add %s: %v", u.Desc(), err)
		st.Close()
		s.recycle(u)
		return
	}
	metrics.ConnectionsTotal.WithLabelValues(st.Kind()).Inc()
	log.Printf("lobby: call C%d from %s queued to join a session (%s %s)",
		u.Num, transport.FormatIP(ip), st.Kind(), st.TraceID())
}

// closePending drops every not-yet-introduced connection from an
// address, typically right after the address earned itself a ban.
func (s *Server) closePending(ip uint32) {
	for _, u := range append([]*User(nil), s.waiting.Users...) {
		if u.IP == ip {
			s.dropSocket(u, "one of too many")
			s.recycle(u)
		}
	}
}

// dropSocket closes the transport and detaches it from the slot; the
// slot itself stays wherever it is.
func (s *Server) dropSocket(u *User, reason string) {
	if !u.HasSocket() {
		return
	}
	if u.Out.blocked {
		u.Out.blocked = false
	}
	log.Printf("lobby: %s closing %s session %d, ping %s, %d read",
		reason, u.Desc(), u.sessionNum(), u.PingStats, u.NRead)
	s.ep.remove(u.Stream.Fd())
	metrics.ConnectionsTotal.WithLabelValues(u.Stream.Kind()).Dec()
	u.ExpectEOF = true
	u.Stream.Close()
	u.Stream = nil
	u.Out.reset()
}

func (u *User) sessionNum() int {
	if u.Session == nil {
		return -1
	}
	return u.Session.Num
}

// simpleClose closes the socket and either recycles the slot or, for a
// player who might reconnect, parks the identity in the room under a
// parenthesized name.
func (s *Server) simpleClose(u *User, reason string) {
	hadSocket := u.HasSocket()
	s.dropSocket(u, reason)
	if u.Reg != nil {
		s.reg.Touch(u.Reg)
	}
	if !u.IsPlayer {
		s.recycle(u)
		return
	}
	if hadSocket {
		if sess := u.Session; sess != nil {
			// a player dropping during setup abandons the room password
			sess.Password = ""
		}
		if equalFold(u.RealName, "guest") {
			u.Name = fmt.Sprintf("(%s#%d)", u.Name, u.UID)
		} else {
			u.Name = fmt.Sprintf("(%s)", u.RealName)
		}
		u.Checksums = false
		u.UseSeqIn = false
		u.UseSeqOut = false
		u.Codec.SeedIn("")
		u.Codec.SeedOut("")
	}
}

// closeUser is the full close path: socket teardown, lobby notice, and
// the decision whether the emptied room gets a clearing grace period
// for the scoring callback.
func (s *Server) closeUser(u *User, reason string, grace graceState) {
	if !u.HasSocket() {
		return
	}
	sess := u.Session
	s.simpleClose(u, reason)
	if sess == nil || sess == s.waiting || sess == s.proxy {
		return
	}
	sess.Describe = true
	sess.Private = false
	sess.Password = ""
	if sess != s.lobby() && sess.Empty() {
		needGrace := grace == graceMandatory ||
			(grace != graceForbidden &&
				(sess.HasGame || sess.FileWritten) &&
				s.cfg.StrictScore != 2 &&
				sess.Scored == 0)
		if needGrace {
			if !sess.Clearing {
				sess.Clearing = true
				sess.Idle = s.now()
				log.Printf("lobby: granting grace time to session %d", sess.Num)
			}
		} else {
			s.clearSession(sess)
		}
	}
}

// handleReadError closes a failed reader and defers the quit notice.
func (s *Server) handleReadError(u *User, err error) {
	sess := u.Session
	u.ReasonClosed = fmt.Sprintf("readerr %v", err)
	if sess == s.waiting {
		s.dropSocket(u, u.ReasonClosed)
		s.recycle(u)
		return
	}
	num := u.Num
	reason := u.ReasonClosed
	u.ExpectEOF = true
	s.closeUser(u, reason, graceOptional)
	s.obituaries = append(s.obituaries, obituary{num: num, session: sess, reason: reason})
}

// handleWriteError is the same for the output side.
func (s *Server) handleWriteError(u *User, err error) {
	sess := u.Session
	u.ReasonClosed = fmt.Sprintf("writeerr %v", err)
	if sess == s.waiting {
		s.dropSocket(u, u.ReasonClosed)
		s.recycle(u)
		return
	}
	num := u.Num
	reason := u.ReasonClosed
	u.ExpectEOF = true
	s.closeUser(u, reason, graceOptional)
	s.obituaries = append(s.obituaries, obituary{num: num, session: sess, reason: reason})
}

// flushObituaries tells each bereaved session who left and why, after
// all the casualties of one loop pass are accounted for.
func (s *Server) flushObituaries() {
	for _, ob := range s.obituaries {
		if ob.session == nil || ob.session == s.waiting || ob.session == s.proxy {
			continue
		}
		ob.session.SendAll(protocol.EchoPlayerQuit + fmt.Sprintf("%d %s", ob.num, ob.reason))
	}
	s.obituaries = s.obituaries[:0]
}

// clearSessionGame drops the room's claim on its cached game.
func (s *Server) clearSessionGame(sess *Session) {
	sess.LockOwner = nil
	if g := sess.Game; g != nil {
		sess.Game = nil
		s.games.Disown(g)
	}
}

// setGame points the room at a cached game, claiming it. The cache
// releases any previous claim and keeps sess.Game in step.
func (s *Server) setGame(sess *Session, g *game.Buffer) {
	s.games.Own(g, sess)
}

// clearEmptySession resets a room known to hold no live sockets. Parked
// player identities and robots go back to the pool.
func (s *Server) clearEmptySession(sess *Session) {
	for len(sess.Users) > 0 {
		s.recycle(sess.Users[0])
	}
	if sess.stateKeySlot >= 0 {
		s.stateKeys[sess.stateKeySlot] = nil
		sess.stateKeySlot = -1
	}
	sess.StateKey = ""
	sess.Password = ""
	sess.Info = ""
	sess.HasGame = false
	sess.Key = 0
	sess.Private = false
	sess.Poisoned = false
	sess.Scored = 0
	sess.FileWritten = false
	sess.Clearing = false
	sess.Describe = true
	s.chatLog.Clear(sess.Num)
	s.clearSessionGame(sess)
}

// clearSession closes every member and resets the room.
func (s *Server) clearSession(sess *Session) {
	sess.LockOwner = nil
	for _, u := range append([]*User(nil), sess.Users...) {
		u.Seat, u.Order, u.Rev = -1, -1, -1
		u.IsPlayer = false
		u.IsRobot = false
		s.simpleClose(u, "clearsession")
	}
	s.clearEmptySession(sess)
	s.bus.PublishRoomCleared(messaging.RoomEvent{Room: sess.Num})
}

// describeSession sends the room summary line to every lobby member and
// publishes it on the bus.
func (s *Server) describeSession(sess *Session) {
	line := s.describeSessionString(sess)
	s.lobby().SendAll(line)
	s.bus.PublishRoomDescribe(messaging.RoomEvent{
		Room:       sess.Num,
		Population: sess.ActiveCount(),
		State:      sess.States,
		GameID:     sess.GameID,
		Info:       sess.Info,
	})
	metrics.ActiveRooms.Set(float64(s.countActiveRooms()))
}

func (s *Server) describeSessionString(sess *Session) string {
	return fmt.Sprintf("%s%d %d %d %d %d %s",
		protocol.EchoSummary, sess.Num, sess.ActiveCount(), sess.States,
		sess.summaryPassCode(), sess.GameID, sess.Info)
}

func (s *Server) countActiveRooms() int {
	n := 0
	for _, sess := range s.sessions[1:] {
		if sess.ActiveCount() > 0 {
			n++
		}
	}
	return n
}

// countByUID counts live connections for a uid/address pair across all
// rooms, for the per-account connection ceiling.
func (s *Server) countByUID(uid int, ip uint32) int {
	n := 0
	for _, sess := range s.sessions {
		for _, u := range sess.Users {
			if u.UID == uid && u.IP == ip {
				n++
			}
		}
	}
	return n
}

// countByIPInSession enforces the per-address cap inside one room.
func (s *Server) countByIPInSession(ip uint32, sess *Session) int {
	n := 0
	for _, u := range sess.Users {
		if u.IP == ip {
			n++
		}
	}
	return n
}

// banUserByIP bans the address behind a connection that revealed itself
// as hostile, and drops everything else it has pending.
func (s *Server) banUserByIP(u *User) {
	if u.IP == 0 {
		return
	}
	metrics.BansTotal.WithLabelValues("ip").Inc()
	s.bans.BanIP(u.IP)
	s.unusual(u, "ban", "address banned for hostile input")
	s.bus.PublishBan(messaging.BanEvent{
		Name: u.RealName, UID: u.UID, IP: transport.FormatIP(u.IP),
		Reason: "hostile input",
	})
	s.closePending(u.IP)
}
