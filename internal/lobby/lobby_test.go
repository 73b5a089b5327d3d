package lobby

import (
	"fmt"
	"strings"
	"testing"

	"github.com/boardspace/roomserver/internal/ban"
	"github.com/boardspace/roomserver/internal/game"
	"github.com/boardspace/roomserver/internal/moderation"
	"github.com/boardspace/roomserver/internal/registry"
	"github.com/boardspace/roomserver/internal/transport"
)

// fakeStream stands in for a socket; writes are accepted whole and
// reads always report would-block, since tests inject lines through
// processLine directly.
type fakeStream struct {
	fd     int
	closed bool
}

var nextFakeFd = 100000

func newFakeStream() *fakeStream {
	nextFakeFd++
	return &fakeStream{fd: nextFakeFd}
}

func (f *fakeStream) Read(p []byte) (int, error)  { return 0, transport.ErrWouldBlock }
func (f *fakeStream) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeStream) Close() error                { f.closed = true; return nil }
func (f *fakeStream) Fd() int                     { return f.fd }
func (f *fakeStream) RemoteIP() uint32            { return 0x7f000001 }
func (f *fakeStream) Kind() string                { return "tcp" }
func (f *fakeStream) TraceID() string             { return fmt.Sprintf("fake-%d", f.fd) }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SupervisorPassword = "secret1"
	s := NewServer(cfg, Deps{
		Games:    game.NewCache(0, 0, false),
		Bans:     ban.NewRing(),
		Registry: registry.NewTable(nil),
	})
	ep, err := newEpoll()
	if err != nil {
		t.Fatalf("epoll: %v", err)
	}
	s.ep = ep
	t.Cleanup(ep.close)
	return s
}

// join runs a connection through the intro into a room.
func join(t *testing.T, s *Server, room int, name string, uid int) *User {
	t.Helper()
	st := newFakeStream()
	u := s.allocSlot(s.waiting)
	if u == nil {
		t.Fatal("no free slots")
	}
	u.Stream = st
	u.IP = st.RemoteIP()
	s.ep.users[st.Fd()] = u
	line := fmt.Sprintf("200 %d %s#%d 127.0.0.1 <none> 0 U", room, name, uid)
	u = s.processLine(u, []byte(line))
	if u.Session != s.session(room) {
		t.Fatalf("%s not admitted to room %d, in session %d", name, room, u.sessionNum())
	}
	u.Out.reset()
	return u
}

// queued returns everything waiting in a user's output ring.
func queued(u *User) string {
	if u.Out == nil {
		return ""
	}
	return string(u.Out.buf[u.Out.take:])
}

func inject(s *Server, u *User, line string) *User {
	return s.processLine(u, []byte(line))
}

func TestIntroAdmitsSpectator(t *testing.T) {
	s := newTestServer(t)
	st := newFakeStream()
	u := s.allocSlot(s.waiting)
	u.Stream = st
	u.IP = st.RemoteIP()
	s.ep.users[st.Fd()] = u
	u = s.processLine(u, []byte("200 3 ann#77 127.0.0.1 <none> 0 U"))

	if u.Session != s.session(3) {
		t.Fatalf("in session %d, want 3", u.sessionNum())
	}
	if u.IsPlayer {
		t.Error("no-password intro should admit a spectator")
	}
	if u.RealName != "ann" || u.UID != 77 {
		t.Errorf("identity = %s#%d, want ann#77", u.RealName, u.UID)
	}
	out := queued(u)
	if !strings.HasPrefix(out, "201 3 ") {
		t.Errorf("reply = %q, want a 201 for room 3", out)
	}
}

func TestIntroPasswordMismatchRejected(t *testing.T) {
	s := newTestServer(t)
	sess := s.session(4)
	sess.Password = "sesame"
	sess.Key = 12345

	st := newFakeStream()
	u := s.allocSlot(s.waiting)
	u.Stream = st
	u.IP = st.RemoteIP()
	s.ep.users[st.Fd()] = u
	u = s.processLine(u, []byte("200 4 bob#5 127.0.0.1 wrong 0 U"))

	if u.Session == sess {
		t.Fatal("admitted with the wrong password")
	}
	if !strings.HasPrefix(queued(u), "999 200 ") {
		t.Errorf("reply = %q, want a 999 echo", queued(u))
	}
}

func TestIntroBadSessionNumber(t *testing.T) {
	s := newTestServer(t)
	st := newFakeStream()
	u := s.allocSlot(s.waiting)
	u.Stream = st
	u.IP = st.RemoteIP()
	s.ep.users[st.Fd()] = u
	u = s.processLine(u, []byte(fmt.Sprintf("200 %d x#1 127.0.0.1 <none> 0 U", MaxSessions+5)))
	if !strings.HasPrefix(queued(u), "999 200 ") {
		t.Errorf("reply = %q, want a 999 echo", queued(u))
	}
}

func TestRoomChatEchoes(t *testing.T) {
	s := newTestServer(t)
	a := join(t, s, 1, "ann", 1)
	b := join(t, s, 1, "bob", 2)
	a.Out.reset()

	inject(s, a, "210 schat hello there")
	if got := queued(b); !strings.Contains(got, fmt.Sprintf("213 %d schat hello there", a.Num)) {
		t.Errorf("bob got %q, want the 213 relay", got)
	}
	if got := queued(a); !strings.Contains(got, "211 schat hello there") {
		t.Errorf("ann got %q, want the 211 self echo", got)
	}
}

func TestGaggedChatterIsSilent(t *testing.T) {
	s := newTestServer(t)
	a := join(t, s, 1, "ann", 1)
	b := join(t, s, 1, "bob", 2)
	a.Gagged = true
	a.Out.reset()

	inject(s, a, "210 schat shouting")
	if got := queued(b); got != "" {
		t.Errorf("bob heard a gagged chatter: %q", got)
	}
	// the gagged client still sees its own echo
	if got := queued(a); !strings.Contains(got, "211 ") {
		t.Errorf("ann got %q, want her self echo", got)
	}
}

func TestMemberRosterAndDetail(t *testing.T) {
	s := newTestServer(t)
	a := join(t, s, 2, "ann", 1)
	join(t, s, 2, "bob", 2)
	a.Out.reset()

	inject(s, a, "306 2")
	out := queued(a)
	if !strings.Contains(out, "307 2 ") {
		t.Errorf("detail reply %q missing 307 lines", out)
	}
	if !strings.Contains(out, "309 2 2") {
		t.Errorf("detail reply %q missing the 309 trailer with count 2", out)
	}
}

func TestSaveAndFetchGame(t *testing.T) {
	s := newTestServer(t)
	a := join(t, s, 1, "ann", 1)
	a.IsPlayer = true

	inject(s, a, "322 testgame ;B[dd];W[qq]")
	if got := queued(a); !strings.HasPrefix(got, "323 ") || strings.HasPrefix(got, "323 0") {
		t.Fatalf("save reply = %q, want a 323 with a uid", got)
	}
	a.Out.reset()

	inject(s, a, "344 testgame")
	got := queued(a)
	if !strings.HasPrefix(got, "345 ") {
		t.Fatalf("fetch reply = %q", got)
	}
	if !strings.Contains(got, ";B[dd];W[qq]") {
		t.Errorf("fetch reply %q does not carry the stored moves", got)
	}
}

func TestDuplicateGameSaveDemotesFirstRoom(t *testing.T) {
	s := newTestServer(t)
	a := join(t, s, 1, "ann", 1)
	a.IsPlayer = true
	a.Seat = 0
	inject(s, a, "322 contested ;B[aa]")
	a.Out.reset()

	b := join(t, s, 2, "bob", 2)
	b.IsPlayer = true
	inject(s, b, "322 contested ;B[bb]")

	first, second := s.session(1), s.session(2)
	if a.IsPlayer || a.Seat != -1 {
		t.Error("first room's player kept a seat")
	}
	if !first.Poisoned {
		t.Error("first room not poisoned against new players")
	}
	if got := queued(a); !strings.Contains(got, fmt.Sprintf("223 %d server", a.Num)) {
		t.Errorf("demoted player got %q, want the server quit notice", got)
	}
	g := s.games.FindNamed("contested")
	if g == nil {
		t.Fatal("contested game missing from the cache")
	}
	if g.Owner != game.Owner(second) || second.Game != g {
		t.Error("claim did not move to the re-recording room")
	}
	if first.Game != nil {
		t.Error("losing room still points at the game")
	}
	if second.Poisoned || !b.IsPlayer {
		t.Error("innocent room was punished")
	}
}

func TestSpectatorCannotSaveActiveGame(t *testing.T) {
	s := newTestServer(t)
	a := join(t, s, 1, "ann", 1)
	a.Session.HasGame = true // a real game is in progress

	inject(s, a, "322 sneaky ;B[aa]")
	if got := queued(a); got != "" {
		t.Errorf("spectator save got a reply: %q", got)
	}
	if s.games.FindNamed("sneaky") != nil {
		t.Error("spectator save was stored")
	}
}

func TestRemoveGameForgets(t *testing.T) {
	s := newTestServer(t)
	a := join(t, s, 1, "ann", 1)
	a.IsPlayer = true
	inject(s, a, "322 gone ;B[aa]")
	a.Out.reset()

	inject(s, a, "324 gone")
	if got := queued(a); strings.HasPrefix(got, "325 0") {
		t.Errorf("remove reply = %q, want the uid of the removed game", got)
	}
	if s.games.FindNamed("gone") != nil {
		t.Error("removed game still findable")
	}
}

func TestLockPassesToNextRequester(t *testing.T) {
	s := newTestServer(t)
	a := join(t, s, 1, "ann", 1)
	b := join(t, s, 1, "bob", 2)

	inject(s, a, "342 1")
	if got := queued(a); !strings.Contains(got, "342 1") {
		t.Fatalf("ann lock reply = %q", got)
	}
	inject(s, b, "342 1")
	if got := queued(b); !strings.Contains(got, "342 0") {
		t.Fatalf("bob should be denied while ann holds: %q", got)
	}
	a.Out.reset()
	b.Out.reset()

	// release: ann's 0 passes the lock to bob
	inject(s, a, "342 0")
	if got := queued(a); !strings.Contains(got, "342 0") {
		t.Errorf("ann release reply = %q", got)
	}
	if got := queued(b); !strings.Contains(got, "342 1") {
		t.Errorf("bob should inherit the lock: %q", got)
	}
	if a.Session.LockOwner != b {
		t.Error("lock owner not transferred")
	}
}

func TestTakeoverReclaimsSeat(t *testing.T) {
	s := newTestServer(t)
	a := join(t, s, 1, "ann", 1)
	a.IsPlayer = true
	a.Seat = 0
	sess := a.Session

	// ann drops; her identity is parked in the room
	s.simpleClose(a, "test disconnect")
	if a.HasSocket() {
		t.Fatal("parked player still has a socket")
	}
	if a.Session != sess {
		t.Fatal("parked player left the room")
	}

	b := join(t, s, 1, "annie", 1)
	st := b.Stream
	got := inject(s, b, "220 playing 0")

	if got != a {
		t.Fatalf("takeover returned %s, want the parked slot", got.Desc())
	}
	if a.Stream != st {
		t.Error("socket did not move to the reclaimed slot")
	}
	if s.ep.users[st.Fd()] != a {
		t.Error("epoll map still points at the old slot")
	}
	if a.RealName != "annie" {
		t.Errorf("reclaimed identity = %q, want the taker's public name", a.RealName)
	}
	if !a.IsPlayer || a.Seat != 0 {
		t.Error("reclaimed slot lost its playing role")
	}
	if b.Session != nil && b.Session != s.idle {
		t.Errorf("donor slot not recycled, in session %d", b.sessionNum())
	}
}

func TestTakeoverSpectateLeavesVacancy(t *testing.T) {
	s := newTestServer(t)
	a := join(t, s, 1, "ann", 1)
	a.IsPlayer = true
	a.Seat = 1
	st := a.Stream

	got := inject(s, a, "220 spectate")
	if got == a {
		t.Fatal("spectate takeover did not move the connection")
	}
	if got.Stream != st {
		t.Error("socket did not follow the spectator")
	}
	if got.IsPlayer {
		t.Error("new slot should be a spectator")
	}
	if a.Name != "(vacancy)" {
		t.Errorf("abandoned slot named %q, want (vacancy)", a.Name)
	}
	if !a.IsPlayer || a.Seat != 1 {
		t.Error("abandoned slot should keep the playing role")
	}
}

func TestReserveRoomSetsKeyAndPassword(t *testing.T) {
	s := newTestServer(t)
	a := join(t, s, 0, "ann", 1)
	a.Out.reset()

	inject(s, a, "332 7 sesame")
	sess := s.session(7)
	if sess.Key == 0 {
		t.Error("reserved room has no key")
	}
	if sess.Password != "sesame" {
		t.Errorf("password = %q", sess.Password)
	}
	if got := queued(a); !strings.Contains(got, "333 7 sesame") {
		t.Errorf("reply = %q, want a 333 echo", got)
	}
}

func TestReserveRoomRefusedWhenClosed(t *testing.T) {
	s := newTestServer(t)
	s.closed = true
	a := join(t, s, 0, "ann", 1)
	a.Out.reset()

	inject(s, a, "332 7 sesame")
	if got := queued(a); !strings.HasPrefix(got, "999 332 ") {
		t.Errorf("reply = %q, want a refusal", got)
	}
	if s.session(7).Key != 0 {
		t.Error("closed server still issued a room key")
	}
}

func TestSetStateOnIdleRoom(t *testing.T) {
	s := newTestServer(t)
	a := join(t, s, 0, "ann", 1)

	inject(s, a, "334 9 2 42")
	sess := s.session(9)
	if sess.States != 2 || sess.GameID != 42 {
		t.Errorf("room state = %d/%d, want 2/42", sess.States, sess.GameID)
	}
}

func TestSupervisorCommandGate(t *testing.T) {
	s := newTestServer(t)
	a := join(t, s, 1, "ann", 1)
	a.Supervisor = true
	a.Out.reset()

	inject(s, a, "210 schat secret1|close")
	if !s.closed {
		t.Error("close command did not take")
	}
	inject(s, a, "210 schat secret1|open")
	if s.closed {
		t.Error("open command did not take")
	}

	// a non-supervisor guessing the password gets a taunt, not a command
	b := join(t, s, 1, "bob", 2)
	b.Out.reset()
	inject(s, b, "210 schat secret1|close")
	if s.closed {
		t.Error("non-supervisor ran a command")
	}
	if got := queued(b); !strings.Contains(got, "schat oops") {
		t.Errorf("bob got %q, want the oops taunt", got)
	}
	if b.OopsCount != 1 {
		t.Errorf("oops count = %d", b.OopsCount)
	}
}

func TestSupervisorGag(t *testing.T) {
	s := newTestServer(t)
	a := join(t, s, 1, "ann", 1)
	a.Supervisor = true
	b := join(t, s, 1, "bob", 2)

	inject(s, a, "210 schat secret1|gag bob")
	if !b.Gagged {
		t.Error("gag did not take")
	}
	inject(s, a, "210 schat secret1|ungag bob")
	if b.Gagged {
		t.Error("ungag did not take")
	}
}

func TestChatFilterGagsRepeatOffender(t *testing.T) {
	cfg := DefaultConfig()
	s := NewServer(cfg, Deps{
		Games:      game.NewCache(0, 0, false),
		Bans:       ban.NewRing(),
		Registry:   registry.NewTable(nil),
		ChatFilter: moderation.NewFilter([]string{"spamword"}),
	})
	ep, err := newEpoll()
	if err != nil {
		t.Fatalf("epoll: %v", err)
	}
	s.ep = ep
	t.Cleanup(ep.close)

	a := join(t, s, 1, "ann", 1)
	for i := 0; i < chatStrikeLimit; i++ {
		inject(s, a, "210 schat buy spamword now")
	}
	if !a.Gagged {
		t.Errorf("chatter not gagged after %d flagged lines", chatStrikeLimit)
	}
	history := s.chatLog.Recent(1)
	if len(history) == 0 {
		t.Error("flagged chat not retained for review")
	}
}

func TestCloseGraceForScoredRoom(t *testing.T) {
	s := newTestServer(t)
	a := join(t, s, 5, "ann", 1)
	a.IsPlayer = true
	sess := a.Session
	sess.HasGame = true

	s.closeUser(a, "test", graceOptional)
	if !sess.Clearing {
		t.Error("room with a game should get the clearing grace period")
	}

	// the scoring callback arrives during grace and resets it
	sc := join(t, s, 0, "scorer", 9)
	sc.IP = 0x0a000001
	s.cfg.ServerIPs = []uint32{sc.IP}
	key := sess.Key
	inject(s, sc, fmt.Sprintf("218 5 1 2 %d %d %d %d",
		int(key&0xff), int(key>>8&0xff), int(key>>16&0xff), int(key>>24&0xff)))
	if sess.Clearing {
		t.Error("scoring during grace should clear the room immediately")
	}
}

func TestUnexpectedInputEchoedAsChat(t *testing.T) {
	s := newTestServer(t)
	a := join(t, s, 1, "ann", 1)
	a.Out.reset()

	inject(s, a, "garbage line")
	if got := queued(a); !strings.HasPrefix(got, "211 garbage line") {
		t.Errorf("got %q, want the line bounced back as chat", got)
	}
	if a.Unexpected != 1 {
		t.Errorf("unexpected counter = %d", a.Unexpected)
	}
	a.Out.reset()

	// once marked, everything else is swallowed
	u := inject(s, a, "302 P:0,0")
	if got := queued(u); got != "" {
		t.Errorf("post-garbage line got a reply: %q", got)
	}
}

func TestMultipleDispatchesSubcommands(t *testing.T) {
	s := newTestServer(t)
	a := join(t, s, 1, "ann", 1)
	b := join(t, s, 1, "bob", 2)
	a.Out.reset()

	// each length counts the separator space before the subcommand
	sub1 := "210 schat one"
	sub2 := "210 schat two"
	line := fmt.Sprintf("338 %d %s %d %s", len(sub1)+1, sub1, len(sub2)+1, sub2)
	inject(s, a, line)

	got := queued(b)
	if !strings.Contains(got, "schat one") || !strings.Contains(got, "schat two") {
		t.Errorf("bob got %q, want both batched chats", got)
	}
}

func TestPingReportsCapacity(t *testing.T) {
	s := newTestServer(t)
	a := join(t, s, 1, "ann", 1)
	a.Out.reset()

	inject(s, a, "302 P:2,2 roominfo")
	got := queued(a)
	want := fmt.Sprintf("303 %d %d ", MaxSessions+1, MaxClients)
	if !strings.HasPrefix(got, want) {
		t.Errorf("ping reply = %q, want prefix %q", got, want)
	}
	if a.PingStats != "2,2" {
		t.Errorf("ping stats = %q", a.PingStats)
	}
	if a.Session.Info != " roominfo" {
		t.Errorf("session info = %q", a.Session.Info)
	}
}
