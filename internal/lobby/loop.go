package lobby

import (
	"io"
	"log"
	"time"

	"github.com/boardspace/roomserver/internal/messaging"
	"github.com/boardspace/roomserver/internal/metrics"
	"github.com/boardspace/roomserver/internal/transport"
)

// loopTickMS bounds one epoll wait so maintenance runs on time even
// when no socket stirs.
const loopTickMS = 250

// Run is the event loop. Everything the server does to lobby state
// happens on this goroutine; listeners, the saver, and the bus hand
// work in and out over channels.
func (s *Server) Run() error {
	ep, err := newEpoll()
	if err != nil {
		return err
	}
	s.ep = ep
	defer ep.close()

	tcp, err := transport.Listen(s.cfg.TCPAddr, false, s.gate)
	if err != nil {
		return err
	}
	s.listeners = append(s.listeners, tcp)
	log.Printf("lobby: listening on %s", tcp.Addr())
	if s.cfg.WSAddr != "" {
		ws, err := transport.Listen(s.cfg.WSAddr, true, s.gate)
		if err != nil {
			return err
		}
		s.listeners = append(s.listeners, ws)
		log.Printf("lobby: websocket listening on %s", ws.Addr())
	}
	defer func() {
		for _, l := range s.listeners {
			l.Close()
		}
	}()

	// registrations arrive on a bus goroutine; buffer them for the loop
	regCh := make(chan messaging.Registration, 64)
	if s.bus != nil {
		if err := s.bus.SubscribeRegistration(func(r messaging.Registration) {
			select {
			case regCh <- r:
			default:
				log.Printf("lobby: registration queue full, dropping %s#%d", r.Name, r.UID)
			}
		}); err != nil {
			log.Printf("lobby: registration subscribe: %v", err)
		}
	}

	lastTick := s.now()
	for !s.quitting {
		select {
		case <-s.quit:
			s.quitting = true
			continue
		default:
		}
		for _, l := range s.listeners {
			s.drainAccepted(l)
		}
		for _, u := range ep.wait(loopTickMS) {
			if u.HasSocket() {
				s.serviceInput(u)
			}
		}
		s.flushOutputs()
		s.flushObituaries()
	regs:
		for {
			select {
			case r := <-regCh:
				s.reg.Register(r.Key, r.Name, r.UID, r.Aux)
			default:
				break regs
			}
		}
		if now := s.now(); now.Sub(lastTick) >= time.Second {
			lastTick = now
			s.maintain(now)
		}
	}

	log.Printf("lobby: shutting down")
	for _, u := range s.allUsers() {
		if u.HasSocket() {
			s.dropSocket(u, "server shutdown")
		}
	}
	return nil
}

// Quit asks the loop to exit after the current pass. Safe from any
// goroutine; signal handlers call it.
func (s *Server) Quit() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *Server) drainAccepted(l *transport.Listener) {
	for {
		select {
		case st := <-l.Accepted():
			s.admit(st)
		default:
			return
		}
	}
}

// serviceInput reads whatever the socket has and dispatches every
// complete line. The user pointer can change under us when a line is a
// takeover; the swapped input buffer travels with the connection.
func (s *Server) serviceInput(u *User) {
	for u.HasSocket() {
		buf, err := u.In.Writable()
		if err != nil {
			s.handleReadError(u, err)
			return
		}
		n, err := u.Stream.Read(buf)
		switch {
		case err == transport.ErrWouldBlock:
			return
		case err == io.EOF:
			if u.ExpectEOF {
				s.closeUser(u, "eof", graceOptional)
			} else {
				s.handleReadError(u, err)
			}
			return
		case err != nil:
			s.handleReadError(u, err)
			return
		}
		u.In.Commit(n)
		for {
			line, ok := u.In.NextLine()
			if !ok {
				break
			}
			if u.inputClosed {
				continue
			}
			u = s.processLine(u, line)
			if !u.HasSocket() {
				return
			}
		}
		if n < len(buf) {
			return
		}
	}
}

// flushOutputs pushes queued replies to every socket that will take
// them, re-arms write interest for the blocked ones, and finishes the
// deferred closes whose queues have drained.
func (s *Server) flushOutputs() {
	for _, u := range s.allUsers() {
		if !u.HasSocket() {
			continue
		}
		if u.Out.overflow {
			s.unusual(u, "unusual", "output overflow, client too far behind")
			u.ExpectEOF = true
			s.closeUser(u, "output overflow", graceForbidden)
			continue
		}
		wasBlocked := u.Out.blocked
		if u.Out.pending() > 0 {
			if err := u.Out.flushTo(u.Stream, u.Desc()); err != nil {
				s.handleWriteError(u, err)
				continue
			}
		}
		if u.Out.blocked != wasBlocked {
			if err := s.ep.watchWrites(u, u.Out.blocked); err != nil {
				s.handleWriteError(u, err)
				continue
			}
		}
		if u.Out.closing && u.Out.pending() == 0 {
			reason := u.ReasonClosed
			if reason == "" {
				reason = "deferred close"
			}
			s.closeUser(u, reason, graceForbidden)
		}
	}
}

// allUsers snapshots every slot currently bound to a socket; the
// snapshot keeps iteration safe while closes mutate the epoll map.
func (s *Server) allUsers() []*User {
	out := make([]*User, 0, len(s.ep.users))
	for _, u := range s.ep.users {
		out = append(out, u)
	}
	return out
}

// maintain is the once-per-second pass: orphaned-room reclamation,
// deferred room summaries, the game write-back sweep, registration
// keep-alives, and client timeouts.
func (s *Server) maintain(now time.Time) {
	for _, sess := range s.sessions[1:] {
		if !sess.Empty() {
			continue
		}
		if sess.Key == 0 && sess.Password == "" && !sess.Clearing {
			continue
		}
		limit := SessionTimeout
		if sess.Clearing {
			limit = SessionClearTimeout
		}
		if now.Sub(sess.Idle) > limit {
			log.Printf("lobby: reclaiming orphaned session %d", sess.Num)
			s.clearSession(sess)
		}
	}

	for _, sess := range s.sessions {
		if sess.Describe {
			sess.Describe = false
			s.describeSession(sess)
		}
	}

	if s.saver != nil {
		s.games.Sweep(s.saver.Queue())
	}
	metrics.CachedGames.Set(float64(s.games.Cached()))
	metrics.DirtyGames.Set(float64(s.games.DirtyDepth()))

	for _, u := range append([]*User(nil), s.waiting.Users...) {
		if now.Sub(u.LastActive) > MaxWaitingTime {
			s.dropSocket(u, "never introduced")
			s.recycle(u)
		}
	}
	for _, sess := range s.sessions {
		timeout := s.cfg.ClientTimeout
		if sess.Num == LobbySession {
			timeout = s.cfg.LobbyTimeout
		}
		for _, u := range append([]*User(nil), sess.Users...) {
			if !u.HasSocket() || now.Sub(u.LastActive) <= timeout {
				continue
			}
			if u.Reg != nil {
				s.reg.Touch(u.Reg)
			}
			num := u.Num
			u.ExpectEOF = true
			s.closeUser(u, "idle timeout", graceOptional)
			s.obituaries = append(s.obituaries, obituary{num: num, session: sess, reason: "idle timeout"})
		}
	}
}
