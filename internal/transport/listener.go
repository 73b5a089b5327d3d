package transport

import (
	"errors"
	"log"
	"net"
	"time"
)

const wsHandshakeTimeout = 5 * time.Second

// Gate decides whether a freshly accepted stream may be offered to the
// event loop. It runs on the accept goroutine, so it may do slow work
// (a rate-limit lookup, say) without stalling the loop. A nil Gate
// admits everything.
type Gate func(Stream) bool

// Listener accepts connections on one port and hands them to the event
// loop as ready Streams over a channel. Accepting and, for websockets,
// the handshake happen off the loop thread; everything after admission is
// owned by the loop.
type Listener struct {
	ln       net.Listener
	ws       bool
	gate     Gate
	accepted chan Stream
	done     chan struct{}
}

// Listen opens a TCP listener on addr. When websocket is true each
// accepted connection goes through the websocket handshake before being
// offered to the loop.
func Listen(addr string, websocket bool, gate Gate) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		ln:       ln,
		ws:       websocket,
		gate:     gate,
		accepted: make(chan Stream, 16),
		done:     make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

// Accepted returns the channel of connections awaiting admission. The
// event loop drains it without blocking each pass.
func (l *Listener) Accepted() <-chan Stream { return l.accepted }

// Addr reports the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting. Connections already queued stay queued for the
// loop to dispose of.
func (l *Listener) Close() error {
	close(l.done)
	return l.ln.Close()
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("transport: accept on %s: %v", l.ln.Addr(), err)
			continue
		}
		if l.ws {
			// handshake per connection so one slow client cannot stall
			// the accept loop
			go l.handshake(conn)
			continue
		}
		l.offer(NewTCPStream(conn))
	}
}

func (l *Listener) handshake(conn net.Conn) {
	s, err := UpgradeWS(conn, wsHandshakeTimeout)
	if err != nil {
		log.Printf("transport: websocket handshake from %s: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	l.offer(s)
}

func (l *Listener) offer(s Stream) {
	if l.gate != nil && !l.gate(s) {
		log.Printf("transport: connection from %s refused by admission gate", FormatIP(s.RemoteIP()))
		_ = s.Close()
		return
	}
	select {
	case l.accepted <- s:
	case <-l.done:
		_ = s.Close()
	}
}
