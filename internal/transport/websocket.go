package transport

import (
	"io"
	"net"
	"os"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// wsPollInterval bounds how long a websocket frame read may hold the
// event loop. Frame reads happen only after epoll reports the descriptor
// readable, so the deadline fires only when a frame is split across
// packets; the remainder arrives on a later readiness event.
const wsPollInterval = 20 * time.Millisecond

// WSStream is a Stream over an upgraded websocket connection. The frame
// layer is hidden: Read yields the concatenated payload bytes and Write
// wraps its argument in a single text frame, so the rest of the server
// treats both transports as plain byte streams.
type WSStream struct {
	conn    net.Conn
	fd      int
	ip      uint32
	traceID string
	pending []byte // payload bytes not yet consumed by Read
}

// UpgradeWS performs the server side of the websocket handshake on an
// accepted connection and wraps it. The handshake uses a real deadline;
// a client that stalls mid-handshake is dropped.
func UpgradeWS(conn net.Conn, timeout time.Duration) (*WSStream, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	if _, err := ws.Upgrade(conn); err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return &WSStream{
		conn:    conn,
		fd:      socketFD(conn),
		ip:      remoteIPv4(conn),
		traceID: uuid.New().String(),
	}, nil
}

func (s *WSStream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(wsPollInterval)); err != nil {
			return 0, err
		}
		data, _, err := wsutil.ReadClientData(s.conn)
		switch {
		case err == nil:
			s.pending = data
		case os.IsTimeout(err):
			return 0, ErrWouldBlock
		case err == io.EOF:
			return 0, io.EOF
		default:
			if _, closed := err.(wsutil.ClosedError); closed {
				return 0, io.EOF
			}
			return 0, err
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Write sends p as one text frame. Frames are atomic, so a deadline hit
// reports zero bytes written and the caller retries the whole chunk.
func (s *WSStream) Write(p []byte) (int, error) {
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsPollInterval)); err != nil {
		return 0, err
	}
	err := wsutil.WriteServerMessage(s.conn, ws.OpText, p)
	if err != nil {
		if os.IsTimeout(err) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return len(p), nil
}

func (s *WSStream) Close() error     { return s.conn.Close() }
func (s *WSStream) Fd() int          { return s.fd }
func (s *WSStream) RemoteIP() uint32 { return s.ip }
func (s *WSStream) Kind() string     { return "ws" }
func (s *WSStream) TraceID() string  { return s.traceID }
