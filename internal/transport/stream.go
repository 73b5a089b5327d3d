// Package transport presents game connections as uniform non-blocking
// byte streams, whether they arrived on the plain TCP port or the
// websocket port. The event loop multiplexes streams by file descriptor
// and must never block on one, so reads and writes report would-block
// conditions instead of waiting.
package transport

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// ErrWouldBlock reports that the operation would have blocked; the caller
// retries on the next readiness event.
var ErrWouldBlock = errors.New("transport: operation would block")

// Stream is one client connection as a byte stream.
type Stream interface {
	// Read fills p with available bytes. It returns (0, ErrWouldBlock)
	// when no data is ready and (0, io.EOF) when the peer closed.
	Read(p []byte) (int, error)

	// Write sends as much of p as the socket accepts. A short count with
	// ErrWouldBlock means the rest must be retried when writable.
	Write(p []byte) (int, error)

	Close() error

	// Fd returns the underlying descriptor for epoll registration.
	Fd() int

	// RemoteIP is the peer IPv4 address in host byte order, matching the
	// representation used by the ban table and admission checks.
	RemoteIP() uint32

	// Kind distinguishes "tcp" from "ws" for logs.
	Kind() string

	// TraceID is a stable identifier for correlating log and audit lines
	// about this connection.
	TraceID() string
}

// FormatIP renders a packed IPv4 address in dotted form for logs and
// protocol replies.
func FormatIP(ip uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ip)
	return net.IP(b[:]).String()
}

// socketFD extracts the file descriptor from a net.Conn via SyscallConn,
// without duplicating it, so the original stays valid for epoll.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	var fd int
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}

// remoteIPv4 converts a connection's peer address to the packed host-order
// form. Non-IPv4 peers (IPv6 without a mapped v4) hash to 0 and are
// exempt from per-IP accounting rather than miscounted.
func remoteIPv4(conn net.Conn) uint32 {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	v4 := addr.IP.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

// TCPStream is a Stream over a raw TCP connection. I/O goes through
// unix.Read/unix.Write on the extracted descriptor so that would-block
// surfaces as EAGAIN instead of parking the goroutine in the runtime
// poller.
type TCPStream struct {
	conn    net.Conn
	fd      int
	ip      uint32
	traceID string
}

// NewTCPStream wraps an accepted TCP connection.
func NewTCPStream(conn net.Conn) *TCPStream {
	return &TCPStream{
		conn:    conn,
		fd:      socketFD(conn),
		ip:      remoteIPv4(conn),
		traceID: uuid.New().String(),
	}
}

func (s *TCPStream) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		return 0, ErrWouldBlock
	case err != nil:
		return 0, err
	case n == 0:
		// reading zero bytes means the peer closed; it never recovers
		// into real data
		return 0, io.EOF
	}
	return n, nil
}

func (s *TCPStream) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Write(s.fd, p[total:])
		if n > 0 {
			total += n
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return total, ErrWouldBlock
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, ErrWouldBlock
		}
	}
	return total, nil
}

func (s *TCPStream) Close() error     { return s.conn.Close() }
func (s *TCPStream) Fd() int          { return s.fd }
func (s *TCPStream) RemoteIP() uint32 { return s.ip }
func (s *TCPStream) Kind() string     { return "tcp" }
func (s *TCPStream) TraceID() string  { return s.traceID }
