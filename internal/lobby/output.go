package lobby

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/boardspace/roomserver/internal/framing"
	"github.com/boardspace/roomserver/internal/metrics"
	"github.com/boardspace/roomserver/internal/protocol"
	"github.com/boardspace/roomserver/internal/transport"
)

// maxOutputSize caps one connection's pending output. A client that
// falls this far behind is not coming back.
const maxOutputSize = 4 * framing.MaxInputSize

var errOutputOverflow = errors.New("lobby: output buffer overflow")

// outputRing queues composed wire lines for one connection until its
// socket will take them. Only the event loop touches it.
type outputRing struct {
	buf      []byte
	take     int
	blocked  bool // last write was partial; waiting for writability
	overflow bool // ceiling hit; connection must be dropped
	closing  bool // close the socket once the queue drains
}

func (o *outputRing) pending() int { return len(o.buf) - o.take }

func (o *outputRing) reset() {
	o.buf = o.buf[:0]
	o.take = 0
	o.blocked, o.overflow, o.closing = false, false, false
}

func (o *outputRing) queue(p []byte) error {
	if o.pending()+len(p) > maxOutputSize {
		return errOutputOverflow
	}
	if o.take > 0 && len(o.buf)+len(p) > cap(o.buf) {
		n := copy(o.buf, o.buf[o.take:])
		o.buf = o.buf[:n]
		o.take = 0
	}
	o.buf = append(o.buf, p...)
	return nil
}

// flushTo writes as much queued output as the socket will take. A
// would-block leaves the rest queued and marks the connection blocked;
// any other error is fatal to the connection.
func (o *outputRing) flushTo(st transport.Stream, desc string) error {
	for o.pending() > 0 {
		n, err := st.Write(o.buf[o.take:])
		o.take += n
		if err == transport.ErrWouldBlock {
			if !o.blocked {
				o.blocked = true
				metrics.BlockedClients.Inc()
				log.Printf("lobby: blocked write for %s, %d pending", desc, o.pending())
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
	o.blocked = false
	o.buf = o.buf[:0]
	o.take = 0
	return nil
}

// composeLine turns a reply into wire bytes for one connection: an
// optional sequence prefix, obfuscation, and for checksumming clients
// the 501 envelope with the sum spread over four letters. The score
// check reply keeps its leading space and never gets a sequence
// number, which makes it recognizable to the scoring script and
// unforgeable by a client replaying sequenced traffic.
func composeLine(u *User, s string) []byte {
	var seq string
	if u.UseSeqOut && !strings.HasPrefix(s, protocol.EchoCheckScore) {
		seq = fmt.Sprintf("x%d ", u.Codec.Out.Seq)
		u.Codec.Out.Seq++
	}
	if u.Checksums {
		line := make([]byte, 0, len(protocol.EnvelopeOut)+len(seq)+len(s)+1)
		line = append(line, protocol.EnvelopeOut...)
		pos, sum := 0, 0
		line, pos, sum = u.Codec.EncodeAppend(line, seq, pos, sum)
		line, _, sum = u.Codec.EncodeAppend(line, s, pos, sum)
		letters := protocol.ChecksumLetters(uint16(sum & 0xffff))
		copy(line[4:8], letters[:])
		return append(line, '\n')
	}
	line := make([]byte, 0, len(seq)+len(s)+1)
	pos, sum := 0, 0
	line, pos, sum = u.Codec.EncodeAppend(line, seq, pos, sum)
	line, _, _ = u.Codec.EncodeAppend(line, s, pos, sum)
	return append(line, '\n')
}

// Send queues one reply line for this connection. Overflow is recorded
// and handled by the event loop, which closes the connection without a
// clearing grace period.
func (u *User) Send(s string) {
	if u.Stream == nil || u.Out == nil || u.Out.closing || u.Out.overflow {
		return
	}
	line := composeLine(u, s)
	if err := u.Out.queue(line); err != nil {
		u.Out.overflow = true
		if u.logBudget() {
			log.Printf("lobby: %v for %s", err, u.Desc())
		}
		return
	}
	metrics.Transactions.WithLabelValues("out").Inc()
}

// Sendf formats and queues one reply line.
func (u *User) Sendf(format string, args ...interface{}) {
	u.Send(fmt.Sprintf(format, args...))
}

// SendAll queues a line for every live member of the session.
func (s *Session) SendAll(msg string) {
	for _, u := range s.Users {
		if u.HasSocket() {
			u.Send(msg)
		}
	}
}

// SendOthers queues a line for every live member except one.
func (s *Session) SendOthers(except *User, msg string) {
	for _, u := range s.Users {
		if u != except && u.HasSocket() {
			u.Send(msg)
		}
	}
}
