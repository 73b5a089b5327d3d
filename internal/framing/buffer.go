// Package framing accumulates raw bytes from a connection and extracts
// newline-terminated protocol lines. The command structure is uniformly
// one line = one command; lines can be very long (whole game records with
// embedded newlines escaped), so the buffer grows on demand in fixed
// steps up to a hard cap. A connection that overruns the cap is feeding
// us garbage and gets disconnected by the caller.
package framing

import "errors"

const (
	// AllocStep is the granularity of buffer growth.
	AllocStep = 1024

	// Slop is extra headroom added when sizing companion buffers.
	Slop = 8

	// MaxInputSize is the hard cap on a single connection's input buffer.
	MaxInputSize = 1024 * 1024

	// compactThreshold: when contiguous free space at the end falls below
	// this and there are consumed bytes at the front, shuffle instead of
	// growing.
	compactThreshold = 100
)

// ErrOverflow is returned when a connection has buffered a full
// MaxInputSize of data without producing a line terminator.
var ErrOverflow = errors.New("framing: input buffer overflow")

// Buffer is a growable input accumulator with restartable line
// extraction. It is not safe for concurrent use; each connection owns
// exactly one and only the event loop touches it.
type Buffer struct {
	buf    []byte
	take   int  // next unconsumed byte
	put    int  // next free byte
	skipLF bool // last extracted line ended in CR; eat one following LF
}

// NewBuffer returns a Buffer with the initial allocation step.
func NewBuffer() *Buffer {
	return &Buffer{buf: make([]byte, AllocStep)}
}

// Reset discards all buffered data and shrinks bookkeeping to empty.
// The allocation is kept for reuse when a slot is recycled.
func (b *Buffer) Reset() {
	b.take, b.put = 0, 0
	b.skipLF = false
}

// Pending returns the number of buffered, unconsumed bytes.
func (b *Buffer) Pending() int { return b.put - b.take }

// Size returns the current allocation size.
func (b *Buffer) Size() int { return len(b.buf) }

// Writable returns the free region to read into, after resetting an empty
// buffer to the start, compacting when the tail is nearly full, and
// growing when the whole buffer is nearly full. ErrOverflow means the cap
// is reached with no complete line; the connection should be dropped.
func (b *Buffer) Writable() ([]byte, error) {
	if b.take == b.put {
		b.take, b.put = 0, 0
	}
	free := len(b.buf) - b.put
	if b.take > 0 && free < compactThreshold {
		n := copy(b.buf, b.buf[b.take:b.put])
		b.take, b.put = 0, n
		free = len(b.buf) - b.put
	}
	if free*2 < AllocStep && len(b.buf) < MaxInputSize {
		grown := len(b.buf) + AllocStep
		if grown > MaxInputSize {
			grown = MaxInputSize
		}
		nb := make([]byte, grown)
		copy(nb, b.buf[:b.put])
		b.buf = nb
		free = len(b.buf) - b.put
	}
	if free <= 0 {
		return nil, ErrOverflow
	}
	return b.buf[b.put:], nil
}

// Commit records that n bytes were read into the region returned by
// Writable.
func (b *Buffer) Commit(n int) {
	b.put += n
}

// NextLine extracts the next complete line, without its terminator.
// CR, LF, and CRLF all terminate identically; a CRLF split across two
// reads still counts as a single terminator. The returned slice aliases
// the internal buffer and is valid until the next Writable call, which is
// fine because every complete line is dispatched before the next read.
func (b *Buffer) NextLine() ([]byte, bool) {
	if b.skipLF && b.take < b.put {
		if b.buf[b.take] == '\n' {
			b.take++
		}
		b.skipLF = false
	}
	for i := b.take; i < b.put; i++ {
		ch := b.buf[i]
		if ch != '\n' && ch != '\r' {
			continue
		}
		line := b.buf[b.take:i]
		b.take = i + 1
		if ch == '\r' {
			if b.take < b.put {
				if b.buf[b.take] == '\n' {
					b.take++
				}
			} else {
				b.skipLF = true
			}
		}
		return line, true
	}
	return nil, false
}
