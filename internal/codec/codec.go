// Package codec implements the per-connection obfuscation cipher and line
// checksum. It is not cryptography: two multiply-with-carry generators per
// direction, seeded from a key string both ends derive during the intro
// exchange, shift each printable byte by a 6-bit pseudo-random amount.
// The generator streams on client and server must stay in perfect
// lockstep, so every byte is decoded exactly once and encoded exactly
// once, in wire order.
package codec

// printableRange is the size of the byte range the cipher permutes.
// Bytes at or below space are passed through untouched so that line
// terminators and field separators survive.
const printableRange = 127 - ' '

// Stream is one direction of the cipher: a generator pair plus the
// counters the protocol reports for fraud detection.
type Stream struct {
	w, z    uint32
	Active  bool
	Chars   int // bytes actually transformed
	Seq     int // next expected (in) or next assigned (out) sequence number
	SeqErrs int // sequence mismatches observed (logged once, counted always)
}

// next steps the generator pair and yields 16 bits.
func (s *Stream) next() int {
	s.z = 36969*(s.z&0xffff) + (s.z >> 16)
	s.w = 18000*(s.w&0xffff) + (s.w >> 16)
	return int(s.w & 0xffff)
}

// Codec carries both directions for one connection.
type Codec struct {
	In  Stream
	Out Stream
}

// SeedIn keys the inbound stream from the shared init string. An empty
// string disables the stream. The first client sequence number is 1.
func (c *Codec) SeedIn(key string) {
	c.In = Stream{Seq: 1}
	if key == "" {
		return
	}
	for i := 0; i < len(key); i++ {
		c.In.w = c.In.w*13 + uint32(key[i])
	}
	for i := 0; i < len(key); i++ {
		c.In.z = c.In.z*31 + uint32(key[i])
	}
	c.In.Active = true
}

// SeedOut keys the outbound stream. The multipliers differ from SeedIn so
// the two directions never share a keystream.
func (c *Codec) SeedOut(key string) {
	c.Out = Stream{Seq: 1}
	if key == "" {
		return
	}
	for i := 0; i < len(key); i++ {
		c.Out.w = c.Out.w*17 + uint32(key[i])
	}
	for i := 0; i < len(key); i++ {
		c.Out.z = c.Out.z*23 + uint32(key[i])
	}
	c.Out.Active = true
}

// DecodeLine computes the rolling checksum of a received line and, if the
// inbound stream is active, deobfuscates it in place. The checksum covers
// the wire bytes (post-obfuscation), XORed with their position, masked to
// 16 bits. It is always computed, even when the caller only wants the
// decryption, because the generator must advance per transformed byte.
func (c *Codec) DecodeLine(line []byte) uint16 {
	sum := 0
	for i, ch := range line {
		if ch == '\r' || ch == '\n' {
			line = line[:i]
			break
		}
		sum += int(ch) ^ i
		if c.In.Active && ch > ' ' {
			rnd := c.In.next() & 0x3f
			line[i] = byte((int(ch-' '-1)+printableRange-rnd)%printableRange + ' ' + 1)
			c.In.Chars++
		}
	}
	return uint16(sum & 0xffff)
}

// EncodeAppend obfuscates s (if the outbound stream is active) and appends
// the wire bytes to dst, extending the rolling checksum from pos. It
// returns the grown buffer, the new position, and the running sum; the
// caller finalizes the sum to 16 bits once the whole line is composed.
func (c *Codec) EncodeAppend(dst []byte, s string, pos, sum int) ([]byte, int, int) {
	for i := 0; i < len(s); i++ {
		ch := int(s[i])
		if c.Out.Active && ch > ' ' {
			rnd := c.Out.next() & 0x3f
			ch = (ch-' '-1+rnd)%printableRange + ' ' + 1
			c.Out.Chars++
		}
		sum += ch ^ pos
		dst = append(dst, byte(ch))
		pos++
	}
	return dst, pos, sum
}
