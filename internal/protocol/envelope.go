package protocol

// Checksum envelope. A client that opts in wraps every request as
// "500 AAAA <payload>" where the four letters carry a 16-bit rolling
// checksum, one nibble added to each 'A'. Server replies use the same
// shape with prefix 501. The checksum itself is computed over the wire
// bytes of the payload by the codec; this file only handles the letters.

// Envelope prefixes.
const (
	EnvelopeIn  = "500 "
	EnvelopeOut = "501 AAAA "
)

// ParseEnvelope recognizes the incoming checksum envelope and returns the
// declared checksum and the index where the payload starts. A line whose
// first byte was eaten by transport corruption ("00 " instead of "500 ")
// is still accepted; everything else returns ok=false.
func ParseEnvelope(line string) (sum uint16, payload int, ok bool) {
	off := 0
	switch {
	case len(line) >= 9 && line[0:4] == EnvelopeIn:
		off = 4
	case len(line) >= 8 && line[0:3] == "00 ":
		off = 3
	default:
		return 0, 0, false
	}
	if len(line) < off+5 || line[off+4] != ' ' {
		return 0, 0, false
	}
	s1 := int(line[off] - 'A')
	s2 := int(line[off+1] - 'A')
	s3 := int(line[off+2] - 'A')
	s4 := int(line[off+3] - 'A')
	return uint16(s1<<12 + s2<<8 + s3<<4 + s4), off + 5, true
}

// ChecksumLetters spreads a 16-bit checksum across four letters, one
// nibble each, offset from 'A'.
func ChecksumLetters(sum uint16) [4]byte {
	return [4]byte{
		'A' + byte(sum>>12&0xf),
		'A' + byte(sum>>8&0xf),
		'A' + byte(sum>>4&0xf),
		'A' + byte(sum&0xf),
	}
}
