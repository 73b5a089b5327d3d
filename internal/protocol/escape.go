package protocol

// Escaping scheme for embedding raw move-log bytes in ASCII lines.
// Bytes below space or above 129 travel as "\nnn" (three decimal digits),
// a backslash doubles itself, and "\#hhhh" carries a 16-bit value in four
// hex digits. Terminators never appear inside an escaped string, so line
// framing stays intact no matter what the payload holds.

func hexDigit(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return 0
}

// Unescape decodes the escape sequences in s and returns the raw bytes.
func Unescape(s string) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch != '\\' {
			out = append(out, ch)
			continue
		}
		i++
		if i >= len(s) {
			break
		}
		ch = s[i]
		switch {
		case ch == '\\':
			out = append(out, '\\')
		case ch == '#':
			if i+4 < len(s) {
				v := hexDigit(s[i+1])<<12 + hexDigit(s[i+2])<<8 + hexDigit(s[i+3])<<4 + hexDigit(s[i+4])
				i += 4
				// 16-bit values above 255 lose their high byte; the
				// inputs are utf-8 masquerading as escaped unicode, so
				// nothing real is lost.
				out = append(out, byte(v))
			}
		case ch >= '0' && ch <= '9':
			if i+2 < len(s) {
				v := int(ch-'0')*100 + int(s[i+1]-'0')*10 + int(s[i+2]-'0')
				i += 2
				out = append(out, byte(v))
			}
		default:
			out = append(out, ch)
		}
	}
	return out
}

// EscapedSize returns the number of bytes Escape would produce for b,
// plus one for the terminator slot. Used to size reply buffers before
// composing a game-fetch response.
func EscapedSize(b []byte) int {
	n := 1
	for _, ch := range b {
		switch {
		case ch == '\\':
			n += 2
		case ch < ' ' || ch > 129:
			n += 4
		default:
			n++
		}
	}
	return n
}

// Escape encodes raw bytes for transmission inside a protocol line.
func Escape(b []byte) string {
	return EscapeFiltered(b, false)
}

// EscapeFiltered is Escape with optional timestamp filtering: when filter
// is set, any ",+token payload" pair is dropped so that clients that
// predate per-move timestamps never see them.
func EscapeFiltered(b []byte, filter bool) string {
	out := make([]byte, 0, len(b)+len(b)/8)
	comma := false
	for i := 0; i < len(b); i++ {
		ch := b[i]
		if filter && comma && ch == '+' {
			i = skipToken(b, i)
			i = skipToken(b, i)
			if i >= len(b) {
				break
			}
			ch = b[i]
		}
		switch {
		case ch == '\\':
			out = append(out, '\\', '\\')
		case ch < ' ' || ch > 129:
			out = append(out, '\\', '0'+ch/100, '0'+(ch%100)/10, '0'+ch%10)
		default:
			if ch > ' ' {
				comma = false
			}
			out = append(out, ch)
		}
		if ch == ',' {
			comma = true
		}
	}
	return string(out)
}

// skipToken advances past any leading whitespace and then past one
// nonwhite token, mirroring how the filter's counterpart encoder emitted
// the "+token payload" pairs.
func skipToken(b []byte, i int) int {
	for i < len(b) && b[i] <= ' ' {
		i++
	}
	for i < len(b) && b[i] > ' ' {
		i++
	}
	return i
}

// SkipEscaped returns the index just past n pre-escape characters of s.
// The multi-command envelope (338) counts subcommand lengths before
// escaping, so walking the wire form has to treat each escape sequence
// as a single character, exactly the way Unescape will consume it.
func SkipEscaped(s string, n int) int {
	i := 0
	for count := 0; count < n && i < len(s); count++ {
		ch := s[i]
		i++
		if ch == '\\' && i < len(s) {
			ch = s[i]
			i++
			if ch >= '0' && ch <= '9' {
				i += 2
			} else if ch == '#' {
				i += 4
			}
		}
	}
	return i
}
