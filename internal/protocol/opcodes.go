// Package protocol defines the line-oriented wire protocol spoken by game
// clients: the 3-digit opcode catalogue, the byte-escaping scheme for
// embedding arbitrary move-log data in ASCII lines, the checksum envelope,
// and the rolling hashes that clients and server compute in lockstep.
//
// Every line is a 3-digit opcode, a space, and opcode-specific arguments.
// Even opcodes are client requests; the matching odd opcode is the direct
// reply, and reply+2 is the broadcast-to-session variant.
package protocol

import "strings"

// Opcode is a parsed 3-digit protocol operation code.
type Opcode string

// Client request opcodes.
const (
	SendIntro          Opcode = "200"
	SendName           Opcode = "204"
	SendSeat           Opcode = "206"
	SendGroup          Opcode = "210"
	SendCheckScore     Opcode = "218"
	SendTakeover       Opcode = "220"
	SendMessageTo      Opcode = "230"
	SendPing           Opcode = "302"
	SendSummary        Opcode = "304"
	SendAskDetail      Opcode = "306"
	SendLogMessage     Opcode = "308"
	SendAskPassword    Opcode = "310"
	SendAllGroup       Opcode = "312"
	SendRegisterPlayer Opcode = "314"
	SendWriteGame      Opcode = "316"
	QueryGame          Opcode = "318"
	FetchGameFiltered  Opcode = "320"
	SaveGame           Opcode = "322"
	RemoveGame         Opcode = "324"
	SendLogShortNote   Opcode = "326"
	SendStateKey       Opcode = "328"
	SendLobbyInfo      Opcode = "330"
	SendReserveRoom    Opcode = "332"
	SendSetState       Opcode = "334"
	AppendGame         Opcode = "336"
	SendMultiple       Opcode = "338"
	FetchActiveGameF   Opcode = "340"
	LockGame           Opcode = "342"
	FetchGame          Opcode = "344"
	FetchActiveGame    Opcode = "346"
)

// Server reply prefixes, ready to prepend to a response body.
const (
	EchoIntroSelf      = "201 "
	EchoIntroOthers    = "203 "
	EchoName           = "205 "
	EchoSeat           = "207 "
	EchoGroupSelf      = "211 "
	EchoGroupOthers    = "213 "
	EchoCheckScore     = " 219 " // deliberately space-padded and never sequence-numbered
	EchoIQuit          = "221 "
	EchoPlayerQuit     = "223 "
	EchoPing           = "303 "
	EchoSummary        = "305 "
	EchoDetail         = "307 "
	EchoEndDetail      = "309 "
	EchoPassword       = "311 "
	EchoQueryGame      = "319 "
	EchoFetchGameF     = "321 "
	EchoSaveGame       = "323 "
	EchoRemoveGame     = "325 "
	EchoStateKey       = "329 "
	EchoReserveRoom    = "333 "
	EchoSetState       = "335 "
	EchoAppendGame     = "337 "
	EchoActiveGameF    = "341 "
	EchoLockGame       = "342 "
	EchoFetchGame      = "345 "
	EchoActiveGame     = "347 "
	EchoFailed         = "999 "
)

// Takeover keywords (first token of a 220 request).
const (
	KeywordSpectate = "spectate"
	KeywordPlaying  = "playing"
)

// ParseLine splits a decoded line into its opcode and argument text.
// The opcode must be exactly three ASCII digits followed by a space or end
// of line; anything else returns ok=false and the caller treats the whole
// line as unexpected input.
func ParseLine(line string) (op Opcode, args string, ok bool) {
	if len(line) < 3 {
		return "", "", false
	}
	for i := 0; i < 3; i++ {
		if line[i] < '0' || line[i] > '9' {
			return "", "", false
		}
	}
	if len(line) == 3 {
		return Opcode(line), "", true
	}
	if line[3] != ' ' {
		return "", "", false
	}
	return Opcode(line[:3]), line[4:], true
}

// ScanToken returns the first whitespace-delimited token of s and the index
// just past it. A missing token returns ok=false.
func ScanToken(s string) (tok string, rest int, ok bool) {
	i := 0
	for i < len(s) && s[i] == ' ' {
		i++
	}
	start := i
	for i < len(s) && s[i] > ' ' {
		i++
	}
	if i == start {
		return "", i, false
	}
	return s[start:i], i, true
}

// ScanInt parses a leading decimal integer token out of s, returning the
// value and the index just past it.
func ScanInt(s string) (v int, rest int, ok bool) {
	tok, idx, ok := ScanToken(s)
	if !ok {
		return 0, idx, false
	}
	neg := false
	j := 0
	if j < len(tok) && (tok[j] == '-' || tok[j] == '+') {
		neg = tok[j] == '-'
		j++
	}
	if j >= len(tok) {
		return 0, idx, false
	}
	n := 0
	for ; j < len(tok); j++ {
		if tok[j] < '0' || tok[j] > '9' {
			return 0, idx, false
		}
		n = n*10 + int(tok[j]-'0')
	}
	if neg {
		n = -n
	}
	return n, idx, true
}

// IsBrowserProbe reports whether a raw line looks like an HTTP request.
// Browsers (and scanners) pointed at the game port are not an accident.
func IsBrowserProbe(line string) bool {
	return strings.HasPrefix(line, "GET ") || strings.HasPrefix(line, "POST ")
}
