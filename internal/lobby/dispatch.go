package lobby

import (
	"log"

	"github.com/boardspace/roomserver/internal/metrics"
	"github.com/boardspace/roomserver/internal/protocol"
)

// handler processes one request. data is the argument text after the
// opcode; seq is the client's sequence prefix, echoed back on self
// replies so the client can pair them with its requests.
type handler func(s *Server, u *User, data, seq string)

var handlers = map[protocol.Opcode]handler{
	protocol.SendGroup:          (*Server).handleGroup,
	protocol.SendAskPassword:    (*Server).handleAskPassword,
	protocol.SendAllGroup:       (*Server).handleAllGroup,
	protocol.SendRegisterPlayer: (*Server).handleRegisterPlayer,
	protocol.SendWriteGame:      (*Server).handleWriteGame,
	protocol.SendReserveRoom:    (*Server).handleReserveRoom,
	protocol.SendSetState:       (*Server).handleSetState,
	protocol.SendName:           (*Server).handleName,
	protocol.SendSeat:           (*Server).handleSeat,
	protocol.SendStateKey:       (*Server).handleStateKey,
	protocol.SendMessageTo:      (*Server).handleMessageTo,
	protocol.QueryGame:          (*Server).handleQueryGame,
	protocol.FetchGame:          (*Server).handleFetchGame,
	protocol.FetchGameFiltered:  (*Server).handleFetchGameFiltered,
	protocol.FetchActiveGame:    (*Server).handleFetchActiveGame,
	protocol.FetchActiveGameF:   (*Server).handleFetchActiveGameFiltered,
	protocol.SaveGame:           (*Server).handleSaveGame,
	protocol.AppendGame:         (*Server).handleAppendGame,
	protocol.LockGame:           (*Server).handleLockGame,
	protocol.RemoveGame:         (*Server).handleRemoveGame,
	protocol.SendSummary:        (*Server).handleSummary,
	protocol.SendAskDetail:      (*Server).handleAskDetail,
	protocol.SendLobbyInfo:      (*Server).handleLobbyInfo,
	protocol.SendIntro:          (*Server).handleIntro,
	protocol.SendPing:           (*Server).handlePing,
	protocol.SendCheckScore:     (*Server).handleCheckScore,
	protocol.SendLogShortNote:   (*Server).handleLogShortNote,
	protocol.SendLogMessage:     (*Server).handleLogMessage,
	"999":                       func(*Server, *User, string, string) {}, // client-side failure echo, ignore
}

// handleMultiple dispatches through the handlers map, so registering it
// in the map literal would be an initialization cycle.
func init() {
	handlers[protocol.SendMultiple] = (*Server).handleMultiple
}

// processLine takes one raw wire line through envelope verification,
// decryption, sequence checking, and dispatch. It returns the user to
// continue with, which changes when a takeover migrates the connection.
func (s *Server) processLine(u *User, raw []byte) *User {
	if len(raw) == 0 {
		return u
	}
	u.NRead++
	u.Transactions++
	u.LastActive = s.now()
	metrics.Transactions.WithLabelValues("in").Inc()

	var cmd string
	switch {
	case u.Codec.In.Active && !u.Checksums:
		// encrypted but unchecksummed; decrypt, nobody to argue with
		u.Codec.DecodeLine(raw)
		cmd = lineString(raw)
	default:
		declared, payload, isEnvelope := protocol.ParseEnvelope(lineString(raw))
		switch {
		case isEnvelope:
			actual := u.Codec.DecodeLine(raw[payload:])
			u.Checksums = true
			if actual != declared {
				metrics.ChecksumErrors.Inc()
				body := lineString(raw[payload:])
				if u.logBudget() {
					log.Printf("lobby: %s session %d checksum error: %s", u.Desc(), u.sessionNum(), body)
				}
				u.Send(protocol.EchoFailed + body)
				return u
			}
			cmd = lineString(raw[payload:])
		case u.Checksums:
			// a checksumming client sent a bare line; trash, but the
			// cipher stream must stay in lockstep
			metrics.ChecksumErrors.Inc()
			if u.Codec.In.Active {
				u.Codec.DecodeLine(raw)
			}
			if u.logBudget() {
				log.Printf("lobby: %s session %d unchecksummed line dropped", u.Desc(), u.sessionNum())
			}
			return u
		default:
			cmd = lineString(raw)
		}
	}

	var seq string
	if len(cmd) > 0 && cmd[0] == 'x' {
		if n, idx, ok := protocol.ScanInt(cmd[1:]); ok && 1+idx < len(cmd) && cmd[1+idx] == ' ' {
			seq = cmd[:1+idx+1]
			cmd = cmd[1+idx+1:]
			if n != u.Codec.In.Seq {
				u.Codec.In.SeqErrs++
				if !u.seqErrLogged {
					u.seqErrLogged = true
					s.unusual(u, "unusual", "input sequence error")
					log.Printf("lobby: %s sequence %d, expected %d", u.Desc(), n, u.Codec.In.Seq)
				}
			}
			u.Codec.In.Seq++
		}
	}
	return s.dispatch(u, cmd, seq)
}

// dispatch routes a decoded command line.
func (s *Server) dispatch(u *User, cmd, seq string) *User {
	if u.Unexpected > 0 {
		// once a connection has sent garbage, accept and ignore
		// everything until it times out
		log.Printf("lobby: ignored line from %s: %.100s", u.Desc(), cmd)
		return u
	}
	op, args, parsed := protocol.ParseLine(cmd)
	if parsed {
		if op == protocol.SendTakeover {
			return s.handleTakeover(u, args, seq)
		}
		if fn, ok := handlers[op]; ok {
			fn(s, u, args, seq)
			return u
		}
	}

	// unexpected input
	metrics.UnusualEvents.Inc()
	u.Unexpected++
	if protocol.IsBrowserProbe(cmd) {
		// somebody pointed a browser at the game port; not an accident
		s.unusual(u, "probe", cmd)
		s.banUserByIP(u)
	} else if u.NRead <= 1 {
		// zombie connection: garbage as the very first line
		s.unusual(u, "probe", "zombie first line")
		s.banUserByIP(u)
	} else if u.logBudget() {
		log.Printf("lobby: unexpected line from %s: %.200s", u.Desc(), cmd)
	}
	if u.Session != s.waiting {
		// echoed back as ordinary chat, so probes learn nothing about
		// what the server accepts
		u.Send(protocol.EchoGroupSelf + cmd)
	} else {
		s.dropSocket(u, "bad input from waiting session")
		s.recycle(u)
	}
	return u
}

// lineString trims the terminator, if the framing left one, and copies
// out of the input buffer.
func lineString(raw []byte) string {
	for i, ch := range raw {
		if ch == '\r' || ch == '\n' {
			return string(raw[:i])
		}
	}
	return string(raw)
}
