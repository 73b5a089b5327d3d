// Package ban tracks misbehaving clients in a fixed-size ring of ban
// records, matched by any of four fingerprints: IP address, identity
// cookie, user name, or account uid. Bans expire on a fixed clock and
// slots are reused round-robin, so a flood of bans can never exhaust
// memory; it only shortens the memory of older bans.
//
// The letter codes attached to ban requests originate in the accounts
// database or in supervisor commands: 'Z' and 'Y' ban, 'U' unbans, and
// 'S' marks a supervisor, who is unbanned on sight so that supervisors
// can never lock themselves out.
package ban

import (
	"fmt"
	"log"
	"time"

	"github.com/boardspace/roomserver/internal/transport"
)

const (
	// MaxBanned is the ring capacity.
	MaxBanned = 100

	// Expire is how long a ban record stays live after its last renewal.
	Expire = time.Hour
)

// Code describes the outcome of a ban check.
type Code int

const (
	None Code = iota
	Unbanned
	SameIP
	SameID
	SameName
	Supervisor
	blank
)

var reasons = [...]string{
	"ok",
	"un banned",
	"banned for matching ip",
	"banned for matching identity",
	"banned by name",
	"supervisor override",
	"",
}

func (c Code) String() string { return reasons[c] }

// Banned reports whether the code denies admission.
func (c Code) Banned() bool {
	return c == SameIP || c == SameID || c == SameName
}

// Record is one ban ring slot.
type Record struct {
	IP         uint32
	Cookie     string
	Name       string
	UID        int
	ServerCode byte
	Start      time.Time
	Attempts   int
	EventID    int
}

func (b *Record) describe(c Code) string {
	return fmt.Sprintf("%s (ref #%d: %s %c ip: %s  cookie: %s uid: %d )",
		reasons[c], b.EventID, b.Name, b.ServerCode,
		transport.FormatIP(b.IP), b.Cookie, b.UID)
}

// Ring is the ban table. It is owned by the event-loop goroutine.
type Ring struct {
	records [MaxBanned]Record
	index   int
	total   int

	// TotalAttempts counts renewals, i.e. banned users who came back.
	TotalAttempts int

	// lastMatch is the record that caught the most recent check, kept
	// for log context.
	lastMatch *Record

	now func() time.Time
}

func NewRing() *Ring {
	return &Ring{now: time.Now}
}

// TotalBanned reports how many ban events the ring has ever recorded.
func (r *Ring) TotalBanned() int { return r.total }

func (r *Ring) limit() int {
	if r.total >= MaxBanned {
		return MaxBanned
	}
	return r.total
}

func (r *Ring) live(b *Record) bool {
	return r.now().Sub(b.Start) < Expire
}

// LastMatch describes the record behind the most recent positive check,
// for logging. Empty when the last check matched nothing.
func (r *Ring) LastMatch(c Code) string {
	if r.lastMatch == nil {
		return reasons[c]
	}
	return r.lastMatch.describe(c)
}

// Check matches the supplied fingerprints against the ring and applies
// serverCode. It may renew an existing ban, create a new one, or clear
// matching records, returning the user's resulting status.
func (r *Ring) Check(name string, uid int, serverCode byte, cookie string, ip uint32) Code {
	newban := serverCode == 'Z' || serverCode == 'Y' || serverCode == 'y'
	super := serverCode == 'S' || serverCode == 's'
	unban := super || serverCode == 'U' || serverCode == 'u'

	r.lastMatch = nil
	limit := r.limit()
	for i := 0; i < limit; i++ {
		b := &r.records[i]
		if !r.live(b) {
			continue
		}
		sameCookie := cookie != "" && cookie != "-1" && cookie != "0" && cookie == b.Cookie
		sameIP := ip != 0 && ip == b.IP
		sameName := name != "" && name == b.Name
		sameUID := uid != 0 && uid == b.UID
		if !(sameCookie || sameIP || sameName || sameUID) {
			continue
		}

		why := None
		switch {
		case sameName:
			why = SameName
		case sameUID, sameCookie:
			why = SameID
		case sameIP:
			why = SameIP
		}
		renew := why != None
		clear := false
		if newban || unban {
			if super {
				why = Supervisor
			} else if unban {
				why = Unbanned
			} else {
				why = SameName
			}
			renew = newban
			clear = unban
		}
		r.lastMatch = b

		if clear {
			log.Printf("ban: unban %s", r.LastMatch(why))
			*b = Record{EventID: b.EventID}
			return why
		}
		if renew {
			b.Attempts++
			b.IP = ip
			b.Start = r.now()
			b.Cookie = cookie
			b.UID = 0
			b.Name = ""
			// careful not to permanently ban guests
			if name != "guest" {
				b.UID = uid
				b.Name = name
			}
			log.Printf("ban: renew ban %s", r.LastMatch(why))
			r.TotalAttempts++
			return why
		}
	}

	// no existing record matched
	if super {
		return Supervisor
	}
	if newban {
		b := &r.records[r.index]
		*b = Record{
			IP:         ip,
			Cookie:     cookie,
			Name:       name,
			UID:        uid,
			ServerCode: serverCode,
			Start:      r.now(),
			EventID:    r.index,
		}
		r.lastMatch = b
		r.index++
		r.total++
		if r.index >= MaxBanned {
			r.index = 0
		}
		log.Printf("ban: new banned user %s uid %d identity (%s) %s",
			name, uid, cookie, r.LastMatch(SameName))
		return SameName
	}
	return None
}

// BanUser bans by identity (cookie, name, uid) but not the current IP,
// so a shared address is not collaterally banned.
func (r *Ring) BanUser(name string, uid int, cookie string) {
	r.Check(name, uid, 'Z', cookie, 0)
	log.Printf("ban: banned user %s uid %d", name, uid)
}

// BanIP bans an address outright.
func (r *Ring) BanIP(ip uint32) {
	r.Check("", 0, 'Z', "", ip)
	log.Printf("ban: banned IP %s", transport.FormatIP(ip))
}

// IsBannedIP is the admission-time check applied before a connection
// gets a slot.
func (r *Ring) IsBannedIP(ip uint32) bool {
	return r.Check("", 0, 0, "", ip).Banned()
}

// UnbanEvent clears the record with the given event id, returning
// whether one was found. Event ids appear in the supervisor ban report.
func (r *Ring) UnbanEvent(id int) bool {
	limit := r.limit()
	for i := 0; i < limit; i++ {
		b := &r.records[i]
		if b.EventID == id && (b.IP != 0 || b.Name != "" || b.UID != 0 || b.Cookie != "") {
			log.Printf("ban: supervisor unban %s", b.describe(blank))
			*b = Record{EventID: b.EventID}
			return true
		}
	}
	return false
}

// Active returns the live records, for the supervisor ban report.
func (r *Ring) Active() []Record {
	var out []Record
	limit := r.limit()
	for i := 0; i < limit; i++ {
		b := &r.records[i]
		if r.live(b) {
			out = append(out, *b)
		}
	}
	return out
}

// Describe renders one record for the supervisor report.
func (b *Record) Describe() string { return b.describe(blank) }
