// Package registry holds the transient pre-registration table used for
// strict logins. The web tier probes the server with a registration for
// each account that just authenticated; the game connection that follows
// must match one of those registrations by key, nickname, and uid.
// Entries expire quickly, but registrations belonging to users who are
// still connected are refreshed every sweep so a long game never
// invalidates its players.
package registry

import (
	"log"
	"time"
)

const (
	// Capacity bounds the table; one slot per possible client.
	Capacity = 500

	// Timeout is how long an untouched registration survives.
	Timeout = 600 * time.Second
)

// Entry is one pre-registration.
type Entry struct {
	Key      uint32
	Name     string
	UID      int
	IP       uint32 // the address the game connection actually came from
	lastSeen time.Time
}

// Table is the in-memory registration store, owned by the event loop.
// A Mirror, when configured, shadows writes into Redis so the web tier
// can observe registration state; the mirror is advisory and its
// failures never affect admission.
type Table struct {
	entries []*Entry
	mirror  *Mirror
	now     func() time.Time
}

func NewTable(mirror *Mirror) *Table {
	return &Table{mirror: mirror, now: time.Now}
}

// Count reports live registrations, after a purge.
func (t *Table) Count() int {
	t.purge()
	return len(t.entries)
}

func (t *Table) find(key uint32, name string, uid int) *Entry {
	for _, e := range t.entries {
		// a registration without a uid matches any uid
		if e.Key == key && e.Name == name && (e.UID == 0 || e.UID == uid) {
			return e
		}
	}
	return nil
}

// Register records that the web tier vouches for name/uid under key.
// Re-registration refreshes the existing entry.
func (t *Table) Register(key uint32, name string, uid int, aux string) {
	t.purge()
	e := t.find(key, name, uid)
	if e == nil {
		if len(t.entries) >= Capacity {
			log.Printf("registry: table full, dropping registration for %s", name)
			return
		}
		e = &Entry{Key: key, Name: name, UID: uid}
		t.entries = append(t.entries, e)
	}
	e.lastSeen = t.now()
	log.Printf("registry: registering user %s#%d with key #%8x and %q", name, uid, key, aux)
	if t.mirror != nil {
		t.mirror.publish(*e)
	}
}

// Lookup is the strict-login check. A hit records the connection's real
// address on the entry and returns it.
func (t *Table) Lookup(key uint32, realIP uint32, name string, uid int) *Entry {
	t.purge()
	e := t.find(key, name, uid)
	if e != nil {
		e.IP = realIP
	}
	return e
}

// Touch keeps a connected user's registration alive; called from the
// periodic sweep for every live connection holding an entry.
func (t *Table) Touch(e *Entry) {
	if e != nil {
		e.lastSeen = t.now()
	}
}

func (t *Table) purge() {
	now := t.now()
	kept := t.entries[:0]
	for _, e := range t.entries {
		if now.Sub(e.lastSeen) > Timeout {
			log.Printf("registry: purge registered user %s #%8x", e.Name, e.Key)
			if t.mirror != nil {
				t.mirror.forget(*e)
			}
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept
}
