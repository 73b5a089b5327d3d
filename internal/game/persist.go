package game

import (
	"encoding/binary"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/boardspace/roomserver/internal/protocol"
)

// Cached game files carry a tagged binary header so the layout can
// evolve: magic, day stamp, name hash, uid, then the id and the raw
// move log. Files from before the tag was introduced start directly
// with a fixed-width id field; both layouts load.
const (
	fileMagic  = 0xfafe9193
	FileSuffix = ".cachedgame"

	legacyIDSize  = 64
	legacyLogSize = 2000
)

// Snapshot is the saver's private copy of one game; it shares no memory
// with the live cache.
type Snapshot struct {
	ID        string
	UID       int
	Hash      uint32
	Day       int
	Data      []byte
	Preserved bool // false means the file should be deleted
}

func encodeSnapshot(s Snapshot) []byte {
	id := s.ID
	if len(id) > MaxIDLen {
		id = id[:MaxIDLen]
	}
	out := make([]byte, 0, 18+len(id)+len(s.Data))
	var hdr [18]byte
	binary.LittleEndian.PutUint32(hdr[0:], fileMagic)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(s.Day))
	binary.LittleEndian.PutUint32(hdr[8:], s.Hash)
	binary.LittleEndian.PutUint32(hdr[12:], uint32(s.UID))
	binary.LittleEndian.PutUint16(hdr[16:], uint16(len(id)))
	out = append(out, hdr[:]...)
	out = append(out, id...)
	out = append(out, s.Data...)
	return out
}

// decodeRecord parses either file layout. The stored hash and uid are
// never trusted; the loader re-derives both.
func decodeRecord(b []byte) (id string, day int, data []byte, ok bool) {
	if len(b) >= 18 && binary.LittleEndian.Uint32(b) == fileMagic {
		day = int(binary.LittleEndian.Uint32(b[4:]))
		n := int(binary.LittleEndian.Uint16(b[16:]))
		if 18+n > len(b) {
			return "", 0, nil, false
		}
		return string(b[18 : 18+n]), day, b[18+n:], true
	}
	// legacy layout: NUL-padded id field, fixed-width log, day stamp after
	if len(b) <= legacyIDSize {
		return "", 0, nil, false
	}
	id = cString(b[:legacyIDSize])
	end := legacyIDSize + legacyLogSize
	if end > len(b) {
		end = len(b)
	}
	data = []byte(cString(b[legacyIDSize:end]))
	if len(b) >= legacyIDSize+legacyLogSize+4 {
		day = int(binary.LittleEndian.Uint32(b[legacyIDSize+legacyLogSize:]))
	}
	return id, day, data, id != ""
}

func cString(b []byte) string {
	for i, ch := range b {
		if ch == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// cacheFileName maps a game id to its file, flattening characters that
// are unsafe in filenames. Reload matches by the id stored inside the
// file, so a flattening collision at worst overwrites a different
// cached copy.
func cacheFileName(dir, id string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		}
		return '_'
	}, id)
	return filepath.Join(dir, safe+FileSuffix)
}

// writeSnapshot persists or deletes one game file.
func writeSnapshot(dir string, s Snapshot) error {
	path := cacheFileName(dir, s.ID)
	if !s.Preserved {
		err := os.Remove(path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.WriteFile(path, encodeSnapshot(s), 0o644)
}

// Reload scans dir and re-inserts every surviving cached game with
// fresh uids, hashes, and reference counts; nothing on disk is trusted
// beyond the id, the day stamp, and the log bytes. Expired files are
// removed instead of loaded. Returns the number of games restored.
func (c *Cache) Reload(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Printf("game: reload %s: %v", dir, err)
		return 0
	}
	reloaded := 0
	now := c.now()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), FileSuffix) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Printf("game: reload %s: %v", path, err)
			continue
		}
		id, day, data, ok := decodeRecord(raw)
		if !ok {
			log.Printf("game: reload %s: unrecognized layout", path)
			continue
		}
		if day > 0 && now-day > c.expireDays {
			_ = os.Remove(path)
			continue
		}
		g := c.New()
		g.ID = clampID(id)
		g.Hash = protocol.HashID(g.ID)
		g.Day = day
		if g.Day == 0 {
			g.Day = now
		}
		g.ensure(len(data))
		g.Data = append(g.Data[:0], data...)
		c.Preserve(g)
		reloaded++
	}
	log.Printf("game: %d games reloaded from %s", reloaded, dir)
	return reloaded
}
