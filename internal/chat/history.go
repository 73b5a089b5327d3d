// Package chat keeps a short in-memory history of room chat. The
// history exists for moderation: when the chat filter flags someone,
// the supervisor wants to see what was actually said, in order, without
// digging through the server log. It is owned by the event-loop
// goroutine and holds no locks.
package chat

// Depth is how many recent lines are retained per room.
const Depth = 20

// Line is one retained chat line.
type Line struct {
	From string // speaker's registered name
	UID  int
	Text string
	Ts   int64
}

// History holds the recent chat of every room, each in a fixed ring.
type History struct {
	rooms map[int]*ring
}

type ring struct {
	items [Depth]Line
	pos   int
	count int
}

func NewHistory() *History {
	return &History{rooms: make(map[int]*ring)}
}

// Add retains one line for a room, displacing the oldest when full.
func (h *History) Add(room int, l Line) {
	r := h.rooms[room]
	if r == nil {
		r = &ring{}
		h.rooms[room] = r
	}
	r.items[r.pos] = l
	r.pos = (r.pos + 1) % Depth
	if r.count < Depth {
		r.count++
	}
}

// Recent returns a room's retained lines, oldest first.
func (h *History) Recent(room int) []Line {
	r := h.rooms[room]
	if r == nil {
		return nil
	}
	out := make([]Line, r.count)
	start := (r.pos - r.count + Depth) % Depth
	for i := 0; i < r.count; i++ {
		out[i] = r.items[(start+i)%Depth]
	}
	return out
}

// Clear drops a room's history when the room is torn down.
func (h *History) Clear(room int) {
	delete(h.rooms, room)
}
