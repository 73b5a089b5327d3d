package game

import (
	"log"
	"time"
)

// Saver drains game snapshots to the cache directory on its own
// goroutine, so the event loop never blocks on file I/O. It consumes at
// a fixed games-per-second rate; when the server gets busy the interval
// between saves of any one game stretches, but the filesystem load does
// not grow.
type Saver struct {
	dir   string
	rate  int
	queue chan Snapshot
	done  chan struct{}
}

// NewSaver starts the drain goroutine. rate is games written per
// second; values below 1 are clamped to 1.
func NewSaver(dir string, rate int) *Saver {
	if rate < 1 {
		rate = 1
	}
	s := &Saver{
		dir:   dir,
		rate:  rate,
		queue: make(chan Snapshot, WritePoolSize),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Queue is the channel the cache sweep feeds. The sweep uses a
// non-blocking send; a full queue just defers the rest of the backlog
// to the next tick.
func (s *Saver) Queue() chan<- Snapshot { return s.queue }

// Close stops accepting snapshots, writes out everything still queued,
// and returns when the drain goroutine has exited.
func (s *Saver) Close() {
	close(s.queue)
	<-s.done
}

func (s *Saver) run() {
	defer close(s.done)
	interval := time.Second / time.Duration(s.rate)
	throttle := time.NewTicker(interval)
	defer throttle.Stop()
	for snap := range s.queue {
		if err := writeSnapshot(s.dir, snap); err != nil {
			log.Printf("game: save %s#%d: %v", snap.ID, snap.UID, err)
		}
		<-throttle.C
	}
}
