//go:build !linux

package lobby

import "golang.org/x/sys/unix"

// poll(2) fallback so the loop runs on development machines without
// epoll. The fd set is rebuilt whenever membership or write interest
// changes; fine for a handful of connections, and production is linux.
type epoll struct {
	users map[int]*User
	write map[int]bool
	fds   []unix.PollFd
	stale bool
}

func newEpoll() (*epoll, error) {
	return &epoll{
		users: make(map[int]*User),
		write: make(map[int]bool),
	}, nil
}

// add registers a user's socket for read readiness.
func (e *epoll) add(u *User) error {
	e.users[u.Stream.Fd()] = u
	e.stale = true
	return nil
}

// watchWrites re-arms write readiness for a blocked writer, or drops it
// once the backlog drains.
func (e *epoll) watchWrites(u *User, want bool) error {
	fd := u.Stream.Fd()
	if want {
		e.write[fd] = true
	} else {
		delete(e.write, fd)
	}
	e.stale = true
	return nil
}

func (e *epoll) remove(fd int) {
	delete(e.users, fd)
	delete(e.write, fd)
	e.stale = true
}

func (e *epoll) rebuild() {
	e.fds = e.fds[:0]
	for fd := range e.users {
		ev := int16(unix.POLLIN | unix.POLLHUP)
		if e.write[fd] {
			ev |= unix.POLLOUT
		}
		e.fds = append(e.fds, unix.PollFd{Fd: int32(fd), Events: ev})
	}
	e.stale = false
}

// wait returns the users with ready sockets, blocking at most timeoutMS
// so the loop's once-per-second maintenance always gets a turn.
func (e *epoll) wait(timeoutMS int) []*User {
	if e.stale {
		e.rebuild()
	}
	n, err := unix.Poll(e.fds, timeoutMS)
	if err != nil || n == 0 {
		// EINTR is routine under signals
		return nil
	}
	ready := make([]*User, 0, n)
	for i := range e.fds {
		if e.fds[i].Revents == 0 {
			continue
		}
		if u, ok := e.users[int(e.fds[i].Fd)]; ok {
			ready = append(ready, u)
		}
	}
	return ready
}

func (e *epoll) close() {
	e.users = nil
	e.write = nil
	e.fds = nil
}
