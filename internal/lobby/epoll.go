//go:build linux

package lobby

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// epoll multiplexes every live socket for the event loop. No lock: the
// loop goroutine is the only caller.
type epoll struct {
	fd     int
	users  map[int]*User
	events []unix.EpollEvent
}

func newEpoll() (*epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &epoll{
		fd:     fd,
		users:  make(map[int]*User),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// add registers a user's socket for read readiness.
func (e *epoll) add(u *User) error {
	fd := u.Stream.Fd()
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}
	e.users[fd] = u
	return nil
}

// watchWrites re-arms EPOLLOUT for a blocked writer, or drops it once
// the backlog drains.
func (e *epoll) watchWrites(u *User, want bool) error {
	ev := uint32(unix.EPOLLIN | unix.EPOLLHUP)
	if want {
		ev |= unix.EPOLLOUT
	}
	fd := u.Stream.Fd()
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: ev,
		Fd:     int32(fd),
	})
}

func (e *epoll) remove(fd int) {
	unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil)
	delete(e.users, fd)
}

// wait returns the users with ready sockets, blocking at most timeoutMS
// so the loop's once-per-second maintenance always gets a turn.
func (e *epoll) wait(timeoutMS int) []*User {
	n, err := unix.EpollWait(e.fd, e.events, timeoutMS)
	if err != nil {
		// EINTR is routine under signals
		return nil
	}
	ready := make([]*User, 0, n)
	for i := 0; i < n; i++ {
		if u, ok := e.users[int(e.events[i].Fd)]; ok {
			ready = append(ready, u)
		}
	}
	return ready
}

func (e *epoll) close() {
	unix.Close(e.fd)
	e.users = nil
}
