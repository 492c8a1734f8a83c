//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Epoll registers connection descriptors with a Linux epoll instance so one
// event loop can watch every feed connection for readable data.
type Epoll struct {
	fd          int
	connections map[int]net.Conn
	mu          sync.RWMutex
	events      []unix.EpollEvent // reused by Wait; only the event loop calls Wait
}

// NewEpoll creates an epoll instance with epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]net.Conn),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// Wrap returns conn unchanged; epoll reads the socket directly.
func (e *Epoll) Wrap(conn net.Conn) net.Conn { return conn }

// Rearm is a no-op: level-triggered epoll reports pending data again by itself.
func (e *Epoll) Rearm(net.Conn) {}

// Add watches conn for EPOLLIN and EPOLLHUP.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.connections[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove stops watching conn.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)

	e.mu.Lock()
	delete(e.connections, fd)
	e.mu.Unlock()

	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks up to timeout and returns the connections with pending data.
// A timeout yields an empty slice and no error.
func (e *Epoll) Wait(timeout time.Duration) ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, int(timeout.Milliseconds()))
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := e.connections[int(e.events[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close closes the epoll descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = map[int]net.Conn{}
	return unix.Close(e.fd)
}

// socketFD returns conn's descriptor without dup'ing it, or -1 when conn is
// not backed by a socket.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
