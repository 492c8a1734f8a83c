//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// Epoll is the goroutine-per-connection stand-in used off Linux so the feed
// runs on developer machines. Each watched connection is wrapped by Wrap; a
// monitor goroutine peeks for data without consuming it and waits for Rearm
// before peeking again, so it never reads concurrently with the server.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*peekConn
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// peekConn buffers reads so the monitor can peek for readiness.
type peekConn struct {
	net.Conn
	r     *bufio.Reader
	rearm chan struct{}
}

func (p *peekConn) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

// NewEpoll creates the fallback instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*peekConn),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Wrap returns the connection the server must read from.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return &peekConn{Conn: conn, r: bufio.NewReader(conn), rearm: make(chan struct{}, 1)}
}

// Add starts monitoring a connection returned by Wrap.
func (e *Epoll) Add(conn net.Conn) error {
	pc, ok := conn.(*peekConn)
	if !ok {
		pc = e.Wrap(conn).(*peekConn)
	}
	e.mu.Lock()
	e.conns[conn] = pc
	e.mu.Unlock()

	go e.monitor(conn, pc)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, pc *peekConn) {
	for {
		// Errors also signal readiness so the read path sees the closure.
		_, err := pc.r.Peek(1)

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-pc.rearm:
		case <-e.done:
			return
		}
	}
}

// Rearm resumes monitoring after the server finished reading conn.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.Lock()
	pc, ok := e.conns[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pc.rearm <- struct{}{}:
	default:
	}
}

// Remove stops monitoring conn. The monitor exits once conn is closed.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks up to timeout for ready connections and drains any others
// already queued.
func (e *Epoll) Wait(timeout time.Duration) ([]net.Conn, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-timer.C:
		return nil, nil
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops every monitor.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = map[net.Conn]*peekConn{}
	e.mu.Unlock()
	return nil
}

// socketFD is unused off Linux.
func socketFD(net.Conn) int {
	return -1
}
