// Package ws serves the live feed: WebSocket connections multiplexed with
// epoll, each receiving the room's messages as they happen, filtered for the
// participant the connection was opened for.
package ws

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/chatroom/internal/metrics"
)

// ErrTooManyConnections is returned by Upgrade when the server is full.
var ErrTooManyConnections = errors.New("ws: too many connections")

// waitTimeout bounds each epoll wait so the event loop can observe shutdown.
const waitTimeout = 500 * time.Millisecond

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxFrameSize   int64         // data frames above this size drop the connection
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 64,
		MaxConnections: 10000,
		MaxFrameSize:   16 << 10,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server upgrades HTTP requests to WebSocket, registers the connections
// with epoll and hands ready connections to a bounded worker pool that reads
// one frame at a time.
type Server struct {
	config     ServerConfig
	log        *slog.Logger
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{}                       // semaphore limiting concurrent read workers
	onMessage  func(conn *Connection, data []byte) // data frame callback
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete text frame.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte), log *slog.Logger) *Server {
	return &Server{
		config:     config,
		log:        log,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// Start creates the epoll instance and launches the event loop and the
// heartbeat. It does not block.
func (s *Server) Start() error {
	ep, err := NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.epoll = ep

	go s.startEventLoop()
	go s.runHeartbeat()

	s.log.Info("ws: feed started",
		"workers", s.config.WorkerPoolSize, "max_conns", s.config.MaxConnections)
	return nil
}

// Upgrade switches the request to WebSocket and registers the connection
// for name. On failure the HTTP response has already been written.
func (s *Server) Upgrade(w http.ResponseWriter, r *http.Request, name string) (*Connection, error) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return nil, ErrTooManyConnections
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, fmt.Errorf("ws: upgrade: %w", err)
	}

	if s.epoll != nil {
		conn = s.epoll.Wrap(conn)
	}

	now := time.Now()
	c := &Connection{
		ID:        uuid.NewString(),
		Name:      name,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: now,
	}
	c.Touch(now)

	s.conns.Add(c)
	if s.epoll != nil {
		if err := s.epoll.Add(conn); err != nil {
			s.conns.Remove(c.ID)
			return nil, fmt.Errorf("ws: epoll add: %w", err)
		}
	}
	metrics.FeedConnections.Set(float64(s.conns.Count()))

	s.log.Info("ws: new connection", "conn", c.ID, "user", name, "total", s.conns.Count())
	return c, nil
}

// startEventLoop waits for ready connections and reads each on a worker
// from the pool. The wait times out periodically so shutdown is noticed.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait(waitTimeout)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !errors.Is(err, syscall.EINTR) {
				s.log.Error("ws: epoll wait", "err", err)
			}
			continue
		}

		for _, conn := range conns {
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single frame from a ready connection. Control frames
// are handled without waiting for a data frame.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may report the same connection twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.epoll.Rearm(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout is a stale readiness report; the heartbeat handles dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	c.Touch(time.Now())

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if s.config.MaxFrameSize > 0 && header.Length > s.config.MaxFrameSize {
		s.log.Info("ws: frame too large", "conn", c.ID, "size", header.Length)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) > 0 && s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters and closes c. Concurrent removals of the same
// connection are harmless.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.FeedConnections.Set(float64(s.conns.Count()))
	s.log.Info("ws: connection closed", "conn", c.ID, "user", c.Name, "total", s.conns.Count())
}

// SendMessage writes a text frame to c under the write timeout.
func (s *Server) SendMessage(c *Connection, data []byte) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Connections exposes the live connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the event loop and heartbeat, and closes every connection.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.done)

		for _, c := range s.conns.All() {
			if s.epoll != nil {
				_ = s.epoll.Remove(c.Conn)
			}
			s.conns.Remove(c.ID)
		}
		metrics.FeedConnections.Set(0)

		if s.epoll != nil {
			_ = s.epoll.Close()
		}
		s.log.Info("ws: feed stopped")
	})
}
