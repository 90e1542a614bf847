package socket

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/switchboard/internal/conversation"
	"github.com/nugget/switchboard/internal/events"
	"github.com/nugget/switchboard/internal/queue"
)

// DefaultWriteTimeout bounds a single frame write to one client.
const DefaultWriteTimeout = 2 * time.Second

// eventBuffer is the server's subscription depth on the event bus.
const eventBuffer = 256

// Backend is what the socket server needs from the daemon.
type Backend interface {
	Submit(source, content, author, replyTo string) (*queue.Envelope, error)
	Clear(source, replyTo string) *queue.Envelope
	History(n int) []conversation.Message
	StatusMap() map[string]any
	StartupNotices() []string
	ClientConnected() int
	ClientDisconnected() int
}

// Server accepts control connections on a unix socket.
type Server struct {
	path         string
	backend      Backend
	bus          *events.Bus
	logger       *slog.Logger
	writeTimeout time.Duration

	listener net.Listener
	sub      <-chan events.Event
	nextID   atomic.Int64

	mu      sync.Mutex
	clients map[*conn]struct{}
	closed  bool

	wg sync.WaitGroup
}

// conn is one connected client.
type conn struct {
	id string
	nc net.Conn

	writeMu sync.Mutex
}

// NewServer creates a server that will listen on path.
func NewServer(path string, backend Backend, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = events.New()
	}
	return &Server{
		path:         path,
		backend:      backend,
		bus:          bus,
		logger:       logger.With("component", "socket"),
		writeTimeout: DefaultWriteTimeout,
		clients:      make(map[*conn]struct{}),
	}
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

// Start binds the socket and begins accepting connections. Any file
// already at the path is removed first. The socket is readable and
// writable by the owner only.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", s.path, err)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod %s: %w", s.path, err)
	}
	s.listener = ln
	s.sub = s.bus.Subscribe(eventBuffer)

	s.wg.Add(2)
	go s.acceptLoop()
	go s.broadcastLoop()

	s.logger.Info("socket listening", "path", s.path)
	return nil
}

// Close stops accepting, disconnects every client, and removes the
// socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.clients {
		c.nc.Close()
	}
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	if s.sub != nil {
		s.bus.Unsubscribe(s.sub)
	}
	s.wg.Wait()

	if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		s.logger.Warn("failed to remove socket file", "path", s.path, "error", rmErr)
	}
	s.logger.Info("socket closed")
	return err
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		c := &conn{id: fmt.Sprintf("sock-%d", s.nextID.Add(1)), nc: nc}
		n := s.backend.ClientConnected()

		// The greeting goes out before the client joins the broadcast
		// set, so it is always the first frame the client sees.
		hello := s.backend.StatusMap()
		hello["client_id"] = c.id
		s.send(c, NewFrame(TypeConnected, hello))
		for _, text := range s.backend.StartupNotices() {
			s.send(c, StartupLogFrame(text))
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			nc.Close()
			s.backend.ClientDisconnected()
			return
		}
		s.clients[c] = struct{}{}
		s.mu.Unlock()
		s.logger.Debug("client connected", "client", c.id, "clients", n)

		s.wg.Add(1)
		go s.readLoop(c)
	}
}

func (s *Server) readLoop(c *conn) {
	defer s.wg.Done()
	defer s.drop(c)

	var lb LineBuffer
	buf := make([]byte, 32*1024)
	for {
		n, err := c.nc.Read(buf)
		for _, line := range lb.Write(buf[:n]) {
			s.handle(c, line)
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handle(c *conn, line []byte) {
	req, err := ParseRequest(line)
	if err != nil {
		s.logger.Debug("dropped inbound frame", "client", c.id, "error", err)
		return
	}

	source := req.Source
	if source == "" {
		source = "socket"
	}

	switch req.Type {
	case TypeChat:
		if _, err := s.backend.Submit(source, req.Content, req.Author, c.id); err != nil {
			s.send(c, NewFrame(events.KindError, map[string]any{"message": err.Error()}))
		}
	case TypeClear:
		s.backend.Clear(source, c.id)
	case TypeHistory:
		msgs := s.backend.History(req.Limit)
		if msgs == nil {
			msgs = []conversation.Message{}
		}
		s.send(c, NewFrame(TypeHistory, map[string]any{"messages": msgs}))
	case TypeStatus:
		s.send(c, NewFrame(TypeStatus, s.backend.StatusMap()))
	}
}

// broadcastLoop forwards every bus event to every client.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	for e := range s.sub {
		frame := NewFrame(e.Kind, e.Data)
		line, err := Encode(frame)
		if err != nil {
			s.logger.Warn("unencodable event", "kind", e.Kind, "error", err)
			continue
		}

		s.mu.Lock()
		targets := make([]*conn, 0, len(s.clients))
		for c := range s.clients {
			targets = append(targets, c)
		}
		s.mu.Unlock()

		for _, c := range targets {
			if err := s.write(c, line); err != nil {
				s.logger.Debug("broadcast write failed", "client", c.id, "error", err)
				c.nc.Close()
			}
		}
	}
}

// send writes one frame to c. A failed write closes the connection;
// the read loop then removes it.
func (s *Server) send(c *conn, f Frame) {
	line, err := Encode(f)
	if err != nil {
		s.logger.Warn("unencodable frame", "type", f.Type(), "error", err)
		return
	}
	if err := s.write(c, line); err != nil {
		s.logger.Debug("write failed", "client", c.id, "error", err)
		c.nc.Close()
	}
}

func (s *Server) write(c *conn, line []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.nc.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	_, err := c.nc.Write(line)
	return err
}

func (s *Server) drop(c *conn) {
	c.nc.Close()
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok {
		n := s.backend.ClientDisconnected()
		s.logger.Debug("client disconnected", "client", c.id, "clients", n)
	}
}
