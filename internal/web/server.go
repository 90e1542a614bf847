// Package web serves the browser surface: a WebSocket bridge speaking
// the same frames as the control socket, JSON status endpoints, and a
// small dashboard page.
package web

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/switchboard/internal/conversation"
	"github.com/nugget/switchboard/internal/events"
	"github.com/nugget/switchboard/internal/socket"
)

// Backend is what the web surface needs from the daemon.
type Backend interface {
	socket.Backend
	Archives() ([]conversation.ArchiveInfo, error)
}

// Config wires a WebServer.
type Config struct {
	Backend Backend
	Bus     *events.Bus
	Logger  *slog.Logger
}

// WebServer serves the browser surface.
type WebServer struct {
	backend   Backend
	bus       *events.Bus
	logger    *slog.Logger
	templates map[string]*template.Template

	srv *http.Server

	wsSeq   atomic.Int64
	wsMu    sync.Mutex
	wsConns map[*websocket.Conn]struct{}
}

// NewWebServer creates a web server. Templates are parsed here so a
// broken template fails at startup.
func NewWebServer(cfg Config) *WebServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.New()
	}
	return &WebServer{
		backend:   cfg.Backend,
		bus:       bus,
		logger:    logger.With("component", "web"),
		templates: loadTemplates(),
		wsConns:   make(map[*websocket.Conn]struct{}),
	}
}

// RegisterRoutes adds every route to mux.
func (s *WebServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /", s.handleDashboard)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/archives", s.handleArchives)
}

// Handler returns the routes on a fresh mux.
func (s *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Start listens on addr and serves in the background.
func (s *WebServer) Start(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("web server stopped", "error", err)
		}
	}()
	s.logger.Info("web server listening", "address", ln.Addr().String())
	return nil
}

// Shutdown stops the server and closes open WebSocket connections,
// which the HTTP server no longer tracks once upgraded.
func (s *WebServer) Shutdown(ctx context.Context) error {
	if n := s.closeWebSockets(); n > 0 {
		s.logger.Debug("closed websockets", "count", n)
	}
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
