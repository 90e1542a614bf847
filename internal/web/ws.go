package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/switchboard/internal/conversation"
	"github.com/nugget/switchboard/internal/events"
	"github.com/nugget/switchboard/internal/socket"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
	wsEventBuffer  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 16 * 1024,
}

// handleWS bridges one browser connection onto the event bus. Each
// connection is its own bus subscriber; frames are identical to the
// control socket's.
func (s *WebServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	id := fmt.Sprintf("ws-%d", s.wsSeq.Add(1))
	log := s.logger.With("client", id)

	s.wsMu.Lock()
	s.wsConns[conn] = struct{}{}
	s.wsMu.Unlock()

	sub := s.bus.Subscribe(wsEventBuffer)
	n := s.backend.ClientConnected()
	log.Debug("websocket connected", "remote", r.RemoteAddr, "clients", n)

	defer func() {
		s.bus.Unsubscribe(sub)
		conn.Close()
		s.wsMu.Lock()
		delete(s.wsConns, conn)
		s.wsMu.Unlock()
		n := s.backend.ClientDisconnected()
		log.Debug("websocket disconnected", "clients", n)
	}()

	hello := s.backend.StatusMap()
	hello["client_id"] = id
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(socket.NewFrame(socket.TypeConnected, hello)); err != nil {
		return
	}
	for _, text := range s.backend.StartupNotices() {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(socket.StartupLogFrame(text)); err != nil {
			return
		}
	}

	out := make(chan socket.Frame, 16)
	done := make(chan struct{})
	defer close(done)
	go s.writeLoop(conn, sub, out, done)

	conn.SetReadLimit(socket.MaxLineBytes)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	var lb socket.LineBuffer
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read failed", "error", err)
			}
			return
		}
		for _, line := range lb.Write(append(data, '\n')) {
			if reply := s.handleFrame(id, line); reply != nil {
				select {
				case out <- reply:
				case <-done:
					return
				}
			}
		}
	}
}

// handleFrame acts on one inbound frame and returns the reply meant for
// the requester alone, if any.
func (s *WebServer) handleFrame(id string, line []byte) socket.Frame {
	req, err := socket.ParseRequest(line)
	if err != nil {
		s.logger.Debug("dropped websocket frame", "client", id, "error", err)
		return nil
	}
	source := req.Source
	if source == "" {
		source = "web"
	}

	switch req.Type {
	case socket.TypeChat:
		if _, err := s.backend.Submit(source, req.Content, req.Author, id); err != nil {
			return socket.NewFrame(events.KindError, map[string]any{"message": err.Error()})
		}
	case socket.TypeClear:
		s.backend.Clear(source, id)
	case socket.TypeHistory:
		msgs := s.backend.History(req.Limit)
		if msgs == nil {
			msgs = []conversation.Message{}
		}
		return socket.NewFrame(socket.TypeHistory, map[string]any{"messages": msgs})
	case socket.TypeStatus:
		return socket.NewFrame(socket.TypeStatus, s.backend.StatusMap())
	}
	return nil
}

// writeLoop is the connection's only writer.
func (s *WebServer) writeLoop(conn *websocket.Conn, sub <-chan events.Event, out <-chan socket.Frame, done <-chan struct{}) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	write := func(f socket.Frame) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(f); err != nil {
			conn.Close()
			return false
		}
		return true
	}

	for {
		select {
		case f := <-out:
			if !write(f) {
				return
			}
		case e, ok := <-sub:
			if !ok {
				conn.Close()
				return
			}
			if !write(socket.NewFrame(e.Kind, e.Data)) {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// closeWebSockets closes every open WebSocket connection.
func (s *WebServer) closeWebSockets() int {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for c := range s.wsConns {
		c.Close()
	}
	return len(s.wsConns)
}

// WebSocketCount returns the number of open WebSocket connections.
func (s *WebServer) WebSocketCount() int {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	return len(s.wsConns)
}
