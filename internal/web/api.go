package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/nugget/switchboard/internal/conversation"
)

func (s *WebServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}

func (s *WebServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.StatusMap())
}

// handleHistory returns recent messages. ?limit=N selects how many.
func (s *WebServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	msgs := s.backend.History(limit)
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *WebServer) handleArchives(w http.ResponseWriter, _ *http.Request) {
	archives, err := s.backend.Archives()
	if err != nil {
		s.logger.Error("archive listing failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "archive listing failed"})
		return
	}
	if archives == nil {
		archives = []conversation.ArchiveInfo{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"archives": archives})
}

func (s *WebServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response write failed", "error", err)
	}
}
