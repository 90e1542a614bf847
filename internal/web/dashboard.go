package web

import (
	"bytes"
	"html/template"
	"net/http"
	"time"

	"github.com/yuin/goldmark"

	"github.com/nugget/switchboard/internal/buildinfo"
	"github.com/nugget/switchboard/internal/conversation"
)

// dashboardHistory is how many recent messages the overview shows.
const dashboardHistory = 10

// DashboardData is the template context for the overview page.
type DashboardData struct {
	Build    map[string]string
	Uptime   time.Duration
	Status   map[string]any
	Recent   []messageRow
	Archives []conversation.ArchiveInfo
}

type messageRow struct {
	Role    string
	Summary string
	// HTML is the rendered markdown of an assistant reply.
	HTML template.HTML
}

// markdownMaxRunes caps how much of a reply the dashboard renders.
const markdownMaxRunes = 2000

// handleDashboard renders the overview at "/". Only exact "/" requests
// get the dashboard; every other unmatched path is a 404.
func (s *WebServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := DashboardData{
		Build:  buildinfo.Info(),
		Uptime: buildinfo.Uptime(),
		Status: s.backend.StatusMap(),
		Recent: messagesToRows(s.backend.History(dashboardHistory)),
	}
	if archives, err := s.backend.Archives(); err != nil {
		s.logger.Warn("archive listing failed", "error", err)
	} else {
		data.Archives = archives
	}

	s.render(w, r, "dashboard.html", data)
}

func messagesToRows(msgs []conversation.Message) []messageRow {
	rows := make([]messageRow, 0, len(msgs))
	for _, m := range msgs {
		row := messageRow{Role: string(m.Role), Summary: summarize(m)}
		if m.Role == conversation.RoleAssistant {
			if text := m.Text(); text != "" {
				row.HTML = renderMarkdown(truncate(text, markdownMaxRunes))
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// summarize renders a message as one line: its text, or a note of the
// tool traffic it carries.
func summarize(m conversation.Message) string {
	if text := m.Text(); text != "" {
		return truncate(text, 120)
	}
	var uses, results int
	for _, b := range m.Blocks {
		switch b.Type {
		case conversation.BlockToolUse:
			uses++
		case conversation.BlockToolResult:
			results++
		case conversation.BlockText:
		}
	}
	switch {
	case uses > 0:
		return pluralize(uses, "tool call")
	case results > 0:
		return pluralize(results, "tool result")
	}
	return "—"
}

// renderMarkdown converts a reply to HTML. goldmark omits raw HTML by
// default, so model output cannot inject markup into the page.
func renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(buf.String())
}
