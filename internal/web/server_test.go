package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/switchboard/internal/compaction"
	"github.com/nugget/switchboard/internal/conversation"
	"github.com/nugget/switchboard/internal/daemon"
	"github.com/nugget/switchboard/internal/llm"
	"github.com/nugget/switchboard/internal/socket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, steps ...llm.Step) (*WebServer, *daemon.Daemon, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	d, err := daemon.New(daemon.Options{
		Client:     llm.NewScriptedClient(steps...),
		Store:      conversation.NewStore(filepath.Join(dir, "conversation.json"), testLogger()),
		Archiver:   conversation.NewArchiver(filepath.Join(dir, "archive"), 20, testLogger()),
		Compaction: compaction.DefaultConfig(),
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("daemon.New() error: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("daemon Start() error: %v", err)
	}

	ws := NewWebServer(Config{Backend: d, Bus: d.Bus(), Logger: testLogger()})
	ts := httptest.NewServer(ws.Handler())
	t.Cleanup(func() {
		ws.Shutdown(context.Background())
		ts.Close()
	})
	return ws, d, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) socket.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f socket.Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if f.Type() == typ {
			return f
		}
	}
}

func TestWebSocket_ChatRoundTrip(t *testing.T) {
	_, _, ts := newTestServer(t, llm.TextReply("Hello from the agent."))
	conn := dialWS(t, ts)

	hello := readUntil(t, conn, socket.TypeConnected)
	id := hello.Field("client_id")
	if !strings.HasPrefix(id, "ws-") {
		t.Errorf("client_id = %q", id)
	}

	if err := conn.WriteJSON(socket.Request{Type: socket.TypeChat, Content: "hi"}.Frame()); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := readUntil(t, conn, "response")
	if resp.Field("text") != "Hello from the agent." || resp.Field("reply_to") != id {
		t.Errorf("response = %v", resp)
	}
}

func TestWebSocket_RequesterOnlyReplies(t *testing.T) {
	_, d, ts := newTestServer(t)
	a := dialWS(t, ts)
	b := dialWS(t, ts)
	readUntil(t, a, socket.TypeConnected)
	readUntil(t, b, socket.TypeConnected)

	a.WriteMessage(websocket.TextMessage, []byte("garbage"))
	a.WriteJSON(socket.Request{Type: socket.TypeStatus}.Frame())
	st := readUntil(t, a, socket.TypeStatus)
	if st["clients"] != float64(2) {
		t.Errorf("status clients = %v, want 2", st["clients"])
	}

	b.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var f socket.Frame
	if err := b.ReadJSON(&f); err == nil {
		t.Errorf("second client received %v", f)
	}

	if got := d.Status().Clients; got != 2 {
		t.Errorf("daemon clients = %d", got)
	}
}

func TestWebSocket_ShutdownClosesConnections(t *testing.T) {
	ws, _, ts := newTestServer(t)
	conn := dialWS(t, ts)
	readUntil(t, conn, socket.TypeConnected)

	if ws.WebSocketCount() != 1 {
		t.Fatalf("WebSocketCount() = %d", ws.WebSocketCount())
	}
	ws.Shutdown(context.Background())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still open after Shutdown")
	}
}

func TestHealthAndStatus(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok\n" {
		t.Errorf("healthz = %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if _, ok := st["turns_processed"]; !ok {
		t.Errorf("status = %v", st)
	}
}

func TestHistoryAPI(t *testing.T) {
	_, d, ts := newTestServer(t, llm.TextReply("one"))
	d.Submit("test", "first", "", "")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	d.Wait(ctx)

	resp, err := http.Get(ts.URL + "/api/history?limit=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		Messages []conversation.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Messages) != 1 || out.Messages[0].Text() != "one" {
		t.Errorf("messages = %+v", out.Messages)
	}

	bad, err := http.Get(ts.URL + "/api/history?limit=many")
	if err != nil {
		t.Fatal(err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", bad.StatusCode)
	}
}

func TestArchivesAPI(t *testing.T) {
	_, d, ts := newTestServer(t, llm.TextReply("ok"))
	d.Submit("test", "remember this session", "", "")
	d.Clear("test", "")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	d.Wait(ctx)

	resp, err := http.Get(ts.URL + "/api/archives")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		Archives []conversation.ArchiveInfo `json:"archives"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if len(out.Archives) != 1 || out.Archives[0].Label != "remember this session" {
		t.Errorf("archives = %+v", out.Archives)
	}
}

func TestDashboard_FullPage(t *testing.T) {
	ws, d, _ := newTestServer(t, llm.TextReply("Tempo set."))
	d.Submit("test", "set tempo 120", "", "")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	d.Wait(ctx)

	w := httptest.NewRecorder()
	ws.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET / status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"<!DOCTYPE html>", "<nav", "Switchboard", "set tempo 120", "Tempo set."} {
		if !strings.Contains(body, want) {
			t.Errorf("GET / missing %q", want)
		}
	}
}

func TestDashboard_HtmxPartial(t *testing.T) {
	ws, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("HX-Request", "true")
	w := httptest.NewRecorder()
	ws.Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if strings.Contains(body, "<!DOCTYPE html>") || strings.Contains(body, "<nav") {
		t.Error("htmx partial rendered the layout")
	}
	if !strings.Contains(body, "Overview") {
		t.Error("htmx partial missing dashboard content")
	}
}

func TestDashboard_SubpathNotFound(t *testing.T) {
	ws, _, _ := newTestServer(t)
	w := httptest.NewRecorder()
	ws.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/nonexistent", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("GET /nonexistent status = %d, want 404", w.Code)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		s    string
		n    int
		want string
	}{
		{"short string unchanged", "hello", 10, "hello"},
		{"exact length unchanged", "hello", 5, "hello"},
		{"truncated with ellipsis", "hello world", 8, "hello..."},
		{"n equals 3", "hello", 3, "hel"},
		{"empty string", "", 5, ""},
		{"unicode truncated", "日本語テスト", 5, "日本..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncate(tt.s, tt.n); got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.s, tt.n, got, tt.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{2*time.Hour + 15*time.Minute, "2h 15m"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestSummarize(t *testing.T) {
	use := conversation.Message{Role: conversation.RoleAssistant, Blocks: []conversation.Block{
		conversation.ToolUseBlock("a", "x", nil),
		conversation.ToolUseBlock("b", "y", nil),
	}}
	result := conversation.Message{Role: conversation.RoleUser, Blocks: []conversation.Block{
		conversation.ToolResultBlock("a", "ok", false),
	}}
	if got := summarize(use); got != "2 tool calls" {
		t.Errorf("summarize(use) = %q", got)
	}
	if got := summarize(result); got != "1 tool result" {
		t.Errorf("summarize(result) = %q", got)
	}
}

func TestRenderMarkdown(t *testing.T) {
	got := string(renderMarkdown("Set **tempo** to 120.\n\n- kick\n- snare <script>alert(1)</script>"))
	for _, want := range []string{"<strong>tempo</strong>", "<li>kick</li>"} {
		if !strings.Contains(got, want) {
			t.Errorf("renderMarkdown() = %q, missing %q", got, want)
		}
	}
	if strings.Contains(got, "<script>") {
		t.Errorf("renderMarkdown() passed raw HTML through: %q", got)
	}
}
