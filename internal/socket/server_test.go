package socket

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/switchboard/internal/compaction"
	"github.com/nugget/switchboard/internal/conversation"
	"github.com/nugget/switchboard/internal/daemon"
	"github.com/nugget/switchboard/internal/llm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// socketPath returns a path short enough for a unix socket.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "sb")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func startServer(t *testing.T, steps ...llm.Step) (*Server, *daemon.Daemon) {
	t.Helper()
	return startServerIn(t, t.TempDir(), steps...)
}

func startServerIn(t *testing.T, dir string, steps ...llm.Step) (*Server, *daemon.Daemon) {
	t.Helper()
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

	srv := NewServer(socketPath(t), d, d.Bus(), testLogger())
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, d
}

func dial(t *testing.T, srv *Server) (*Client, Frame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, srv.Path())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	hello, err := c.Next(ctx, TypeConnected)
	if err != nil {
		t.Fatalf("no connected frame: %v", err)
	}
	return c, hello
}

func next(t *testing.T, c *Client, typ string) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	f, err := c.Next(ctx, typ)
	if err != nil {
		t.Fatalf("waiting for %s: %v", typ, err)
	}
	return f
}

// quiet asserts that no frame of type typ arrives within a short window.
func quiet(t *testing.T, c *Client, typ string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if f, err := c.Next(ctx, typ); err == nil {
		t.Errorf("unexpected %s frame: %v", typ, f)
	}
}

func TestServer_SocketFile(t *testing.T) {
	path := socketPath(t)
	if err := os.WriteFile(path, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	srv := NewServer(path, nil, nil, testLogger())
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() over stale file error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&os.ModeSocket == 0 || info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want socket 0600", info.Mode())
	}

	srv.Close()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("socket file left behind: %v", err)
	}
}

func TestServer_ChatBroadcast(t *testing.T) {
	srv, _ := startServer(t, llm.ToolReply("missing_tool", nil), llm.TextReply("Done."))
	a, hello := dial(t, srv)
	b, _ := dial(t, srv)

	if hello.Field("client_id") == "" {
		t.Errorf("connected frame = %v", hello)
	}

	if err := a.Send(Request{Type: TypeChat, Content: "do it"}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	for _, c := range []*Client{a, b} {
		if f := next(t, c, "processing"); !f.Bool("busy") {
			t.Errorf("first processing frame = %v", f)
		}
		next(t, c, "tool")
		if f := next(t, c, "tool-result"); !f.Bool("is_error") {
			t.Errorf("tool-result = %v", f)
		}
		resp := next(t, c, "response")
		if resp.Field("text") != "Done." || resp.Field("reply_to") != hello.Field("client_id") {
			t.Errorf("response = %v", resp)
		}
		if f := next(t, c, "processing"); f.Bool("busy") {
			t.Errorf("last processing frame = %v", f)
		}
	}
}

func TestServer_ReplaysStartupNotices(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "conversation.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	srv, _ := startServerIn(t, dir)

	c, _ := dial(t, srv)
	f := next(t, c, "log")
	if !f.Bool("startup") || !strings.Contains(f.Field("text"), "unreadable") {
		t.Errorf("startup log frame = %v", f)
	}
}

func TestServer_ConnectedOnlyToNewClient(t *testing.T) {
	srv, d := startServer(t)
	a, _ := dial(t, srv)
	_, helloB := dial(t, srv)

	quiet(t, a, TypeConnected)
	if clients, _ := helloB["clients"].(float64); clients != 2 {
		t.Errorf("clients in greeting = %v, want 2", helloB["clients"])
	}
	if st := d.Status(); st.Clients != 2 {
		t.Errorf("daemon clients = %d", st.Clients)
	}
}

func TestServer_RepliesOnlyToRequester(t *testing.T) {
	srv, _ := startServer(t, llm.TextReply("one"), llm.TextReply("two"))
	a, _ := dial(t, srv)
	b, _ := dial(t, srv)

	a.Send(Request{Type: TypeChat, Content: "first"})
	next(t, a, "response")
	a.Send(Request{Type: TypeChat, Content: "second"})
	next(t, a, "response")
	// Counters settle before the idle processing frame.
	next(t, a, "processing")

	a.Send(Request{Type: TypeHistory, Limit: 3})
	hist := next(t, a, TypeHistory)
	msgs, _ := hist["messages"].([]any)
	if len(msgs) != 3 {
		t.Errorf("history len = %d, want 3", len(msgs))
	}

	a.Send(Request{Type: TypeStatus})
	if st := next(t, a, TypeStatus); st["turns_processed"] != float64(2) {
		t.Errorf("status = %v", st)
	}

	quiet(t, b, TypeHistory)
	quiet(t, b, TypeStatus)
}

func TestServer_TwoConnectionsSerialized(t *testing.T) {
	release := make(chan struct{})
	srv, _ := startServer(t,
		llm.Step{Block: release, Response: llm.TextReply("reply to a").Response},
		llm.TextReply("reply to b"),
	)
	a, helloA := dial(t, srv)
	b, helloB := dial(t, srv)

	a.Send(Request{Type: TypeChat, Content: "from a"})
	next(t, a, "processing")
	b.Send(Request{Type: TypeChat, Content: "from b"})
	time.Sleep(20 * time.Millisecond)
	close(release)

	first := next(t, b, "response")
	second := next(t, b, "response")
	if first.Field("reply_to") != helloA.Field("client_id") || first.Field("text") != "reply to a" {
		t.Errorf("first response = %v", first)
	}
	if second.Field("reply_to") != helloB.Field("client_id") || second.Field("text") != "reply to b" {
		t.Errorf("second response = %v", second)
	}
}

func TestServer_MalformedLinesDropped(t *testing.T) {
	srv, _ := startServer(t)
	_, _ = dial(t, srv)

	nc, err := net.Dial("unix", srv.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	// garbage, an unknown type, then a valid request split across writes
	nc.Write([]byte("not json\n{\"type\":\"reboot\"}\n{\"type\":\"sta"))
	time.Sleep(10 * time.Millisecond)
	nc.Write([]byte("tus\"}\n"))

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	var lb LineBuffer
	buf := make([]byte, 4096)
	var types []string
	for len(types) < 2 {
		n, err := nc.Read(buf)
		for _, line := range lb.Write(buf[:n]) {
			f, _ := ParseFrame(line)
			types = append(types, f.Type())
		}
		if err != nil {
			t.Fatalf("read: %v (types so far %v)", err, types)
		}
	}
	if types[0] != TypeConnected || types[1] != TypeStatus {
		t.Errorf("frames = %v", types)
	}
}

func TestServer_EmptyChatRejected(t *testing.T) {
	srv, _ := startServer(t)
	a, _ := dial(t, srv)
	a.Send(Request{Type: TypeChat, Content: " "})
	if f := next(t, a, "error"); f.Field("message") == "" {
		t.Errorf("error frame = %v", f)
	}
}

func TestServer_DisconnectRemovesClient(t *testing.T) {
	srv, d := startServer(t)
	a, _ := dial(t, srv)
	dial(t, srv)
	a.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want 1", srv.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st := d.Status(); st.Clients != 1 {
		t.Errorf("daemon clients = %d, want 1", st.Clients)
	}
}
