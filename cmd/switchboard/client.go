package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nugget/switchboard/internal/conversation"
	"github.com/nugget/switchboard/internal/events"
	"github.com/nugget/switchboard/internal/socket"
)

const (
	dialTimeout  = 5 * time.Second
	replyTimeout = 10 * time.Minute
)

// connect dials the daemon named by the config and waits for its
// greeting. The returned frame carries this connection's client_id.
func connect(ctx context.Context, opts options) (*socket.Client, socket.Frame, error) {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	c, err := socket.Dial(dialCtx, cfg.Socket.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("daemon not reachable (is switchboard serve running?): %w", err)
	}
	hello, err := c.Next(dialCtx, socket.TypeConnected)
	if err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("waiting for greeting: %w", err)
	}
	return c, hello, nil
}

// runSend submits one chat message and prints the reply addressed to
// this connection.
func runSend(ctx context.Context, w io.Writer, opts options, message string) error {
	c, hello, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Close()
	me := hello.Field("client_id")

	if err := c.Send(socket.Request{Type: socket.TypeChat, Content: message, Source: "cli"}); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()

	var envelopeID string
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for reply: %w", ctx.Err())
		case f, ok := <-c.Events():
			if !ok {
				return errors.New("daemon closed the connection")
			}
			switch f.Type() {
			case events.KindProcessing:
				if f.Field("reply_to") != me {
					continue
				}
				if f.Bool("busy") {
					envelopeID = f.Field("envelope_id")
				} else if f.Field("envelope_id") == envelopeID {
					return errors.New("turn ended without a reply")
				}
			case events.KindResponse:
				if f.Field("reply_to") != me {
					continue
				}
				if opts.output == "json" {
					return writeJSON(w, f)
				}
				fmt.Fprintln(w, f.Field("text"))
				return nil
			case events.KindError:
				id := f.Field("envelope_id")
				if id == "" || id == envelopeID {
					if text := f.Field("text"); text != "" && opts.output != "json" {
						fmt.Fprintln(w, text)
					}
					return fmt.Errorf("daemon: %s", f.Field("message"))
				}
			}
		}
	}
}

func runStatus(ctx context.Context, w io.Writer, opts options) error {
	c, _, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	f, err := request(ctx, c, socket.Request{Type: socket.TypeStatus})
	if err != nil {
		return err
	}
	delete(f, "type")
	if opts.output == "json" {
		return writeJSON(w, f)
	}
	for _, k := range []string{"version", "uptime", "busy", "queued", "turns_processed", "turns_failed", "clients", "messages", "archives", "facts", "current", "compaction", "usage_24h", "last_error"} {
		if v, ok := f[k]; ok && v != "" {
			fmt.Fprintf(w, "%-16s %v\n", k+":", v)
		}
	}
	return nil
}

func runHistory(ctx context.Context, w io.Writer, opts options, limit int) error {
	c, _, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	f, err := request(ctx, c, socket.Request{Type: socket.TypeHistory, Limit: limit})
	if err != nil {
		return err
	}
	// Round-trip through JSON to recover typed messages.
	raw, err := json.Marshal(f["messages"])
	if err != nil {
		return err
	}
	var msgs []conversation.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return fmt.Errorf("decode history: %w", err)
	}
	if opts.output == "json" {
		return writeJSON(w, msgs)
	}
	for _, m := range msgs {
		fmt.Fprintln(w, formatMessage(m))
	}
	return nil
}

func runClear(ctx context.Context, w io.Writer, opts options) error {
	c, _, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Send(socket.Request{Type: socket.TypeClear, Source: "cli"}); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	f, err := c.Next(ctx, events.KindCleared)
	if err != nil {
		return fmt.Errorf("waiting for clear: %w", err)
	}
	fmt.Fprintf(w, "Cleared %v messages.\n", f["removed"])
	return nil
}

// runArchives reads the archive directory directly; it needs no
// running daemon.
func runArchives(w io.Writer, opts options) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	archiver := conversation.NewArchiver(cfg.Conversation.ArchiveDir, cfg.Conversation.ArchiveKeep, nil)
	infos, err := archiver.List()
	if err != nil {
		return err
	}
	if opts.output == "json" {
		if infos == nil {
			infos = []conversation.ArchiveInfo{}
		}
		return writeJSON(w, infos)
	}
	if len(infos) == 0 {
		fmt.Fprintf(w, "No archived conversations in %s.\n", archiver.Dir())
		return nil
	}
	for _, a := range infos {
		fmt.Fprintf(w, "%s  %4d msgs  %s\n", a.ArchivedAt.Local().Format(time.DateTime), a.MessageCount, a.Label)
	}
	return nil
}

// request sends r and waits for the reply frame of the same type.
func request(ctx context.Context, c *socket.Client, r socket.Request) (socket.Frame, error) {
	if err := c.Send(r); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return c.Next(ctx, r.Type)
}

// formatMessage renders one message as a single terminal line.
func formatMessage(m conversation.Message) string {
	var parts []string
	for _, b := range m.Blocks {
		switch b.Type {
		case conversation.BlockText:
			parts = append(parts, strings.TrimSpace(b.Text))
		case conversation.BlockToolUse:
			parts = append(parts, fmt.Sprintf("[tool %s %s]", b.Name, string(b.Input)))
		case conversation.BlockToolResult:
			status := "ok"
			if b.IsError {
				status = "error"
			}
			parts = append(parts, fmt.Sprintf("[result %s: %s]", status, b.Content))
		}
	}
	return fmt.Sprintf("%-9s %s", string(m.Role)+":", strings.Join(parts, " "))
}
