// Package socket implements the local control surface: a unix domain
// socket speaking newline-delimited JSON frames. Clients submit chat,
// clear, history, and status requests and observe every turn's events
// as they are broadcast.
package socket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nugget/switchboard/internal/events"
)

// Inbound frame types.
const (
	TypeChat    = "chat"
	TypeClear   = "clear"
	TypeHistory = "history"
	TypeStatus  = "status"
)

// Outbound frame types that are not event kinds. Broadcast frames use
// the event kind (processing, log, tool, tool-result, response, error,
// cleared) as their type.
const (
	TypeConnected = "connected"
)

// MaxLineBytes bounds a single frame. Longer lines are discarded.
const MaxLineBytes = 1 << 20

// ErrUnknownType is returned by ParseRequest for a frame type the
// server does not accept.
var ErrUnknownType = errors.New("unknown frame type")

// Frame is one JSON object on the wire. The "type" key names it.
type Frame map[string]any

// NewFrame builds a frame of the given type carrying data's fields.
func NewFrame(typ string, data map[string]any) Frame {
	f := make(Frame, len(data)+1)
	for k, v := range data {
		f[k] = v
	}
	f["type"] = typ
	return f
}

// StartupLogFrame is a log frame replayed to a client that connected
// after the daemon emitted it while starting.
func StartupLogFrame(text string) Frame {
	return NewFrame(events.KindLog, map[string]any{"text": text, "startup": true})
}

// Type returns the frame type, or "" when absent.
func (f Frame) Type() string {
	s, _ := f["type"].(string)
	return s
}

// Field returns a string field, or "" when absent or not a string.
func (f Frame) Field(key string) string {
	s, _ := f[key].(string)
	return s
}

// Bool returns a boolean field.
func (f Frame) Bool(key string) bool {
	b, _ := f[key].(bool)
	return b
}

// Encode renders f as one wire line, newline included.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type(), err)
	}
	return append(data, '\n'), nil
}

// Request is a decoded inbound frame.
type Request struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Author  string `json:"author,omitempty"`
	Source  string `json:"source,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// Frame renders the request for sending.
func (r Request) Frame() Frame {
	f := Frame{"type": r.Type}
	if r.Content != "" {
		f["content"] = r.Content
	}
	if r.Author != "" {
		f["author"] = r.Author
	}
	if r.Source != "" {
		f["source"] = r.Source
	}
	if r.Limit > 0 {
		f["limit"] = r.Limit
	}
	return f
}

// ParseRequest decodes one inbound line.
func ParseRequest(line []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(line, &r); err != nil {
		return Request{}, fmt.Errorf("decode frame: %w", err)
	}
	switch r.Type {
	case TypeChat, TypeClear, TypeHistory, TypeStatus:
		return r, nil
	}
	return Request{}, fmt.Errorf("%w %q", ErrUnknownType, r.Type)
}

// ParseFrame decodes one outbound line.
func ParseFrame(line []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f == nil {
		return nil, errors.New("decode frame: not an object")
	}
	return f, nil
}

// LineBuffer splits a byte stream into newline-terminated lines,
// holding back an incomplete trailing fragment until the rest of it
// arrives.
type LineBuffer struct {
	buf     []byte
	discard bool // inside an over-long line
}

// Write appends p and returns every complete line it finished, without
// the newline. Empty lines are skipped. A line longer than MaxLineBytes
// is dropped in full.
func (b *LineBuffer) Write(p []byte) [][]byte {
	var lines [][]byte
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			if !b.discard {
				b.buf = append(b.buf, p...)
				if len(b.buf) > MaxLineBytes {
					b.buf = b.buf[:0]
					b.discard = true
				}
			}
			break
		}
		if !b.discard {
			b.buf = append(b.buf, p[:i]...)
			if line := bytes.TrimSpace(b.buf); len(line) > 0 && len(b.buf) <= MaxLineBytes {
				lines = append(lines, bytes.Clone(line))
			}
		}
		b.buf = b.buf[:0]
		b.discard = false
		p = p[i+1:]
	}
	return lines
}

// Pending returns how many bytes of an incomplete line are buffered.
func (b *LineBuffer) Pending() int {
	return len(b.buf)
}
