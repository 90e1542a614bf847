// Package conversation owns the durable conversation log: the message
// and content-block types, the repair pass that strips orphaned tool
// results, whole-file persistence, and timestamped archive snapshots.
package conversation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates the variants of [Block].
type BlockType string

const (
	// BlockText is plain text.
	BlockText BlockType = "text"
	// BlockToolUse is a tool invocation requested by the assistant.
	BlockToolUse BlockType = "tool_use"
	// BlockToolResult answers a tool invocation from the preceding
	// assistant message.
	BlockToolResult BlockType = "tool_result"
)

// Block is one typed piece of message content. Which fields are
// meaningful depends on Type:
//
//   - BlockText: Text
//   - BlockToolUse: ID, Name, Input
//   - BlockToolResult: ToolUseID, Content, IsError
type Block struct {
	Type BlockType `json:"type"`

	Text string `json:"text,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock returns a text block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ToolUseBlock returns a tool invocation block. A nil input is stored
// as an empty JSON object.
func ToolUseBlock(id, name string, input json.RawMessage) Block {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	return Block{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock returns a tool result block answering toolUseID.
func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is one turn-level unit of the conversation log.
type Message struct {
	Role   Role
	Blocks []Block
}

// NewText builds a message holding a single text block.
func NewText(role Role, text string) Message {
	return Message{Role: role, Blocks: []Block{TextBlock(text)}}
}

// Text concatenates every text block in the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Blocks {
		switch b.Type {
		case BlockText:
			sb.WriteString(b.Text)
		case BlockToolUse, BlockToolResult:
		}
	}
	return sb.String()
}

// ToolUses returns the tool invocation blocks in request order.
func (m Message) ToolUses() []Block {
	var out []Block
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// HasToolResults reports whether any block is a tool result.
func (m Message) HasToolResults() bool {
	for _, b := range m.Blocks {
		if b.Type == BlockToolResult {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if m.Blocks == nil {
		return Message{Role: m.Role}
	}
	blocks := make([]Block, len(m.Blocks))
	for i, b := range m.Blocks {
		if b.Input != nil {
			b.Input = append(json.RawMessage(nil), b.Input...)
		}
		blocks[i] = b
	}
	return Message{Role: m.Role, Blocks: blocks}
}

// wireMessage is the JSON form of a Message. Content is a bare string
// when the message is a single text block, and a block array otherwise.
type wireMessage struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content"`
}

// MarshalJSON implements [json.Marshaler].
func (m Message) MarshalJSON() ([]byte, error) {
	var content []byte
	var err error
	if len(m.Blocks) == 1 && m.Blocks[0].Type == BlockText {
		content, err = json.Marshal(m.Blocks[0].Text)
	} else {
		blocks := m.Blocks
		if blocks == nil {
			blocks = []Block{}
		}
		content, err = json.Marshal(blocks)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{Role: m.Role, Content: content})
}

// UnmarshalJSON implements [json.Unmarshaler].
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Role {
	case RoleUser, RoleAssistant:
	default:
		return fmt.Errorf("unknown message role %q", w.Role)
	}
	m.Role = w.Role
	m.Blocks = nil

	trimmed := bytes.TrimSpace(w.Content)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		m.Blocks = []Block{TextBlock(text)}
		return nil
	}

	var blocks []Block
	if err := json.Unmarshal(trimmed, &blocks); err != nil {
		return fmt.Errorf("decode content blocks: %w", err)
	}
	for i, b := range blocks {
		switch b.Type {
		case BlockToolUse:
			// Indented files leave whitespace inside raw inputs.
			if len(b.Input) > 0 {
				var buf bytes.Buffer
				if err := json.Compact(&buf, b.Input); err != nil {
					return fmt.Errorf("content block %d: %w", i, err)
				}
				blocks[i].Input = json.RawMessage(buf.Bytes())
			}
		case BlockText, BlockToolResult:
		default:
			return fmt.Errorf("content block %d: unknown type %q", i, b.Type)
		}
	}
	m.Blocks = blocks
	return nil
}
