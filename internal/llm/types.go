// Package llm defines the model boundary used by the tool-calling loop
// and provides the Anthropic Messages API client plus a scripted client
// for tests.
package llm

import (
	"log/slog"

	"github.com/nugget/switchboard/internal/conversation"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Stop reasons reported by the model.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// ToolDef advertises one tool to the model.
type ToolDef struct {
	Name        string
	Description string
	// InputSchema is a JSON Schema object describing the tool input.
	InputSchema map[string]any
}

// Request is one model call: a system prompt, the tools on offer, and
// the conversation so far. Zero Model and MaxTokens fall back to the
// client's configured values.
type Request struct {
	Model     string
	System    string
	Tools     []ToolDef
	Messages  []conversation.Message
	MaxTokens int
}

// Response is the model's reply. Message is always assistant-role and
// holds text and/or tool_use blocks.
type Response struct {
	Model      string
	Message    conversation.Message
	StopReason string

	InputTokens  int
	OutputTokens int
}

// ToolUses returns the tool invocations requested by the response.
func (r *Response) ToolUses() []conversation.Block {
	if r == nil {
		return nil
	}
	return r.Message.ToolUses()
}
