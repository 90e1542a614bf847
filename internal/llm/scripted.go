package llm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/nugget/switchboard/internal/conversation"
)

// ErrScriptExhausted is returned by ScriptedClient when it has no
// replies left.
var ErrScriptExhausted = errors.New("scripted client: no replies left")

// Step is one scripted model reply. Exactly one of Response or Err is
// used; Err wins when both are set.
type Step struct {
	Response *Response
	Err      error
	// Block, when non-nil, is waited on before replying, so tests can
	// hold a turn in flight.
	Block <-chan struct{}
}

// ScriptedClient replays a fixed sequence of replies and records every
// request it receives. It backs loop and daemon tests and the offline
// mode of the daemon when no API key is configured.
type ScriptedClient struct {
	mu       sync.Mutex
	steps    []Step
	requests []Request
	fallback func(Request) *Response
}

// NewScriptedClient returns a client that replays steps in order.
func NewScriptedClient(steps ...Step) *ScriptedClient {
	return &ScriptedClient{steps: steps}
}

// WithFallback sets a function used to answer once the script is
// exhausted instead of failing.
func (c *ScriptedClient) WithFallback(fn func(Request) *Response) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = fn
	return c
}

// Push appends further steps to the script.
func (c *ScriptedClient) Push(steps ...Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, steps...)
}

// Complete implements [Client].
func (c *ScriptedClient) Complete(ctx context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	req.Messages = cloneMessages(req.Messages)
	c.requests = append(c.requests, req)
	if len(c.steps) == 0 {
		fallback := c.fallback
		c.mu.Unlock()
		if fallback != nil {
			return fallback(req), nil
		}
		return nil, ErrScriptExhausted
	}
	step := c.steps[0]
	c.steps = c.steps[1:]
	c.mu.Unlock()

	if step.Block != nil {
		select {
		case <-step.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Response == nil {
		return nil, ErrScriptExhausted
	}
	resp := *step.Response
	resp.Message = resp.Message.Clone()
	return &resp, nil
}

// Requests returns a copy of every request received so far.
func (c *ScriptedClient) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.requests...)
}

// Calls returns how many requests were received.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Remaining returns how many scripted steps are left.
func (c *ScriptedClient) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.steps)
}

// TextReply builds a final-answer response.
func TextReply(text string) Step {
	return Step{Response: &Response{
		Message:    conversation.NewText(conversation.RoleAssistant, text),
		StopReason: StopEndTurn,
	}}
}

// ToolReply builds a response requesting one tool call with a fresh
// tool_use id. Input is JSON encoded.
func ToolReply(name string, input map[string]any) Step {
	data, err := json.Marshal(input)
	if err != nil || input == nil {
		data = []byte(`{}`)
	}
	return Step{Response: &Response{
		Message: conversation.Message{
			Role:   conversation.RoleAssistant,
			Blocks: []conversation.Block{conversation.ToolUseBlock(NewToolUseID(), name, data)},
		},
		StopReason: StopToolUse,
	}}
}

// ErrorReply builds a step that fails the model call.
func ErrorReply(err error) Step {
	return Step{Err: err}
}

// NewToolUseID returns an id in the provider's toolu_ format.
func NewToolUseID() string {
	return "toolu_" + uuid.Must(uuid.NewV7()).String()
}

func cloneMessages(msgs []conversation.Message) []conversation.Message {
	if msgs == nil {
		return nil
	}
	out := make([]conversation.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
