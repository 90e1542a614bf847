package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nugget/switchboard/internal/conversation"
)

func newTestAnthropic(t *testing.T, handler http.HandlerFunc) *AnthropicClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewAnthropicClient("sk-test", "", 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.endpoint = srv.URL
	return c
}

func TestAnthropicClientImplementsInterface(t *testing.T) {
	var _ Client = (*AnthropicClient)(nil)
	var _ Client = (*ScriptedClient)(nil)
}

func TestConvertToAnthropic(t *testing.T) {
	msgs := []conversation.Message{
		conversation.NewText(conversation.RoleUser, "render a loop"),
		{Role: conversation.RoleAssistant, Blocks: []conversation.Block{
			conversation.TextBlock("Rendering."),
			conversation.ToolUseBlock("toolu_abc123", "render", json.RawMessage(`{"bars":4}`)),
		}},
		{Role: conversation.RoleUser, Blocks: []conversation.Block{
			conversation.ToolResultBlock("toolu_abc123", "boom", true),
		}},
	}

	got, err := convertToAnthropic(msgs)
	if err != nil {
		t.Fatalf("convertToAnthropic() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Role != "user" || got[0].Content[0].Text != "render a loop" {
		t.Errorf("user message = %+v", got[0])
	}
	use := got[1].Content[1]
	if use.Type != "tool_use" || use.ID != "toolu_abc123" || string(use.Input) != `{"bars":4}` {
		t.Errorf("tool_use = %+v", use)
	}
	res := got[2].Content[0]
	if res.Type != "tool_result" || res.ToolUseID != "toolu_abc123" || !res.IsError {
		t.Errorf("tool_result = %+v", res)
	}
}

func TestConvertToolsToAnthropic(t *testing.T) {
	if convertToolsToAnthropic(nil) != nil {
		t.Error("no tools should encode as nil")
	}
	got := convertToolsToAnthropic([]ToolDef{{Name: "recall_facts", Description: "Look up facts"}})
	if len(got) != 1 || got[0].Name != "recall_facts" {
		t.Fatalf("got %+v", got)
	}
	if got[0].InputSchema["type"] != "object" {
		t.Errorf("missing default schema: %+v", got[0].InputSchema)
	}
}

func TestConvertFromAnthropic(t *testing.T) {
	resp := &anthropicResponse{
		Model: "claude-sonnet-4-20250514",
		Role:  "assistant",
		Content: []anthropicContent{
			{Type: "text", Text: "I'll check that."},
			{Type: "thinking"},
			{Type: "tool_use", ID: "toolu_xyz789", Name: "recall_facts", Input: json.RawMessage(`{ "query" : "tempo" }`)},
		},
		StopReason: "tool_use",
		Usage:      anthropicUsage{InputTokens: 10, OutputTokens: 5},
	}

	got, err := convertFromAnthropic(resp)
	if err != nil {
		t.Fatalf("convertFromAnthropic() error: %v", err)
	}
	if got.Message.Role != conversation.RoleAssistant {
		t.Errorf("role = %q", got.Message.Role)
	}
	if len(got.Message.Blocks) != 2 {
		t.Fatalf("blocks = %+v", got.Message.Blocks)
	}
	uses := got.ToolUses()
	if len(uses) != 1 || uses[0].ID != "toolu_xyz789" || string(uses[0].Input) != `{"query":"tempo"}` {
		t.Errorf("tool uses = %+v", uses)
	}
	if got.StopReason != StopToolUse || got.InputTokens != 10 || got.OutputTokens != 5 {
		t.Errorf("metadata = %+v", got)
	}
}

func TestConvertFromAnthropic_RejectsIncompleteToolUse(t *testing.T) {
	resp := &anthropicResponse{Content: []anthropicContent{{Type: "tool_use", Name: "x"}}}
	if _, err := convertFromAnthropic(resp); err == nil {
		t.Error("expected error for tool_use without id")
	}
}

func TestAnthropicClient_Complete(t *testing.T) {
	var got anthropicRequest
	c := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "sk-test" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("anthropic-version = %q", r.Header.Get("anthropic-version"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-20250514",
			"content":[{"type":"text","text":"Hello."}],"stop_reason":"end_turn",
			"usage":{"input_tokens":12,"output_tokens":3}}`)
	})

	resp, err := c.Complete(context.Background(), Request{
		System:   "be brief",
		Tools:    []ToolDef{{Name: "session_get"}},
		Messages: []conversation.Message{conversation.NewText(conversation.RoleUser, "hi")},
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if resp.Message.Text() != "Hello." || resp.StopReason != StopEndTurn {
		t.Errorf("response = %+v", resp)
	}
	if got.Model != DefaultModel || got.MaxTokens != DefaultMaxTokens {
		t.Errorf("request model/max_tokens = %q/%d", got.Model, got.MaxTokens)
	}
	if got.System != "be brief" || len(got.Tools) != 1 || len(got.Messages) != 1 {
		t.Errorf("request = %+v", got)
	}
}

func TestAnthropicClient_APIError(t *testing.T) {
	c := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	})

	_, err := c.Complete(context.Background(), Request{
		Messages: []conversation.Message{conversation.NewText(conversation.RoleUser, "hi")},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "slow down") {
		t.Errorf("error = %v", err)
	}
}

func TestScriptedClient(t *testing.T) {
	c := NewScriptedClient(
		ToolReply("recall_facts", map[string]any{"query": "tempo"}),
		TextReply("done"),
	)
	ctx := context.Background()

	first, err := c.Complete(ctx, Request{Messages: []conversation.Message{conversation.NewText(conversation.RoleUser, "go")}})
	if err != nil {
		t.Fatalf("first Complete() error: %v", err)
	}
	uses := first.ToolUses()
	if len(uses) != 1 || !strings.HasPrefix(uses[0].ID, "toolu_") {
		t.Errorf("tool uses = %+v", uses)
	}

	second, err := c.Complete(ctx, Request{})
	if err != nil || second.Message.Text() != "done" {
		t.Errorf("second Complete() = %+v, %v", second, err)
	}

	if _, err := c.Complete(ctx, Request{}); err != ErrScriptExhausted {
		t.Errorf("exhausted Complete() error = %v", err)
	}
	if c.Calls() != 3 {
		t.Errorf("Calls() = %d, want 3", c.Calls())
	}
}

func TestScriptedClient_Fallback(t *testing.T) {
	c := NewScriptedClient().WithFallback(func(req Request) *Response {
		return TextReply("echo: " + req.Messages[len(req.Messages)-1].Text()).Response
	})
	resp, err := c.Complete(context.Background(), Request{
		Messages: []conversation.Message{conversation.NewText(conversation.RoleUser, "ping")},
	})
	if err != nil || resp.Message.Text() != "echo: ping" {
		t.Errorf("Complete() = %+v, %v", resp, err)
	}
}
