package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/switchboard/internal/conversation"
	"github.com/nugget/switchboard/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"

	// DefaultModel is used when neither the client nor the request
	// names a model.
	DefaultModel = "claude-sonnet-4-20250514"
	// DefaultMaxTokens caps each reply when nothing else is configured.
	DefaultMaxTokens = 4096
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	model      string
	maxTokens  int
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a client. Empty model and non-positive
// maxTokens select the package defaults.
func NewAnthropicClient(apiKey, model string, maxTokens int, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	// Long prompts can take a while before headers arrive.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		endpoint:  anthropicAPIURL,
		logger:    logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			// Deadlines come from the caller's context.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends a non-streaming Messages API request.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	msgs, err := convertToAnthropic(req.Messages)
	if err != nil {
		return nil, err
	}
	body := anthropicRequest{
		Model:     model,
		Messages:  msgs,
		System:    req.System,
		MaxTokens: maxTokens,
		Tools:     convertToolsToAnthropic(req.Tools),
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(body.Messages),
		"tools", len(body.Tools),
		"system_len", len(body.System),
	)

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, apiErrorMessage(errBody))
	}

	var ar anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	result, err := convertFromAnthropic(&ar)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"stop_reason", result.StopReason,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_uses", len(result.ToolUses()),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Text())
	return result, nil
}

// apiErrorMessage extracts the human message from an API error body,
// falling back to the raw body.
func apiErrorMessage(body string) string {
	var e anthropicError
	if err := json.Unmarshal([]byte(body), &e); err == nil && e.Error.Message != "" {
		return e.Error.Type + ": " + e.Error.Message
	}
	return body
}

// convertToAnthropic maps conversation messages to API messages.
func convertToAnthropic(msgs []conversation.Message) ([]anthropicMessage, error) {
	out := make([]anthropicMessage, 0, len(msgs))
	for i, m := range msgs {
		am := anthropicMessage{Role: string(m.Role)}
		for _, b := range m.Blocks {
			switch b.Type {
			case conversation.BlockText:
				am.Content = append(am.Content, anthropicContent{Type: "text", Text: b.Text})
			case conversation.BlockToolUse:
				input := b.Input
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				am.Content = append(am.Content, anthropicContent{
					Type:  "tool_use",
					ID:    b.ID,
					Name:  b.Name,
					Input: input,
				})
			case conversation.BlockToolResult:
				am.Content = append(am.Content, anthropicContent{
					Type:      "tool_result",
					ToolUseID: b.ToolUseID,
					Content:   b.Content,
					IsError:   b.IsError,
				})
			default:
				return nil, fmt.Errorf("message %d: unsupported block type %q", i, b.Type)
			}
		}
		if len(am.Content) == 0 {
			continue
		}
		out = append(out, am)
	}
	return out, nil
}

func convertToolsToAnthropic(tools []ToolDef) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out
}

// convertFromAnthropic maps an API response to a Response. Block types
// the loop does not understand (thinking, server tools) are skipped.
func convertFromAnthropic(resp *anthropicResponse) (*Response, error) {
	if resp.Role != "" && resp.Role != string(conversation.RoleAssistant) {
		return nil, fmt.Errorf("unexpected response role %q", resp.Role)
	}
	msg := conversation.Message{Role: conversation.RoleAssistant}
	for _, c := range resp.Content {
		switch c.Type {
		case "text":
			if c.Text == "" {
				continue
			}
			msg.Blocks = append(msg.Blocks, conversation.TextBlock(c.Text))
		case "tool_use":
			if c.ID == "" || c.Name == "" {
				return nil, errors.New("tool_use block missing id or name")
			}
			input := c.Input
			if len(input) > 0 {
				var buf bytes.Buffer
				if err := json.Compact(&buf, input); err != nil {
					return nil, fmt.Errorf("tool_use %s input: %w", c.ID, err)
				}
				input = buf.Bytes()
			}
			msg.Blocks = append(msg.Blocks, conversation.ToolUseBlock(c.ID, c.Name, input))
		}
	}
	return &Response{
		Model:        resp.Model,
		Message:      msg,
		StopReason:   resp.StopReason,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}
