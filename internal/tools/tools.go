// Package tools defines the tool registry the agent loop calls into.
// Every handler returns a [Future], whether it finished synchronously
// or runs in the background, so the loop waits on tools uniformly.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nugget/switchboard/internal/llm"
)

// Session is the live session state a tool may read or change.
type Session interface {
	Get(key string) (string, error)
	Set(key, value string) error
	All() (map[string]string, error)
}

// Call is one tool invocation as requested by the model.
type Call struct {
	// ID is the tool_use id the result must answer.
	ID   string
	Name string
	// Input is the decoded tool input. It is never nil.
	Input map[string]any
	// Session is the daemon's session state. May be nil in tests.
	Session Session
}

// StringArg returns the string argument key, or "" when missing or not a
// string.
func (c Call) StringArg(key string) string {
	s, _ := c.Input[key].(string)
	return s
}

// IntArg returns the numeric argument key, or def when missing. JSON
// numbers decode as float64.
func (c Call) IntArg(key string, def int) int {
	switch v := c.Input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// Handler executes a call. It must not block; long work belongs in a
// future built with [Go].
type Handler func(ctx context.Context, call Call) Future

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON Schema of the tool input.
	Parameters map[string]any
	Handler    Handler
}

// Outcome is a finished call rendered for a tool_result block.
type Outcome struct {
	Content string
	IsError bool
}

// Registry holds available tools.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool list advertised to the model, sorted by
// name so requests are stable.
func (r *Registry) Definitions() []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Invoke starts a call and returns its future. Unknown tools and
// handler panics resolve to an error.
func (r *Registry) Invoke(ctx context.Context, call Call) (f Future) {
	tool := r.Get(call.Name)
	if tool == nil || tool.Handler == nil {
		return Failed(&ErrToolUnavailable{ToolName: call.Name})
	}
	if call.Input == nil {
		call.Input = map[string]any{}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool handler panicked", "tool", call.Name, "panic", p)
			f = Failed(newPanicError(p))
		}
	}()
	f = tool.Handler(ctx, call)
	if f == nil {
		return Failed(fmt.Errorf("tool %q returned no result", call.Name))
	}
	return f
}

// Run invokes a call, waits for it, and renders the outcome. Errors of
// any kind become an error outcome carrying the error text.
func (r *Registry) Run(ctx context.Context, call Call) Outcome {
	v, err := r.Invoke(ctx, call).Wait(ctx)
	if err != nil {
		r.logger.Debug("tool failed", "tool", call.Name, "id", call.ID, "error", err)
		return Outcome{Content: err.Error(), IsError: true}
	}
	content, err := Format(v)
	if err != nil {
		return Outcome{Content: fmt.Sprintf("encode %s result: %v", call.Name, err), IsError: true}
	}
	return Outcome{Content: content}
}

// Format serializes a tool result value for the model: strings pass
// through verbatim and everything else is JSON encoded.
func Format(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case json.RawMessage:
		return string(x), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeInput decodes a tool_use input. Empty input yields an empty
// map.
func DecodeInput(raw json.RawMessage) (map[string]any, error) {
	input := map[string]any{}
	if len(raw) == 0 {
		return input, nil
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("invalid tool input: %w", err)
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}
