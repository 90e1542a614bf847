// Package agent implements the tool-calling loop: one conversational
// turn alternates model calls and tool execution until the model gives
// a final answer, the iteration budget runs out, or the model fails.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/switchboard/internal/conversation"
	"github.com/nugget/switchboard/internal/events"
	"github.com/nugget/switchboard/internal/llm"
	"github.com/nugget/switchboard/internal/prompts"
	"github.com/nugget/switchboard/internal/tools"
)

// Defaults applied by NewLoop to zero Config fields.
const (
	DefaultMaxIterations = 25
	DefaultModelTimeout  = 2 * time.Minute

	// previewRunes bounds the tool result text carried on events.
	previewRunes = 200
)

// ErrIterationLimit is returned when a turn uses up its tool rounds
// without a final answer.
var ErrIterationLimit = errors.New("iteration limit reached")

// State is the position of a turn in the loop state machine.
type State int

const (
	StateAwaitingModel State = iota
	StateExecutingTools
	StateDone
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateAwaitingModel:
		return "AWAITING_MODEL"
	case StateExecutingTools:
		return "EXECUTING_TOOLS"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Store is the conversation log as seen by the loop.
type Store interface {
	Messages() []conversation.Message
	Append(msgs ...conversation.Message) error
}

// Compactor is invoked after every completed turn.
type Compactor interface {
	MaybeCompact(ctx context.Context)
}

// ContextFunc supplies the dynamic system prompt sections for a model
// call.
type ContextFunc func() prompts.TurnContext

// Config tunes the loop.
type Config struct {
	// SystemPrompt replaces the built-in base prompt when non-empty.
	SystemPrompt  string
	Model         string
	MaxTokens     int
	MaxIterations int
	ModelTimeout  time.Duration
}

// Turn is one inbound message to process.
type Turn struct {
	EnvelopeID string
	Source     string
	Author     string
	Content    string
	// ReplyTo names the connection that submitted the turn.
	ReplyTo string
}

// Result describes a finished turn.
type Result struct {
	State      State
	Text       string
	Iterations int
	ToolCalls  int
	// Appended is how many messages the turn added to the log.
	Appended     int
	InputTokens  int
	OutputTokens int
}

// Loop runs turns against the shared conversation log.
type Loop struct {
	client    llm.Client
	tools     *tools.Registry
	store     Store
	session   tools.Session
	context   ContextFunc
	compactor Compactor
	cfg       Config
	logger    *slog.Logger
}

// NewLoop creates a loop. session and ctxFn may be nil.
func NewLoop(client llm.Client, reg *tools.Registry, store Store, session tools.Session, ctxFn ContextFunc, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = DefaultModelTimeout
	}
	if reg == nil {
		reg = tools.NewRegistry(logger)
	}
	return &Loop{
		client:  client,
		tools:   reg,
		store:   store,
		session: session,
		context: ctxFn,
		cfg:     cfg,
		logger:  logger.With("component", "agent"),
	}
}

// SetCompactor installs the compaction hook run after each turn.
func (l *Loop) SetCompactor(c Compactor) {
	l.compactor = c
}

// Run processes one turn. Events go to bus, which may be nil.
//
// On success the turn's messages are appended to the log and saved
// before the response event is published. When the model call fails
// nothing from the turn is kept. When the iteration budget runs out the
// partial exchange is kept with an assistant diagnostic closing it.
func (l *Loop) Run(ctx context.Context, turn Turn, bus *events.Bus) (*Result, error) {
	ctx = tools.WithTurn(ctx, tools.TurnInfo{
		EnvelopeID: turn.EnvelopeID,
		Source:     turn.Source,
		Author:     turn.Author,
	})
	log := l.logger.With("envelope", turn.EnvelopeID, "source", turn.Source)
	log.Info("turn started", "author", turn.Author, "content_len", len(turn.Content))

	history := l.store.Messages()
	pending := []conversation.Message{conversation.NewText(conversation.RoleUser, userText(turn))}

	res, pending, err := l.iterate(ctx, history, pending, bus, log)

	switch {
	case errors.Is(err, ErrIterationLimit):
		notice := prompts.IterationLimitNotice(l.cfg.MaxIterations)
		pending = append(pending, conversation.NewText(conversation.RoleAssistant, notice))
		l.persist(pending, res, log)
		res.Text = notice
		bus.Emit(events.SourceAgent, events.KindError, map[string]any{
			"message":     fmt.Sprintf("turn stopped after %d iterations", l.cfg.MaxIterations),
			"text":        notice,
			"reply_to":    turn.ReplyTo,
			"envelope_id": turn.EnvelopeID,
		})
		log.Warn("turn failed", "state", res.State, "error", err, "iterations", res.Iterations)
		l.maybeCompact(ctx)
		return res, err

	case err != nil:
		bus.Emit(events.SourceAgent, events.KindError, map[string]any{
			"message":     err.Error(),
			"envelope_id": turn.EnvelopeID,
		})
		log.Error("turn failed", "state", res.State, "error", err, "iterations", res.Iterations, "discarded", len(pending))
		return res, err
	}

	l.persist(pending, res, log)
	bus.Emit(events.SourceAgent, events.KindResponse, map[string]any{
		"text":          res.Text,
		"reply_to":      turn.ReplyTo,
		"envelope_id":   turn.EnvelopeID,
		"input_tokens":  res.InputTokens,
		"output_tokens": res.OutputTokens,
	})
	log.Info("turn completed",
		"iterations", res.Iterations,
		"tool_calls", res.ToolCalls,
		"appended", res.Appended,
		"input_tokens", res.InputTokens,
		"output_tokens", res.OutputTokens,
	)

	l.maybeCompact(ctx)
	return res, nil
}

// maybeCompact runs the compaction hook after a turn appended messages.
func (l *Loop) maybeCompact(ctx context.Context) {
	if l.compactor != nil {
		l.compactor.MaybeCompact(ctx)
	}
}

// RunSilent runs a sub-turn over history plus one user instruction. It
// publishes no events and leaves the log untouched; it returns the
// final reply text.
func (l *Loop) RunSilent(ctx context.Context, history []conversation.Message, instruction string) (string, error) {
	pending := []conversation.Message{conversation.NewText(conversation.RoleUser, instruction)}
	res, _, err := l.iterate(ctx, history, pending, nil, l.logger.With("silent", true))
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (l *Loop) persist(pending []conversation.Message, res *Result, log *slog.Logger) {
	res.Appended = len(pending)
	if err := l.store.Append(pending...); err != nil {
		log.Error("conversation save failed", "error", err)
	}
}

// iterate drives the state machine. It returns the result so far, the
// messages produced by the turn (starting with the user message), and
// an error when the turn did not reach DONE.
func (l *Loop) iterate(ctx context.Context, history, pending []conversation.Message, bus *events.Bus, log *slog.Logger) (*Result, []conversation.Message, error) {
	res := &Result{State: StateAwaitingModel}
	defs := l.tools.Definitions()

	for {
		if res.Iterations >= l.cfg.MaxIterations {
			res.State = StateFailed
			return res, pending, ErrIterationLimit
		}
		res.Iterations++

		transcript := make([]conversation.Message, 0, len(history)+len(pending))
		transcript = append(transcript, history...)
		transcript = append(transcript, pending...)

		resp, err := l.callModel(ctx, llm.Request{
			Model:     l.cfg.Model,
			MaxTokens: l.cfg.MaxTokens,
			System:    l.systemPrompt(),
			Tools:     defs,
			Messages:  transcript,
		})
		if err != nil {
			res.State = StateFailed
			return res, pending, fmt.Errorf("model call: %w", err)
		}
		res.InputTokens += resp.InputTokens
		res.OutputTokens += resp.OutputTokens

		uses := resp.ToolUses()
		if len(uses) == 0 {
			text := strings.TrimSpace(resp.Message.Text())
			if text == "" {
				text = prompts.EmptyResponseFallback
			}
			pending = append(pending, conversation.NewText(conversation.RoleAssistant, text))
			res.Text = text
			res.State = StateDone
			return res, pending, nil
		}

		res.State = StateExecutingTools
		pending = append(pending, resp.Message.Clone())

		results := make([]conversation.Block, 0, len(uses))
		for _, use := range uses {
			res.ToolCalls++
			results = append(results, l.execute(ctx, use, bus, log))
		}
		pending = append(pending, conversation.Message{Role: conversation.RoleUser, Blocks: results})
		res.State = StateAwaitingModel
	}
}

func (l *Loop) callModel(ctx context.Context, req llm.Request) (*llm.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.ModelTimeout)
	defer cancel()

	start := time.Now()
	resp, err := l.client.Complete(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("no reply within %s: %w", l.cfg.ModelTimeout, err)
		}
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("empty model response")
	}
	l.logger.Debug("model replied",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"stop_reason", resp.StopReason,
		"tool_uses", len(resp.ToolUses()),
	)
	return resp, nil
}

func (l *Loop) systemPrompt() string {
	var tc prompts.TurnContext
	if l.context != nil {
		tc = l.context()
	}
	return prompts.SystemPrompt(l.cfg.SystemPrompt, tc)
}

// execute runs one tool invocation and returns its result block.
func (l *Loop) execute(ctx context.Context, use conversation.Block, bus *events.Bus, log *slog.Logger) conversation.Block {
	bus.Emit(events.SourceAgent, events.KindTool, map[string]any{
		"id":    use.ID,
		"name":  use.Name,
		"input": json.RawMessage(use.Input),
	})

	start := time.Now()
	var out tools.Outcome
	input, err := tools.DecodeInput(use.Input)
	if err != nil {
		out = tools.Outcome{Content: err.Error(), IsError: true}
	} else {
		out = l.tools.Run(ctx, tools.Call{
			ID:      use.ID,
			Name:    use.Name,
			Input:   input,
			Session: l.session,
		})
	}

	log.Debug("tool executed",
		"tool", use.Name,
		"id", use.ID,
		"is_error", out.IsError,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"result_len", len(out.Content),
	)
	bus.Emit(events.SourceAgent, events.KindToolResult, map[string]any{
		"id":       use.ID,
		"name":     use.Name,
		"preview":  Preview(out.Content, previewRunes),
		"is_error": out.IsError,
	})
	return conversation.ToolResultBlock(use.ID, out.Content, out.IsError)
}

// userText renders the turn as the user message text. Messages from a
// named author are prefixed with the author so the model can tell
// participants apart.
func userText(turn Turn) string {
	if turn.Author == "" {
		return turn.Content
	}
	return turn.Author + ": " + turn.Content
}

// Preview truncates s to at most n runes, marking the cut with "...".
func Preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
