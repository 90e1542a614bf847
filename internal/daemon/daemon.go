// Package daemon owns the process-wide state of a running switchboard:
// the conversation store and its archive, the agent loop, the message
// queue, the event bus, and the counters reported by status requests.
// Every surface (socket, WebSocket, MQTT) talks to a single *Daemon.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/switchboard/internal/agent"
	"github.com/nugget/switchboard/internal/buildinfo"
	"github.com/nugget/switchboard/internal/compaction"
	"github.com/nugget/switchboard/internal/conversation"
	"github.com/nugget/switchboard/internal/events"
	"github.com/nugget/switchboard/internal/facts"
	"github.com/nugget/switchboard/internal/llm"
	"github.com/nugget/switchboard/internal/opstate"
	"github.com/nugget/switchboard/internal/prompts"
	"github.com/nugget/switchboard/internal/queue"
	"github.com/nugget/switchboard/internal/tools"
	"github.com/nugget/switchboard/internal/usage"
)

// DefaultHistoryLimit is how many messages a history request returns
// when it does not ask for a specific number.
const DefaultHistoryLimit = 20

// factSummaryCount is how many recent facts are shown in the system
// prompt.
const factSummaryCount = 10

// ErrEmptyMessage is returned when a chat carries no text.
var ErrEmptyMessage = errors.New("message content is empty")

// Options wires a daemon. Client, Store, and Archiver are required;
// the rest may be left zero.
type Options struct {
	Client   llm.Client
	Store    *conversation.Store
	Archiver *conversation.Archiver
	Facts    *facts.Store
	Session  *opstate.Session
	Usage    *usage.Store
	Bus      *events.Bus

	Loop       agent.Config
	Compaction compaction.Config

	Logger *slog.Logger
}

// Daemon is the running switchboard.
type Daemon struct {
	store     *conversation.Store
	archiver  *conversation.Archiver
	facts     *facts.Store
	session   *opstate.Session
	usage     *usage.Store
	model     string
	bus       *events.Bus
	loop      *agent.Loop
	compactor *compaction.Controller
	queue     *queue.Queue
	tools     *tools.Registry
	logger    *slog.Logger

	turnsProcessed atomic.Int64
	turnsFailed    atomic.Int64
	clients        atomic.Int64

	mu        sync.Mutex
	startedAt time.Time
	lastError string
	// startup holds notices from loading the log, replayed to clients
	// that connect later.
	startup []string
}

// New builds a daemon from opts. Nothing is loaded or started until
// Start is called.
func New(opts Options) (*Daemon, error) {
	if opts.Client == nil {
		return nil, errors.New("daemon: model client is required")
	}
	if opts.Store == nil || opts.Archiver == nil {
		return nil, errors.New("daemon: conversation store and archiver are required")
	}
	if opts.Compaction == (compaction.Config{}) {
		opts.Compaction = compaction.DefaultConfig()
	}
	if err := opts.Compaction.Validate(); err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.New()
	}

	d := &Daemon{
		store:    opts.Store,
		archiver: opts.Archiver,
		facts:    opts.Facts,
		session:  opts.Session,
		usage:    opts.Usage,
		model:    opts.Loop.Model,
		bus:      bus,
		logger:   logger.With("component", "daemon"),
	}

	d.tools = tools.NewRegistry(logger)
	var session tools.Session
	if opts.Session != nil {
		session = opts.Session
		opstate.RegisterTools(d.tools)
	}
	if opts.Facts != nil {
		facts.NewTools(opts.Facts).Register(d.tools)
	}

	d.loop = agent.NewLoop(opts.Client, d.tools, opts.Store, session, d.turnContext, opts.Loop, logger)
	d.compactor = compaction.New(opts.Store, opts.Archiver, d.loop, opts.Compaction, bus, logger)
	d.loop.SetCompactor(d.compactor)
	d.queue = queue.New(d.process, bus, logger)

	return d, nil
}

// Tools exposes the registry so callers can add domain tools before
// Start.
func (d *Daemon) Tools() *tools.Registry {
	return d.tools
}

// Bus returns the event bus every surface subscribes to.
func (d *Daemon) Bus() *events.Bus {
	return d.bus
}

// Start loads and repairs the conversation log. A corrupt file has
// already been moved aside by the store; the daemon starts with an
// empty log and says so.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	d.startedAt = time.Now()
	d.mu.Unlock()

	report, err := d.store.Load()
	switch {
	case errors.Is(err, conversation.ErrCorrupt):
		d.logger.Error("conversation file unreadable, starting empty", "error", err)
		d.startupNotice("Conversation file was unreadable; starting a fresh conversation.")
	case err != nil:
		return fmt.Errorf("load conversation: %w", err)
	case report.Changed():
		d.startupNotice(fmt.Sprintf("Repaired conversation on load: removed %d orphaned tool results and %d empty messages.",
			report.DroppedResults, report.DroppedMessages))
	}

	d.logger.Info("daemon started",
		"messages", d.store.Len(),
		"archives", d.archiver.Count(),
		"tools", len(d.tools.Names()),
	)

	// A log already over the limit (for example after a config change)
	// is compacted before the first turn.
	if d.compactor.NeedsCompaction() {
		d.queue.Enqueue(queue.NewEnvelope(kindCompact, "daemon", "", "", ""))
	}
	return nil
}

// kindCompact is an internal envelope kind used to run compaction on
// the drain goroutine.
const kindCompact queue.Kind = "compact"

func (d *Daemon) notice(text string) {
	d.bus.Emit(events.SourceDaemon, events.KindLog, map[string]any{"text": text})
}

func (d *Daemon) retainNotice(text string) {
	d.mu.Lock()
	d.startup = append(d.startup, text)
	d.mu.Unlock()
}

func (d *Daemon) startupNotice(text string) {
	d.retainNotice(text)
	d.notice(text)
}

// StartupNotices returns the log lines produced while the daemon
// started, oldest first.
func (d *Daemon) StartupNotices() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.startup...)
}

// Submit queues a chat message. It returns the envelope so callers can
// correlate the eventual response.
func (d *Daemon) Submit(source, content, author, replyTo string) (*queue.Envelope, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	env := queue.NewEnvelope(queue.KindChat, source, content, author, replyTo)
	d.queue.Enqueue(env)
	return env, nil
}

// Clear queues a reset of the conversation. It runs after any turn
// already queued.
func (d *Daemon) Clear(source, replyTo string) *queue.Envelope {
	env := queue.NewEnvelope(queue.KindClear, source, "", "", replyTo)
	d.queue.Enqueue(env)
	return env
}

func (d *Daemon) process(ctx context.Context, env *queue.Envelope) error {
	switch env.Kind {
	case queue.KindChat:
		res, err := d.loop.Run(ctx, agent.Turn{
			EnvelopeID: env.ID,
			Source:     env.Source,
			Author:     env.Author,
			Content:    env.Content,
			ReplyTo:    env.ReplyTo,
		}, d.bus)
		d.recordUsage(ctx, env, res, err)
		if err != nil {
			d.turnsFailed.Add(1)
			d.mu.Lock()
			d.lastError = err.Error()
			d.mu.Unlock()
			return err
		}
		d.turnsProcessed.Add(1)
		return nil

	case queue.KindClear:
		return d.clear()

	case kindCompact:
		res, err := d.compactor.Compact(ctx)
		if res != nil {
			// The controller already published its own log line.
			d.retainNotice(fmt.Sprintf("Compacted conversation on start: removed %d messages, kept %d.", res.Removed, res.After))
		}
		return err
	}
	return fmt.Errorf("unknown envelope kind %q", env.Kind)
}

// recordUsage appends the turn to the usage ledger. Ledger failures
// are logged and never fail the turn.
func (d *Daemon) recordUsage(ctx context.Context, env *queue.Envelope, res *agent.Result, turnErr error) {
	if d.usage == nil || res == nil {
		return
	}
	model := d.model
	if model == "" {
		model = "default"
	}
	if err := d.usage.Record(ctx, usage.Record{
		EnvelopeID:   env.ID,
		Source:       env.Source,
		Model:        model,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		Iterations:   res.Iterations,
		ToolCalls:    res.ToolCalls,
		Failed:       turnErr != nil,
	}); err != nil {
		d.logger.Warn("usage record failed", "envelope", env.ID, "error", err)
	}
}

// clear archives the log, empties it, and wipes the session. Each step
// is attempted even if an earlier one fails.
func (d *Daemon) clear() error {
	var errs []error
	removed := d.store.Len()

	if removed > 0 {
		if _, err := d.archiver.Archive(d.store.Messages()); err != nil {
			errs = append(errs, fmt.Errorf("archive: %w", err))
		}
	}
	if err := d.store.Reset(); err != nil {
		errs = append(errs, fmt.Errorf("reset conversation: %w", err))
	}
	if d.session != nil {
		if err := d.session.Reset(); err != nil {
			errs = append(errs, fmt.Errorf("reset session: %w", err))
		}
	}

	d.logger.Info("conversation cleared", "removed", removed)
	d.bus.Emit(events.SourceDaemon, events.KindCleared, map[string]any{"removed": removed})
	return errors.Join(errs...)
}

// turnContext gathers the dynamic system prompt sections. Lookup
// failures leave the section out.
func (d *Daemon) turnContext() prompts.TurnContext {
	tc := prompts.TurnContext{Now: time.Now()}
	if d.session != nil {
		if s, err := d.session.Summary(); err != nil {
			d.logger.Warn("session summary unavailable", "error", err)
		} else {
			tc.SessionSummary = s
		}
	}
	if d.facts != nil {
		if s, err := d.facts.Summary(factSummaryCount); err != nil {
			d.logger.Warn("fact summary unavailable", "error", err)
		} else {
			tc.FactSummary = s
		}
	}
	return tc
}

// History returns the last n messages, or DefaultHistoryLimit when n
// is not positive.
func (d *Daemon) History(n int) []conversation.Message {
	if n <= 0 {
		n = DefaultHistoryLimit
	}
	return d.store.Tail(n)
}

// Archives lists archived snapshots, newest first.
func (d *Daemon) Archives() ([]conversation.ArchiveInfo, error) {
	return d.archiver.List()
}

// ClientConnected records a new observer and returns the new count.
func (d *Daemon) ClientConnected() int {
	return int(d.clients.Add(1))
}

// ClientDisconnected records an observer leaving.
func (d *Daemon) ClientDisconnected() int {
	return int(d.clients.Add(-1))
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Version        string    `json:"version"`
	StartedAt      time.Time `json:"started_at"`
	Uptime         string    `json:"uptime"`
	Busy           bool      `json:"busy"`
	Current        string    `json:"current,omitempty"`
	Queued         int       `json:"queued"`
	TurnsProcessed int64     `json:"turns_processed"`
	TurnsFailed    int64     `json:"turns_failed"`
	Clients        int64     `json:"clients"`
	Messages       int       `json:"messages"`
	Archives       int       `json:"archives"`
	Facts          int       `json:"facts"`
	Tools          []string  `json:"tools"`
	LastError      string    `json:"last_error,omitempty"`
	// Compaction is the controller's view of the log against its limits.
	Compaction map[string]any `json:"compaction"`
	// Usage24h is the ledger total for the last day, when a ledger is
	// configured.
	Usage24h *usage.Summary `json:"usage_24h,omitempty"`
}

// Status reports the daemon's counters.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	started, lastErr := d.startedAt, d.lastError
	d.mu.Unlock()

	s := Status{
		Version:        buildinfo.Version,
		StartedAt:      started,
		Busy:           d.queue.Busy(),
		Current:        d.queue.Current(),
		Queued:         d.queue.Len(),
		TurnsProcessed: d.turnsProcessed.Load(),
		TurnsFailed:    d.turnsFailed.Load(),
		Clients:        d.clients.Load(),
		Messages:       d.store.Len(),
		Archives:       d.archiver.Count(),
		Tools:          d.tools.Names(),
		LastError:      lastErr,
		Compaction:     d.compactor.Stats(),
	}
	if !started.IsZero() {
		s.Uptime = time.Since(started).Round(time.Second).String()
	}
	if d.facts != nil {
		if n, err := d.facts.Count(); err == nil {
			s.Facts = n
		}
	}
	if d.usage != nil {
		now := time.Now()
		if sum, err := d.usage.Summary(now.Add(-24*time.Hour), now.Add(time.Second)); err == nil {
			s.Usage24h = sum
		}
	}
	return s
}

// Map renders the status as a frame payload.
func (s Status) Map() map[string]any {
	m := map[string]any{
		"version":         s.Version,
		"started_at":      s.StartedAt,
		"uptime":          s.Uptime,
		"busy":            s.Busy,
		"current":         s.Current,
		"queued":          s.Queued,
		"turns_processed": s.TurnsProcessed,
		"turns_failed":    s.TurnsFailed,
		"clients":         s.Clients,
		"messages":        s.Messages,
		"archives":        s.Archives,
		"facts":           s.Facts,
		"tools":           s.Tools,
		"last_error":      s.LastError,
		"compaction":      s.Compaction,
	}
	if s.Usage24h != nil {
		m["usage_24h"] = s.Usage24h
	}
	return m
}

// StatusMap is Status rendered for a socket or WebSocket frame.
func (d *Daemon) StatusMap() map[string]any {
	return d.Status().Map()
}

// Wait blocks until every queued envelope has been processed.
func (d *Daemon) Wait(ctx context.Context) error {
	return d.queue.Wait(ctx)
}

// Shutdown waits for in-flight work (bounded by ctx) and flushes the
// log to disk.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var errs []error
	if err := d.queue.Wait(ctx); err != nil {
		d.logger.Warn("shutdown with turns still queued", "queued", d.queue.Len(), "error", err)
		errs = append(errs, fmt.Errorf("drain queue: %w", err))
	}
	if err := d.store.Save(); err != nil {
		errs = append(errs, fmt.Errorf("save conversation: %w", err))
	}
	d.logger.Info("daemon stopped",
		"turns_processed", d.turnsProcessed.Load(),
		"turns_failed", d.turnsFailed.Load(),
		"messages", d.store.Len(),
	)
	return errors.Join(errs...)
}
