// Package compaction keeps the conversation log bounded. When the log
// grows past its limit the controller archives it, gives the agent one
// silent turn to move what matters into long-term memory, and then
// drops all but the most recent messages.
package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/switchboard/internal/conversation"
	"github.com/nugget/switchboard/internal/events"
	"github.com/nugget/switchboard/internal/prompts"
)

// Config controls when compaction triggers and how much survives it.
type Config struct {
	MaxMessages int // compact when the log holds more than this
	KeepRecent  int // messages kept after compaction
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{MaxMessages: 50, KeepRecent: 10}
}

// Validate reports whether the limits are usable.
func (c Config) Validate() error {
	if c.KeepRecent < 0 || c.MaxMessages < 1 {
		return fmt.Errorf("compaction limits must be positive (max %d, keep %d)", c.MaxMessages, c.KeepRecent)
	}
	if c.KeepRecent >= c.MaxMessages {
		return fmt.Errorf("keep_recent (%d) must be less than max_messages (%d)", c.KeepRecent, c.MaxMessages)
	}
	return nil
}

// Store is the part of the conversation store compaction needs.
type Store interface {
	Messages() []conversation.Message
	Len() int
	TruncateTo(keep int) (int, error)
}

// Archiver snapshots the log before it is cut.
type Archiver interface {
	Archive(msgs []conversation.Message) (string, error)
}

// Flusher runs the memory flush sub-turn. It must not append to the
// log or publish events.
type Flusher interface {
	RunSilent(ctx context.Context, history []conversation.Message, instruction string) (string, error)
}

// Result describes one compaction run.
type Result struct {
	Before      int
	After       int
	Removed     int
	ArchivePath string
	Flushed     bool
}

// Controller performs compaction on a conversation store.
type Controller struct {
	store    Store
	archiver Archiver
	flusher  Flusher
	config   Config
	bus      *events.Bus
	logger   *slog.Logger
}

// New creates a compaction controller. archiver, flusher, and bus may
// be nil; the matching step is then skipped.
func New(store Store, archiver Archiver, flusher Flusher, config Config, bus *events.Bus, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:    store,
		archiver: archiver,
		flusher:  flusher,
		config:   config,
		bus:      bus,
		logger:   logger.With("component", "compaction"),
	}
}

// SetFlusher installs the flush sub-turn runner. The agent loop and
// the controller refer to each other, so one side is wired late.
func (c *Controller) SetFlusher(f Flusher) {
	c.flusher = f
}

// NeedsCompaction reports whether the log is over its limit.
func (c *Controller) NeedsCompaction() bool {
	return c.store.Len() > c.config.MaxMessages
}

// MaybeCompact compacts the log if it is over its limit. Failures are
// logged; it never returns an error.
func (c *Controller) MaybeCompact(ctx context.Context) {
	if !c.NeedsCompaction() {
		return
	}
	if _, err := c.Compact(ctx); err != nil {
		c.logger.Error("compaction failed", "error", err)
	}
}

// Compact archives, flushes, and truncates the log unconditionally.
// A failed archive or flush does not stop the truncation; the returned
// error reports only a failure to persist the truncated log.
func (c *Controller) Compact(ctx context.Context) (*Result, error) {
	msgs := c.store.Messages()
	res := &Result{Before: len(msgs)}

	c.logger.Info("compaction started",
		"messages", res.Before,
		"max_messages", c.config.MaxMessages,
		"keep_recent", c.config.KeepRecent,
	)

	if c.archiver != nil {
		path, err := c.archiver.Archive(msgs)
		if err != nil {
			c.logger.Warn("archive before compaction failed", "error", err)
		} else {
			res.ArchivePath = path
		}
	}

	if c.flusher != nil {
		reply, err := c.flusher.RunSilent(ctx, msgs, prompts.FlushInstruction())
		switch {
		case err != nil:
			c.logger.Warn("memory flush failed, truncating anyway", "error", err)
		case !strings.Contains(reply, prompts.FlushSentinel):
			c.logger.Warn("memory flush ended without sentinel", "reply", truncate(reply, 120))
			res.Flushed = true
		default:
			res.Flushed = true
		}
	}

	removed, err := c.store.TruncateTo(c.config.KeepRecent)
	res.Removed = removed
	res.After = res.Before - removed

	c.logger.Info("compaction finished",
		"removed", removed,
		"kept", res.After,
		"flushed", res.Flushed,
		"archive", res.ArchivePath,
	)
	c.bus.Emit(events.SourceCompaction, events.KindLog, map[string]any{
		"text": fmt.Sprintf("Compacted conversation: removed %d messages, kept %d.", removed, res.After),
	})

	if err != nil {
		return res, fmt.Errorf("save truncated log: %w", err)
	}
	return res, nil
}

// Stats returns the controller's view of the log for status reports.
func (c *Controller) Stats() map[string]any {
	n := c.store.Len()
	return map[string]any{
		"messages":         n,
		"max_messages":     c.config.MaxMessages,
		"keep_recent":      c.config.KeepRecent,
		"needs_compaction": n > c.config.MaxMessages,
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
