// Package queue serializes inbound messages. Every surface enqueues
// envelopes here; a single drain goroutine hands them to the processor
// one at a time in arrival order, so only one turn ever touches the
// conversation at once.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/switchboard/internal/events"
)

// Kind distinguishes what an envelope asks for.
type Kind string

const (
	// KindChat is a message for the agent.
	KindChat Kind = "chat"
	// KindClear archives and empties the conversation.
	KindClear Kind = "clear"
)

// Envelope is one inbound request. It is consumed exactly once.
type Envelope struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Source     string    `json:"source"`
	Content    string    `json:"content,omitempty"`
	Author     string    `json:"author,omitempty"`
	ReplyTo    string    `json:"reply_to,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewEnvelope stamps a request with a fresh time-ordered id and the
// current time.
func NewEnvelope(kind Kind, source, content, author, replyTo string) *Envelope {
	return &Envelope{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Kind:       kind,
		Source:     source,
		Content:    content,
		Author:     author,
		ReplyTo:    replyTo,
		ReceivedAt: time.Now(),
	}
}

// ProcessFunc handles one envelope. Errors are logged and do not stop
// the queue.
type ProcessFunc func(ctx context.Context, env *Envelope) error

// Queue is a FIFO of envelopes drained by at most one goroutine.
type Queue struct {
	process ProcessFunc
	bus     *events.Bus
	logger  *slog.Logger

	mu      sync.Mutex
	pending []*Envelope
	busy    bool
	current string
	idle    chan struct{} // closed while nothing is queued or running
}

// New creates a queue. bus may be nil.
func New(process ProcessFunc, bus *events.Bus, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		process: process,
		bus:     bus,
		logger:  logger.With("component", "queue"),
		idle:    idle,
	}
}

// Enqueue appends env and starts draining if the queue is idle. It
// never blocks on processing.
func (q *Queue) Enqueue(env *Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, env)
	q.logger.Debug("envelope queued",
		"envelope", env.ID,
		"kind", env.Kind,
		"source", env.Source,
		"depth", len(q.pending),
	)
	if q.busy {
		return
	}
	q.busy = true
	q.idle = make(chan struct{})
	go q.drain()
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.busy = false
			q.current = ""
			close(q.idle)
			q.mu.Unlock()
			return
		}
		env := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.current = env.ID
		q.mu.Unlock()

		q.run(env)
	}
}

func (q *Queue) run(env *Envelope) {
	q.bus.Emit(events.SourceQueue, events.KindProcessing, map[string]any{
		"busy":        true,
		"envelope_id": env.ID,
		"source":      env.Source,
		"reply_to":    env.ReplyTo,
	})
	start := time.Now()

	err := q.safeProcess(env)

	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		q.logger.Error("envelope failed", "envelope", env.ID, "kind", env.Kind, "error", err, "elapsed", elapsed)
	} else {
		q.logger.Debug("envelope processed", "envelope", env.ID, "kind", env.Kind, "elapsed", elapsed)
	}

	q.bus.Emit(events.SourceQueue, events.KindProcessing, map[string]any{
		"busy":        false,
		"envelope_id": env.ID,
		"source":      env.Source,
		"reply_to":    env.ReplyTo,
	})
}

func (q *Queue) safeProcess(env *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("processor panicked", "envelope", env.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return q.process(context.Background(), env)
}

// Len returns the number of envelopes waiting, excluding the one in
// flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Busy reports whether a turn is in flight.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

// Current returns the id of the envelope being processed, or "".
func (q *Queue) Current() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// Wait blocks until the queue is empty and idle or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-idle:
			// An enqueue may have raced the close; check again.
			q.mu.Lock()
			done := !q.busy
			q.mu.Unlock()
			if done {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
