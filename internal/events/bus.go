// Package events provides the publish/subscribe bus that carries turn
// lifecycle events from the queue and agent loop to every surface
// watching the conversation (socket clients, the WebSocket bridge, the
// MQTT publisher). The bus is nil-safe: calling Publish on a nil *Bus
// is a no-op, which is how silent sub-turns suppress their output.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the tool-calling loop.
	SourceAgent = "agent"
	// SourceQueue identifies events from the message queue.
	SourceQueue = "queue"
	// SourceDaemon identifies daemon-level notices (startup, clear).
	SourceDaemon = "daemon"
	// SourceCompaction identifies events from the compaction controller.
	SourceCompaction = "compaction"
)

// Kind constants name the event types. They double as the "type"
// field of outbound socket frames.
const (
	// KindProcessing signals a turn starting or finishing.
	// Data: busy (bool), envelope_id, source, reply_to.
	KindProcessing = "processing"
	// KindLog is a free-text notice line.
	// Data: text.
	KindLog = "log"
	// KindTool fires before a tool executes.
	// Data: name, input, id.
	KindTool = "tool"
	// KindToolResult fires after a tool finishes.
	// Data: name, id, preview, is_error.
	KindToolResult = "tool-result"
	// KindResponse carries the final reply of a turn. Published exactly
	// once per successful turn, after the log has been persisted.
	// Data: text, reply_to, envelope_id, input_tokens, output_tokens.
	KindResponse = "response"
	// KindError reports a failed turn or rejected request.
	// Data: message, envelope_id.
	KindError = "error"
	// KindCleared signals the conversation and session were reset.
	KindCleared = "cleared"
)

// Event represents a single event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(source, kind string, data map[string]any) Event {
	return Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data}
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for Publish(NewEvent(source, kind, data)).
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(NewEvent(source, kind, data))
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
