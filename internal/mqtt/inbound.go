package mqtt

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// chatPayload is the JSON form accepted on the chat topic. Any payload
// that is not a JSON object is treated as the message text.
type chatPayload struct {
	Content string `json:"content"`
	Author  string `json:"author"`
}

// parseChatPayload extracts the message text and optional author. ok is
// false when there is no text to submit.
func parseChatPayload(payload []byte) (content, author string, ok bool) {
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") {
		var p chatPayload
		if err := json.Unmarshal([]byte(trimmed), &p); err == nil {
			content = strings.TrimSpace(p.Content)
			return content, strings.TrimSpace(p.Author), content != ""
		}
	}
	return trimmed, "", trimmed != ""
}

// handleMessage routes one inbound publish. It reports whether the
// message was consumed.
func (p *Publisher) handleMessage(topic string, payload []byte) bool {
	if topic != p.chatTopic() || !p.cfg.AcceptChat || p.chat == nil {
		p.logger.Debug("message ignored", "topic", topic, "payload_size", len(payload))
		return false
	}

	content, author, ok := parseChatPayload(payload)
	if !ok {
		p.logger.Debug("empty chat payload dropped", "topic", topic)
		return true
	}
	if !p.limiter.allow() {
		p.logger.Warn("chat message dropped by rate limit",
			"limit_per_minute", p.limiter.limit,
			"dropped", p.limiter.droppedCount(),
		)
		return true
	}

	env, err := p.chat.Submit(chatSource, content, author, chatSource)
	if err != nil {
		p.logger.Warn("chat submit failed", "error", err)
		return true
	}
	p.logger.Info("chat queued", "envelope", env.ID, "author", author)
	return true
}

// messageRateLimiter admits at most limit messages per interval. The
// window resets lazily on the first message after it expires.
type messageRateLimiter struct {
	mu       sync.Mutex
	limit    int
	interval time.Duration
	start    time.Time
	count    int
	dropped  int
	now      func() time.Time
}

func newMessageRateLimiter(perMinute int) *messageRateLimiter {
	return &messageRateLimiter{limit: perMinute, interval: time.Minute, now: time.Now}
}

// allow counts one message and reports whether it is within the limit.
func (r *messageRateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.start) >= r.interval {
		r.start = now
		r.count = 0
		r.dropped = 0
	}
	r.count++
	if r.count > r.limit {
		r.dropped++
		return false
	}
	return true
}

// droppedCount returns how many messages the current window rejected.
func (r *messageRateLimiter) droppedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
