package mqtt

import (
	"testing"
	"time"
)

func TestParseChatPayload(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		wantContent string
		wantAuthor  string
		wantOK      bool
	}{
		{"plain", "turn the lights down", "turn the lights down", "", true},
		{"json", `{"content":" hi ","author":"ada"}`, "hi", "ada", true},
		{"json without content", `{"author":"ada"}`, "", "ada", false},
		{"malformed json is text", `{"content":`, `{"content":`, "", true},
		{"json array is text", `["a"]`, `["a"]`, "", true},
		{"blank", " \n ", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, author, ok := parseChatPayload([]byte(tt.payload))
			if content != tt.wantContent || author != tt.wantAuthor || ok != tt.wantOK {
				t.Errorf("parseChatPayload(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.payload, content, author, ok, tt.wantContent, tt.wantAuthor, tt.wantOK)
			}
		})
	}
}

func TestMessageRateLimiter(t *testing.T) {
	clock := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	r := newMessageRateLimiter(3)
	r.now = func() time.Time { return clock }

	for i := range 3 {
		if !r.allow() {
			t.Fatalf("message %d rejected under the limit", i+1)
		}
	}
	if r.allow() || r.allow() {
		t.Error("messages over the limit were admitted")
	}
	if r.droppedCount() != 2 {
		t.Errorf("droppedCount() = %d, want 2", r.droppedCount())
	}

	clock = clock.Add(time.Minute)
	if !r.allow() {
		t.Error("new window should admit messages")
	}
	if r.droppedCount() != 0 {
		t.Errorf("droppedCount() after reset = %d", r.droppedCount())
	}
}
