package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/events"
	"github.com/nugget/switchboard/internal/queue"
)

type recordingClient struct {
	mu   sync.Mutex
	sent []*paho.Publish
}

func (r *recordingClient) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, p)
	return &paho.PublishResponse{}, nil
}

func (r *recordingClient) byTopic(topic string) []*paho.Publish {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*paho.Publish
	for _, p := range r.sent {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

type staticStats map[string]any

func (s staticStats) StatusMap() map[string]any { return s }

type recordingSink struct {
	mu     sync.Mutex
	got    []chatPayload
	source string
	err    error
}

func (s *recordingSink) Submit(source, content, author, _ string) (*queue.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.source = source
	s.got = append(s.got, chatPayload{Content: content, Author: author})
	return queue.NewEnvelope(queue.KindChat, source, content, author, source), nil
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "studio",
		DiscoveryPrefix: "homeassistant",
		PublishInterval: time.Minute,
	}
}

func newTestPublisher(cfg config.MQTTConfig, stats StatsSource) (*Publisher, *recordingClient) {
	p := New(cfg, "inst-1", stats, events.New(), nil)
	rc := &recordingClient{}
	p.client = rc
	return p, rc
}

func TestPublisher_TopicPaths(t *testing.T) {
	p, _ := newTestPublisher(testConfig(), nil)

	tests := []struct {
		name, got, want string
	}{
		{"base", p.baseTopic(), "switchboard/studio"},
		{"availability", p.availabilityTopic(), "switchboard/studio/availability"},
		{"state", p.stateTopic("messages"), "switchboard/studio/messages/state"},
		{"events", p.eventsTopic(), "switchboard/studio/events"},
		{"chat", p.chatTopic(), "switchboard/studio/chat"},
		{"discovery", p.discoveryTopic("binary_sensor", "processing"), "homeassistant/binary_sensor/studio/processing/config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_SensorDefinitions(t *testing.T) {
	p, _ := newTestPublisher(testConfig(), nil)
	defs := p.sensorDefinitions()

	seen := make(map[string]sensorDef)
	for _, d := range defs {
		if _, dup := seen[d.entity]; dup {
			t.Errorf("duplicate entity %q", d.entity)
		}
		seen[d.entity] = d

		if d.config.UniqueID != "inst-1_"+d.entity {
			t.Errorf("%s unique_id = %q", d.entity, d.config.UniqueID)
		}
		if d.config.StateTopic != p.stateTopic(d.entity) {
			t.Errorf("%s state_topic = %q", d.entity, d.config.StateTopic)
		}
		if d.config.AvailabilityTopic != p.availabilityTopic() {
			t.Errorf("%s availability_topic = %q", d.entity, d.config.AvailabilityTopic)
		}
		if d.config.Device.Identifiers[0] != "inst-1" {
			t.Errorf("%s device identifiers = %v", d.entity, d.config.Device.Identifiers)
		}
	}

	for _, want := range []string{"turns_processed", "turns_failed", "queued", "clients", "messages", "archives", "facts", "tokens_today", "uptime", "version", "last_response", "processing"} {
		if _, ok := seen[want]; !ok {
			t.Errorf("missing sensor %q", want)
		}
	}
	if seen["processing"].component != "binary_sensor" || seen["processing"].config.PayloadOn != "ON" {
		t.Errorf("processing def = %+v", seen["processing"])
	}
	if seen["tokens_today"].config.UnitOfMeasurement != "tokens" {
		t.Errorf("tokens_today unit = %q", seen["tokens_today"].config.UnitOfMeasurement)
	}
}

func TestPublisher_PublishDiscovery(t *testing.T) {
	p, rc := newTestPublisher(testConfig(), nil)
	p.publishDiscovery(context.Background())

	got := rc.byTopic("homeassistant/sensor/studio/messages/config")
	if len(got) != 1 || !got[0].Retain || got[0].QoS != 1 {
		t.Fatalf("messages discovery = %+v", got)
	}
	var cfg SensorConfig
	if err := json.Unmarshal(got[0].Payload, &cfg); err != nil {
		t.Fatalf("unmarshal discovery: %v", err)
	}
	if cfg.Name != "Conversation Messages" || cfg.Device.Manufacturer != "Switchboard" {
		t.Errorf("discovery payload = %+v", cfg)
	}
}

func TestPublisher_StateValues(t *testing.T) {
	stats := staticStats{
		"turns_processed": int64(4),
		"messages":        12,
		"uptime":          "3m0s",
		"version":         "dev",
		"busy":            true,
	}
	p, rc := newTestPublisher(testConfig(), stats)
	p.tokens.OnTokens(100, 23)

	states := p.stateValues()
	want := map[string]string{
		"turns_processed": "4",
		"messages":        "12",
		"uptime":          "3m0s",
		"version":         "dev",
		"tokens_today":    "123",
		"processing":      "OFF",
		"last_response":   "unknown",
	}
	for k, v := range want {
		if states[k] != v {
			t.Errorf("states[%q] = %q, want %q", k, states[k], v)
		}
	}
	if _, ok := states["busy"]; ok {
		t.Error("unpublished status key leaked into states")
	}

	p.publishStates(context.Background())
	if got := rc.byTopic("switchboard/studio/tokens_today/state"); len(got) != 1 || string(got[0].Payload) != "123" {
		t.Errorf("tokens_today publish = %+v", got)
	}
}

func TestPublisher_HandleEvent(t *testing.T) {
	p, rc := newTestPublisher(testConfig(), nil)
	ctx := context.Background()
	ts := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)

	p.handleEvent(ctx, events.Event{Timestamp: ts, Source: events.SourceQueue, Kind: events.KindProcessing, Data: map[string]any{"busy": true}})
	if got := rc.byTopic("switchboard/studio/processing/state"); len(got) != 1 || string(got[0].Payload) != "ON" {
		t.Errorf("processing state = %+v", got)
	}

	p.handleEvent(ctx, events.Event{
		Timestamp: ts,
		Source:    events.SourceAgent,
		Kind:      events.KindResponse,
		Data:      map[string]any{"text": "hi", "input_tokens": 40, "output_tokens": float64(2)},
	})
	if in, out, turns := p.tokens.Snapshot(); in != 40 || out != 2 || turns != 1 {
		t.Errorf("tokens = (%d, %d, %d)", in, out, turns)
	}
	if got := p.stateValues()["last_response"]; got != "2026-10-16T09:30:00Z" {
		t.Errorf("last_response = %q", got)
	}

	mirrored := rc.byTopic("switchboard/studio/events")
	if len(mirrored) != 2 {
		t.Fatalf("mirrored %d events, want 2", len(mirrored))
	}
	var e events.Event
	if err := json.Unmarshal(mirrored[1].Payload, &e); err != nil {
		t.Fatalf("unmarshal mirrored event: %v", err)
	}
	if e.Kind != events.KindResponse || e.Data["text"] != "hi" || mirrored[1].Retain {
		t.Errorf("mirrored event = %+v retain=%v", e, mirrored[1].Retain)
	}
}

func TestPublisher_NotConnected(t *testing.T) {
	p := New(testConfig(), "inst-1", nil, nil, nil)
	if err := p.publish(context.Background(), "t", nil, 0, false); err == nil {
		t.Error("publish without a connection should fail")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop() before Start = %v", err)
	}
}

func TestPublisher_HandleMessage(t *testing.T) {
	cfg := testConfig()
	cfg.AcceptChat = true
	cfg.ChatRateLimit = 2
	p, _ := newTestPublisher(cfg, nil)
	sink := &recordingSink{}
	p.SetChatSink(sink)

	if p.handleMessage("switchboard/studio/other", []byte("hi")) {
		t.Error("message on foreign topic consumed")
	}
	if !p.handleMessage(p.chatTopic(), []byte(`{"content":"play it again","author":"sam"}`)) {
		t.Error("chat message not consumed")
	}
	p.handleMessage(p.chatTopic(), []byte("  "))
	p.handleMessage(p.chatTopic(), []byte("plain text"))
	p.handleMessage(p.chatTopic(), []byte("over the limit"))

	if len(sink.got) != 2 {
		t.Fatalf("submitted %d messages, want 2: %+v", len(sink.got), sink.got)
	}
	if sink.got[0] != (chatPayload{Content: "play it again", Author: "sam"}) || sink.got[1].Content != "plain text" {
		t.Errorf("submitted = %+v", sink.got)
	}
	if sink.source != "mqtt" {
		t.Errorf("source = %q, want mqtt", sink.source)
	}
}

func TestPublisher_HandleMessage_Disabled(t *testing.T) {
	p, _ := newTestPublisher(testConfig(), nil)
	sink := &recordingSink{}
	p.SetChatSink(sink)
	if p.handleMessage(p.chatTopic(), []byte("hello")) || len(sink.got) != 0 {
		t.Error("chat accepted while accept_chat is off")
	}
}

func TestPublisher_HandleMessage_SubmitError(t *testing.T) {
	cfg := testConfig()
	cfg.AcceptChat = true
	p, _ := newTestPublisher(cfg, nil)
	p.SetChatSink(&recordingSink{err: errors.New("empty message")})
	if !p.handleMessage(p.chatTopic(), []byte("x")) {
		t.Error("rejected submit should still consume the message")
	}
}
