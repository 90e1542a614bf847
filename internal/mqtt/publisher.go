package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/events"
	"github.com/nugget/switchboard/internal/queue"
)

// StatsSource provides the daemon counters published as sensor states.
type StatsSource interface {
	StatusMap() map[string]any
}

// ChatSink accepts chat messages received on the chat topic.
type ChatSink interface {
	Submit(source, content, author, replyTo string) (*queue.Envelope, error)
}

// publishClient is the subset of [autopaho.ConnectionManager] the
// publisher writes through.
type publishClient interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// chatSource tags envelopes that arrived over MQTT.
const chatSource = "mqtt"

// Publisher owns the broker connection. It publishes discovery configs
// and availability on every (re-)connect, pushes sensor states on a
// ticker, mirrors bus events, and optionally feeds the chat topic into
// the daemon queue.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	tokens     *DailyTokens
	stats      StatsSource
	bus        *events.Bus
	logger     *slog.Logger

	chat    ChatSink
	limiter *messageRateLimiter

	mu           sync.Mutex
	client       publishClient
	cm           *autopaho.ConnectionManager
	processing   bool
	lastResponse time.Time
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, stats StatsSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = events.New()
	}
	limit := cfg.ChatRateLimit
	if limit <= 0 {
		limit = 10
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		tokens:     NewDailyTokens(nil),
		stats:      stats,
		bus:        bus,
		logger:     logger.With("component", "mqtt"),
		limiter:    newMessageRateLimiter(limit),
	}
}

// SetChatSink installs the receiver for inbound chat. It only takes
// effect when the configuration enables accept_chat.
func (p *Publisher) SetChatSink(sink ChatSink) {
	p.chat = sink
}

// Tokens exposes today's token accumulator.
func (p *Publisher) Tokens() *DailyTokens {
	return p.tokens
}

// Start connects to the broker and runs until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx)
			p.publishAvailability(ctx, "online")
			p.subscribeChat(ctx, cm)
			p.publishStates(ctx)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "switchboard-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					return p.handleMessage(pr.Packet.Topic, pr.Packet.Payload), nil
				},
			},
			OnClientError: func(err error) {
				p.logger.Warn("client error", "error", err)
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.client = cm
	p.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("initial connection timed out, retrying in background", "error", err)
	}

	sub := p.bus.Subscribe(256)
	defer p.bus.Unsubscribe(sub)
	p.runLoop(ctx, sub)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, "offline")
	return cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "switchboard/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) eventsTopic() string {
	return p.baseTopic() + "/events"
}

func (p *Publisher) chatTopic() string {
	return p.baseTopic() + "/chat"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	component string
	entity    string
	config    SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              name,
		ObjectID:          p.cfg.DeviceName + "_" + entity,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.stateTopic(entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	counter := func(entity, name, icon string) sensorDef {
		c := p.sensor(entity, name, icon)
		c.StateClass = "total_increasing"
		return sensorDef{component: "sensor", entity: entity, config: c}
	}
	gauge := func(entity, name, icon string) sensorDef {
		c := p.sensor(entity, name, icon)
		c.StateClass = "measurement"
		return sensorDef{component: "sensor", entity: entity, config: c}
	}
	diagnostic := func(entity, name, icon string) sensorDef {
		c := p.sensor(entity, name, icon)
		c.EntityCategory = "diagnostic"
		return sensorDef{component: "sensor", entity: entity, config: c}
	}

	tokens := counter("tokens_today", "Tokens Today", "mdi:counter")
	tokens.config.UnitOfMeasurement = "tokens"

	lastResponse := diagnostic("last_response", "Last Response", "mdi:clock-check")
	lastResponse.config.DeviceClass = "timestamp"

	processing := p.sensor("processing", "Processing", "mdi:cog-sync")
	processing.PayloadOn = "ON"
	processing.PayloadOff = "OFF"
	processing.DeviceClass = "running"

	return []sensorDef{
		counter("turns_processed", "Turns Processed", "mdi:message-check"),
		counter("turns_failed", "Turns Failed", "mdi:message-alert"),
		gauge("queued", "Queued Messages", "mdi:tray-full"),
		gauge("clients", "Connected Clients", "mdi:lan-connect"),
		gauge("messages", "Conversation Messages", "mdi:forum"),
		gauge("archives", "Archived Conversations", "mdi:archive"),
		gauge("facts", "Stored Facts", "mdi:brain"),
		tokens,
		diagnostic("uptime", "Uptime", "mdi:clock-outline"),
		diagnostic("version", "Version", "mdi:tag"),
		lastResponse,
		{component: "binary_sensor", entity: "processing", config: processing},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context) {
	for _, s := range p.sensorDefinitions() {
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("marshal discovery payload", "entity", s.entity, "error", err)
			continue
		}
		topic := p.discoveryTopic(s.component, s.entity)
		if err := p.publish(ctx, topic, payload, 1, true); err != nil {
			p.logger.Warn("discovery publish failed", "entity", s.entity, "topic", topic, "error", err)
		}
	}
	p.logger.Debug("discovery published")
}

func (p *Publisher) publishAvailability(ctx context.Context, status string) {
	if err := p.publish(ctx, p.availabilityTopic(), []byte(status), 1, true); err != nil {
		p.logger.Warn("availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("availability published", "status", status)
}

// subscribeChat registers for inbound chat when it is enabled. It runs
// on every connect because a clean session forgets subscriptions.
func (p *Publisher) subscribeChat(ctx context.Context, cm *autopaho.ConnectionManager) {
	if !p.cfg.AcceptChat || p.chat == nil {
		return
	}
	topic := p.chatTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("chat subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Info("accepting chat", "topic", topic)
}

// --- State publishing ---

func (p *Publisher) runLoop(ctx context.Context, sub <-chan events.Event) {
	interval := p.cfg.PublishInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		case e, ok := <-sub:
			if !ok {
				return
			}
			p.handleEvent(ctx, e)
		}
	}
}

// handleEvent mirrors e onto the events topic and updates the sensors
// that track it.
func (p *Publisher) handleEvent(ctx context.Context, e events.Event) {
	switch e.Kind {
	case events.KindProcessing:
		busy, _ := e.Data["busy"].(bool)
		p.mu.Lock()
		p.processing = busy
		p.mu.Unlock()
		if err := p.publish(ctx, p.stateTopic("processing"), []byte(onOff(busy)), 0, true); err != nil {
			p.logger.Debug("processing state publish failed", "error", err)
		}
	case events.KindResponse:
		p.tokens.OnTokens(intValue(e.Data["input_tokens"]), intValue(e.Data["output_tokens"]))
		p.mu.Lock()
		p.lastResponse = e.Timestamp
		p.mu.Unlock()
	}

	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Debug("marshal event", "kind", e.Kind, "error", err)
		return
	}
	if err := p.publish(ctx, p.eventsTopic(), payload, 0, false); err != nil {
		p.logger.Debug("event publish failed", "kind", e.Kind, "error", err)
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	states := p.stateValues()
	for entity, value := range states {
		if err := p.publish(ctx, p.stateTopic(entity), []byte(value), 0, true); err != nil {
			p.logger.Debug("state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("sensor states published", "entities", len(states))
}

// stateValues renders every sensor's current state as a payload string.
func (p *Publisher) stateValues() map[string]string {
	states := make(map[string]string)
	if p.stats != nil {
		status := p.stats.StatusMap()
		for _, key := range []string{"turns_processed", "turns_failed", "queued", "clients", "messages", "archives", "facts", "uptime", "version"} {
			if v, ok := status[key]; ok {
				states[key] = fmt.Sprint(v)
			}
		}
	}

	input, output, _ := p.tokens.Snapshot()
	states["tokens_today"] = strconv.FormatInt(input+output, 10)

	p.mu.Lock()
	states["processing"] = onOff(p.processing)
	if p.lastResponse.IsZero() {
		states["last_response"] = "unknown"
	} else {
		states["last_response"] = p.lastResponse.Format(time.RFC3339)
	}
	p.mu.Unlock()
	return states
}

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return errors.New("not connected")
	}
	_, err := client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	return err
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// intValue reads a token count from event data, which carries ints
// in-process and float64 after a JSON round trip.
func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
