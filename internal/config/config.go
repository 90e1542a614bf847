// Package config handles Switchboard configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/switchboard/config.yaml,
// /etc/switchboard/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "switchboard", "config.yaml"))
	}

	paths = append(paths, "/etc/switchboard/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Switchboard configuration.
type Config struct {
	DataDir          string             `yaml:"data_dir"`
	LogLevel         string             `yaml:"log_level"`
	LogFormat        string             `yaml:"log_format"` // text (default) or json
	SystemPromptFile string             `yaml:"system_prompt_file"`
	Socket           SocketConfig       `yaml:"socket"`
	Conversation     ConversationConfig `yaml:"conversation"`
	Compaction       CompactionConfig   `yaml:"compaction"`
	Loop             LoopConfig         `yaml:"loop"`
	Anthropic        AnthropicConfig    `yaml:"anthropic"`
	Web              WebConfig          `yaml:"web"`
	MQTT             MQTTConfig         `yaml:"mqtt"`
}

// SocketConfig defines the local control socket.
type SocketConfig struct {
	// Path is the unix socket path. Defaults to <data_dir>/switchboard.sock.
	// The file is removed and re-bound on every start.
	Path string `yaml:"path"`
}

// ConversationConfig defines where the conversation log and its
// archive snapshots live.
type ConversationConfig struct {
	File        string `yaml:"file"`         // default <data_dir>/conversation.json
	ArchiveDir  string `yaml:"archive_dir"`  // default <data_dir>/archive
	ArchiveKeep int    `yaml:"archive_keep"` // default 20
}

// CompactionConfig controls when the conversation log is compacted and
// how much of it survives.
type CompactionConfig struct {
	MaxMessages int `yaml:"max_messages"` // compact when the log exceeds this (default 50)
	KeepRecent  int `yaml:"keep_recent"`  // messages kept after compaction (default 10)
}

// LoopConfig bounds a single conversational turn.
type LoopConfig struct {
	MaxIterations int           `yaml:"max_iterations"` // model calls per turn (default 25)
	ModelTimeout  time.Duration `yaml:"model_timeout"`  // per model call (default 2m)
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	// Pricing maps model names to per-million-token prices for the
	// usage ledger. Models missing from the table cost nothing.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the USD price of one million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Configured reports whether an API key is present.
func (c AnthropicConfig) Configured() bool {
	return c.APIKey != ""
}

// WebConfig defines the optional WebSocket bridge. It always binds to
// a loopback address unless Address is set explicitly.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // default 127.0.0.1
	Port    int    `yaml:"port"`    // default 8089
}

// MQTTConfig defines the optional MQTT status publisher.
type MQTTConfig struct {
	Broker          string        `yaml:"broker"` // e.g. mqtt://localhost:1883; empty disables
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	DeviceName      string        `yaml:"device_name"`      // default "switchboard"
	DiscoveryPrefix string        `yaml:"discovery_prefix"` // default "homeassistant"
	PublishInterval time.Duration `yaml:"publish_interval"` // default 60s
	// AcceptChat subscribes to <base>/chat and queues each payload as a
	// chat message. Off by default: anyone who can publish to the broker
	// can then talk to the agent.
	AcceptChat bool `yaml:"accept_chat"`
	// ChatRateLimit caps inbound chat messages per minute (default 10).
	ChatRateLimit int `yaml:"chat_rate_limit"`
}

// Configured reports whether a broker URL is present.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, and defaults are applied to
// any field left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration rooted at dataDir.
func Default(dataDir string) *Config {
	cfg := &Config{DataDir: dataDir}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every zero-valued field with its default.
// Paths derived from DataDir are resolved here so callers never see
// an empty file or socket path.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Socket.Path == "" {
		c.Socket.Path = filepath.Join(c.DataDir, "switchboard.sock")
	}
	if c.Conversation.File == "" {
		c.Conversation.File = filepath.Join(c.DataDir, "conversation.json")
	}
	if c.Conversation.ArchiveDir == "" {
		c.Conversation.ArchiveDir = filepath.Join(c.DataDir, "archive")
	}
	if c.Conversation.ArchiveKeep == 0 {
		c.Conversation.ArchiveKeep = 20
	}
	if c.Compaction.MaxMessages == 0 {
		c.Compaction.MaxMessages = 50
	}
	if c.Compaction.KeepRecent == 0 {
		c.Compaction.KeepRecent = 10
	}
	if c.Loop.MaxIterations == 0 {
		c.Loop.MaxIterations = 25
	}
	if c.Loop.ModelTimeout == 0 {
		c.Loop.ModelTimeout = 2 * time.Minute
	}
	if c.Anthropic.Model == "" {
		c.Anthropic.Model = "claude-sonnet-4-20250514"
	}
	if c.Anthropic.MaxTokens == 0 {
		c.Anthropic.MaxTokens = 4096
	}
	if c.Web.Address == "" {
		c.Web.Address = "127.0.0.1"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8089
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "switchboard"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = 60 * time.Second
	}
	if c.MQTT.ChatRateLimit == 0 {
		c.MQTT.ChatRateLimit = 10
	}
}

// Validate checks cross-field constraints. It returns all problems
// joined into a single error.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q invalid (expected text or json)", c.LogFormat))
	}
	if c.Compaction.KeepRecent < 0 || c.Compaction.MaxMessages < 0 {
		errs = append(errs, fmt.Errorf("compaction limits must be positive"))
	}
	if c.Compaction.KeepRecent >= c.Compaction.MaxMessages {
		errs = append(errs, fmt.Errorf("compaction.keep_recent (%d) must be less than compaction.max_messages (%d)",
			c.Compaction.KeepRecent, c.Compaction.MaxMessages))
	}
	if c.Conversation.ArchiveKeep < 1 {
		errs = append(errs, fmt.Errorf("conversation.archive_keep must be at least 1"))
	}
	if c.Loop.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("loop.max_iterations must be at least 1"))
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		errs = append(errs, fmt.Errorf("web.port %d out of range", c.Web.Port))
	}

	return errors.Join(errs...)
}
