package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("data_dir: /tmp/sb\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: ./data\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("anthropic:\n  api_key: ${SWITCHBOARD_TEST_KEY}\n"), 0600)
	t.Setenv("SWITCHBOARD_TEST_KEY", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Anthropic.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.Anthropic.APIKey, "secret123")
	}
	if !cfg.Anthropic.Configured() {
		t.Error("Configured() = false, want true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: "+dir+"\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Socket.Path != filepath.Join(dir, "switchboard.sock") {
		t.Errorf("socket path = %q", cfg.Socket.Path)
	}
	if cfg.Conversation.File != filepath.Join(dir, "conversation.json") {
		t.Errorf("conversation file = %q", cfg.Conversation.File)
	}
	if cfg.Conversation.ArchiveKeep != 20 {
		t.Errorf("archive_keep = %d, want 20", cfg.Conversation.ArchiveKeep)
	}
	if cfg.Compaction.MaxMessages != 50 || cfg.Compaction.KeepRecent != 10 {
		t.Errorf("compaction = %+v, want 50/10", cfg.Compaction)
	}
	if cfg.Loop.ModelTimeout != 2*time.Minute {
		t.Errorf("model_timeout = %v, want 2m", cfg.Loop.ModelTimeout)
	}
	if cfg.MQTT.Configured() {
		t.Error("mqtt should not be configured by default")
	}
}

func TestLoad_Durations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("loop:\n  model_timeout: 45s\nmqtt:\n  publish_interval: 5m\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Loop.ModelTimeout != 45*time.Second {
		t.Errorf("model_timeout = %v, want 45s", cfg.Loop.ModelTimeout)
	}
	if cfg.MQTT.PublishInterval != 5*time.Minute {
		t.Errorf("publish_interval = %v, want 5m", cfg.MQTT.PublishInterval)
	}
}

func TestLoad_MQTTChatAndPricing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `anthropic:
  pricing:
    claude-sonnet-4-20250514:
      input_per_million: 3
      output_per_million: 15
mqtt:
  broker: mqtt://broker:1883
  accept_chat: true
`
	os.WriteFile(path, []byte(yaml), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if !cfg.MQTT.Configured() || !cfg.MQTT.AcceptChat || cfg.MQTT.ChatRateLimit != 10 {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
	p := cfg.Anthropic.Pricing["claude-sonnet-4-20250514"]
	if p.InputPerMillion != 3 || p.OutputPerMillion != 15 {
		t.Errorf("pricing = %+v", cfg.Anthropic.Pricing)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults ok", func(*Config) {}, ""},
		{"keep >= max", func(c *Config) { c.Compaction.KeepRecent = 50 }, "keep_recent"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"zero iterations", func(c *Config) { c.Loop.MaxIterations = -1 }, "max_iterations"},
		{"bad port", func(c *Config) { c.Web.Port = 70000 }, "web.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(t.TempDir())
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(context.Background(), LevelTrace, "wire")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("output %q missing level=TRACE", buf.String())
	}
}
