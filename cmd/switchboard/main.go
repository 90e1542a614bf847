// Switchboard is a single-conversation agent daemon. Every front end
// (the local socket, a browser over WebSocket, MQTT) feeds one queue,
// and every client sees every event.
//
// Usage:
//
//	switchboard serve             Run the daemon
//	switchboard init [dir]        Write a starter config and system prompt
//	switchboard send <message>    Send a chat message and print the reply
//	switchboard status            Show daemon counters
//	switchboard history [n]       Print the last n messages (default 20)
//	switchboard clear             Archive and reset the conversation
//	switchboard archives          List archived conversations
//	switchboard version           Print version and build information
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/switchboard/internal/agent"
	"github.com/nugget/switchboard/internal/buildinfo"
	"github.com/nugget/switchboard/internal/compaction"
	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/conversation"
	"github.com/nugget/switchboard/internal/daemon"
	"github.com/nugget/switchboard/internal/events"
	"github.com/nugget/switchboard/internal/facts"
	"github.com/nugget/switchboard/internal/llm"
	"github.com/nugget/switchboard/internal/mqtt"
	"github.com/nugget/switchboard/internal/opstate"
	"github.com/nugget/switchboard/internal/socket"
	"github.com/nugget/switchboard/internal/usage"
	"github.com/nugget/switchboard/internal/web"
)

// shutdownTimeout bounds how long serve waits for an in-flight turn
// after a shutdown signal.
const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every command.
type options struct {
	configPath string
	output     string // text or json
}

// run is the real entry point. Arguments are parsed by hand so tests
// can call run concurrently without the flag package's globals.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.output = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.output = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case command == "" && !strings.HasPrefix(args[i], "-"):
			command = args[i]
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.output == "" {
		opts.output = "text"
	}
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "send":
		if len(cmdArgs) == 0 {
			return errors.New("usage: switchboard send <message>")
		}
		return runSend(ctx, stdout, opts, strings.Join(cmdArgs, " "))
	case "status":
		return runStatus(ctx, stdout, opts)
	case "history":
		limit := daemon.DefaultHistoryLimit
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n < 1 {
				return fmt.Errorf("history: invalid count %q", cmdArgs[0])
			}
			limit = n
		}
		return runHistory(ctx, stdout, opts, limit)
	case "clear":
		return runClear(ctx, stdout, opts)
	case "archives":
		return runArchives(stdout, opts)
	case "version":
		return runVersion(stdout, opts.output)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, output string) error {
	info := buildinfo.Info()
	if output == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		fmt.Fprintf(w, "  %-12s %s\n", k+":", info[k])
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Switchboard - one conversation, many front ends")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: switchboard [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Run the daemon")
	fmt.Fprintln(w, "  init [dir]       Write a starter config and system prompt (default: .)")
	fmt.Fprintln(w, "  send <message>   Send a chat message and print the reply")
	fmt.Fprintln(w, "  status           Show daemon counters")
	fmt.Fprintln(w, "  history [n]      Print the last n messages")
	fmt.Fprintln(w, "  clear            Archive and reset the conversation")
	fmt.Fprintln(w, "  archives         List archived conversations")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>   Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// runServe wires every component and blocks until ctx is cancelled or
// SIGINT/SIGTERM arrives.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(stdout, level, cfg.LogFormat)
	logger.Info("starting", "version", buildinfo.Version, "config", cfgPath, "data_dir", cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	opDB, err := openDB(filepath.Join(cfg.DataDir, "opstate.db"))
	if err != nil {
		return err
	}
	defer opDB.Close()
	opStore, err := opstate.NewStoreWithDB(opDB)
	if err != nil {
		return fmt.Errorf("opstate: %w", err)
	}

	factDB, err := openDB(filepath.Join(cfg.DataDir, "facts.db"))
	if err != nil {
		return err
	}
	defer factDB.Close()
	factStore, err := facts.NewStoreWithDB(factDB)
	if err != nil {
		return fmt.Errorf("facts: %w", err)
	}

	usageDB, err := openDB(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return err
	}
	defer usageDB.Close()
	ledger, err := usage.NewStoreWithDB(usageDB, cfg.Anthropic.Pricing)
	if err != nil {
		return fmt.Errorf("usage: %w", err)
	}

	systemPrompt, err := loadSystemPrompt(cfg.SystemPromptFile)
	if err != nil {
		return err
	}

	bus := events.New()
	d, err := daemon.New(daemon.Options{
		Client:   newModelClient(cfg, logger),
		Store:    conversation.NewStore(cfg.Conversation.File, logger),
		Archiver: conversation.NewArchiver(cfg.Conversation.ArchiveDir, cfg.Conversation.ArchiveKeep, logger),
		Facts:    factStore,
		Session:  opstate.NewSession(opStore),
		Usage:    ledger,
		Bus:      bus,
		Loop: agent.Config{
			SystemPrompt:  systemPrompt,
			Model:         cfg.Anthropic.Model,
			MaxTokens:     cfg.Anthropic.MaxTokens,
			MaxIterations: cfg.Loop.MaxIterations,
			ModelTimeout:  cfg.Loop.ModelTimeout,
		},
		Compaction: compaction.Config{
			MaxMessages: cfg.Compaction.MaxMessages,
			KeepRecent:  cfg.Compaction.KeepRecent,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := d.Start(ctx); err != nil {
		return err
	}

	sock := socket.NewServer(cfg.Socket.Path, d, bus, logger)
	if err := sock.Start(ctx); err != nil {
		return err
	}

	var webServer *web.WebServer
	if cfg.Web.Enabled {
		webServer = web.NewWebServer(web.Config{Backend: d, Bus: bus, Logger: logger})
		addr := net.JoinHostPort(cfg.Web.Address, strconv.Itoa(cfg.Web.Port))
		if err := webServer.Start(ctx, addr); err != nil {
			sock.Close()
			return err
		}
	}

	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			logger.Error("mqtt instance id unavailable, publisher disabled", "error", err)
		} else {
			mqttPub = mqtt.New(cfg.MQTT, instanceID, d, bus, logger)
			mqttPub.SetChatSink(d)
			go func() {
				if err := mqttPub.Start(ctx); err != nil {
					logger.Error("mqtt publisher failed", "error", err)
				}
			}()
			logger.Info("mqtt publisher started",
				"broker", cfg.MQTT.Broker,
				"device_name", cfg.MQTT.DeviceName,
				"accept_chat", cfg.MQTT.AcceptChat,
			)
		}
	}

	logger.Info("ready", "socket", cfg.Socket.Path, "tools", d.Tools().Names())
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if mqttPub != nil {
		if err := mqttPub.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt shutdown failed", "error", err)
		}
	}
	if webServer != nil {
		if err := webServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("web shutdown failed", "error", err)
		}
	}
	if err := sock.Close(); err != nil {
		logger.Warn("socket close failed", "error", err)
	}
	if err := d.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}

	logger.Info("stopped")
	return nil
}

func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}

func loadSystemPrompt(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read system prompt: %w", err)
	}
	return string(data), nil
}

// newModelClient returns the Anthropic client, or an offline echo
// client when no API key is configured.
func newModelClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	if cfg.Anthropic.Configured() {
		logger.Info("anthropic client configured", "model", cfg.Anthropic.Model)
		return llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens, logger)
	}
	logger.Warn("no anthropic api_key configured, replies are offline echoes")
	return llm.NewScriptedClient().WithFallback(offlineEcho)
}

// offlineEcho answers with the text of the latest user message.
func offlineEcho(req llm.Request) *llm.Response {
	text := "(offline)"
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := req.Messages[i]
		if m.Role == conversation.RoleUser && m.Text() != "" {
			text = "(offline) " + m.Text()
			break
		}
	}
	return &llm.Response{
		Model:      "offline",
		Message:    conversation.NewText(conversation.RoleAssistant, text),
		StopReason: llm.StopEndTurn,
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
