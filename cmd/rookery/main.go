// ABOUTME: Entry point for the rookery hub CLI
// ABOUTME: Drives remote agents over JSON-RPC websockets from one local orchestrator

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/rookery-hq/rookery/internal/agent"
	"github.com/rookery-hq/rookery/internal/config"
	"github.com/rookery-hq/rookery/internal/hub"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                  _
  _ __ ___   ___ | | _____ _ __ _   _
 | '__/ _ \ / _ \| |/ / _ \ '__| | | |
 | |  | (_) | (_) |   <  __/ |  | |_| |
 |_|   \___/ \___/|_|\_\___|_|   \__, |
                                 |___/
`

// getConfigPath returns the path to the hub config file.
// Priority: ROOKERY_CONFIG env var > XDG_CONFIG_HOME/rookery/hub.yaml > ~/.config/rookery/hub.yaml
func getConfigPath() string {
	if envPath := os.Getenv("ROOKERY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "hub.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "rookery", "hub.yaml")
}

// getDataPath returns the path to the rookery data directory.
// Priority: XDG_DATA_HOME/rookery > ~/.local/share/rookery
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "rookery")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: rookery <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                        Connect configured agents and run until interrupted")
		fmt.Println("  status                       Show connection state and health per agent")
		fmt.Println("  send --agent ID --method M   Send one request and print the result")
		fmt.Println("  watch                        Stream hub events to the terminal")
		fmt.Println("  init                         Create a new config file interactively")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "status":
		err = runStatus(ctx)
	case "send":
		err = runSend(ctx)
	case "watch":
		err = runWatch(ctx)
	case "init":
		err = runInit()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Keystore: %s\n", cfg.Keystore.Path)
	green.Print("    ▶ ")
	fmt.Printf("Agents:   %d configured\n", len(cfg.Agents))
	fmt.Println()

	logger.Info("starting rookery hub",
		"config", configPath,
		"agents", len(cfg.Agents),
	)

	h, err := hub.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating hub: %w", err)
	}
	defer h.Close()

	stopState := h.On(hub.EventConnectionState, func(ev hub.Event) {
		logger.Info("connection state changed",
			"agent_id", ev.AgentID,
			"from", ev.FromState.String(),
			"to", ev.ToState.String())
	})
	defer stopState()
	stopHealth := h.On(hub.EventHealthChanged, func(ev hub.Event) {
		logger.Info("health changed",
			"agent_id", ev.AgentID,
			"from", string(ev.FromHealth),
			"to", string(ev.ToHealth))
	})
	defer stopHealth()

	if err := h.AddConfiguredAgents(ctx); err != nil {
		return fmt.Errorf("registering agents: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func runStatus(ctx context.Context) error {
	h, cfg, err := openHub(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	waitForAgents(ctx, h, cfg, 10*time.Second)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	fmt.Printf("%-20s %-22s %-12s %s\n", "AGENT", "STATE", "HEALTH", "PENDING")
	for _, id := range h.ListAgents() {
		st, err := h.GetStatus(id)
		if err != nil {
			continue
		}
		c := red
		switch st.Health {
		case agent.HealthHealthy:
			c = green
		case agent.HealthDegraded:
			c = yellow
		}
		fmt.Printf("%-20s %-22s ", id, st.State)
		c.Printf("%-12s", st.Health)
		fmt.Printf(" %d\n", st.PendingCount)
	}

	stats := h.Stats()
	fmt.Printf("\n%d agents, %d connected, %d requests in flight\n", stats.Total, stats.Active, stats.Pending)
	return nil
}

func runSend(ctx context.Context) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	agentID := fs.String("agent", "", "target agent id")
	method := fs.String("method", "", "request method, e.g. tools/call")
	rawParams := fs.String("params", "", "request params as JSON")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}
	if *agentID == "" || *method == "" {
		return fmt.Errorf("usage: rookery send --agent ID --method M [--params JSON]")
	}

	var params any
	if *rawParams != "" {
		if err := json.Unmarshal([]byte(*rawParams), &params); err != nil {
			return fmt.Errorf("parsing params: %w", err)
		}
	}

	h, _, err := openHub(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := waitReady(ctx, h, *agentID, 10*time.Second); err != nil {
		return err
	}

	result, err := h.SendMessage(ctx, *agentID, *method, params)
	if err != nil {
		return fmt.Errorf("sending %s to %s: %w", *method, *agentID, err)
	}

	var pretty any
	if json.Unmarshal(result, &pretty) == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
		return nil
	}
	fmt.Println(string(result))
	return nil
}

func runWatch(ctx context.Context) error {
	h, _, err := openHub(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	gray := color.New(color.FgHiBlack)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	for _, et := range []hub.EventType{hub.EventConnectionState, hub.EventHealthChanged, hub.EventNotification} {
		events, _ := h.Subscribe(ctx, et)
		go func() {
			for ev := range events {
				gray.Printf("%s ", ev.At.Format("15:04:05"))
				switch ev.Type {
				case hub.EventConnectionState:
					cyan.Printf("%-14s", "state")
					fmt.Printf(" %s: %s -> %s\n", ev.AgentID, ev.FromState, ev.ToState)
				case hub.EventHealthChanged:
					yellow.Printf("%-14s", "health")
					fmt.Printf(" %s: %s -> %s\n", ev.AgentID, ev.FromHealth, ev.ToHealth)
				case hub.EventNotification:
					cyan.Printf("%-14s", ev.Method)
					fmt.Printf(" %s: %s\n", ev.AgentID, string(ev.Params))
				}
			}
		}()
	}

	fmt.Println("watching hub events, ^C to stop")
	<-ctx.Done()
	return nil
}

// openHub loads config and builds a hub with the configured agents
// registered. Shared by the one-shot subcommands.
func openHub(ctx context.Context) (*hub.Hub, *config.Config, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	h, err := hub.New(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating hub: %w", err)
	}
	if err := h.AddConfiguredAgents(ctx); err != nil {
		h.Close()
		return nil, nil, fmt.Errorf("registering agents: %w", err)
	}
	return h, cfg, nil
}

// waitReady polls until the agent's connection is ready or stuck.
func waitReady(ctx context.Context, h *hub.Hub, agentID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st, err := h.GetStatus(agentID)
		if err != nil {
			return err
		}
		switch st.State {
		case agent.StateReady:
			return nil
		case agent.StateError:
			return fmt.Errorf("agent %s failed to connect", agentID)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("agent %s not ready after %s", agentID, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// waitForAgents gives configured agents a moment to settle, ignoring the
// ones that cannot connect.
func waitForAgents(ctx context.Context, h *hub.Hub, cfg *config.Config, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		settled := true
		for _, a := range cfg.Agents {
			st, err := h.GetStatus(a.ID)
			if err != nil {
				continue
			}
			if st.State != agent.StateReady && st.State != agent.StateError {
				settled = false
			}
		}
		if settled {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs from WithAttrs come first.
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("rookery configuration setup")
	fmt.Println("===========================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultKeystorePath := filepath.Join(defaultDataPath, "keystore.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Keystore Configuration ---")
	keystorePath := prompt(reader, "Keystore path", defaultKeystorePath)

	// A fresh random master key unless the operator wants an env var.
	keySource := prompt(reader, "Master key (generate/env)", "generate")
	var masterKey string
	if strings.ToLower(keySource) == "env" {
		masterKey = "${ROOKERY_MASTER_KEY}"
	} else {
		keyBytes := make([]byte, 32)
		if _, err := rand.Read(keyBytes); err != nil {
			return fmt.Errorf("generating master key: %w", err)
		}
		masterKey = base64.StdEncoding.EncodeToString(keyBytes)
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# rookery configuration\n")
	cfg.WriteString("# Generated by rookery init\n\n")

	cfg.WriteString("hub:\n")
	cfg.WriteString("  max_connections: 32\n")
	cfg.WriteString("  request_timeout: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("keystore:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", keystorePath))
	cfg.WriteString(fmt.Sprintf("  master_key: %q\n", masterKey))
	cfg.WriteString("\n")

	cfg.WriteString("backoff:\n")
	cfg.WriteString("  kind: \"exponential\"\n")
	cfg.WriteString("  initial_delay: \"500ms\"\n")
	cfg.WriteString("  multiplier: 2.0\n")
	cfg.WriteString("  max_delay: \"30s\"\n")
	cfg.WriteString("  max_retries: 5\n")
	cfg.WriteString("\n")

	cfg.WriteString("rate_limit:\n")
	cfg.WriteString("  capacity: 10\n")
	cfg.WriteString("  refill_rate: 10\n")
	cfg.WriteString("\n")

	cfg.WriteString("health:\n")
	cfg.WriteString("  probe_interval: \"30s\"\n")
	cfg.WriteString("  probe_timeout: \"5s\"\n")
	cfg.WriteString("  unhealthy_threshold: 3\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("agents: []\n")
	cfg.WriteString("# agents:\n")
	cfg.WriteString("#   - id: \"notes-agent\"\n")
	cfg.WriteString("#     endpoint: \"ws://localhost:9301/rpc\"\n")
	cfg.WriteString("#     capabilities: [\"tools/call\", \"resources/read\"]\n")
	cfg.WriteString("#     auth:\n")
	cfg.WriteString("#       variant: \"api-key\"\n")
	cfg.WriteString("#       api_key: \"${NOTES_AGENT_KEY}\"\n")

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// 0600: the file may carry a generated master key.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(keystorePath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Keystore directory: %s\n", dataDir)
	fmt.Println("\nTo connect your agents:")
	fmt.Printf("  rookery serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
