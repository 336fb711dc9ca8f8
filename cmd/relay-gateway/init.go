// ABOUTME: Interactive config file generator for relay-gateway
// ABOUTME: Prompts for listener, store, engine and tailscale settings and generates secrets

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/relay-gateway/internal/config"
)

// getDataPath returns the relay data directory.
// Priority: XDG_DATA_HOME/relay > ~/.local/share/relay
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "relay")
}

func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("relay-gateway configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !isYes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:3000")

	fmt.Println("\n--- Store Configuration ---")
	driver := prompt(reader, "Store driver (sqlite/redis)", "sqlite")
	var dbPath, redisAddr string
	switch driver {
	case "redis":
		redisAddr = prompt(reader, "Redis address", "localhost:6379")
	case "sqlite":
		dbPath = prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "relay.db"))
	default:
		return fmt.Errorf("unknown store driver %q", driver)
	}

	fmt.Println("\n--- Provider Configuration ---")
	kind := prompt(reader, "Provider (remote/fake)", "remote")
	var engineURL string
	switch kind {
	case "remote":
		engineURL = prompt(reader, "Engine URL", "ws://localhost:7070")
	case "fake":
	default:
		return fmt.Errorf("unknown provider %q", kind)
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsHTTPS, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "relay-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
		tsHTTPS = isYes(prompt(reader, "Serve HTTPS with tailnet certificates?", "yes"))
		tsFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	apiKey, err := randomSecret(24)
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}
	jwtSecret, err := randomSecret(32)
	if err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# relay-gateway configuration\n")
	cfg.WriteString("# Generated by relay-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n\n", httpAddr))

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  api_key: %q\n", apiKey))
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n\n", jwtSecret))

	cfg.WriteString("store:\n")
	cfg.WriteString(fmt.Sprintf("  driver: %q\n", driver))
	cfg.WriteString("  namespace: \"relay\"\n")
	if driver == "redis" {
		cfg.WriteString("  redis:\n")
		cfg.WriteString(fmt.Sprintf("    addr: %q\n", redisAddr))
		cfg.WriteString("    password: \"${REDIS_PASSWORD}\"\n")
	} else {
		cfg.WriteString("  sqlite:\n")
		cfg.WriteString(fmt.Sprintf("    path: %q\n", dbPath))
	}
	cfg.WriteString("\n")

	cfg.WriteString("provider:\n")
	cfg.WriteString(fmt.Sprintf("  kind: %q\n", kind))
	if kind == "remote" {
		cfg.WriteString("  remote:\n")
		cfg.WriteString(fmt.Sprintf("    url: %q\n", engineURL))
		cfg.WriteString("    token: \"${RELAY_ENGINE_TOKEN}\"\n")
		cfg.WriteString("    request_timeout: \"30s\"\n")
	} else {
		cfg.WriteString("  fake:\n")
		cfg.WriteString("    pair_delay: \"5s\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("sessions:\n")
	cfg.WriteString("  start_wait: \"20s\"\n")
	cfg.WriteString("  restore_on_boot: true\n")
	cfg.WriteString("  reconnect:\n")
	cfg.WriteString("    initial_delay: \"1s\"\n")
	cfg.WriteString("    max_delay: \"1m\"\n")
	cfg.WriteString("    multiplier: 2\n")
	cfg.WriteString("    max_attempts: 10\n")
	cfg.WriteString("    stable_after: \"30s\"\n\n")

	cfg.WriteString("webhook:\n")
	cfg.WriteString("  timeout: \"10s\"\n")
	cfg.WriteString("  max_attempts: 1\n")
	cfg.WriteString("  max_in_flight: 32\n")
	cfg.WriteString("  queue_size: 1024\n")
	cfg.WriteString("  include_history: false\n\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  https: %t\n", tsHTTPS))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	green.Printf("  ✓ Config written to %s\n", outputFile)
	fmt.Printf("  API key: %s\n", apiKey)
	fmt.Println()
	yellow.Println("  Next:")
	fmt.Println("    relay-gateway serve                    # start the gateway")
	fmt.Println("    relay-gateway pair my-session          # link a device")
	fmt.Println("    relay-gateway token --session my-session")
	fmt.Println()
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
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
