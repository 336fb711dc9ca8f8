// ABOUTME: Entry point for the relay-gateway server and its operator commands
// ABOUTME: serve, init, health, sessions, pair and token subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
           _                                 _
 _ __ ___ | | __ _ _   _        __ _  __ _  | |_ _____      ____ _ _   _
| '__/ _ \| |/ _' | | | |_____ / _' |/ _' | | __/ _ \ \ /\ / / _' | | | |
| | |  __/| | (_| | |_| |_____| (_| | (_| | | ||  __/\ V  V / (_| | |_| |
|_|  \___||_|\__,_|\__, |      \__, |\__,_|  \__\___| \_/\_/ \__,_|\__, |
                   |___/       |___/                               |___/
`

func usage() {
	fmt.Println("Usage: relay-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the gateway server")
	fmt.Println("  init                           Create a new config file interactively")
	fmt.Println("  health                         Check gateway health")
	fmt.Println("  sessions                       List live sessions")
	fmt.Println("  pair ID [--webhook URL]        Start a session and show its pairing QR code")
	fmt.Println("  token --session ID [--ttl D]   Mint a tenant token scoped to one session")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "sessions":
		err = runSessions(ctx)
	case "pair":
		err = runPair(ctx, args)
	case "token":
		err = runToken(args)
	case "help", "-h", "--help":
		usage()
		return
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
	configPath := config.DefaultPath()

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
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", storeSummary(cfg))
	green.Print("    ▶ ")
	fmt.Printf("Provider:  %s", cfg.Provider.Kind)
	if cfg.Provider.Kind == "fake" {
		yellow.Print(" [development]")
	} else {
		gray.Printf(" (%s)", cfg.Provider.Remote.URL)
	}
	fmt.Println()

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting relay-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"store", cfg.Store.Driver,
		"provider", cfg.Provider.Kind,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func storeSummary(cfg *config.Config) string {
	if cfg.Store.Driver == "redis" {
		return "redis " + cfg.Store.Redis.Addr
	}
	return "sqlite " + cfg.Store.SQLite.Path
}
