// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mqviet/ringlink/internal/app"
	"github.com/mqviet/ringlink/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("ringlink v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]
	switch command {
	case "agent":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: agent command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: ringlink agent <agent-directory>")
			os.Exit(1)
		}
		runAgent(args[1])

	case "relay":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: relay command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: ringlink relay <relay-directory>")
			os.Exit(1)
		}
		runRelay(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runAgent(dirArg string) {
	absDir, cfgPath, cfg := prepare(dirArg)
	printBanner("Agent", absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{Dir: absDir, CfgPath: cfgPath, Cfg: cfg}); err != nil {
		log.Fatalf("Agent failed: %v", err)
	}
}

func runRelay(dirArg string) {
	absDir, cfgPath, cfg := prepare(dirArg)
	printBanner("Relay", absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunRelay(ctx, app.Options{Dir: absDir, CfgPath: cfgPath, Cfg: cfg}); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}
}

// prepare resolves the working directory and loads (or creates) its config.
func prepare(dirArg string) (absDir, cfgPath string, cfg config.Config) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		log.Fatalf("Cannot create directory %s: %v", absDir, err)
	}

	cfgPath = filepath.Join(absDir, "ringlink.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}
	return absDir, cfgPath, cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func showUsage() {
	fmt.Println("ringlink - peer-to-peer calls over a shared signaling relay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  ringlink agent <directory>   Run a call agent")
	fmt.Println("  ringlink relay <directory>   Run a signaling relay")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  agent <directory>")
	fmt.Println("        Run the call agent from the specified directory.")
	fmt.Println("        A ringlink.json configuration file is created on first run.")
	fmt.Println("        Point store.relay_url at a relay to reach other machines.")
	fmt.Println()
	fmt.Println("  relay <directory>")
	fmt.Println("        Run the signaling relay other agents connect to.")
	fmt.Println("        Set relay.db_dir to persist call records across restarts.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Run a relay on this machine")
	fmt.Println("  ringlink relay ./relay")
	fmt.Println()
	fmt.Println("  # Run an agent against it")
	fmt.Println("  ringlink agent ./agents/alice")
}

func printBanner(mode, dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    ringlink runner                     ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Mode:           %s\n", mode)
	fmt.Printf("Directory:      %s\n", dir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Println()

	if mode == "Relay" {
		fmt.Printf("Relay Bind:     %s\n", cfg.Relay.Bind)
		if cfg.Relay.DBDir != "" {
			fmt.Printf("Persistence:    %s\n", cfg.Relay.DBDir)
		} else {
			fmt.Println("Persistence:    in-memory")
		}
	} else {
		if cfg.Store.RelayURL != "" {
			fmt.Printf("Relay:          %s\n", cfg.Store.RelayURL)
		} else {
			fmt.Println("Relay:          none (in-process store)")
		}
		if cfg.Control.HTTPAddr != "" {
			fmt.Printf("Control API:    http://%s\n", cfg.Control.HTTPAddr)
		}
	}
	fmt.Println()
	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
