// kcpnet is the CLI entry point.
//
// Runs either a session server that hands out convs and echoes messages, or
// a client that performs the handshake against a server and sends lines read
// from stdin over the resulting reliable session.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -addr, -config, -monitor).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/kcpnet/internal/config"
	"github.com/1ureka/kcpnet/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "Path to a YAML or TOML config file")
	role := flag.String("role", "", "Role: server or client")
	addr := flag.String("addr", "", "Listen address (server) or server address (client), host:port")
	monitorAddr := flag.String("monitor", "", "Serve the HTTP monitor on this address (server only)")
	interval := flag.Duration("interval", 0, "Handshake poll interval (client only)")
	timeout := flag.Duration("timeout", 0, "Handshake timeout (client only)")
	noRetry := flag.Bool("noRetry", false, "Send the handshake request only once (client only)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := util.SetLevel(cfg.Logging.Level); err != nil {
		util.LogWarning("%v", err)
	}
	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("kcpnet — v%s", version))
	pterm.Println()

	if *role == "" && *configPath == "" {
		// No -role flag and no file → interactive mode.
		runInteractive(ctx, cfg)
		return
	}

	if *role != "" {
		cfg.Role = config.Role(*role)
	}
	applyFlags(cfg, *addr, *monitorAddr, *interval, *timeout, *noRetry)

	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	run(ctx, cfg)
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// run dispatches to the role's entry point and exits non-zero on failure.
func run(ctx context.Context, cfg *config.Config) {
	util.StartStatsReporter(ctx, cfg.Logging.StatsInterval)

	var err error
	switch cfg.Role {
	case config.RoleServer:
		err = runServer(ctx, cfg)
	case config.RoleClient:
		err = runClient(ctx, cfg)
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("successfully shut down")
}

// runInteractive asks for the role and address when no flags are given.
func runInteractive(ctx context.Context, cfg *config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Server — Hand out sessions and echo messages", "Client — Connect to a server"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Server") {
		cfg.Role = config.RoleServer
		cfg.Server.Listen = askAddr("Listen address", cfg.Server.Listen)
	} else {
		cfg.Role = config.RoleClient
		cfg.Client.Server = askAddr("Server address", cfg.Client.Server)
	}

	run(ctx, cfg)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// loadConfig returns the file config when path is set, the defaults otherwise.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	return config.Load(path)
}

// applyFlags overrides config values with the flags that were set.
func applyFlags(cfg *config.Config, addr, monitorAddr string, interval, timeout time.Duration, noRetry bool) {
	if addr != "" {
		if cfg.Role == config.RoleServer {
			cfg.Server.Listen = addr
		} else {
			cfg.Client.Server = addr
		}
	}
	if monitorAddr != "" {
		cfg.Monitor.Enabled = true
		cfg.Monitor.Listen = monitorAddr
	}
	if interval > 0 {
		cfg.Client.PollInterval = interval
	}
	if timeout > 0 {
		cfg.Client.ConnectTimeout = timeout
	}
	if noRetry {
		retry := false
		cfg.Client.HandshakeRetry = &retry
	}
}

// askAddr prompts for a host:port until a valid one is entered.
func askAddr(prompt, def string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(fmt.Sprintf("%s (default %s)", prompt, def)).
			Show()

		raw = strings.TrimSpace(raw)
		if raw == "" {
			pterm.Println()
			return def
		}

		probe := config.ServerConfig{Listen: raw, MaxDatagram: 8, SendQueue: 1}
		if err := probe.Validate(); err == nil {
			pterm.Println()
			return raw
		}

		pterm.Println()
		util.LogWarning("invalid address: please enter host:port")
	}
}
