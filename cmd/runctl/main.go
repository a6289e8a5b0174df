// Package main provides the runctl CLI entry point.
//
// runctl starts a command on a desktop, container or remote device,
// supervises it together with its helper workers and reports how it ended.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/kballard/go-shellquote"

	"github.com/randomizedcoder/runctl/internal/config"
	"github.com/randomizedcoder/runctl/internal/logging"
	"github.com/randomizedcoder/runctl/internal/session"
	"github.com/randomizedcoder/runctl/internal/tui"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/runctl
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("runctl %s\n", version)
			return 0
		}
	}

	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	// Logs would interfere with TUI rendering.
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLoggerWithWriter(io.Discard, "json", "info")
	} else {
		logger = logging.NewLogger(cfg.LogFormat, "info", cfg.Verbose)
	}
	logging.SetDefault(logger)

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	// With the TUI up, the summary is held until the screen is restored.
	var out io.Writer = os.Stdout
	var held bytes.Buffer
	if cfg.TUIEnabled && !cfg.PrintCmd {
		out = &held
	}

	s, err := session.New(session.Options{
		Config:  cfg,
		Logger:  logger,
		Version: version,
		Out:     out,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Session error: %v\n", err)
		return 1
	}

	if cfg.PrintCmd {
		printWireCommand(s)
		s.Close()
		return 0
	}

	logger.Info("starting",
		"version", version,
		"session_id", s.ID(),
		"device", s.Device().ID(),
		"command", cfg.Command,
		"run_mode", cfg.RunMode,
		"metrics_addr", cfg.MetricsAddr,
	)

	if !cfg.TUIEnabled {
		printBanner(cfg, s)
		err = s.Run(context.Background())
	} else {
		err = runWithTUI(context.Background(), cfg, s)
		_, _ = os.Stdout.Write(held.Bytes())
	}
	if err != nil {
		logger.Error("session_failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return s.ExitCode()
}

// runWithTUI runs the session behind the dashboard. Quitting the dashboard
// stops the session; the session ending closes the dashboard.
func runWithTUI(ctx context.Context, cfg *config.Config, s *session.Session) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(tui.New(tui.Config{
		MetricsAddr: cfg.MetricsAddr,
		Source:      s,
	}), tea.WithAltScreen())

	done := make(chan error, 1)
	go func() {
		err := s.Run(ctx)
		tui.SendQuit(p)
		done <- err
	}()

	_, tuiErr := p.Run()
	cancel()
	err := <-done
	if err == nil && tuiErr != nil {
		return fmt.Errorf("tui: %w", tuiErr)
	}
	return err
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config, s *session.Session) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                              runctl                               ║")
	fmt.Println("║          Run Session Control for Local and Remote Targets         ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Session:     %s\n", s.ID())
	fmt.Printf("  Device:      %s\n", s.Device().ID())
	fmt.Printf("  Command:     %s\n", cfg.Command)
	fmt.Printf("  Mode:        %s\n", cfg.RunMode)
	if len(cfg.Helpers) > 0 {
		fmt.Printf("  Helpers:     %d\n", len(cfg.Helpers))
	}
	if cfg.Duration > 0 {
		fmt.Printf("  Duration:    %s\n", cfg.Duration)
	}
	if cfg.MaxRestarts > 0 {
		fmt.Printf("  Restarts:    up to %d\n", cfg.MaxRestarts)
	}
	if cfg.RunAsRoot {
		fmt.Println("  Privilege:   root (sudo -A)")
	}
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()
}

// printWireCommand prints the command line the target would run as.
func printWireCommand(s *session.Session) {
	fmt.Printf("# Command that would be run on %s:\n", s.Device().ID())
	fmt.Println()
	fmt.Println(shellquote.Join(s.WireCommand()...))
}
