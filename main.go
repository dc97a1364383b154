// Program termmux multiplexes telnet and serial peers onto a fixed set of
// lines, feeds their data to a built-in device, and exposes an operator
// console (tview dashboard, ANSI renderer or plain stdin).
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"termmux/config"
	"termmux/journal"
	"termmux/stats"
	"termmux/ui"

	"golang.org/x/term"
)

const (
	defaultConfigPath = "data/config"
	envConfigPath     = "TERMMUX_CONFIG"
)

// Version is stamped at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// Purpose: Report whether stdout is a TTY for UI gating.
// Key aspects: Uses term.IsTerminal on the stdout descriptor.
// Upstream: main UI selection.
// Downstream: term.IsTerminal.
func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Purpose: Load configuration from the env override or the default dir.
// Key aspects: A missing directory falls through to the next candidate; a
// present but invalid one is fatal.
// Upstream: main startup.
// Downstream: config.Load.
func loadMuxConfig() (*config.Config, error) {
	candidates := make([]string, 0, 2)
	if envPath := strings.TrimSpace(os.Getenv(envConfigPath)); envPath != "" {
		candidates = append(candidates, envPath)
	}
	candidates = append(candidates, defaultConfigPath)

	var lastErr error
	for _, path := range candidates {
		cfg, err := config.Load(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return cfg, nil
	}
	return nil, fmt.Errorf("unable to load config; tried %s (last error: %v)", strings.Join(candidates, ", "), lastErr)
}

func main() {
	cfg, err := loadMuxConfig()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	fanout, logErr := setupLogging(cfg.Logging, os.Stdout)
	log.SetFlags(0)
	log.SetOutput(fanout)
	defer fanout.Close()
	if logErr != nil {
		log.Printf("Warning: file logging disabled: %v", logErr)
	}
	log.Printf("Loaded configuration from %s", cfg.LoadedFrom)
	log.Printf("termmux v%s starting...", Version)

	tracker := stats.NewTracker()
	var jrnl *journal.Logger
	if cfg.Journal.Enabled {
		jrnl, err = journal.Open(cfg.Journal.Path, cfg.Journal.QueueSize)
		if err != nil {
			log.Printf("Warning: connection journal disabled: %v", err)
			jrnl = nil
		} else {
			log.Printf("Connection journal at %s (SQLite, non-blocking)", jrnl.Path())
		}
	}

	m, err := buildMux(cfg, tracker, jrnl)
	if err != nil {
		log.Fatalf("Error starting multiplexer: %v", err)
	}

	h := newHost(cfg, m, tracker, jrnl)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	surface := startSurface(cfg, h, cancel)
	if surface != nil {
		surface.WaitReady()
		fanout.SetConsole(surface.SystemWriter(), false)
		h.surface = surface
	} else {
		cfg.Print()
	}
	if surface == nil || cfg.UI.Mode == "ansi" {
		go runStdinConsole(ctx, os.Stdin, h, cancel)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.Printf("Received signal: %v", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Printf("%s is running with %d lines on %s. Press Ctrl+C to stop.", m.Name(), m.Lines(), m.ListenAddr())
	h.run(ctx)

	log.Println("Shutting down gracefully...")
	if err := m.Close(); err != nil {
		log.Printf("Warning: multiplexer close: %v", err)
	}
	if surface != nil {
		fanout.SetConsole(os.Stdout, true)
		surface.Stop()
	}
	if err := jrnl.Close(); err != nil {
		log.Printf("Warning: journal close: %v", err)
	}
	for _, line := range tracker.SnapshotLines() {
		log.Print(line)
	}
	log.Println("Shutdown complete")
}

// Purpose: Pick the console surface from ui.mode.
// Key aspects: Rendering needs a TTY; otherwise the process runs headless.
// Upstream: main.
// Downstream: ui.NewDashboard and ui.NewANSIConsole.
func startSurface(cfg *config.Config, h *host, cancel context.CancelFunc) ui.Surface {
	renderAllowed := isStdoutTTY()
	refresh := time.Duration(cfg.UI.RefreshMS) * time.Millisecond
	switch cfg.UI.Mode {
	case "headless":
		log.Printf("UI disabled (mode=headless)")
	case "tview":
		if !renderAllowed {
			log.Printf("UI disabled (tview requires an interactive console)")
			return nil
		}
		return ui.NewDashboard(ui.DashboardOptions{
			Title:     fmt.Sprintf("%s v%s", cfg.Mux.Name, Version),
			OnCommand: h.submit,
			OnExit:    cancel,
		})
	case "ansi":
		if !renderAllowed {
			log.Printf("UI disabled (ansi renderer requires an interactive console)")
			return nil
		}
		return ui.NewANSIConsole(ui.ANSIOptions{Refresh: refresh, Color: true})
	}
	return nil
}
