package main

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"termmux/commands"
	"termmux/config"
	"termmux/journal"
	"termmux/stats"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "termmux.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

func TestLoadMuxConfigPrefersEnv(t *testing.T) {
	dir := writeConfig(t, "mux:\n  name: from-env\n  lines: 3\n")
	t.Setenv(envConfigPath, dir)
	cfg, err := loadMuxConfig()
	if err != nil {
		t.Fatalf("loadMuxConfig: %v", err)
	}
	if cfg.Mux.Name != "from-env" || cfg.Mux.Lines != 3 || cfg.LoadedFrom != dir {
		t.Fatalf("unexpected config %+v", cfg.Mux)
	}
}

func TestLoadMuxConfigInvalidIsFatal(t *testing.T) {
	dir := writeConfig(t, "mux:\n  lines: 2\nlines:\n  - line: 5\n")
	t.Setenv(envConfigPath, dir)
	if _, err := loadMuxConfig(); err == nil || !strings.Contains(err.Error(), "line 5") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func startHost(t *testing.T, body string) (*host, *journal.Logger, context.CancelFunc) {
	t.Helper()
	cfg, err := config.Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	jrnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), 16)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	tracker := stats.NewTracker()
	m, err := buildMux(cfg, tracker, jrnl)
	if err != nil {
		t.Fatalf("buildMux: %v", err)
	}
	h := newHost(cfg, m, tracker, jrnl)
	ctx, cancel := context.WithCancel(context.Background())
	go h.run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.done
		m.Close()
		jrnl.Close()
	})
	return h, jrnl, cancel
}

func TestHostEchoesOverTCP(t *testing.T) {
	h, jrnl, _ := startHost(t, `
mux:
  listen: "127.0.0.1:0"
  lines: 2
  line_order: "1"
  banner: false
  telnet_options: false
  poll_interval_ms: 2
device:
  mode: echo
`)
	addr := strings.TrimPrefix(h.submit("SHOW SUMMARY"), "termmux: 0 of 2 lines connected, listening on ")
	addr = strings.TrimSpace(strings.SplitN(addr, "\n", 2)[0])
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %q: %v", addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("abc")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	got := make([]byte, 3)
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("echo = %q", got)
	}

	if resp := h.submit("SHOW CONNECTIONS"); !strings.Contains(resp, "line 1: telnet connection") {
		t.Fatalf("expected line 1 to be used first, got %q", resp)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		events, err := jrnl.Recent(10)
		if err != nil {
			t.Fatalf("journal: %v", err)
		}
		if len(events) > 0 && events[0].Kind == journal.KindConnect && events[0].Line == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("connect event never journaled: %+v", events)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHostQuitStopsLoop(t *testing.T) {
	h, _, _ := startHost(t, `
mux:
  listen: "127.0.0.1:0"
  lines: 1
device:
  mode: none
`)
	if resp := h.submit("quit"); resp != commands.Bye {
		t.Fatalf("expected %q, got %q", commands.Bye, resp)
	}
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not stop after QUIT")
	}
	if resp := h.submit("SHOW STATS"); resp != "Shutting down.\n" {
		t.Fatalf("expected shutdown reply, got %q", resp)
	}
}

func TestBuildMuxRejectsBadLineOrder(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "mux:\n  listen: \"127.0.0.1:0\"\n  lines: 2\n  line_order: \"0,0\"\n"))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if _, err := buildMux(cfg, stats.NewTracker(), nil); err == nil || !strings.Contains(err.Error(), "line_order") {
		t.Fatalf("expected line_order error, got %v", err)
	}
}

func TestStdinConsoleQuit(t *testing.T) {
	h, _, _ := startHost(t, `
mux:
  listen: "127.0.0.1:0"
  lines: 1
`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runStdinConsole(ctx, strings.NewReader("\nBYE\nSHOW STATS\n"), h, cancel)
	if ctx.Err() == nil {
		t.Fatalf("expected BYE to cancel the context")
	}
}
