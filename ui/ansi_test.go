package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"termmux/modem"
	"termmux/mux"
)

func TestApplyANSIMarkup(t *testing.T) {
	if got := applyANSIMarkup("[red]X[-]", true); got != "\x1b[31mX\x1b[0m\x1b[0m" {
		t.Fatalf("markup mismatch: got %q", got)
	}
	if got := applyANSIMarkup("[red]X[-]", false); got != "X" {
		t.Fatalf("strip mismatch: got %q", got)
	}
	if got := applyANSIMarkup("line [3]", true); got != "line [3]" {
		t.Fatalf("plain brackets should pass through, got %q", got)
	}
}

func TestANSIWriterSplitsLines(t *testing.T) {
	var lines []string
	w := &ansiWriter{append: func(s string) { lines = append(lines, s) }}
	w.Write([]byte("mux: line 0 conn"))
	w.Write([]byte("ected\r\nsecond\npart"))
	if len(lines) != 2 || lines[0] != "mux: line 0 connected" || lines[1] != "second" {
		t.Fatalf("unexpected lines %q", lines)
	}
	w.Write([]byte("ial\n"))
	if len(lines) != 3 || lines[2] != "partial" {
		t.Fatalf("expected buffered tail to complete, got %q", lines)
	}
}

func TestANSIConsoleRender(t *testing.T) {
	var out bytes.Buffer
	c := NewANSIConsole(ANSIOptions{Out: &out, SystemLines: 2})
	defer c.Stop()

	c.SetSnapshot(Snapshot{
		StatsLines: []string{"Connections: accepted=1 busy=0"},
		Lines: []mux.LineSnapshot{
			{Line: 0},
			{Line: 1, Connected: true, Peer: "192.0.2.9:5000", ConnectedAt: time.Now(),
				RxBytes: 2048, TxQueued: 3, TxStalled: true, Modem: modem.DCD | modem.CTS | modem.DSR, Telnet: "data"},
		},
	})
	c.AppendSystem("first")
	c.AppendSystem("second")
	c.AppendCommand("third")
	c.Render()

	text := out.String()
	if !strings.HasPrefix(text, "\x1b[2J\x1b[H") {
		t.Fatalf("expected clear-screen prefix")
	}
	for _, want := range []string{
		"Connections: accepted=1 busy=0",
		"LINE",
		"192.0.2.9:5000",
		"2.0 kB",
		"0/3!",
		"DCD|CTS|DSR",
		"---- System ----",
		"CMD third",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("render missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "first") {
		t.Fatalf("expected oldest system line to be evicted:\n%s", text)
	}
}
