package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, text string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(text), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadDirectoryMergesFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "app.yaml", `mux:
  name: "DZ11"
  lines: 4
`)
	writeFile(t, dir, "lines.yaml", `mux:
  listen: "127.0.0.1:2300"
  banner: false
lines:
  - line: 2
    serial: /dev/ttyUSB0
    baud: 19200
    modem_control: true
  - line: 3
    framing: " Length_Prefixed "
`)
	writeFile(t, dir, "notes.txt", "ignored")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := filepath.Clean(cfg.LoadedFrom); got != filepath.Clean(dir) {
		t.Fatalf("expected LoadedFrom=%s, got %s", dir, got)
	}
	if cfg.Mux.Name != "DZ11" || cfg.Mux.Lines != 4 {
		t.Fatalf("expected mux settings from app.yaml, got %+v", cfg.Mux)
	}
	if cfg.Mux.Listen != "127.0.0.1:2300" {
		t.Fatalf("expected listen merged from lines.yaml, got %q", cfg.Mux.Listen)
	}
	if *cfg.Mux.Banner {
		t.Fatal("expected explicit banner=false to survive defaults")
	}
	if !*cfg.Mux.TelnetOptions {
		t.Fatal("expected telnet_options default true")
	}
	if lc := cfg.Line(2); lc.Serial != "/dev/ttyUSB0" || lc.Baud != 19200 || !lc.ModemControl {
		t.Fatalf("unexpected line 2: %+v", lc)
	}
	if cfg.Line(3).Framing != FramingLengthPrefixed {
		t.Fatalf("expected normalized framing, got %q", cfg.Line(3).Framing)
	}
	if lc := cfg.Line(0); lc.Serial != "" || lc.Line != 0 {
		t.Fatalf("expected zero override for line 0, got %+v", lc)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "empty.yaml", "{}\n")
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Mux.Name != defaultName || cfg.Mux.Listen != defaultListen || cfg.Mux.Lines != defaultLines {
		t.Fatalf("unexpected mux defaults: %+v", cfg.Mux)
	}
	if cfg.Mux.PollIntervalMS != defaultPollInterval || cfg.UI.Mode != defaultUIMode || cfg.Device.Mode != defaultDeviceMode {
		t.Fatalf("unexpected defaults: poll=%d ui=%q device=%q", cfg.Mux.PollIntervalMS, cfg.UI.Mode, cfg.Device.Mode)
	}
	if cfg.Logging.RetentionDays != defaultRetentionDays {
		t.Fatalf("unexpected retention default %d", cfg.Logging.RetentionDays)
	}
}

func TestLoadRejectsSingleFilePath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "runtime.yaml", "mux:\n  lines: 2\n")
	if _, err := Load(filepath.Join(dir, "runtime.yaml")); err == nil {
		t.Fatalf("expected Load() to reject non-directory config path")
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.yaml", `mux:
  lines: 2
lines:
  - line: 5
  - line: 1
    framing: hdlc
  - line: 1
device:
  mode: printer
`)
	_, err := Load(dir)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{"line 5 outside", "unknown framing", "configured twice", "unknown mode \"printer\""} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}
