package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete multiplexer configuration.
type Config struct {
	Mux     MuxConfig     `yaml:"mux"`
	Lines   []LineConfig  `yaml:"lines"`
	Device  DeviceConfig  `yaml:"device"`
	Logging LoggingConfig `yaml:"logging"`
	Journal JournalConfig `yaml:"journal"`
	UI      UIConfig      `yaml:"ui"`

	// LoadedFrom is the directory the configuration was read from.
	LoadedFrom string `yaml:"-"`
}

// MuxConfig describes the listener and the line set.
type MuxConfig struct {
	Name           string `yaml:"name"`
	Listen         string `yaml:"listen"`
	Lines          int    `yaml:"lines"`
	LineOrder      string `yaml:"line_order"`
	Banner         *bool  `yaml:"banner"`
	TelnetOptions  *bool  `yaml:"telnet_options"`
	Raw            bool   `yaml:"raw"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	LogFlushSec    int    `yaml:"log_flush_seconds"`
}

// LineConfig holds per-line overrides.
type LineConfig struct {
	Line         int    `yaml:"line"`
	Serial       string `yaml:"serial"`
	Baud         int    `yaml:"baud"`
	ModemControl bool   `yaml:"modem_control"`
	Binary       bool   `yaml:"binary"`
	Log          string `yaml:"log"`
	Framing      string `yaml:"framing"`
}

// DeviceConfig selects the built-in device that consumes line data.
type DeviceConfig struct {
	Mode   string `yaml:"mode"`
	Prompt string `yaml:"prompt"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// JournalConfig controls the SQLite connection journal.
type JournalConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	QueueSize int    `yaml:"queue_size"`
}

// UIConfig selects the console surface.
type UIConfig struct {
	Mode      string `yaml:"mode"` // ansi, tview or headless
	RefreshMS int    `yaml:"refresh_ms"`
}

const (
	defaultName          = "termmux"
	defaultListen        = "2323"
	defaultLines         = 8
	defaultPollInterval  = 10
	defaultLogFlush      = 5
	defaultLogDir        = "data/logs"
	defaultRetentionDays = 7
	defaultUIMode        = "ansi"
	defaultRefreshMS     = 500
	defaultDeviceMode    = "echo"
)

// Framing modes accepted in LineConfig.Framing.
const (
	FramingNone           = ""
	FramingLengthPrefixed = "length_prefixed"
)

// Load reads every *.yaml / *.yml file in dir in lexical order, merging them
// into one configuration, then fills defaults and validates the result.
func Load(dir string) (*Config, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("config path %s is not a directory", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no yaml files in %s", dir)
	}
	sort.Strings(files)

	merged := map[string]any{}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", filepath.Base(path), err)
		}
		mergeMaps(merged, doc)
	}
	data, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.LoadedFrom = dir
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeMaps overlays src onto dst. Nested mappings merge key by key; any
// other value in src replaces the one in dst.
func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := dst[k].(map[string]any); ok {
				mergeMaps(existing, sub)
				continue
			}
		}
		dst[k] = v
	}
}

func (c *Config) normalize() {
	c.Mux.Name = strings.TrimSpace(c.Mux.Name)
	if c.Mux.Name == "" {
		c.Mux.Name = defaultName
	}
	if strings.TrimSpace(c.Mux.Listen) == "" {
		c.Mux.Listen = defaultListen
	}
	if c.Mux.Lines <= 0 {
		c.Mux.Lines = defaultLines
	}
	if c.Mux.PollIntervalMS <= 0 {
		c.Mux.PollIntervalMS = defaultPollInterval
	}
	if c.Mux.LogFlushSec <= 0 {
		c.Mux.LogFlushSec = defaultLogFlush
	}
	if c.Mux.Banner == nil {
		c.Mux.Banner = boolPtr(true)
	}
	if c.Mux.TelnetOptions == nil {
		c.Mux.TelnetOptions = boolPtr(true)
	}
	for i := range c.Lines {
		c.Lines[i].Framing = strings.ToLower(strings.TrimSpace(c.Lines[i].Framing))
	}
	c.Device.Mode = strings.ToLower(strings.TrimSpace(c.Device.Mode))
	if c.Device.Mode == "" {
		c.Device.Mode = defaultDeviceMode
	}
	if strings.TrimSpace(c.Logging.Dir) == "" {
		c.Logging.Dir = defaultLogDir
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = defaultRetentionDays
	}
	c.UI.Mode = strings.ToLower(strings.TrimSpace(c.UI.Mode))
	if c.UI.Mode == "" {
		c.UI.Mode = defaultUIMode
	}
	if c.UI.RefreshMS <= 0 {
		c.UI.RefreshMS = defaultRefreshMS
	}
}

func boolPtr(v bool) *bool {
	return &v
}

// Validate rejects settings the daemon cannot start with.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[int]bool)
	for _, lc := range c.Lines {
		if lc.Line < 0 || lc.Line >= c.Mux.Lines {
			errs = append(errs, fmt.Errorf("lines: line %d outside 0-%d", lc.Line, c.Mux.Lines-1))
			continue
		}
		if seen[lc.Line] {
			errs = append(errs, fmt.Errorf("lines: line %d configured twice", lc.Line))
		}
		seen[lc.Line] = true
		if lc.Framing != FramingNone && lc.Framing != FramingLengthPrefixed {
			errs = append(errs, fmt.Errorf("lines: line %d: unknown framing %q", lc.Line, lc.Framing))
		}
	}
	switch c.Device.Mode {
	case "echo", "none":
	default:
		errs = append(errs, fmt.Errorf("device: unknown mode %q", c.Device.Mode))
	}
	switch c.UI.Mode {
	case "ansi", "tview", "headless":
	default:
		errs = append(errs, fmt.Errorf("ui: unknown mode %q", c.UI.Mode))
	}
	return errors.Join(errs...)
}

// Line returns the override for line i, or the zero value.
func (c *Config) Line(i int) LineConfig {
	for _, lc := range c.Lines {
		if lc.Line == i {
			return lc
		}
	}
	return LineConfig{Line: i}
}

// Print displays the configuration.
func (c *Config) Print() {
	fmt.Printf("Mux: %s, %d lines on %s (poll every %dms)\n", c.Mux.Name, c.Mux.Lines, c.Mux.Listen, c.Mux.PollIntervalMS)
	if c.Mux.LineOrder != "" {
		fmt.Printf("Line order: %s\n", c.Mux.LineOrder)
	}
	fmt.Printf("Banner: %t, telnet options: %t, raw: %t\n", *c.Mux.Banner, *c.Mux.TelnetOptions, c.Mux.Raw)
	for _, lc := range c.Lines {
		var parts []string
		if lc.Serial != "" {
			parts = append(parts, fmt.Sprintf("serial %s@%d", lc.Serial, lc.Baud))
		}
		if lc.ModemControl {
			parts = append(parts, "modem control")
		}
		if lc.Binary {
			parts = append(parts, "binary")
		}
		if lc.Framing != "" {
			parts = append(parts, "framing "+lc.Framing)
		}
		if lc.Log != "" {
			parts = append(parts, "log "+lc.Log)
		}
		if len(parts) > 0 {
			fmt.Printf("Line %d: %s\n", lc.Line, strings.Join(parts, ", "))
		}
	}
	fmt.Printf("Device: %s\n", c.Device.Mode)
	if c.Journal.Enabled {
		fmt.Printf("Journal: %s\n", c.Journal.Path)
	}
}
