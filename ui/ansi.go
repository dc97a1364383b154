package ui

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// ANSIConsole is a fixed-layout console renderer that repaints the terminal
// with ANSI escape codes on every refresh tick: stats, the line table and
// the newest system lines.
type ANSIConsole struct {
	mu        sync.Mutex
	snapshot  Snapshot
	system    *EventBuffer
	sysLines  int
	refresh   time.Duration
	out       io.Writer
	color     bool
	quit      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	writer    *ansiWriter
	renderBuf bytes.Buffer
	scratch   []Event
}

// ANSIOptions configure NewANSIConsole.
type ANSIOptions struct {
	Refresh     time.Duration
	SystemLines int
	Color       bool
	// Out defaults to os.Stdout.
	Out io.Writer
}

// NewANSIConsole starts the render loop. A non-positive refresh renders only
// on explicit Render calls.
func NewANSIConsole(opts ANSIOptions) *ANSIConsole {
	const minRefresh = 16 * time.Millisecond
	refresh := opts.Refresh
	if refresh > 0 && refresh < minRefresh {
		log.Printf("ui: clamping refresh interval to %s (requested %s too low)", minRefresh, refresh)
		refresh = minRefresh
	}
	sysLines := opts.SystemLines
	if sysLines <= 0 {
		sysLines = 8
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	c := &ANSIConsole{
		system:   NewEventBuffer(sysLines, 0),
		sysLines: sysLines,
		refresh:  refresh,
		out:      out,
		color:    opts.Color,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.writer = &ansiWriter{append: c.AppendSystem}
	if refresh > 0 {
		go c.refreshLoop()
	} else {
		close(c.done)
	}
	return c
}

// WaitReady returns immediately; there is nothing to initialise.
func (c *ANSIConsole) WaitReady() {}

// Stop ends the render loop.
func (c *ANSIConsole) Stop() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() {
		close(c.quit)
		<-c.done
	})
}

func (c *ANSIConsole) SetSnapshot(snapshot Snapshot) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.snapshot = snapshot
	c.mu.Unlock()
}

func (c *ANSIConsole) AppendSystem(line string) {
	c.append(EventSystem, line)
}

func (c *ANSIConsole) AppendCommand(line string) {
	c.append(EventCommand, line)
}

func (c *ANSIConsole) append(kind EventKind, line string) {
	if c == nil {
		return
	}
	c.system.Append(Event{Timestamp: time.Now(), Kind: kind, Message: line})
}

// SystemWriter returns an io.Writer that splits log output into system lines.
func (c *ANSIConsole) SystemWriter() io.Writer {
	if c == nil {
		return nil
	}
	return c.writer
}

func (c *ANSIConsole) refreshLoop() {
	defer close(c.done)
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "ANSI console panic: %v\n", r)
		}
	}()
	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Render()
		case <-c.quit:
			return
		}
	}
}

// Render repaints the whole screen once.
func (c *ANSIConsole) Render() {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.snapshot
	var events []Event
	events, _ = c.system.Snapshot(c.scratch)
	c.scratch = events

	c.renderBuf.Reset()
	// Clear screen + home cursor.
	c.renderBuf.WriteString("\x1b[2J\x1b[H")
	for _, line := range snap.StatsLines {
		c.renderBuf.WriteString(applyANSIMarkup(line, c.color))
		c.renderBuf.WriteByte('\n')
	}
	c.renderBuf.WriteByte('\n')
	writeTable(&c.renderBuf, snap)
	rows := make([]string, 0, len(events))
	for _, ev := range events {
		rows = append(rows, applyANSIMarkup(ev.Format(), c.color))
	}
	writePane(&c.renderBuf, "---- System ----", rows)
	_, _ = c.renderBuf.WriteTo(c.out)
}

// writeTable lays the line table out in padded columns.
func writeTable(buf *bytes.Buffer, snap Snapshot) {
	rows := [][]string{lineColumns}
	for _, ls := range snap.Lines {
		rows = append(rows, lineRow(ls))
	}
	widths := make([]int, len(lineColumns))
	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	for _, row := range rows {
		for i, cell := range row {
			if i == len(row)-1 {
				buf.WriteString(cell)
				break
			}
			fmt.Fprintf(buf, "%-*s  ", widths[i], cell)
		}
		buf.WriteByte('\n')
	}
}

func writePane(buf *bytes.Buffer, title string, lines []string) {
	buf.WriteString(title)
	buf.WriteByte('\n')
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
}

// ansiWriter buffers log output until newline and hands complete lines to
// append.
type ansiWriter struct {
	mu     sync.Mutex
	append func(string)
	buf    []byte
}

func (w *ansiWriter) Write(p []byte) (int, error) {
	if w == nil || w.append == nil {
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx == -1 {
			break
		}
		w.append(strings.TrimRight(string(w.buf[:idx]), "\r"))
		w.buf = w.buf[idx+1:]
	}
	const maxWriterBufferSize = 16 * 1024
	if len(w.buf) > maxWriterBufferSize {
		w.append(string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

// applyANSIMarkup turns [color] tags into escape codes, or strips them when
// color is off.
func applyANSIMarkup(line string, enableColor bool) string {
	if line == "" {
		return line
	}
	if !enableColor {
		return ansiStripReplacer.Replace(line)
	}
	replaced := ansiColorReplacer.Replace(line)
	if replaced != line {
		replaced += resetANSI
	}
	return replaced
}

const resetANSI = "\x1b[0m"

var ansiColorReplacer = strings.NewReplacer(
	"[red]", "\x1b[31m",
	"[green]", "\x1b[32m",
	"[yellow]", "\x1b[33m",
	"[blue]", "\x1b[34m",
	"[cyan]", "\x1b[36m",
	"[-]", resetANSI,
)

var ansiStripReplacer = strings.NewReplacer(
	"[red]", "",
	"[green]", "",
	"[yellow]", "",
	"[blue]", "",
	"[cyan]", "",
	"[-]", "",
)
