package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"termmux/commands"
	"termmux/config"
	"termmux/device"
	"termmux/framing"
	"termmux/journal"
	"termmux/mux"
	"termmux/serialport"
	"termmux/stats"
	"termmux/ui"
)

// cmdRequest carries one operator command to the polling goroutine.
type cmdRequest struct {
	text  string
	reply chan string
}

// host owns the polling loop. Every multiplexer call happens on the
// goroutine running run; other goroutines reach it through submit.
type host struct {
	mux     *mux.Multiplexer
	tracker *stats.Tracker
	proc    *commands.Processor
	echo    *device.Echo
	surface ui.Surface

	interval time.Duration
	flush    time.Duration
	refresh  time.Duration

	cmds chan cmdRequest
	done chan struct{}

	// lastErr suppresses repeats of the same failure on a line.
	lastErr map[int]string
}

// Purpose: Build the multiplexer from config.
// Key aspects: Serial lines are attached before the listener opens so they
// are never offered to network peers; a line that fails to attach is logged
// and left idle.
// Upstream: main startup.
// Downstream: mux.New, serialport.Open, framing.LengthPrefixed, OpenListener.
func buildMux(cfg *config.Config, tracker *stats.Tracker, jrnl *journal.Logger) (*mux.Multiplexer, error) {
	m, err := mux.New(cfg.Mux.Lines, mux.Options{
		Name:     cfg.Mux.Name,
		Banner:   *cfg.Mux.Banner,
		Announce: *cfg.Mux.TelnetOptions,
		Raw:      cfg.Mux.Raw,
		Stats:    tracker,
		Journal:  jrnl,
	})
	if err != nil {
		return nil, err
	}
	for i := 0; i < cfg.Mux.Lines; i++ {
		lc := cfg.Line(i)
		s, _ := m.Line(i)
		if lc.Binary {
			s.SetBinary(true)
		}
		if lc.ModemControl {
			if err := m.SetModemControl(i, true); err != nil {
				return nil, err
			}
		}
		if lc.Framing == config.FramingLengthPrefixed {
			if err := m.SetExtension(i, &framing.LengthPrefixed{}); err != nil {
				return nil, err
			}
		}
		if lc.Log != "" {
			path := lc.Log
			if !filepath.IsAbs(path) && cfg.Logging.Dir != "" {
				path = filepath.Join(cfg.Logging.Dir, path)
			}
			if err := m.SetLog(i, path); err != nil {
				log.Printf("Warning: line %d log disabled: %v", i, err)
			}
		}
		if lc.Serial != "" {
			baud := lc.Baud
			if baud <= 0 {
				baud = serialport.DefaultBaud
			}
			port, err := serialport.Open(lc.Serial, baud)
			if err != nil {
				log.Printf("Warning: line %d: serial %s unavailable: %v", i, lc.Serial, err)
				continue
			}
			if err := m.AttachSerial(i, port, lc.Serial); err != nil {
				port.Close()
				log.Printf("Warning: line %d: attach %s: %v", i, lc.Serial, err)
			}
		}
	}
	if cfg.Mux.LineOrder != "" {
		order, err := mux.ParseLineOrder(cfg.Mux.LineOrder, cfg.Mux.Lines)
		if err != nil {
			return nil, fmt.Errorf("line_order: %w", err)
		}
		if err := m.SetLineOrder(order); err != nil {
			return nil, fmt.Errorf("line_order: %w", err)
		}
	}
	if err := m.OpenListener(cfg.Mux.Listen); err != nil {
		m.Close()
		return nil, fmt.Errorf("listen %s: %w", cfg.Mux.Listen, err)
	}
	return m, nil
}

func newHost(cfg *config.Config, m *mux.Multiplexer, tracker *stats.Tracker, jrnl *journal.Logger) *host {
	h := &host{
		mux:      m,
		tracker:  tracker,
		proc:     commands.NewProcessor(m, tracker, jrnl),
		interval: time.Duration(cfg.Mux.PollIntervalMS) * time.Millisecond,
		flush:    time.Duration(cfg.Mux.LogFlushSec) * time.Second,
		refresh:  time.Duration(cfg.UI.RefreshMS) * time.Millisecond,
		cmds:     make(chan cmdRequest),
		done:     make(chan struct{}),
		lastErr:  make(map[int]string),
	}
	if cfg.Device.Mode == "echo" {
		h.echo = device.NewEcho(cfg.Device.Prompt)
	}
	return h
}

// run polls until ctx is cancelled or the operator quits.
func (h *host) run(ctx context.Context) {
	defer close(h.done)
	poll := time.NewTicker(h.interval)
	defer poll.Stop()
	flush := time.NewTicker(h.flush)
	defer flush.Stop()
	refresh := time.NewTicker(h.refresh)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			h.poll()
		case <-flush.C:
			if err := h.mux.PostLogs(false); err != nil {
				log.Printf("Warning: line log flush: %v", err)
			}
		case <-refresh.C:
			if h.surface != nil {
				h.surface.SetSnapshot(h.snapshot())
			}
		case req := <-h.cmds:
			reply := h.proc.ProcessCommand(req.text)
			req.reply <- reply
			if reply == commands.Bye {
				return
			}
		}
	}
}

// poll runs one full service pass: accept, receive, device, transmit.
func (h *host) poll() int {
	for i := 0; i <= h.mux.Lines(); i++ {
		line, err := h.mux.PollConnections()
		if err != nil && !errors.Is(err, mux.ErrAllBusy) {
			log.Printf("Warning: %v", err)
		}
		if line == mux.NoConnection {
			break
		}
		delete(h.lastErr, line)
	}
	for _, le := range h.mux.PollReceiveAll() {
		h.report(le)
	}
	moved := 0
	if h.echo != nil {
		moved = h.echo.Service(h.mux)
	}
	for _, le := range h.mux.PollTransmitAll() {
		h.report(le)
	}
	return moved
}

// report logs a line failure once. Peer closes are already logged by the
// session as disconnects.
func (h *host) report(le mux.LineError) {
	if errors.Is(le.Err, mux.ErrPeerClosed) {
		return
	}
	msg := le.Err.Error()
	if h.lastErr[le.Line] == msg {
		return
	}
	h.lastErr[le.Line] = msg
	log.Printf("Warning: %v", &le)
}

func (h *host) snapshot() ui.Snapshot {
	return ui.Snapshot{
		GeneratedAt: time.Now(),
		StatsLines:  h.tracker.SnapshotLines(),
		Lines:       h.mux.Snapshot(),
	}
}

// submit runs cmd on the polling goroutine and returns the reply. After
// the loop has stopped it returns without running anything.
func (h *host) submit(cmd string) string {
	req := cmdRequest{text: cmd, reply: make(chan string, 1)}
	select {
	case h.cmds <- req:
	case <-h.done:
		return "Shutting down.\n"
	}
	return <-req.reply
}
