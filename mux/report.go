package mux

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ReportConnections writes one line per connected session: peer, line
// number and connect time.
func (m *Multiplexer) ReportConnections(w io.Writer) {
	shown := false
	for _, s := range m.lines {
		snap := s.Snapshot()
		if !snap.Connected {
			continue
		}
		shown = true
		kind := "telnet"
		switch {
		case snap.Serial:
			kind = "serial"
		case snap.Extended:
			kind = "packet"
		case snap.Binary:
			kind = "raw"
		}
		fmt.Fprintf(w, "line %d: %s connection from %s, connected %s (%s)\n",
			snap.Line, kind, snap.Peer, humanize.Time(snap.ConnectedAt),
			snap.ConnectedAt.Format(time.DateTime))
		if snap.LogName != "" {
			fmt.Fprintf(w, "  logging to %s\n", snap.LogName)
		}
		if ext := s.Extension(); ext != nil {
			ext.Show(s, w)
		}
	}
	if !shown {
		fmt.Fprintln(w, "all lines disconnected")
	}
}

// ReportStats writes per-line traffic counters and buffer state.
func (m *Multiplexer) ReportStats(w io.Writer) {
	for _, s := range m.lines {
		snap := s.Snapshot()
		state := "idle"
		if snap.Connected {
			state = "connected " + humanize.RelTime(snap.ConnectedAt, time.Now(), "", "")
		}
		fmt.Fprintf(w, "line %d: %s\n", snap.Line, strings.TrimSpace(state))
		fmt.Fprintf(w, "  rx %s (%d queued%s)  tx %s (%d queued%s)\n",
			humanize.Bytes(snap.RxBytes), snap.RxQueued, stallTag(snap.RxStalled),
			humanize.Bytes(snap.TxBytes), snap.TxQueued, stallTag(snap.TxStalled))
		fmt.Fprintf(w, "  modem %s  telnet %s\n", snap.Modem, snap.Telnet)
	}
}

func stallTag(stalled bool) string {
	if stalled {
		return ", stalled"
	}
	return ""
}

// ReportSummary writes a one-line overview and the connection order.
func (m *Multiplexer) ReportSummary(w io.Writer) {
	addr := m.ListenAddr()
	if addr == "" {
		addr = "not listening"
	} else {
		addr = "listening on " + addr
	}
	fmt.Fprintf(w, "%s: %d of %d lines connected, %s\n", m.opts.Name, m.Connected(), len(m.lines), addr)
	fmt.Fprintf(w, "line order: %s\n", FormatLineOrder(m.LineOrder()))
}

// FormatLineOrder renders an order the way ParseLineOrder reads it, folding
// ascending runs into ranges.
func FormatLineOrder(order []int) string {
	var parts []string
	for i := 0; i < len(order); {
		j := i
		for j+1 < len(order) && order[j+1] == order[j]+1 {
			j++
		}
		if j > i {
			parts = append(parts, fmt.Sprintf("%d-%d", order[i], order[j]))
		} else {
			parts = append(parts, fmt.Sprintf("%d", order[i]))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}
