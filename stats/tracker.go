// Package stats tracks process-wide multiplexer counters (connections
// accepted and refused, disconnect reasons, flow-control stalls) for the
// console summary and the dashboard. Counters are atomic so the dashboard can
// read them while the poll loop updates them.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Tracker accumulates multiplexer events.
type Tracker struct {
	accepts     atomic.Uint64
	busyRejects atomic.Uint64
	rxStalls    atomic.Uint64
	txStalls    atomic.Uint64
	rxBytes     atomic.Uint64
	txBytes     atomic.Uint64
	disconnects sync.Map // reason -> *atomic.Uint64
	start       atomic.Int64
}

// NewTracker creates a tracker with its uptime clock started.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// IncrementAccept counts a connection placed into a line.
func (t *Tracker) IncrementAccept() {
	t.accepts.Add(1)
}

// IncrementBusy counts a connection refused because every line was in use.
func (t *Tracker) IncrementBusy() {
	t.busyRejects.Add(1)
}

// IncrementDisconnect counts a disconnect by reason (peer, error, admin, hangup).
func (t *Tracker) IncrementDisconnect(reason string) {
	incrementCounter(&t.disconnects, reason)
}

// IncrementStall counts a stall in the receive (rx=true) or transmit direction.
func (t *Tracker) IncrementStall(rx bool) {
	if rx {
		t.rxStalls.Add(1)
		return
	}
	t.txStalls.Add(1)
}

// AddTraffic adds received and transmitted byte counts.
func (t *Tracker) AddTraffic(rx, tx int) {
	if rx > 0 {
		t.rxBytes.Add(uint64(rx))
	}
	if tx > 0 {
		t.txBytes.Add(uint64(tx))
	}
}

// Accepts returns the number of accepted connections.
func (t *Tracker) Accepts() uint64 {
	return t.accepts.Load()
}

// BusyRejects returns the number of refused connections.
func (t *Tracker) BusyRejects() uint64 {
	return t.busyRejects.Load()
}

// Stalls returns the receive and transmit stall counts.
func (t *Tracker) Stalls() (rx, tx uint64) {
	return t.rxStalls.Load(), t.txStalls.Load()
}

// Traffic returns total received and transmitted bytes.
func (t *Tracker) Traffic() (rx, tx uint64) {
	return t.rxBytes.Load(), t.txBytes.Load()
}

// GetDisconnectCounts returns a copy of the disconnect counters.
func (t *Tracker) GetDisconnectCounts() map[string]uint64 {
	counts := make(map[string]uint64)
	t.disconnects.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

// GetUptime returns how long the tracker has been running
func (t *Tracker) GetUptime() time.Duration {
	start := t.start.Load()
	return time.Since(time.Unix(0, start))
}

// Reset resets all counters
func (t *Tracker) Reset() {
	t.accepts.Store(0)
	t.busyRejects.Store(0)
	t.rxStalls.Store(0)
	t.txStalls.Store(0)
	t.rxBytes.Store(0)
	t.txBytes.Store(0)
	t.disconnects.Range(func(key, _ any) bool {
		t.disconnects.Delete(key)
		return true
	})
	t.start.Store(time.Now().UnixNano())
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	rxStalls, txStalls := t.Stalls()
	rxBytes, txBytes := t.Traffic()
	return []string{
		fmt.Sprintf("Connections: accepted=%s busy=%s",
			humanize.Comma(int64(t.Accepts())), humanize.Comma(int64(t.BusyRejects()))),
		formatDisconnects(t.GetDisconnectCounts()),
		fmt.Sprintf("Traffic: rx=%s tx=%s stalls rx=%d tx=%d",
			humanize.Bytes(rxBytes), humanize.Bytes(txBytes), rxStalls, txStalls),
	}
}

func formatDisconnects(counts map[string]uint64) string {
	var builder strings.Builder
	builder.WriteString("Disconnects: ")
	if len(counts) == 0 {
		builder.WriteString("(none)")
		return builder.String()
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%d", k, counts[k])
	}
	return builder.String()
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
