package ui

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventKind identifies a console event category.
type EventKind int

const (
	EventSystem EventKind = iota
	EventLine
	EventCommand
)

func (k EventKind) Label() string {
	switch k {
	case EventSystem:
		return "SYS"
	case EventLine:
		return "LINE"
	case EventCommand:
		return "CMD"
	default:
		return "UNK"
	}
}

// Event is one console log entry.
type Event struct {
	Timestamp time.Time
	Kind      EventKind
	Message   string
}

// Format renders the event as a timestamped console line.
func (e Event) Format() string {
	return e.Timestamp.Format("15:04:05 ") + e.Kind.Label() + " " + e.Message
}

// EventBuffer keeps the newest events within a count and a byte limit,
// evicting the oldest first. Messages longer than the byte limit are
// dropped. Safe for concurrent use.
type EventBuffer struct {
	mu       sync.RWMutex
	events   []Event
	head     int
	count    int
	maxBytes int
	curBytes int
	seq      atomic.Uint64

	evicted   atomic.Uint64
	oversized atomic.Uint64
}

// NewEventBuffer creates a buffer for maxCount events. maxBytes <= 0 means
// no byte limit.
func NewEventBuffer(maxCount, maxBytes int) *EventBuffer {
	if maxCount <= 0 {
		maxCount = 1
	}
	return &EventBuffer{events: make([]Event, maxCount), maxBytes: maxBytes}
}

// Append inserts e and reports whether it was kept.
func (b *EventBuffer) Append(e Event) bool {
	if b == nil {
		return false
	}
	size := len(e.Message)
	if b.maxBytes > 0 && size > b.maxBytes {
		b.oversized.Add(1)
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.count == len(b.events) || (b.maxBytes > 0 && b.count > 0 && b.curBytes+size > b.maxBytes) {
		b.evictOldestLocked()
	}
	b.events[(b.head+b.count)%len(b.events)] = e
	b.curBytes += size
	b.count++
	b.seq.Add(1)
	return true
}

// Snapshot copies the buffered events, oldest first, into dst. The returned
// sequence number changes whenever an event is appended.
func (b *EventBuffer) Snapshot(dst []Event) ([]Event, uint64) {
	if b == nil {
		return dst[:0], 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if cap(dst) < b.count {
		dst = make([]Event, b.count)
	}
	dst = dst[:b.count]
	for i := range dst {
		dst[i] = b.events[(b.head+i)%len(b.events)]
	}
	return dst, b.seq.Load()
}

// Drops returns how many events were evicted and how many were refused.
func (b *EventBuffer) Drops() (evicted, oversized uint64) {
	if b == nil {
		return 0, 0
	}
	return b.evicted.Load(), b.oversized.Load()
}

func (b *EventBuffer) evictOldestLocked() {
	if b.count == 0 {
		return
	}
	b.curBytes -= len(b.events[b.head].Message)
	b.events[b.head] = Event{}
	b.head = (b.head + 1) % len(b.events)
	b.count--
	b.evicted.Add(1)
}
