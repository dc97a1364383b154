package ui

import (
	"strings"
	"testing"
	"time"
)

func TestEventBufferEvictsOldest(t *testing.T) {
	buf := NewEventBuffer(2, 0)
	buf.Append(Event{Timestamp: time.Unix(1, 0), Kind: EventLine, Message: "a"})
	buf.Append(Event{Timestamp: time.Unix(2, 0), Kind: EventLine, Message: "b"})
	buf.Append(Event{Timestamp: time.Unix(3, 0), Kind: EventLine, Message: "c"})

	events, seq := buf.Snapshot(nil)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Message != "b" || events[1].Message != "c" {
		t.Fatalf("unexpected order: %+v", events)
	}
	if seq != 3 {
		t.Fatalf("expected seq 3, got %d", seq)
	}
	if evicted, _ := buf.Drops(); evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
}

func TestEventBufferByteLimit(t *testing.T) {
	buf := NewEventBuffer(10, 4)
	if !buf.Append(Event{Message: "abc"}) {
		t.Fatalf("expected first append to succeed")
	}
	if !buf.Append(Event{Message: "de"}) {
		t.Fatalf("expected second append to evict and succeed")
	}
	events, _ := buf.Snapshot(nil)
	if len(events) != 1 || events[0].Message != "de" {
		t.Fatalf("unexpected contents %+v", events)
	}
	if buf.Append(Event{Message: "toolong"}) {
		t.Fatalf("expected oversized message to be refused")
	}
	if _, oversized := buf.Drops(); oversized != 1 {
		t.Fatalf("expected 1 oversized drop, got %d", oversized)
	}
}

func TestEventFormat(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)
	got := Event{Timestamp: ts, Kind: EventCommand, Message: "SHOW STATS"}.Format()
	if got != "03:04:05 CMD SHOW STATS" {
		t.Fatalf("unexpected format %q", got)
	}
	if !strings.Contains(Event{Kind: EventKind(42)}.Format(), " UNK ") {
		t.Fatalf("unknown kind should render UNK")
	}
}
