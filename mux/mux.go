// Package mux exposes the lines of a simulated device as network sessions.
//
// A Multiplexer owns a listener and a fixed set of line Sessions. The host
// drives it by calling PollConnections, PollReceiveAll and PollTransmitAll
// from one goroutine at its own cadence; nothing here blocks or starts a
// goroutine, and no state is shared between lines. Work that cannot finish
// within a call stays buffered and is visible as a stall.
package mux

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"termmux/journal"
	"termmux/modem"
	"termmux/stats"
	"termmux/transport"
)

const busyMessage = "All connections busy\r\n"

// Options configure a Multiplexer.
type Options struct {
	// Name identifies the device in the connect banner and reports.
	Name string
	// Banner sends "Connected to <name>, line n" to every new connection.
	Banner bool
	// Announce offers SGA/ECHO/BINARY when a telnet peer connects.
	Announce bool
	// Raw disables telnet processing on every line.
	Raw bool

	Stats   *stats.Tracker
	Journal *journal.Logger
}

// Multiplexer is a set of lines behind one listener.
type Multiplexer struct {
	opts     Options
	lines    []*Session
	order    []int // nil means identity
	listener *transport.Listener
	logs     map[int]*lineLog
}

type lineLog struct {
	path string
	file *os.File
	w    *bufio.Writer
}

// New allocates a multiplexer with n idle lines.
func New(n int, opts Options) (*Multiplexer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: line count %d", ErrInvalidLine, n)
	}
	if strings.TrimSpace(opts.Name) == "" {
		opts.Name = "termmux"
	}
	m := &Multiplexer{
		opts:  opts,
		lines: make([]*Session, n),
		logs:  make(map[int]*lineLog),
	}
	for i := range m.lines {
		m.lines[i] = newSession(i, opts)
	}
	return m, nil
}

// Name returns the device name.
func (m *Multiplexer) Name() string {
	return m.opts.Name
}

// Lines returns the number of lines.
func (m *Multiplexer) Lines() int {
	return len(m.lines)
}

// Line returns line i.
func (m *Multiplexer) Line(i int) (*Session, error) {
	if i < 0 || i >= len(m.lines) {
		return nil, fmt.Errorf("%w: %d (have %d)", ErrInvalidLine, i, len(m.lines))
	}
	return m.lines[i], nil
}

// OpenListener binds spec and starts accepting. An open listener is replaced
// only once the new one is bound; on error the previous state is kept.
func (m *Multiplexer) OpenListener(spec string) error {
	ln, err := transport.Listen(spec)
	if err != nil {
		return err
	}
	if old := m.listener; old != nil {
		oldAddr := old.Addr()
		if err := old.Close(); err != nil {
			log.Printf("mux: closing previous listener %v: %v", oldAddr, err)
		}
	}
	m.listener = ln
	log.Printf("mux: %s listening on %s (%d lines)", m.opts.Name, ln.Addr(), len(m.lines))
	return nil
}

// CloseListener stops accepting. Connected lines stay up.
func (m *Multiplexer) CloseListener() error {
	if m.listener == nil {
		return nil
	}
	err := m.listener.Close()
	m.listener = nil
	return err
}

// ListenAddr returns the bound listener address, or "" when closed.
func (m *Multiplexer) ListenAddr() string {
	if m.listener == nil {
		return ""
	}
	if addr := m.listener.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// PollConnections accepts at most one pending connection and returns the
// line it was placed on, or NoConnection. With every line busy the peer is
// told so and dropped, and ErrAllBusy is returned.
func (m *Multiplexer) PollConnections() (int, error) {
	if m.listener == nil {
		return NoConnection, nil
	}
	conn, err := m.listener.Accept()
	if err != nil {
		if errors.Is(err, transport.ErrWouldBlock) {
			return NoConnection, nil
		}
		return NoConnection, fmt.Errorf("mux: accept: %w", err)
	}
	peer := conn.RemoteAddr()
	slot := m.freeLine()
	if slot < 0 {
		_, _ = conn.Send([]byte(busyMessage))
		conn.Close()
		if m.opts.Stats != nil {
			m.opts.Stats.IncrementBusy()
		}
		m.opts.Journal.Enqueue(journal.Event{Kind: journal.KindBusy, Line: NoConnection, Peer: peer})
		log.Printf("mux: %s rejected, all %d lines busy", peer, len(m.lines))
		return NoConnection, ErrAllBusy
	}
	s := m.lines[slot]
	if err := s.Accept(conn, peer); err != nil {
		conn.Close()
		return NoConnection, &LineError{Line: slot, Err: err}
	}
	if m.opts.Banner {
		_ = s.Send(fmt.Sprintf("\r\nConnected to %s, line %d\r\n\r\n", m.opts.Name, slot))
	}
	log.Printf("mux: line %d: connected from %s", slot, peer)
	return slot, nil
}

func (m *Multiplexer) freeLine() int {
	for _, i := range m.LineOrder() {
		s := m.lines[i]
		if s.conn == nil && !s.serial {
			return i
		}
	}
	return NoConnection
}

// PollReceiveAll services every line in index order. Failures are collected
// per line and never stop the remaining lines.
func (m *Multiplexer) PollReceiveAll() []LineError {
	var errs []LineError
	for i, s := range m.lines {
		if _, err := s.PollReceive(); err != nil {
			errs = append(errs, LineError{Line: i, Err: err})
		}
	}
	return errs
}

// PollTransmitAll services every line in index order.
func (m *Multiplexer) PollTransmitAll() []LineError {
	var errs []LineError
	for i, s := range m.lines {
		if _, err := s.PollTransmit(); err != nil {
			errs = append(errs, LineError{Line: i, Err: err})
		}
	}
	return errs
}

// SetLineOrder replaces the order in which free lines are offered to new
// connections. Anything but a permutation of every line, the empty order
// included, is rejected and the previous order kept.
func (m *Multiplexer) SetLineOrder(order []int) error {
	if err := validatePermutation(order, len(m.lines)); err != nil {
		return err
	}
	m.order = append([]int(nil), order...)
	return nil
}

// ResetLineOrder restores index order.
func (m *Multiplexer) ResetLineOrder() {
	m.order = nil
}

// LineOrder returns a copy of the connection order.
func (m *Multiplexer) LineOrder() []int {
	if m.order == nil {
		return identity(len(m.lines))
	}
	return append([]int(nil), m.order...)
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func validatePermutation(order []int, n int) error {
	if len(order) != n {
		return fmt.Errorf("%w: %d entries for %d lines", ErrInvalidPermutation, len(order), n)
	}
	seen := make([]bool, n)
	for _, v := range order {
		if v < 0 || v >= n {
			return fmt.Errorf("%w: line %d out of range", ErrInvalidPermutation, v)
		}
		if seen[v] {
			return fmt.Errorf("%w: line %d repeated", ErrInvalidPermutation, v)
		}
		seen[v] = true
	}
	return nil
}

// ParseLineOrder reads an order such as "2,0,1", "4-7;0-3" or "ALL" for n
// lines. Lines left out are appended in ascending order.
func ParseLineOrder(text string, n int) ([]int, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || strings.EqualFold(trimmed, "ALL") {
		return identity(n), nil
	}
	seen := make([]bool, n)
	order := make([]int, 0, n)
	add := func(v int) error {
		if v < 0 || v >= n {
			return fmt.Errorf("%w: line %d out of range", ErrInvalidPermutation, v)
		}
		if seen[v] {
			return fmt.Errorf("%w: line %d repeated", ErrInvalidPermutation, v)
		}
		seen[v] = true
		order = append(order, v)
		return nil
	}
	fields := strings.FieldsFunc(trimmed, func(r rune) bool { return r == ',' || r == ';' })
	for _, field := range fields {
		field = strings.TrimSpace(field)
		lo, hi, isRange := strings.Cut(field, "-")
		first, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPermutation, field)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil || last < first {
				return nil, fmt.Errorf("%w: %q", ErrInvalidPermutation, field)
			}
		}
		for v := first; v <= last; v++ {
			if err := add(v); err != nil {
				return nil, err
			}
		}
	}
	for v := 0; v < n; v++ {
		if !seen[v] {
			order = append(order, v)
		}
	}
	return order, nil
}

// DisconnectLine forces line i closed as if the peer had hung up.
func (m *Multiplexer) DisconnectLine(i int) error {
	s, err := m.Line(i)
	if err != nil {
		return err
	}
	return s.Disconnect()
}

// SetExtension installs a packet extension on line i.
func (m *Multiplexer) SetExtension(i int, ext Extension) error {
	s, err := m.Line(i)
	if err != nil {
		return err
	}
	s.SetExtension(ext)
	return nil
}

// AttachSerial connects line i directly to conn, typically a serial port,
// bypassing the listener. The line carries raw bytes, and when conn exposes
// modem signals they are passed through instead of emulated.
func (m *Multiplexer) AttachSerial(i int, conn transport.Conn, name string) error {
	s, err := m.Line(i)
	if err != nil {
		return err
	}
	if s.conn != nil {
		return ErrAlreadyConnected
	}
	s.binary = true
	s.serial = true
	if sig, ok := conn.(modem.Signaler); ok {
		s.modem.SetPassThrough(sig)
	}
	if err := s.Accept(conn, name); err != nil {
		s.binary = s.rawLine
		s.serial = false
		s.modem.SetPassThrough(nil)
		return err
	}
	log.Printf("mux: line %d: attached to %s", i, name)
	return nil
}

// SetModemControl enables modem-control emulation on line i.
func (m *Multiplexer) SetModemControl(i int, on bool) error {
	s, err := m.Line(i)
	if err != nil {
		return err
	}
	s.EnableModemControl(on)
	return nil
}

// SetLog appends line i's transmitted data to the file at path. The
// previous log of the line, if any, is flushed and closed first.
func (m *Multiplexer) SetLog(i int, path string) error {
	s, err := m.Line(i)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mux: line %d log dir: %w", i, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("mux: line %d log: %w", i, err)
	}
	m.closeLog(i)
	ll := &lineLog{path: path, file: f, w: bufio.NewWriter(f)}
	m.logs[i] = ll
	s.SetLog(ll.w, path)
	return nil
}

// SetNoLog detaches and closes line i's log.
func (m *Multiplexer) SetNoLog(i int) error {
	s, err := m.Line(i)
	if err != nil {
		return err
	}
	s.ClearLog()
	return m.closeLog(i)
}

func (m *Multiplexer) closeLog(i int) error {
	ll, ok := m.logs[i]
	if !ok {
		return nil
	}
	delete(m.logs, i)
	flushErr := ll.w.Flush()
	closeErr := ll.file.Close()
	if flushErr != nil {
		return fmt.Errorf("mux: line %d log flush: %w", i, flushErr)
	}
	return closeErr
}

// PostLogs flushes every open line log, closing them when closeLogs is true.
func (m *Multiplexer) PostLogs(closeLogs bool) error {
	var firstErr error
	for i, ll := range m.logs {
		var err error
		if closeLogs {
			m.lines[i].ClearLog()
			err = m.closeLog(i)
		} else {
			err = ll.w.Flush()
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Snapshot captures every line.
func (m *Multiplexer) Snapshot() []LineSnapshot {
	out := make([]LineSnapshot, len(m.lines))
	for i, s := range m.lines {
		out[i] = s.Snapshot()
	}
	return out
}

// Connected returns how many lines have a peer.
func (m *Multiplexer) Connected() int {
	n := 0
	for _, s := range m.lines {
		if s.conn != nil {
			n++
		}
	}
	return n
}

// Close disconnects every line, closes the listener and the line logs.
func (m *Multiplexer) Close() error {
	for _, s := range m.lines {
		if s.conn != nil {
			s.disconnect("shutdown")
		}
	}
	err := m.CloseListener()
	if logErr := m.PostLogs(true); err == nil {
		err = logErr
	}
	return err
}
