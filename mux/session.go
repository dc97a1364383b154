package mux

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"termmux/buffer"
	"termmux/journal"
	"termmux/modem"
	"termmux/stats"
	"termmux/telnet"
	"termmux/transport"
)

// Char is one received byte and whether a break arrived with it.
type Char struct {
	Value byte
	Break bool
}

// Session is one line of a multiplexer. A session is owned by the multiplexer
// that allocated it and is serviced from the host polling goroutine only.
type Session struct {
	index int

	conn        transport.Conn
	id          string
	peer        string
	connectedAt time.Time

	rx    buffer.LineBuffer
	tx    buffer.LineBuffer
	codec telnet.Codec
	modem modem.State

	rxEnabled bool
	txEnabled bool
	binary    bool // no telnet processing in either direction
	rawLine   bool // binary setting restored when a serial attachment ends
	announce  bool // send the option greeting on connect
	serial    bool // attached directly, never offered to the listener
	txSplit   bool // first IAC of an escaped pair already written
	rxHeld    bool // receive buffer full, transport left unread

	rxBytes uint64
	txBytes uint64

	logW    io.Writer
	logName string

	ext Extension

	stats   *stats.Tracker
	journal *journal.Logger

	scratch [buffer.Usable]byte
	wire    [2 * buffer.Capacity]byte
}

func newSession(index int, opts Options) *Session {
	return &Session{
		index:     index,
		binary:    opts.Raw,
		rawLine:   opts.Raw,
		announce:  opts.Announce,
		stats:     opts.Stats,
		journal:   opts.Journal,
		rxEnabled: true,
		txEnabled: true,
	}
}

// Index returns the line number.
func (s *Session) Index() int {
	return s.index
}

// Connected reports whether a peer occupies the line.
func (s *Session) Connected() bool {
	return s.conn != nil
}

// Peer returns the remote address of the current (or last) connection.
func (s *Session) Peer() string {
	return s.peer
}

// ID returns the identifier assigned to the current (or last) connection.
func (s *Session) ID() string {
	return s.id
}

// Accept binds conn to the line. Buffers, telnet and modem state are reset
// and the connection time is stamped.
func (s *Session) Accept(conn transport.Conn, peer string) error {
	if s.conn != nil {
		return ErrAlreadyConnected
	}
	if conn == nil {
		return fmt.Errorf("mux: line %d: nil connection", s.index)
	}
	s.reset()
	s.rxBytes = 0
	s.txBytes = 0
	s.conn = conn
	s.peer = peer
	s.id = uuid.NewString()
	s.connectedAt = time.Now()
	s.rxEnabled = true
	s.txEnabled = true
	s.modem.SetConnected(true)
	if s.announce && !s.raw() {
		s.codec.Greeting()
	}
	if s.stats != nil {
		s.stats.IncrementAccept()
	}
	s.journal.Enqueue(journal.Event{
		Kind:    journal.KindConnect,
		Session: s.id,
		Line:    s.index,
		Peer:    peer,
		At:      s.connectedAt,
	})
	return nil
}

func (s *Session) reset() {
	s.rx.Reset()
	s.tx.Reset()
	s.codec.Reset()
	s.modem.Reset()
	s.txSplit = false
	s.rxHeld = false
}

// raw reports whether bytes bypass the telnet codec.
func (s *Session) raw() bool {
	return s.binary || s.extended()
}

func (s *Session) extended() bool {
	return s.ext != nil && s.ext.IsExtended(s)
}

// rxSink feeds decoded bytes into the receive buffer.
type rxSink Session

func (r *rxSink) Data(b byte) {
	s := (*Session)(r)
	if s.rx.PutByte(b) {
		s.rxBytes++
	}
}

func (r *rxSink) Break() {
	(*Session)(r).rx.MarkBreak()
}

// PollReceive drains what the transport has ready, without blocking, into
// the receive buffer. Would-block yields (0, nil). A peer close or transport
// failure disconnects the line and is returned.
func (s *Session) PollReceive() (int, error) {
	if s.conn == nil || !s.rxEnabled {
		return 0, nil
	}
	room := s.rx.Free()
	if room == 0 {
		if !s.rxHeld && s.stats != nil {
			s.stats.IncrementStall(true)
		}
		s.rxHeld = true
		return 0, nil
	}
	s.rxHeld = false
	n, err := s.conn.Recv(s.scratch[:room])
	stored := 0
	if n > 0 {
		before := s.rxBytes
		if s.raw() {
			stored, _ = s.rx.Put(s.scratch[:n])
			s.rxBytes += uint64(stored)
		} else {
			s.codec.Decode(s.scratch[:n], (*rxSink)(s))
			stored = int(s.rxBytes - before)
		}
		if s.stats != nil {
			s.stats.AddTraffic(stored, 0)
		}
	}
	if err != nil {
		return stored, s.fail(err)
	}
	return stored, nil
}

// PollTransmit writes queued telnet responses and then as much buffered data
// as the transport takes, escaping IAC on telnet lines. Bytes the transport
// refuses stay buffered for the next poll. An escaped pair cut by a short
// write is completed before anything else goes out, so responses never land
// between its two halves. It returns the number of data bytes written.
func (s *Session) PollTransmit() (int, error) {
	if s.conn == nil {
		return 0, nil
	}
	consumed := 0
	if s.txSplit {
		n, err := s.conn.Send([]byte{telnet.IAC})
		if n > 0 {
			s.account(s.tx.Peek(1))
			s.tx.Discard(1)
			s.txSplit = false
			consumed = 1
		}
		if err != nil {
			return consumed, s.fail(err)
		}
		if s.txSplit {
			return 0, nil
		}
	}
	if pending := s.codec.Pending(); len(pending) > 0 {
		n, err := s.conn.Send(pending)
		s.codec.Consume(n)
		if err != nil {
			return consumed, s.fail(err)
		}
		if len(s.codec.Pending()) > 0 {
			return consumed, nil
		}
	}
	if !s.txEnabled || s.tx.Len() == 0 {
		return consumed, nil
	}
	src := s.tx.Peek(s.tx.Len())
	raw := s.raw()
	out := src
	if !raw {
		out = telnet.Escape(s.wire[:0], src)
	}
	n, err := s.conn.Send(out)
	if n > 0 {
		done := s.advance(src, n, raw)
		s.account(src[:done])
		consumed += done
	}
	if err != nil {
		return consumed, s.fail(err)
	}
	return consumed, nil
}

// account logs and counts data bytes that have left the line.
func (s *Session) account(p []byte) {
	if len(p) == 0 {
		return
	}
	if s.logW != nil {
		s.writeLog(p)
	}
	s.txBytes += uint64(len(p))
	if s.stats != nil {
		s.stats.AddTraffic(0, len(p))
	}
}

// advance discards the source bytes fully covered by n written wire bytes
// and records whether an escaped IAC pair was cut in half.
func (s *Session) advance(src []byte, n int, raw bool) int {
	if raw {
		return s.tx.Discard(n)
	}
	wire, consumed, split := 0, 0, false
	for _, b := range src {
		width := 1
		if b == telnet.IAC {
			width = 2
		}
		if wire+width > n {
			split = wire < n
			break
		}
		wire += width
		consumed++
	}
	s.tx.Discard(consumed)
	s.txSplit = split
	return consumed
}

func (s *Session) writeLog(p []byte) {
	if _, err := s.logW.Write(p); err != nil {
		log.Printf("mux: line %d: log %s: %v (detaching)", s.index, s.logName, err)
		s.ClearLog()
	}
}

// fail classifies a transport error. Would-block is not a failure; anything
// else disconnects the line.
func (s *Session) fail(err error) error {
	switch {
	case errors.Is(err, transport.ErrWouldBlock):
		return nil
	case errors.Is(err, transport.ErrPeerClosed):
		s.disconnect("peer")
		return ErrPeerClosed
	default:
		s.disconnect("error")
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
}

// Disconnect closes the connection administratively.
func (s *Session) Disconnect() error {
	if s.conn == nil {
		return ErrNotConnected
	}
	s.disconnect("admin")
	return nil
}

func (s *Session) disconnect(reason string) {
	conn := s.conn
	if conn == nil {
		return
	}
	s.conn = nil
	if err := conn.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		log.Printf("mux: line %d: close: %v", s.index, err)
	}
	if s.ext != nil {
		s.ext.Close(s)
	}
	s.reset()
	if s.serial {
		s.serial = false
		s.binary = s.rawLine
		s.modem.SetPassThrough(nil)
	}
	if s.stats != nil {
		s.stats.IncrementDisconnect(reason)
	}
	s.journal.Enqueue(journal.Event{
		Kind:    journal.KindDisconnect,
		Session: s.id,
		Line:    s.index,
		Peer:    s.peer,
		Reason:  reason,
		RxBytes: s.rxBytes,
		TxBytes: s.txBytes,
		At:      time.Now(),
	})
	log.Printf("mux: line %d: %s disconnected (%s) after %s", s.index, s.peer, reason,
		time.Since(s.connectedAt).Truncate(time.Second))
}

// GetChar removes one byte from the receive buffer. ErrNoData means the
// buffer is empty.
func (s *Session) GetChar() (Char, error) {
	if s.extended() {
		return Char{}, ErrNotSupported
	}
	if !s.rxEnabled {
		return Char{}, ErrNoData
	}
	c, brk, ok := s.rx.TakeByte()
	if !ok {
		return Char{}, ErrNoData
	}
	return Char{Value: c, Break: brk}, nil
}

// PutChar queues one byte for transmission. ErrStall means the transmit
// buffer is full.
func (s *Session) PutChar(b byte) error {
	if s.extended() {
		return ErrNotSupported
	}
	if s.conn == nil {
		return ErrNotConnected
	}
	held := s.tx.Stalled()
	if !s.tx.PutByte(b) {
		if !held && s.stats != nil {
			s.stats.IncrementStall(false)
		}
		return ErrStall
	}
	return nil
}

// Send queues a text message, turning bare LF into CR LF. It returns ErrStall
// when the message did not fit.
func (s *Session) Send(msg string) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	text := strings.ReplaceAll(strings.ReplaceAll(msg, "\r\n", "\n"), "\n", "\r\n")
	if _, stalled := s.tx.Put([]byte(text)); stalled {
		return ErrStall
	}
	return nil
}

// GetPacket reads one framed message through the line's extension.
func (s *Session) GetPacket() ([]byte, error) {
	if s.ext == nil {
		return nil, ErrNotSupported
	}
	return s.ext.ReadPacket(s)
}

// PutPacket writes one framed message through the line's extension.
func (s *Session) PutPacket(p []byte) error {
	if s.ext == nil {
		return ErrNotSupported
	}
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.ext.WritePacket(s, p)
}

// SetExtension installs (or with nil removes) the line's packet extension.
func (s *Session) SetExtension(ext Extension) {
	s.ext = ext
}

// Extension returns the installed extension, if any.
func (s *Session) Extension() Extension {
	return s.ext
}

// Rx exposes the receive buffer to extensions.
func (s *Session) Rx() *buffer.LineBuffer {
	return &s.rx
}

// Tx exposes the transmit buffer to extensions.
func (s *Session) Tx() *buffer.LineBuffer {
	return &s.tx
}

// RxQueued returns the number of received bytes waiting to be read.
func (s *Session) RxQueued() int {
	return s.rx.Len()
}

// TxQueued returns the number of bytes waiting to be transmitted.
func (s *Session) TxQueued() int {
	return s.tx.Len()
}

// Stalled reports whether either direction is stalled.
func (s *Session) Stalled() bool {
	return s.rx.Stalled() || s.tx.Stalled()
}

// SetBinary switches telnet processing off (true) or on.
func (s *Session) SetBinary(on bool) {
	s.binary = on
	s.rawLine = on
}

// SetReceiveEnabled gates PollReceive and GetChar.
func (s *Session) SetReceiveEnabled(on bool) {
	s.rxEnabled = on
}

// SetTransmitEnabled gates the data part of PollTransmit.
func (s *Session) SetTransmitEnabled(on bool) {
	s.txEnabled = on
}

// SetLog attaches a sink that receives every transmitted data byte.
// Detaching and reattaching never touches buffered data.
func (s *Session) SetLog(w io.Writer, name string) {
	s.logW = w
	s.logName = name
}

// ClearLog detaches the transmit log.
func (s *Session) ClearLog() {
	s.logW = nil
	s.logName = ""
}

// EnableModemControl turns DTR hang-up and ring emulation on or off.
func (s *Session) EnableModemControl(on bool) {
	s.modem.EnableControl(on)
}

// SetModemBits drives DTR/RTS and returns the incoming signals. Dropping DTR
// on a modem-controlled line hangs it up.
func (s *Session) SetModemBits(set, clear modem.Bits) (modem.Bits, error) {
	incoming, hangup, err := s.modem.Set(set, clear)
	if err != nil {
		return incoming, err
	}
	if hangup {
		s.disconnect("hangup")
		incoming = s.modem.Incoming()
	}
	return incoming, nil
}

// ModemBits returns the outgoing and incoming signals.
func (s *Session) ModemBits() (outgoing, incoming modem.Bits) {
	return s.modem.Outgoing(), s.modem.Incoming()
}

// LineSnapshot is a read-only view of one line.
type LineSnapshot struct {
	Line        int
	ID          string
	Connected   bool
	Peer        string
	ConnectedAt time.Time
	RxBytes     uint64
	TxBytes     uint64
	RxQueued    int
	TxQueued    int
	RxStalled   bool
	TxStalled   bool
	RxEnabled   bool
	TxEnabled   bool
	Binary      bool
	Extended    bool
	Serial      bool
	Modem       modem.Bits
	Telnet      string
	LogName     string
}

// Duration returns how long the line has been connected.
func (ls LineSnapshot) Duration() time.Duration {
	if !ls.Connected {
		return 0
	}
	return time.Since(ls.ConnectedAt)
}

// Snapshot captures the line state.
func (s *Session) Snapshot() LineSnapshot {
	out, in := s.ModemBits()
	return LineSnapshot{
		Line:        s.index,
		ID:          s.id,
		Connected:   s.conn != nil,
		Peer:        s.peer,
		ConnectedAt: s.connectedAt,
		RxBytes:     s.rxBytes,
		TxBytes:     s.txBytes,
		RxQueued:    s.rx.Len(),
		TxQueued:    s.tx.Len(),
		RxStalled:   s.rx.Stalled() || s.rx.Free() == 0,
		TxStalled:   s.tx.Stalled(),
		RxEnabled:   s.rxEnabled,
		TxEnabled:   s.txEnabled,
		Binary:      s.binary,
		Extended:    s.extended(),
		Serial:      s.serial,
		Modem:       out | in,
		Telnet:      s.codec.State().String(),
		LogName:     s.logName,
	}
}
