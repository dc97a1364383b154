package mux

import (
	"bytes"
	"errors"
	"testing"

	"termmux/buffer"
	"termmux/modem"
	"termmux/stats"
	"termmux/telnet"
	"termmux/transport"
)

// fakeConn is a scripted transport. Recv returns queued chunks one per call,
// then recvErr (or would-block); Send accepts up to sendCap bytes per call
// (negative means unlimited).
type fakeConn struct {
	chunks  [][]byte
	recvErr error
	sendCap int
	sendErr error
	sent    bytes.Buffer
	closed  bool
	addr    string
}

func newFakeConn(chunks ...[]byte) *fakeConn {
	return &fakeConn{chunks: chunks, sendCap: -1, addr: "198.51.100.7:4242"}
}

func (c *fakeConn) Recv(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		if c.recvErr != nil {
			return 0, c.recvErr
		}
		return 0, transport.ErrWouldBlock
	}
	n := copy(p, c.chunks[0])
	c.chunks[0] = c.chunks[0][n:]
	if len(c.chunks[0]) == 0 {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func (c *fakeConn) Send(p []byte) (int, error) {
	if c.sendErr != nil {
		return 0, c.sendErr
	}
	n := len(p)
	if c.sendCap >= 0 && n > c.sendCap {
		n = c.sendCap
	}
	c.sent.Write(p[:n])
	if n < len(p) {
		return n, transport.ErrWouldBlock
	}
	return n, nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *fakeConn) RemoteAddr() string { return c.addr }

func newTestMux(t *testing.T, n int, opts Options) *Multiplexer {
	t.Helper()
	m, err := New(n, opts)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return m
}

func connectLine(t *testing.T, m *Multiplexer, i int, conn *fakeConn) *Session {
	t.Helper()
	s, err := m.Line(i)
	if err != nil {
		t.Fatalf("line %d: %v", i, err)
	}
	if err := s.Accept(conn, conn.addr); err != nil {
		t.Fatalf("accept line %d: %v", i, err)
	}
	return s
}

func TestAcceptIntoOccupiedLine(t *testing.T) {
	m := newTestMux(t, 1, Options{})
	s := connectLine(t, m, 0, newFakeConn())
	if err := s.Accept(newFakeConn(), "x"); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestNegotiationTripleNeverReachesBuffer(t *testing.T) {
	m := newTestMux(t, 1, Options{})
	conn := newFakeConn([]byte{'a', telnet.IAC, telnet.DO, 24, 'b'})
	s := connectLine(t, m, 0, conn)

	if n, err := s.PollReceive(); err != nil || n != 2 {
		t.Fatalf("poll receive: n=%d err=%v", n, err)
	}
	var got []byte
	for {
		c, err := s.GetChar()
		if errors.Is(err, ErrNoData) {
			break
		}
		if err != nil {
			t.Fatalf("get char: %v", err)
		}
		got = append(got, c.Value)
	}
	if string(got) != "ab" {
		t.Fatalf("receive buffer got %q", got)
	}
	if _, err := s.PollTransmit(); err != nil {
		t.Fatalf("poll transmit: %v", err)
	}
	want := []byte{telnet.IAC, telnet.WONT, 24}
	if !bytes.Equal(conn.sent.Bytes(), want) {
		t.Fatalf("expected exactly one refusal %v, got %v", want, conn.sent.Bytes())
	}
	if _, err := s.PollTransmit(); err != nil || conn.sent.Len() != 3 {
		t.Fatalf("refusal repeated: %v (err %v)", conn.sent.Bytes(), err)
	}
}

func TestIACEscapedOnTelnetLineOnly(t *testing.T) {
	cases := []struct {
		name   string
		binary bool
		want   []byte
	}{
		{"telnet", false, []byte{0xFF, 0xFF}},
		{"binary", true, []byte{0xFF}},
	}
	for _, tc := range cases {
		m := newTestMux(t, 1, Options{})
		conn := newFakeConn()
		s := connectLine(t, m, 0, conn)
		s.SetBinary(tc.binary)
		if err := s.PutChar(0xFF); err != nil {
			t.Fatalf("%s: put: %v", tc.name, err)
		}
		n, err := s.PollTransmit()
		if err != nil || n != 1 {
			t.Fatalf("%s: transmit n=%d err=%v", tc.name, n, err)
		}
		if !bytes.Equal(conn.sent.Bytes(), tc.want) {
			t.Fatalf("%s: wire got %v want %v", tc.name, conn.sent.Bytes(), tc.want)
		}
	}
}

func TestEscapedPairSplitAcrossPolls(t *testing.T) {
	m := newTestMux(t, 1, Options{})
	conn := newFakeConn()
	conn.sendCap = 1
	s := connectLine(t, m, 0, conn)
	s.PutChar(0xFF)
	s.PutChar('x')
	for i := 0; i < 5 && s.TxQueued() > 0; i++ {
		if _, err := s.PollTransmit(); err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
	}
	if !bytes.Equal(conn.sent.Bytes(), []byte{0xFF, 0xFF, 'x'}) {
		t.Fatalf("wire got %v", conn.sent.Bytes())
	}
	if snap := s.Snapshot(); snap.TxBytes != 2 {
		t.Fatalf("expected 2 data bytes counted, got %d", snap.TxBytes)
	}
}

func TestRefusalWaitsForSplitPair(t *testing.T) {
	m := newTestMux(t, 1, Options{})
	conn := newFakeConn()
	conn.sendCap = 2
	s := connectLine(t, m, 0, conn)
	s.PutChar('a')
	s.PutChar(0xFF)
	if n, err := s.PollTransmit(); err != nil || n != 1 {
		t.Fatalf("first transmit n=%d err=%v", n, err)
	}

	conn.chunks = append(conn.chunks, []byte{telnet.IAC, telnet.DO, 24})
	if _, err := s.PollReceive(); err != nil {
		t.Fatalf("poll receive: %v", err)
	}
	conn.sendCap = -1
	if n, err := s.PollTransmit(); err != nil || n != 1 {
		t.Fatalf("second transmit n=%d err=%v", n, err)
	}
	want := []byte{'a', 0xFF, 0xFF, telnet.IAC, telnet.WONT, 24}
	if !bytes.Equal(conn.sent.Bytes(), want) {
		t.Fatalf("wire got %v want %v", conn.sent.Bytes(), want)
	}
	if s.TxQueued() != 0 {
		t.Fatalf("expected transmit buffer drained, %d left", s.TxQueued())
	}
}

func TestPutCharStallAndRecovery(t *testing.T) {
	tr := stats.NewTracker()
	m := newTestMux(t, 1, Options{Stats: tr})
	conn := newFakeConn()
	conn.sendCap = 0
	s := connectLine(t, m, 0, conn)

	queued := 0
	var err error
	for i := 0; i < buffer.Capacity; i++ {
		if err = s.PutChar('z'); err != nil {
			break
		}
		queued++
	}
	if !IsStall(err) {
		t.Fatalf("expected stall, got %v", err)
	}
	if queued != buffer.Usable {
		t.Fatalf("expected %d bytes queued before stall, got %d", buffer.Usable, queued)
	}
	if _, err := s.PollTransmit(); err != nil {
		t.Fatalf("blocked transmit should not fail: %v", err)
	}
	if !IsStall(s.PutChar('z')) {
		t.Fatal("expected stall while transport is blocked")
	}
	conn.sendCap = -1
	if n, err := s.PollTransmit(); err != nil || n != buffer.Usable {
		t.Fatalf("drain: n=%d err=%v", n, err)
	}
	if err := s.PutChar('z'); err != nil {
		t.Fatalf("expected put to succeed after drain, got %v", err)
	}
	if _, tx := tr.Stalls(); tx != 1 {
		t.Fatalf("expected one tx stall counted, got %d", tx)
	}
}

func TestPutCharNotConnected(t *testing.T) {
	m := newTestMux(t, 1, Options{})
	s, _ := m.Line(0)
	if err := s.PutChar('a'); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := s.GetChar(); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
	if _, err := s.GetPacket(); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
	if err := s.PutPacket([]byte("x")); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
}

func TestReceiveHoldsWhenBufferFull(t *testing.T) {
	m := newTestMux(t, 1, Options{})
	conn := newFakeConn(bytes.Repeat([]byte{'q'}, buffer.Capacity))
	s := connectLine(t, m, 0, conn)
	if n, _ := s.PollReceive(); n != buffer.Usable {
		t.Fatalf("expected %d stored, got %d", buffer.Usable, n)
	}
	if n, _ := s.PollReceive(); n != 0 {
		t.Fatalf("expected full buffer to hold, got %d", n)
	}
	if !s.Snapshot().RxStalled {
		t.Fatal("expected receive stall to be visible")
	}
	s.GetChar()
	if n, _ := s.PollReceive(); n != 1 {
		t.Fatalf("expected one byte after draining one, got %d", n)
	}
}

func TestPeerCloseDisconnects(t *testing.T) {
	tr := stats.NewTracker()
	m := newTestMux(t, 2, Options{Stats: tr})
	conn := newFakeConn([]byte("bye"))
	conn.recvErr = transport.ErrPeerClosed
	s := connectLine(t, m, 1, conn)

	if n, err := s.PollReceive(); err != nil || n != 3 {
		t.Fatalf("first poll n=%d err=%v", n, err)
	}
	errs := m.PollReceiveAll()
	if len(errs) != 1 || errs[0].Line != 1 || !errors.Is(errs[0].Err, ErrPeerClosed) {
		t.Fatalf("unexpected poll errors: %+v", errs)
	}
	if s.Connected() || !conn.closed {
		t.Fatal("expected line disconnected and transport closed")
	}
	if s.RxQueued() != 0 {
		t.Fatal("expected buffers cleared on disconnect")
	}
	if snap := s.Snapshot(); snap.RxBytes != 3 {
		t.Fatalf("expected counters preserved for reporting, got %d", snap.RxBytes)
	}
	if tr.GetDisconnectCounts()["peer"] != 1 {
		t.Fatalf("disconnect not counted: %v", tr.GetDisconnectCounts())
	}
}

func TestTransportErrorIsolatedToLine(t *testing.T) {
	m := newTestMux(t, 3, Options{})
	bad := newFakeConn()
	bad.sendErr = errors.New("connection reset")
	good := newFakeConn()
	connectLine(t, m, 0, good)
	sb := connectLine(t, m, 1, bad)
	sb.PutChar('x')
	s0, _ := m.Line(0)
	s0.PutChar('y')

	errs := m.PollTransmitAll()
	if len(errs) != 1 || errs[0].Line != 1 || !errors.Is(errs[0].Err, ErrTransport) {
		t.Fatalf("unexpected errors: %+v", errs)
	}
	var le *LineError
	if err := error(&errs[0]); !errors.As(err, &le) || le.Line != 1 {
		t.Fatalf("expected LineError for line 1, got %v", err)
	}
	if sb.Connected() {
		t.Fatal("failed line should be disconnected")
	}
	if good.sent.String() != "y" || !s0.Connected() {
		t.Fatalf("healthy line affected: sent %q", good.sent.String())
	}
}

func TestReconnectResetsState(t *testing.T) {
	m := newTestMux(t, 1, Options{Announce: true})
	first := newFakeConn([]byte("abc"), []byte{telnet.IAC, telnet.DO})
	s := connectLine(t, m, 0, first)
	s.EnableModemControl(true)
	s.PollReceive()
	s.PollReceive()
	s.PutChar('x')
	s.SetModemBits(modem.DTR|modem.RTS, 0)
	if s.Snapshot().Telnet != telnet.StateCommand.String() {
		t.Fatalf("expected codec mid-sequence, got %s", s.Snapshot().Telnet)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := s.Disconnect(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected on second disconnect, got %v", err)
	}

	second := newFakeConn()
	if err := s.Accept(second, "second"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	snap := s.Snapshot()
	if snap.RxQueued != 0 || snap.TxQueued != 0 || snap.RxBytes != 0 || snap.TxBytes != 0 {
		t.Fatalf("buffers/counters not reset: %+v", snap)
	}
	if snap.Telnet != telnet.StateData.String() {
		t.Fatalf("codec not reset: %s", snap.Telnet)
	}
	out, in := s.ModemBits()
	if out != 0 || in != modem.RNG {
		t.Fatalf("modem not reset: out=%s in=%s", out, in)
	}
	// Only the fresh greeting is pending, nothing from the first peer.
	s.PollTransmit()
	var greeting telnet.Codec
	greeting.Greeting()
	if !bytes.Equal(second.sent.Bytes(), greeting.Pending()) {
		t.Fatalf("unexpected output after reconnect: %v", second.sent.Bytes())
	}
}

func TestModemControlRingAndHangup(t *testing.T) {
	m := newTestMux(t, 1, Options{})
	s, _ := m.Line(0)
	s.EnableModemControl(true)
	if _, in := s.ModemBits(); in != 0 {
		t.Fatalf("idle line should assert nothing, got %s", in)
	}
	connectLine(t, m, 0, newFakeConn())
	if _, in := s.ModemBits(); in != modem.RNG {
		t.Fatalf("expected ring before DTR, got %s", in)
	}
	in, err := s.SetModemBits(modem.DTR, 0)
	if err != nil || in != modem.DCD|modem.CTS|modem.DSR {
		t.Fatalf("answer: in=%s err=%v", in, err)
	}
	if _, err := s.SetModemBits(modem.DCD, 0); !errors.Is(err, modem.ErrIncomingBits) {
		t.Fatalf("expected ErrIncomingBits, got %v", err)
	}
	in, err = s.SetModemBits(0, modem.DTR)
	if err != nil || in != 0 {
		t.Fatalf("hangup: in=%s err=%v", in, err)
	}
	if s.Connected() {
		t.Fatal("expected DTR drop to hang up the line")
	}
}

func TestEmulatedModemWithoutControl(t *testing.T) {
	m := newTestMux(t, 1, Options{})
	s := connectLine(t, m, 0, newFakeConn())
	if _, in := s.ModemBits(); in != modem.DCD|modem.CTS|modem.DSR {
		t.Fatalf("expected carrier, got %s", in)
	}
	if _, err := s.SetModemBits(0, modem.DTR); err != nil || !s.Connected() {
		t.Fatalf("DTR drop without modem control must not hang up (err %v)", err)
	}
}

func TestTransmitLogReceivesDataBytes(t *testing.T) {
	m := newTestMux(t, 1, Options{})
	conn := newFakeConn()
	s := connectLine(t, m, 0, conn)
	var logBuf bytes.Buffer
	s.SetLog(&logBuf, "mem")
	s.PutChar('a')
	s.PutChar(0xFF)
	s.PollTransmit()
	s.ClearLog()
	s.PutChar('b')
	s.SetLog(&logBuf, "mem")
	s.PollTransmit()
	if !bytes.Equal(logBuf.Bytes(), []byte{'a', 0xFF, 'b'}) {
		t.Fatalf("log got %v", logBuf.Bytes())
	}
	if s.Snapshot().LogName != "mem" {
		t.Fatal("expected log name in snapshot")
	}
}

func TestSendTranslatesNewlines(t *testing.T) {
	m := newTestMux(t, 1, Options{})
	conn := newFakeConn()
	s := connectLine(t, m, 0, conn)
	if err := s.Send("one\ntwo\r\n"); err != nil {
		t.Fatalf("send: %v", err)
	}
	s.PollTransmit()
	if conn.sent.String() != "one\r\ntwo\r\n" {
		t.Fatalf("got %q", conn.sent.String())
	}
}
