package device

import (
	"bytes"
	"testing"

	"termmux/framing"
	"termmux/mux"
	"termmux/transport"
)

// scriptConn hands out queued input once and records everything written.
type scriptConn struct {
	in  []byte
	out bytes.Buffer
}

func (c *scriptConn) Recv(p []byte) (int, error) {
	if len(c.in) == 0 {
		return 0, transport.ErrWouldBlock
	}
	n := copy(p, c.in)
	c.in = c.in[n:]
	return n, nil
}

func (c *scriptConn) Send(p []byte) (int, error) { return c.out.Write(p) }
func (c *scriptConn) Close() error                { return nil }
func (c *scriptConn) RemoteAddr() string          { return "/dev/ttyECHO" }

func attach(t *testing.T, lines int, line int, conn *scriptConn) *mux.Multiplexer {
	t.Helper()
	m, err := mux.New(lines, mux.Options{Name: "echo"})
	if err != nil {
		t.Fatalf("mux.New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	if err := m.AttachSerial(line, conn, conn.RemoteAddr()); err != nil {
		t.Fatalf("AttachSerial: %v", err)
	}
	return m
}

func poll(m *mux.Multiplexer, e *Echo) int {
	m.PollReceiveAll()
	n := e.Service(m)
	m.PollTransmitAll()
	return n
}

func TestEchoReturnsBytes(t *testing.T) {
	conn := &scriptConn{in: []byte("hello\xff")}
	m := attach(t, 2, 1, conn)
	e := NewEcho("")
	if n := poll(m, e); n != 6 {
		t.Fatalf("expected 6 bytes echoed, got %d", n)
	}
	if got := conn.out.String(); got != "hello\xff" {
		t.Fatalf("echo = %q", got)
	}
}

func TestEchoPromptOncePerSession(t *testing.T) {
	conn := &scriptConn{}
	m := attach(t, 1, 0, conn)
	e := NewEcho("> ")
	poll(m, e)
	poll(m, e)
	if got := conn.out.String(); got != "> " {
		t.Fatalf("expected single prompt, got %q", got)
	}
	conn.in = []byte("ls\r")
	poll(m, e)
	if got := conn.out.String(); got != "> ls\r\n> " {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestEchoStopsWhenTransmitFull(t *testing.T) {
	conn := &scriptConn{in: bytes.Repeat([]byte{'x'}, 400)}
	m := attach(t, 1, 0, conn)
	s, _ := m.Line(0)
	// Fill most of the transmit buffer without draining it.
	for s.Tx().Free() > 10 {
		if err := s.PutChar('.'); err != nil {
			t.Fatalf("PutChar: %v", err)
		}
	}
	m.PollReceiveAll()
	e := NewEcho("")
	if n := e.Service(m); n != 10 {
		t.Fatalf("expected 10 bytes echoed into remaining room, got %d", n)
	}
	if s.RxQueued() != 390 {
		t.Fatalf("expected unread bytes to stay queued, got %d", s.RxQueued())
	}
}

func TestEchoPackets(t *testing.T) {
	frame, err := framing.Encode(nil, []byte("ping"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	conn := &scriptConn{in: frame}
	m := attach(t, 1, 0, conn)
	f := &framing.LengthPrefixed{}
	if err := m.SetExtension(0, f); err != nil {
		t.Fatalf("SetExtension: %v", err)
	}
	e := NewEcho("> ")
	if n := poll(m, e); n != 1 {
		t.Fatalf("expected one packet echoed, got %d", n)
	}
	if !bytes.Equal(conn.out.Bytes(), frame) {
		t.Fatalf("expected frame echoed verbatim, got % x", conn.out.Bytes())
	}
	in, out, corrupt := f.Counters()
	if in != 1 || out != 1 || corrupt != 0 {
		t.Fatalf("counters in=%d out=%d corrupt=%d", in, out, corrupt)
	}
}
