package framing

import (
	"bytes"
	"errors"
	"testing"

	"termmux/mux"
	"termmux/transport"
)

// pipeConn hands Send output to its peer's Recv.
type pipeConn struct {
	in   *bytes.Buffer
	out  *bytes.Buffer
	name string
}

func (c *pipeConn) Recv(p []byte) (int, error) {
	if c.in.Len() == 0 {
		return 0, transport.ErrWouldBlock
	}
	return c.in.Read(p)
}

func (c *pipeConn) Send(p []byte) (int, error) { return c.out.Write(p) }
func (c *pipeConn) Close() error               { return nil }
func (c *pipeConn) RemoteAddr() string         { return c.name }

func framedPair(t *testing.T) (a, b *mux.Session, fa, fb *LengthPrefixed) {
	t.Helper()
	m, err := mux.New(2, mux.Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ab, ba := &bytes.Buffer{}, &bytes.Buffer{}
	a, _ = m.Line(0)
	b, _ = m.Line(1)
	fa, fb = &LengthPrefixed{}, &LengthPrefixed{}
	a.SetExtension(fa)
	b.SetExtension(fb)
	if err := a.Accept(&pipeConn{in: ba, out: ab, name: "a"}, "a"); err != nil {
		t.Fatalf("accept a: %v", err)
	}
	if err := b.Accept(&pipeConn{in: ab, out: ba, name: "b"}, "b"); err != nil {
		t.Fatalf("accept b: %v", err)
	}
	return a, b, fa, fb
}

func TestPacketRoundTripWithIAC(t *testing.T) {
	a, b, _, fb := framedPair(t)
	payload := []byte{0x01, 0xFF, 0xFF, 0x02, 0xFA}
	if err := a.PutPacket(payload); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := a.PollTransmit(); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	if _, err := b.PollReceive(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	got, err := b.GetPacket()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %v want %v", got, payload)
	}
	if in, _, _ := fb.Counters(); in != 1 {
		t.Fatalf("expected 1 frame in, got %d", in)
	}
	if _, err := b.GetPacket(); !errors.Is(err, mux.ErrNoData) {
		t.Fatalf("expected no data, got %v", err)
	}
}

func TestPartialFrameWaits(t *testing.T) {
	_, b, _, _ := framedPair(t)
	frame, _ := Encode(nil, []byte("hello"))
	b.Rx().Put(frame[:6])
	if _, err := b.GetPacket(); !errors.Is(err, mux.ErrNoData) {
		t.Fatalf("expected ErrNoData for partial frame, got %v", err)
	}
	b.Rx().Put(frame[6:])
	got, err := b.GetPacket()
	if err != nil || string(got) != "hello" {
		t.Fatalf("got %q %v", got, err)
	}
}

func TestChecksumMismatchDropsOneByte(t *testing.T) {
	_, b, _, fb := framedPair(t)
	bad, _ := Encode(nil, []byte("abc"))
	bad[3] ^= 0x01
	b.Rx().Put(bad)
	if _, err := b.GetPacket(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	if b.RxQueued() != len(bad)-1 {
		t.Fatalf("expected one byte dropped, %d queued", b.RxQueued())
	}
	if _, _, c := fb.Counters(); c != 1 {
		t.Fatalf("corrupt counter %d", c)
	}
}

func TestGarbageLengthResyncs(t *testing.T) {
	_, b, _, _ := framedPair(t)
	good, _ := Encode(nil, []byte("ok"))
	b.Rx().Put([]byte{0xFF, 0xFF})
	b.Rx().Put(good)
	for i := 0; i < 2; i++ {
		if _, err := b.GetPacket(); !errors.Is(err, ErrCorrupt) {
			t.Fatalf("read %d: expected ErrCorrupt, got %v", i, err)
		}
	}
	got, err := b.GetPacket()
	if err != nil || string(got) != "ok" {
		t.Fatalf("expected resync onto good frame, got %q %v", got, err)
	}
}

func TestWritePacketLimits(t *testing.T) {
	a, _, _, _ := framedPair(t)
	if err := a.PutPacket(make([]byte, MaxPayload+1)); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if err := a.PutPacket(make([]byte, MaxPayload)); err != nil {
		t.Fatalf("max payload: %v", err)
	}
	if err := a.PutPacket([]byte{1}); !mux.IsStall(err) {
		t.Fatalf("expected stall on full buffer, got %v", err)
	}
}

func TestExtendedLineRefusesByteAccess(t *testing.T) {
	a, _, _, _ := framedPair(t)
	if err := a.PutChar('x'); !errors.Is(err, mux.ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
	if _, err := a.GetChar(); !errors.Is(err, mux.ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
}
