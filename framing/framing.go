// Package framing carries whole messages over a multiplexed line. Each frame
// is a 2-byte big-endian payload length, the payload, and the 8-byte
// big-endian xxh3 hash of the payload. Partial frames wait in the line's
// receive buffer; a frame failing its hash is reported once and the reader
// resynchronises by dropping a byte at a time.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/xxh3"

	"termmux/buffer"
	"termmux/mux"
)

const (
	headerLen  = 2
	trailerLen = 8
	// Overhead is the number of framing bytes around every payload.
	Overhead = headerLen + trailerLen
	// MaxPayload is the largest payload that fits a line buffer.
	MaxPayload = buffer.Usable - Overhead
)

var (
	ErrCorrupt  = errors.New("framing: corrupt frame")
	ErrTooLarge = errors.New("framing: payload too large")
)

// LengthPrefixed is a mux.Extension. Install one value per line.
type LengthPrefixed struct {
	framesIn  uint64
	framesOut uint64
	corrupt   uint64
}

var _ mux.Extension = (*LengthPrefixed)(nil)

// Encode appends the frame for payload to dst.
func Encode(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(payload), MaxPayload)
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(payload)))
	dst = append(dst, payload...)
	return binary.BigEndian.AppendUint64(dst, xxh3.Hash(payload)), nil
}

// ReadPacket returns the next complete payload from the receive buffer.
func (f *LengthPrefixed) ReadPacket(s *mux.Session) ([]byte, error) {
	rx := s.Rx()
	if rx.Len() < headerLen {
		return nil, mux.ErrNoData
	}
	n := int(binary.BigEndian.Uint16(rx.Peek(headerLen)))
	if n > MaxPayload {
		rx.Discard(1)
		f.corrupt++
		return nil, fmt.Errorf("%w: length %d", ErrCorrupt, n)
	}
	total := headerLen + n + trailerLen
	if rx.Len() < total {
		return nil, mux.ErrNoData
	}
	frame := rx.Peek(total)
	payload := frame[headerLen : headerLen+n]
	sum := binary.BigEndian.Uint64(frame[headerLen+n:])
	if xxh3.Hash(payload) != sum {
		rx.Discard(1)
		f.corrupt++
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	rx.Discard(total)
	f.framesIn++
	return payload, nil
}

// WritePacket queues payload as one frame, or returns mux.ErrStall when the
// transmit buffer cannot take the whole frame yet.
func (f *LengthPrefixed) WritePacket(s *mux.Session, payload []byte) error {
	frame, err := Encode(nil, payload)
	if err != nil {
		return err
	}
	tx := s.Tx()
	if tx.Free() < len(frame) {
		return mux.ErrStall
	}
	tx.Put(frame)
	f.framesOut++
	return nil
}

// Show reports frame counters.
func (f *LengthPrefixed) Show(s *mux.Session, w io.Writer) {
	fmt.Fprintf(w, "  framing: %d frames in, %d out, %d corrupt\n", f.framesIn, f.framesOut, f.corrupt)
}

// Close keeps the counters; the session clears its own buffers.
func (f *LengthPrefixed) Close(s *mux.Session) {}

// IsExtended is always true: framed lines never carry telnet.
func (f *LengthPrefixed) IsExtended(s *mux.Session) bool {
	return true
}

// Counters returns frames received, sent and rejected.
func (f *LengthPrefixed) Counters() (in, out, corrupt uint64) {
	return f.framesIn, f.framesOut, f.corrupt
}
