package mux

import "io"

// Extension replaces a line's byte-stream discipline with framed packets.
// It is installed per line; while IsExtended reports true the telnet codec
// is bypassed in both directions and the byte accessors refuse to run.
// ReadPacket and WritePacket work against the session's Rx and Tx buffers,
// which the multiplexer keeps filling and draining as usual.
type Extension interface {
	// ReadPacket returns the next complete packet, or ErrNoData when none has
	// fully arrived.
	ReadPacket(s *Session) ([]byte, error)
	// WritePacket queues one packet, or returns ErrStall when it does not fit.
	WritePacket(s *Session, p []byte) error
	// Show writes extension-specific status for reports.
	Show(s *Session, w io.Writer)
	// Close is called when the line disconnects.
	Close(s *Session)
	IsExtended(s *Session) bool
}
