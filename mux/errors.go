package mux

import (
	"errors"
	"fmt"

	"termmux/transport"
)

// NoConnection is returned by PollConnections when nothing was accepted.
const NoConnection = -1

var (
	// ErrInvalidSpec reports a malformed listener address.
	ErrInvalidSpec = transport.ErrInvalidSpec
	// ErrAddressInUse reports that the listener address is already bound.
	ErrAddressInUse = transport.ErrAddressInUse
	// ErrPeerClosed reports an orderly remote close; the line is disconnected.
	ErrPeerClosed = transport.ErrPeerClosed

	ErrAlreadyConnected   = errors.New("mux: line already connected")
	ErrNotConnected       = errors.New("mux: line not connected")
	ErrTransport          = errors.New("mux: transport error")
	ErrInvalidPermutation = errors.New("mux: line order is not a permutation")
	ErrNotSupported       = errors.New("mux: operation not supported on this line")
	ErrNoData             = errors.New("mux: no data")
	ErrInvalidLine        = errors.New("mux: invalid line")
	ErrAllBusy            = errors.New("mux: all connections busy")

	// ErrStall is a flow-control status, not a failure: the buffer is full and
	// the caller should retry after the next poll.
	ErrStall = errors.New("mux: buffer stalled")
)

// IsStall reports whether err is the flow-control stall status.
func IsStall(err error) bool {
	return errors.Is(err, ErrStall)
}

// LineError ties a failure to the line it happened on.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}
