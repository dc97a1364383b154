// Package serialport attaches a host serial adapter to a multiplexer line.
// The port is opened raw (8N1, no echo, no line discipline) and non-blocking,
// and its modem pins are exposed so the line can pass DTR/RTS out and
// DCD/RNG/CTS/DSR in instead of emulating them.
package serialport

import "errors"

var (
	// ErrUnsupported is returned on platforms without termios/TIOCM support.
	ErrUnsupported = errors.New("serialport: not supported on this platform")
	// ErrBaud rejects a speed the driver cannot be configured for.
	ErrBaud = errors.New("serialport: unsupported baud rate")
)

// DefaultBaud is used when a configuration leaves the speed unset.
const DefaultBaud = 9600
