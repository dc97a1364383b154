//go:build !linux

package serialport

import (
	"fmt"

	"termmux/modem"
)

// Port is unavailable on this platform.
type Port struct{}

// Open always fails on this platform.
func Open(device string, baud int) (*Port, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, device)
}

func (p *Port) Recv(b []byte) (int, error)               { return 0, ErrUnsupported }
func (p *Port) Send(b []byte) (int, error)               { return 0, ErrUnsupported }
func (p *Port) Close() error                             { return nil }
func (p *Port) RemoteAddr() string                       { return "" }
func (p *Port) ModemBits() (modem.Bits, error)           { return 0, ErrUnsupported }
func (p *Port) SetModemBits(set, clear modem.Bits) error { return ErrUnsupported }
