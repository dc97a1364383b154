// Package modem emulates the handshake signals of a serial line. A line either
// synthesizes its incoming signals from connection state or passes them
// through to a transport that owns real signal pins, never both.
package modem

import (
	"errors"
	"fmt"
	"strings"
)

// Bits is a set of modem control signals.
type Bits uint8

const (
	DTR Bits = 0x01 // Data Terminal Ready
	RTS Bits = 0x02 // Request To Send
	DCD Bits = 0x04 // Data Carrier Detect
	RNG Bits = 0x08 // Ring Indicator
	CTS Bits = 0x10 // Clear To Send
	DSR Bits = 0x20 // Data Set Ready

	// Outgoing bits are driven by the device.
	Outgoing = DTR | RTS
	// Incoming bits are driven by the peer or the transport.
	Incoming = DCD | RNG | CTS | DSR
)

var bitNames = []struct {
	bit  Bits
	name string
}{
	{DTR, "DTR"}, {RTS, "RTS"}, {DCD, "DCD"}, {RNG, "RNG"}, {CTS, "CTS"}, {DSR, "DSR"},
}

// String lists the asserted signals, e.g. "DTR|RTS".
func (b Bits) String() string {
	if b == 0 {
		return "none"
	}
	var parts []string
	for _, n := range bitNames {
		if b&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Signaler is implemented by transports with real modem pins (serial adapters).
type Signaler interface {
	ModemBits() (Bits, error)
	SetModemBits(set, clear Bits) error
}

// ErrIncomingBits rejects attempts to drive signals the device does not own.
var ErrIncomingBits = errors.New("modem: incoming signals cannot be set by the device")

// State tracks one line's signals.
type State struct {
	outgoing  Bits
	control   bool     // line honors DTR hang-up and ring
	signaler  Signaler // non-nil in pass-through mode
	connected bool
}

// EnableControl turns modem-control emulation on or off for the line. With
// control enabled a peer arriving while DTR is down rings instead of raising
// carrier, and dropping DTR hangs the line up.
func (s *State) EnableControl(on bool) {
	s.control = on
}

// Controlled reports whether modem-control emulation is enabled.
func (s *State) Controlled() bool {
	return s.control
}

// SetPassThrough binds the state to a transport's real signals. A nil
// signaler returns the line to emulation.
func (s *State) SetPassThrough(sig Signaler) {
	s.signaler = sig
}

// PassThrough reports whether incoming signals come from real hardware.
func (s *State) PassThrough() bool {
	return s.signaler != nil
}

// SetConnected records whether a peer currently occupies the line.
func (s *State) SetConnected(connected bool) {
	s.connected = connected
}

// Set asserts and clears outgoing signals and returns the incoming signals.
// hangup reports a DTR drop on a connected, modem-controlled line; the caller
// is expected to disconnect it.
func (s *State) Set(set, clear Bits) (incoming Bits, hangup bool, err error) {
	if (set|clear)&^Outgoing != 0 {
		return s.Incoming(), false, ErrIncomingBits
	}
	before := s.outgoing
	s.outgoing = (s.outgoing | set) &^ clear
	if s.signaler != nil {
		if err := s.signaler.SetModemBits(set, clear); err != nil {
			return 0, false, fmt.Errorf("modem: pass-through set: %w", err)
		}
	} else if s.control && s.connected && before&DTR != 0 && s.outgoing&DTR == 0 {
		hangup = true
	}
	return s.Incoming(), hangup, nil
}

// Outgoing returns the signals currently driven by the device.
func (s *State) Outgoing() Bits {
	return s.outgoing
}

// Incoming returns the asserted incoming signals. In pass-through mode a read
// failure reports no signals.
func (s *State) Incoming() Bits {
	if s.signaler != nil {
		bits, err := s.signaler.ModemBits()
		if err != nil {
			return 0
		}
		return bits & Incoming
	}
	if !s.connected {
		return 0
	}
	if s.control && s.outgoing&DTR == 0 {
		return RNG
	}
	return DCD | CTS | DSR
}

// Reset drops every outgoing signal and the connection flag. Control and
// pass-through configuration survive a reset.
func (s *State) Reset() {
	s.outgoing = 0
	s.connected = false
}
