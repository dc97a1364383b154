//go:build linux

package serialport

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"termmux/modem"
	"termmux/transport"
)

var baudRates = map[int]uint32{
	300:    unix.B300,
	600:    unix.B600,
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
}

// Port is an open serial device.
type Port struct {
	name string

	mu     sync.Mutex
	fd     int
	closed bool
	saved  *unix.Termios
}

// Open opens device in raw non-blocking mode at the given speed.
func Open(device string, baud int) (*Port, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	speed, ok := baudRates[baud]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBaud, baud)
	}
	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", device, err)
	}
	saved, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serialport: %s: get termios: %w", device, err)
	}
	raw := *saved
	raw.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	raw.Oflag &^= unix.OPOST
	raw.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	raw.Cflag &^= unix.CSIZE | unix.PARENB | unix.CBAUD
	raw.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	raw.Ispeed = speed
	raw.Ospeed = speed
	raw.Cc[unix.VMIN] = 0
	raw.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &raw); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serialport: %s: set termios: %w", device, err)
	}
	return &Port{name: device, fd: fd, saved: saved}, nil
}

// Recv reads whatever the driver has buffered.
func (p *Port) Recv(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, transport.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := unix.Read(p.fd, b)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return 0, transport.ErrWouldBlock
		}
		return 0, fmt.Errorf("serialport: %s: read: %w", p.name, err)
	}
	if n == 0 {
		// A tty with VMIN=0 returns zero bytes when idle; carrier loss is
		// reported through the modem bits, not end-of-file.
		return 0, transport.ErrWouldBlock
	}
	return n, nil
}

// Send writes as much of b as the driver accepts.
func (p *Port) Send(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, transport.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := unix.Write(p.fd, b)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return 0, transport.ErrWouldBlock
		}
		return 0, fmt.Errorf("serialport: %s: write: %w", p.name, err)
	}
	return n, nil
}

// Close restores the original terminal settings and releases the device.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.saved != nil {
		_ = unix.IoctlSetTermios(p.fd, unix.TCSETS, p.saved)
	}
	return unix.Close(p.fd)
}

// RemoteAddr names the device.
func (p *Port) RemoteAddr() string {
	return p.name
}

var tiocmMap = []struct {
	tiocm int
	bit   modem.Bits
}{
	{unix.TIOCM_DTR, modem.DTR},
	{unix.TIOCM_RTS, modem.RTS},
	{unix.TIOCM_CAR, modem.DCD},
	{unix.TIOCM_RNG, modem.RNG},
	{unix.TIOCM_CTS, modem.CTS},
	{unix.TIOCM_DSR, modem.DSR},
}

// ModemBits reads the current pin state.
func (p *Port) ModemBits() (modem.Bits, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, transport.ErrClosed
	}
	status, err := unix.IoctlGetInt(p.fd, unix.TIOCMGET)
	if err != nil {
		return 0, fmt.Errorf("serialport: %s: TIOCMGET: %w", p.name, err)
	}
	var bits modem.Bits
	for _, m := range tiocmMap {
		if status&m.tiocm != 0 {
			bits |= m.bit
		}
	}
	return bits, nil
}

// SetModemBits raises set and drops clear on the outgoing pins.
func (p *Port) SetModemBits(set, clear modem.Bits) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return transport.ErrClosed
	}
	if bits := toTIOCM(set & modem.Outgoing); bits != 0 {
		if err := unix.IoctlSetPointerInt(p.fd, unix.TIOCMBIS, bits); err != nil {
			return fmt.Errorf("serialport: %s: TIOCMBIS: %w", p.name, err)
		}
	}
	if bits := toTIOCM(clear & modem.Outgoing); bits != 0 {
		if err := unix.IoctlSetPointerInt(p.fd, unix.TIOCMBIC, bits); err != nil {
			return fmt.Errorf("serialport: %s: TIOCMBIC: %w", p.name, err)
		}
	}
	return nil
}

func toTIOCM(bits modem.Bits) int {
	var out int
	for _, m := range tiocmMap {
		if bits&m.bit != 0 {
			out |= m.tiocm
		}
	}
	return out
}
