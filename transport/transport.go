// Package transport provides the non-blocking byte-stream primitive the
// multiplexer is driven through. Every call returns immediately: a receive
// with nothing to read and a send with no room report ErrWouldBlock, an
// orderly remote close reports ErrPeerClosed, and anything else is a
// transport failure.
//
// On unix systems TCP sockets are read and written directly on their
// non-blocking descriptors; other platforms and arbitrary net.Conn values go
// through a pump that stages bytes in bounded buffers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
)

var (
	// ErrWouldBlock reports that the operation could not make progress now.
	ErrWouldBlock = errors.New("transport: would block")
	// ErrPeerClosed reports an orderly close by the remote side.
	ErrPeerClosed = errors.New("transport: peer closed")
	// ErrInvalidSpec reports a malformed listener specification.
	ErrInvalidSpec = errors.New("transport: invalid listener specification")
	// ErrAddressInUse reports that the listener address is already bound.
	ErrAddressInUse = errors.New("transport: address in use")
	// ErrClosed reports use of a closed connection or listener.
	ErrClosed = errors.New("transport: closed")
)

// Conn is a non-blocking byte stream.
type Conn interface {
	// Recv reads available bytes into p.
	Recv(p []byte) (int, error)
	// Send writes as much of p as the transport accepts right now.
	Send(p []byte) (int, error)
	Close() error
	RemoteAddr() string
}

// Spec is a parsed listener specification.
type Spec struct {
	Host string
	Port int
}

// Address renders the spec as a dialable/listenable host:port.
func (s Spec) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s Spec) String() string {
	if s.Host == "" {
		return strconv.Itoa(s.Port)
	}
	return s.Address()
}

// ParseSpec accepts "port", ":port", "host:port" and "[v6host]:port".
func ParseSpec(spec string) (Spec, error) {
	trimmed := strings.TrimSpace(spec)
	if trimmed == "" {
		return Spec{}, fmt.Errorf("%w: empty", ErrInvalidSpec)
	}
	host, portText := "", trimmed
	if strings.ContainsAny(trimmed, ":[]") {
		h, p, err := net.SplitHostPort(trimmed)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: %q: %v", ErrInvalidSpec, spec, err)
		}
		host, portText = h, p
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port < 0 || port > 65535 {
		return Spec{}, fmt.Errorf("%w: %q: bad port %q", ErrInvalidSpec, spec, portText)
	}
	return Spec{Host: host, Port: port}, nil
}

// Listener accepts connections without blocking.
type Listener struct {
	ln   *net.TCPListener
	spec Spec
	plat listenerPlatform
}

// Listen parses spec, binds it with SO_REUSEADDR and starts listening.
func Listen(spec string) (*Listener, error) {
	parsed, err := ParseSpec(spec)
	if err != nil {
		return nil, err
	}
	ln, err := listenWithReuse(parsed.Address())
	if err != nil {
		if isAddrInUse(err) {
			return nil, fmt.Errorf("%w: %s", ErrAddressInUse, parsed.Address())
		}
		return nil, fmt.Errorf("transport: listen %s: %w", parsed.Address(), err)
	}
	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("transport: listen %s: unexpected listener %T", parsed.Address(), ln)
	}
	l := &Listener{ln: tcp, spec: parsed}
	if err := l.plat.init(tcp); err != nil {
		tcp.Close()
		return nil, fmt.Errorf("transport: listen %s: %w", parsed.Address(), err)
	}
	return l, nil
}

// listenWithReuse enables SO_REUSEADDR so a restarted daemon can rebind its
// port immediately. Address-in-use is reported as is; other control failures
// fall back to a plain listen.
func listenWithReuse(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			controlErr := c.Control(func(fd uintptr) {
				sockErr = setReuseAddr(fd)
			})
			if controlErr != nil {
				return controlErr
			}
			return sockErr
		},
	}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		if isAddrInUse(err) {
			return nil, err
		}
		return net.Listen("tcp", addr)
	}
	return listener, nil
}

// Accept returns a pending connection or ErrWouldBlock.
func (l *Listener) Accept() (Conn, error) {
	if l == nil || l.ln == nil {
		return nil, ErrClosed
	}
	return l.plat.accept(l.ln)
}

// Addr returns the bound address (useful when the spec asked for port 0).
func (l *Listener) Addr() net.Addr {
	if l == nil || l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Spec returns the specification the listener was opened with.
func (l *Listener) Spec() Spec {
	return l.spec
}

// Close stops listening. Connections already accepted are unaffected.
func (l *Listener) Close() error {
	if l == nil || l.ln == nil {
		return nil
	}
	l.plat.close()
	err := l.ln.Close()
	l.ln = nil
	return err
}

// Wrap adapts a net.Conn to the non-blocking Conn contract.
func Wrap(c net.Conn) Conn {
	if rc := wrapRaw(c); rc != nil {
		return rc
	}
	return newPump(c)
}
