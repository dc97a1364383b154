//go:build unix

package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// rawConn performs single read/write attempts on the socket descriptor. The
// runtime keeps the descriptor in non-blocking mode; a callback that always
// reports completion turns RawConn.Read/Write into one syscall each.
type rawConn struct {
	conn net.Conn
	rc   syscall.RawConn
	peer string
}

func wrapRaw(c net.Conn) Conn {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return nil
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil
	}
	peer := ""
	if addr := c.RemoteAddr(); addr != nil {
		peer = addr.String()
	}
	return &rawConn{conn: c, rc: rc, peer: peer}
}

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}

func (c *rawConn) Recv(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var n int
	var rerr error
	if err := c.rc.Read(func(fd uintptr) bool {
		n, rerr = unix.Read(int(fd), p)
		return true
	}); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	switch {
	case rerr != nil && isWouldBlock(rerr):
		return 0, ErrWouldBlock
	case rerr != nil:
		return 0, fmt.Errorf("transport: recv: %w", rerr)
	case n == 0:
		return 0, ErrPeerClosed
	}
	return n, nil
}

func (c *rawConn) Send(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var n int
	var werr error
	if err := c.rc.Write(func(fd uintptr) bool {
		n, werr = unix.Write(int(fd), p)
		return true
	}); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	switch {
	case werr != nil && isWouldBlock(werr):
		return 0, ErrWouldBlock
	case werr == unix.EPIPE:
		return 0, ErrPeerClosed
	case werr != nil:
		return 0, fmt.Errorf("transport: send: %w", werr)
	}
	return n, nil
}

func (c *rawConn) Close() error {
	return c.conn.Close()
}

func (c *rawConn) RemoteAddr() string {
	return c.peer
}

// listenerPlatform accepts directly on the listening descriptor.
type listenerPlatform struct {
	rc syscall.RawConn
}

func (p *listenerPlatform) init(ln *net.TCPListener) error {
	rc, err := ln.SyscallConn()
	if err != nil {
		return err
	}
	p.rc = rc
	return nil
}

func (p *listenerPlatform) accept(_ *net.TCPListener) (Conn, error) {
	var nfd int
	var aerr error
	if err := p.rc.Read(func(fd uintptr) bool {
		nfd, _, aerr = unix.Accept(int(fd))
		return true
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if aerr != nil {
		if isWouldBlock(aerr) || aerr == unix.ECONNABORTED {
			return nil, ErrWouldBlock
		}
		return nil, fmt.Errorf("transport: accept: %w", aerr)
	}
	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return nil, fmt.Errorf("transport: accept: set nonblock: %w", err)
	}
	f := os.NewFile(uintptr(nfd), "tcp-accepted")
	c, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	if tcp, ok := c.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return Wrap(c), nil
}

func (p *listenerPlatform) close() {}

// setReuseAddr enables SO_REUSEADDR on unix sockets.
func setReuseAddr(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}
