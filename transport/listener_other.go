//go:build !unix

package transport

import (
	"errors"
	"net"
	"sync"
)

func wrapRaw(net.Conn) Conn {
	return nil
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// listenerPlatform runs a blocking Accept loop in its own goroutine and hands
// connections over through a one-slot channel, so at most one connection is
// held ready ahead of the poller.
type listenerPlatform struct {
	ready chan acceptResult
	done  chan struct{}
	once  sync.Once
}

func (p *listenerPlatform) init(ln *net.TCPListener) error {
	p.ready = make(chan acceptResult, 1)
	p.done = make(chan struct{})
	go p.loop(ln)
	return nil
}

func (p *listenerPlatform) loop(ln *net.TCPListener) {
	for {
		c, err := ln.Accept()
		if err != nil && errors.Is(err, net.ErrClosed) {
			return
		}
		select {
		case p.ready <- acceptResult{conn: c, err: err}:
		case <-p.done:
			if c != nil {
				c.Close()
			}
			return
		}
	}
}

func (p *listenerPlatform) accept(_ *net.TCPListener) (Conn, error) {
	select {
	case res := <-p.ready:
		if res.err != nil {
			return nil, res.err
		}
		return Wrap(res.conn), nil
	default:
		return nil, ErrWouldBlock
	}
}

func (p *listenerPlatform) close() {
	p.once.Do(func() { close(p.done) })
}
