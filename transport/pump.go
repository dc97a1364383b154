package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// pumpWindow bounds the bytes staged in each direction.
const pumpWindow = 4096

// pumpConn adapts a blocking net.Conn: one goroutine reads into a bounded
// inbound stage, another drains a bounded outbound stage. Recv and Send only
// touch the stages under the mutex, so they never block on the network.
type pumpConn struct {
	conn net.Conn
	peer string

	mu     sync.Mutex
	cond   *sync.Cond
	in     []byte
	out    []byte
	rerr   error
	werr   error
	closed bool
}

func newPump(c net.Conn) *pumpConn {
	p := &pumpConn{conn: c}
	if addr := c.RemoteAddr(); addr != nil {
		p.peer = addr.String()
	}
	p.cond = sync.NewCond(&p.mu)
	go p.readLoop()
	go p.writeLoop()
	return p
}

func (p *pumpConn) readLoop() {
	buf := make([]byte, 1024)
	for {
		p.mu.Lock()
		for len(p.in) >= pumpWindow && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		n, err := p.conn.Read(buf)

		p.mu.Lock()
		p.in = append(p.in, buf[:n]...)
		if err != nil {
			p.rerr = err
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
}

func (p *pumpConn) writeLoop() {
	for {
		p.mu.Lock()
		for len(p.out) == 0 && !p.closed && p.werr == nil {
			p.cond.Wait()
		}
		if p.closed || p.werr != nil {
			p.mu.Unlock()
			return
		}
		chunk := append([]byte(nil), p.out...)
		p.mu.Unlock()

		n, err := p.conn.Write(chunk)

		p.mu.Lock()
		p.out = p.out[n:]
		if err != nil {
			p.werr = err
		}
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

func (p *pumpConn) Recv(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	if len(p.in) > 0 {
		n := copy(b, p.in)
		p.in = p.in[n:]
		p.cond.Broadcast()
		return n, nil
	}
	switch {
	case p.rerr == nil:
		return 0, ErrWouldBlock
	case errors.Is(p.rerr, io.EOF):
		return 0, ErrPeerClosed
	default:
		return 0, fmt.Errorf("transport: recv: %w", p.rerr)
	}
}

func (p *pumpConn) Send(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	if p.werr != nil {
		if errors.Is(p.werr, io.ErrClosedPipe) {
			return 0, ErrPeerClosed
		}
		return 0, fmt.Errorf("transport: send: %w", p.werr)
	}
	room := pumpWindow - len(p.out)
	if room <= 0 {
		return 0, ErrWouldBlock
	}
	if len(b) > room {
		b = b[:room]
	}
	p.out = append(p.out, b...)
	p.cond.Broadcast()
	return len(b), nil
}

func (p *pumpConn) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	return p.conn.Close()
}

func (p *pumpConn) RemoteAddr() string {
	return p.peer
}
