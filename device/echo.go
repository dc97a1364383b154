// Package device holds the built-in consumers of line data. The host loop
// calls Service once per poll, between the receive and transmit passes.
package device

import (
	"errors"
	"log"

	"termmux/mux"
)

// Echo returns every byte a peer sends. Packet lines get their packets
// back whole. A non-empty prompt is sent on connect and after each CR.
type Echo struct {
	prompt  string
	greeted map[int]string // line -> session ID already prompted
	pending map[int][]byte // packet waiting for transmit room
	breaks  map[int]uint64 // break conditions seen per line
}

// NewEcho builds an echo device.
func NewEcho(prompt string) *Echo {
	return &Echo{
		prompt:  prompt,
		greeted: make(map[int]string),
		pending: make(map[int][]byte),
		breaks:  make(map[int]uint64),
	}
}

// Breaks returns how many break conditions line i delivered.
func (e *Echo) Breaks(i int) uint64 {
	return e.breaks[i]
}

// Service moves data from every connected line's receive buffer back into
// its transmit buffer and returns the number of bytes or packets echoed.
func (e *Echo) Service(m *mux.Multiplexer) int {
	moved := 0
	for i := 0; i < m.Lines(); i++ {
		s, err := m.Line(i)
		if err != nil || !s.Connected() {
			delete(e.greeted, i)
			delete(e.pending, i)
			continue
		}
		if s.Extension() != nil {
			moved += e.servicePackets(s)
			continue
		}
		if e.prompt != "" && e.greeted[i] != s.ID() {
			if err := s.Send(e.prompt); err != nil {
				continue
			}
			e.greeted[i] = s.ID()
		}
		moved += e.serviceBytes(s)
	}
	return moved
}

func (e *Echo) serviceBytes(s *mux.Session) int {
	moved := 0
	// Reserve room for a CR LF and the prompt so a read byte is never lost.
	reserve := 1
	if e.prompt != "" {
		reserve = 2 + len(e.prompt)
	}
	for s.Tx().Free() >= reserve {
		c, err := s.GetChar()
		if err != nil {
			if !errors.Is(err, mux.ErrNoData) {
				log.Printf("device: line %d: %v", s.Index(), err)
			}
			break
		}
		if c.Break {
			e.breaks[s.Index()]++
		}
		if e.prompt != "" && c.Value == '\r' {
			if err := s.Send("\n" + e.prompt); err != nil {
				break
			}
			moved++
			continue
		}
		if err := s.PutChar(c.Value); err != nil {
			break
		}
		moved++
	}
	return moved
}

func (e *Echo) servicePackets(s *mux.Session) int {
	moved := 0
	for {
		p, ok := e.pending[s.Index()]
		if !ok {
			var err error
			p, err = s.GetPacket()
			if errors.Is(err, mux.ErrNoData) {
				return moved
			}
			if err != nil {
				// Corrupt frames are counted by the extension; keep draining.
				if s.RxQueued() == 0 {
					return moved
				}
				continue
			}
		}
		if err := s.PutPacket(p); err != nil {
			if mux.IsStall(err) {
				e.pending[s.Index()] = p
			} else {
				log.Printf("device: line %d: drop packet: %v", s.Index(), err)
				delete(e.pending, s.Index())
			}
			return moved
		}
		delete(e.pending, s.Index())
		moved++
	}
}
