// Package telnet implements the minimal Telnet handling a multiplexed line
// needs to carry 8-bit data transparently:
//   - Inbound IAC sequences are stripped (IAC IAC collapses to one 0xFF data byte)
//   - Option negotiation is answered with refusals, except for the options the
//     line offered itself when the peer connected
//   - IAC BRK is reported as a break condition instead of data
//   - Outbound 0xFF bytes are doubled
//
// The decoder is an explicit state machine driven by a transition table so a
// byte stream split across any number of reads decodes identically.
package telnet

// Telnet command bytes (RFC 854).
const (
	IAC  = 255 // Interpret As Command - starts telnet command sequence
	DONT = 254 // Request peer to disable an option
	DO   = 253 // Request peer to enable an option
	WONT = 252 // Refuse to enable an option
	WILL = 251 // Agree to enable an option
	SB   = 250 // Subnegotiation begins
	GA   = 249
	BRK  = 243 // Break
	NOP  = 241
	SE   = 240 // Subnegotiation ends
)

// Telnet options referenced by the greeting.
const (
	OptBinary = 0
	OptEcho   = 1
	OptSGA    = 3
)

// maxPending bounds queued control responses so a peer flooding negotiations
// cannot grow the queue without limit.
const maxPending = 192

// State is the decoder position within a Telnet sequence.
type State uint8

const (
	StateData      State = iota // passing data bytes through
	StateCR                     // previous data byte was CR
	StateIAC                    // previous byte was IAC
	StateCommand                // DO/DONT/WILL/WONT seen, option byte expected
	StateSubneg                 // inside IAC SB ... option payload
	StateSubnegIAC              // IAC seen inside a subnegotiation
	numStates
)

var stateNames = [...]string{"data", "cr", "iac", "command", "subneg", "subneg-iac"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

type byteClass uint8

const (
	classOther byteClass = iota
	classIAC
	classVerb // DO, DONT, WILL, WONT
	classSB
	classSE
	classBRK
	classCR
	classPad // LF or NUL following CR
	numClasses
)

func classify(b byte) byteClass {
	switch b {
	case IAC:
		return classIAC
	case DO, DONT, WILL, WONT:
		return classVerb
	case SB:
		return classSB
	case SE:
		return classSE
	case BRK:
		return classBRK
	case '\r':
		return classCR
	case '\n', 0x00:
		return classPad
	default:
		return classOther
	}
}

type action uint8

const (
	actDrop   action = iota // consume silently
	actEmit                 // deliver the byte as data
	actPad                  // deliver only when the peer sends binary
	actVerb                 // remember the negotiation verb
	actOption               // negotiate the option byte against the remembered verb
	actBreak                // report a break condition
)

type transition struct {
	next State
	act  action
}

var table [numStates][numClasses]transition

func init() {
	for c := byteClass(0); c < numClasses; c++ {
		table[StateData][c] = transition{StateData, actEmit}
		table[StateCR][c] = transition{StateData, actEmit}
		table[StateIAC][c] = transition{StateData, actDrop}
		table[StateCommand][c] = transition{StateData, actOption}
		table[StateSubneg][c] = transition{StateSubneg, actDrop}
		table[StateSubnegIAC][c] = transition{StateSubneg, actDrop}
	}
	table[StateData][classIAC] = transition{StateIAC, actDrop}
	table[StateData][classCR] = transition{StateCR, actEmit}

	table[StateCR][classIAC] = transition{StateIAC, actDrop}
	table[StateCR][classCR] = transition{StateCR, actEmit}
	table[StateCR][classPad] = transition{StateData, actPad}

	table[StateIAC][classIAC] = transition{StateData, actEmit}
	table[StateIAC][classVerb] = transition{StateCommand, actVerb}
	table[StateIAC][classSB] = transition{StateSubneg, actDrop}
	table[StateIAC][classBRK] = transition{StateData, actBreak}

	table[StateSubneg][classIAC] = transition{StateSubnegIAC, actDrop}
	table[StateSubnegIAC][classSE] = transition{StateData, actDrop}
}

// Sink receives decoded output.
type Sink interface {
	Data(b byte)
	Break()
}

type optState uint8

const (
	optNo optState = iota
	optWant
	optYes
)

// Codec holds the per-line Telnet state. The zero value is ready to use.
type Codec struct {
	state   State
	verb    byte
	us      [256]optState // options this side performs
	him     [256]optState // options the peer performs
	pending []byte
}

// State returns the current decoder state.
func (c *Codec) State() State {
	return c.state
}

// Decode runs in through the state machine, handing data and breaks to sink.
// Negotiation replies accumulate in the pending queue.
func (c *Codec) Decode(in []byte, sink Sink) {
	for _, b := range in {
		tr := table[c.state][classify(b)]
		switch tr.act {
		case actEmit:
			sink.Data(b)
		case actPad:
			if c.him[OptBinary] == optYes {
				sink.Data(b)
			}
		case actVerb:
			c.verb = b
		case actOption:
			c.negotiate(c.verb, b)
		case actBreak:
			sink.Break()
		}
		c.state = tr.next
	}
}

// negotiate refuses every option except the ones offered by Greeting. Replies
// to DONT/WONT are sent only when they change an enabled option, so two
// refusing endpoints never loop.
func (c *Codec) negotiate(verb, opt byte) {
	switch verb {
	case DO:
		switch c.us[opt] {
		case optWant:
			c.us[opt] = optYes
		case optNo:
			c.queue(WONT, opt)
		}
	case DONT:
		switch c.us[opt] {
		case optYes:
			c.us[opt] = optNo
			c.queue(WONT, opt)
		case optWant:
			c.us[opt] = optNo
		}
	case WILL:
		switch c.him[opt] {
		case optWant:
			c.him[opt] = optYes
		case optNo:
			c.queue(DONT, opt)
		}
	case WONT:
		switch c.him[opt] {
		case optYes:
			c.him[opt] = optNo
			c.queue(DONT, opt)
		case optWant:
			c.him[opt] = optNo
		}
	}
}

func (c *Codec) queue(verb, opt byte) {
	if len(c.pending)+3 > maxPending {
		return
	}
	c.pending = append(c.pending, IAC, verb, opt)
}

// Greeting queues the initial option offer: this side will suppress go-ahead,
// echo and send binary, and asks the peer to send binary.
func (c *Codec) Greeting() {
	for _, opt := range []byte{OptSGA, OptEcho, OptBinary} {
		c.us[opt] = optWant
		c.queue(WILL, opt)
	}
	c.him[OptBinary] = optWant
	c.queue(DO, OptBinary)
}

// Pending returns the queued control bytes without consuming them.
func (c *Codec) Pending() []byte {
	return c.pending
}

// Consume drops n bytes from the front of the pending queue after they were
// written.
func (c *Codec) Consume(n int) {
	if n >= len(c.pending) {
		c.pending = c.pending[:0]
		return
	}
	c.pending = append(c.pending[:0], c.pending[n:]...)
}

// Enabled reports whether the option is active on this side (us) or the peer.
func (c *Codec) Enabled(opt byte, peer bool) bool {
	if peer {
		return c.him[opt] == optYes
	}
	return c.us[opt] == optYes
}

// Reset returns the codec to StateData and forgets all option state.
func (c *Codec) Reset() {
	c.state = StateData
	c.verb = 0
	c.us = [256]optState{}
	c.him = [256]optState{}
	c.pending = c.pending[:0]
}

// Escape appends src to dst with every IAC byte doubled.
func Escape(dst, src []byte) []byte {
	for _, b := range src {
		if b == IAC {
			dst = append(dst, IAC, IAC)
			continue
		}
		dst = append(dst, b)
	}
	return dst
}

// EscapedLen returns the wire length of src after escaping.
func EscapedLen(src []byte) int {
	n := len(src)
	for _, b := range src {
		if b == IAC {
			n++
		}
	}
	return n
}
