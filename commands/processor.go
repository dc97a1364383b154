// Package commands implements the operator console for the multiplexer. It
// parses one command line at a time and renders the reply as text; the host
// loop runs it on the polling goroutine so the multiplexer needs no locking.
package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"termmux/journal"
	"termmux/modem"
	"termmux/mux"
	"termmux/stats"

	"github.com/agnivade/levenshtein"
)

// Bye is returned by ProcessCommand when the operator asked to stop.
const Bye = "BYE"

// journalReader is the read side of the connection journal.
type journalReader interface {
	Recent(limit int) ([]journal.Event, error)
}

// Processor handles console commands against one multiplexer.
type Processor struct {
	mux     *mux.Multiplexer
	tracker *stats.Tracker
	journal journalReader
}

// NewProcessor binds the console to m. tracker and j may be nil.
func NewProcessor(m *mux.Multiplexer, tracker *stats.Tracker, j journalReader) *Processor {
	p := &Processor{mux: m, tracker: tracker}
	// A typed nil *journal.Logger must not become a non-nil interface.
	if l, ok := j.(*journal.Logger); !ok || l != nil {
		p.journal = j
	}
	return p
}

var verbs = []string{"HELP", "SHOW", "SET", "DISCONNECT", "QUIT"}

// ProcessCommand parses one console line and returns the text to display.
// A response of Bye signals the caller to shut down.
func (p *Processor) ProcessCommand(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return ""
	}
	fields := strings.Fields(cmd)
	command := strings.ToUpper(fields[0])
	args := fields[1:]

	switch command {
	case "HELP", "H", "?":
		return p.handleHelp()
	case "SHOW", "SH":
		return p.handleShow(args)
	case "SET":
		return p.handleSet(args)
	case "DISCONNECT", "DISC":
		return p.handleDisconnect(args)
	case "BYE", "QUIT", "EXIT":
		return Bye
	default:
		msg := fmt.Sprintf("Unknown command: %s\n", command)
		if s := suggest(command, verbs); s != "" {
			msg += fmt.Sprintf("Did you mean %s?\n", s)
		}
		return msg + "Type HELP for available commands.\n"
	}
}

func (p *Processor) handleHelp() string {
	return `Available commands:
HELP                          - Show this help
SHOW CONNECTIONS              - Connected lines with peer and connect time
SHOW STATS                    - Per-line traffic, buffers and modem state
SHOW SUMMARY                  - Listener, line count and line order
SHOW LINEORDER                - Current connection order
SHOW MODEM <line>             - Outgoing and incoming modem bits
SHOW JOURNAL [count]          - Recent connect/disconnect events (default 10)
SET LINEORDER <order>         - e.g. 3,1-2 or ALL
SET LOG <line> <path>         - Log transmitted data of a line to a file
SET NOLOG <line>              - Stop logging a line
SET MODEMCONTROL <line> ON|OFF
SET MODEM <line> +DTR -RTS ... - Raise or drop outgoing modem bits
DISCONNECT <line>             - Drop the session on a line
QUIT                          - Shut down the multiplexer
`
}

func (p *Processor) handleShow(args []string) string {
	if len(args) == 0 {
		return "Usage: SHOW CONNECTIONS|STATS|SUMMARY|LINEORDER|MODEM|JOURNAL\n"
	}
	var out strings.Builder
	switch sub := strings.ToUpper(args[0]); sub {
	case "CONNECTIONS", "CONN":
		p.mux.ReportConnections(&out)
	case "STATS":
		p.mux.ReportStats(&out)
		if p.tracker != nil {
			for _, line := range p.tracker.SnapshotLines() {
				out.WriteString(line)
				out.WriteByte('\n')
			}
		}
	case "SUMMARY":
		p.mux.ReportSummary(&out)
	case "LINEORDER":
		fmt.Fprintf(&out, "line order: %s\n", mux.FormatLineOrder(p.mux.LineOrder()))
	case "MODEM":
		return p.handleShowModem(args[1:])
	case "JOURNAL":
		return p.handleShowJournal(args[1:])
	default:
		msg := fmt.Sprintf("Unknown SHOW subcommand: %s\n", sub)
		if s := suggest(sub, []string{"CONNECTIONS", "STATS", "SUMMARY", "LINEORDER", "MODEM", "JOURNAL"}); s != "" {
			msg += fmt.Sprintf("Did you mean SHOW %s?\n", s)
		}
		return msg
	}
	return out.String()
}

func (p *Processor) handleShowModem(args []string) string {
	if len(args) != 1 {
		return "Usage: SHOW MODEM <line>\n"
	}
	s, errMsg := p.line(args[0])
	if errMsg != "" {
		return errMsg
	}
	outgoing, incoming := s.ModemBits()
	return fmt.Sprintf("line %d: outgoing %s, incoming %s\n", s.Index(), outgoing, incoming)
}

func (p *Processor) handleShowJournal(args []string) string {
	if p.journal == nil {
		return "Journal is disabled.\n"
	}
	count := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 || n > 500 {
			return "Invalid count. Use 1-500.\n"
		}
		count = n
	}
	events, err := p.journal.Recent(count)
	if err != nil {
		return fmt.Sprintf("Journal query failed: %v\n", err)
	}
	if len(events) == 0 {
		return "No journal events.\n"
	}
	var out strings.Builder
	// Oldest first so the latest event is printed last.
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		fmt.Fprintf(&out, "%s %-10s line %d %s", ev.At.Format(time.DateTime), ev.Kind, ev.Line, ev.Peer)
		if ev.Reason != "" {
			fmt.Fprintf(&out, " reason=%s rx=%d tx=%d", ev.Reason, ev.RxBytes, ev.TxBytes)
		}
		out.WriteByte('\n')
	}
	return out.String()
}

func (p *Processor) handleSet(args []string) string {
	if len(args) == 0 {
		return "Usage: SET LINEORDER|LOG|NOLOG|MODEMCONTROL|MODEM ...\n"
	}
	switch sub := strings.ToUpper(args[0]); sub {
	case "LINEORDER":
		if len(args) < 2 {
			return "Usage: SET LINEORDER <order>\n"
		}
		order, err := mux.ParseLineOrder(strings.Join(args[1:], ""), p.mux.Lines())
		if err != nil {
			return fmt.Sprintf("Invalid line order: %v\n", err)
		}
		if err := p.mux.SetLineOrder(order); err != nil {
			return fmt.Sprintf("Invalid line order: %v\n", err)
		}
		return fmt.Sprintf("line order: %s\n", mux.FormatLineOrder(p.mux.LineOrder()))
	case "LOG":
		if len(args) != 3 {
			return "Usage: SET LOG <line> <path>\n"
		}
		s, errMsg := p.line(args[1])
		if errMsg != "" {
			return errMsg
		}
		if err := p.mux.SetLog(s.Index(), args[2]); err != nil {
			return fmt.Sprintf("Cannot log line %d: %v\n", s.Index(), err)
		}
		return fmt.Sprintf("line %d logging to %s\n", s.Index(), args[2])
	case "NOLOG":
		if len(args) != 2 {
			return "Usage: SET NOLOG <line>\n"
		}
		s, errMsg := p.line(args[1])
		if errMsg != "" {
			return errMsg
		}
		if err := p.mux.SetNoLog(s.Index()); err != nil {
			return fmt.Sprintf("Cannot stop logging line %d: %v\n", s.Index(), err)
		}
		return fmt.Sprintf("line %d logging stopped\n", s.Index())
	case "MODEMCONTROL":
		if len(args) != 3 {
			return "Usage: SET MODEMCONTROL <line> ON|OFF\n"
		}
		s, errMsg := p.line(args[1])
		if errMsg != "" {
			return errMsg
		}
		on, ok := parseOnOff(args[2])
		if !ok {
			return "Usage: SET MODEMCONTROL <line> ON|OFF\n"
		}
		if err := p.mux.SetModemControl(s.Index(), on); err != nil {
			return fmt.Sprintf("Cannot change modem control: %v\n", err)
		}
		return fmt.Sprintf("line %d modem control %s\n", s.Index(), strings.ToLower(args[2]))
	case "MODEM":
		return p.handleSetModem(args[1:])
	default:
		msg := fmt.Sprintf("Unknown SET subcommand: %s\n", sub)
		if s := suggest(sub, []string{"LINEORDER", "LOG", "NOLOG", "MODEMCONTROL", "MODEM"}); s != "" {
			msg += fmt.Sprintf("Did you mean SET %s?\n", s)
		}
		return msg
	}
}

func (p *Processor) handleSetModem(args []string) string {
	const usage = "Usage: SET MODEM <line> +DTR|-DTR|+RTS|-RTS ...\n"
	if len(args) < 2 {
		return usage
	}
	s, errMsg := p.line(args[0])
	if errMsg != "" {
		return errMsg
	}
	var raise, drop modem.Bits
	for _, tok := range args[1:] {
		tok = strings.ToUpper(tok)
		if len(tok) < 2 || (tok[0] != '+' && tok[0] != '-') {
			return usage
		}
		var bit modem.Bits
		switch tok[1:] {
		case "DTR":
			bit = modem.DTR
		case "RTS":
			bit = modem.RTS
		default:
			return fmt.Sprintf("Only DTR and RTS can be driven, got %s\n", tok[1:])
		}
		if tok[0] == '+' {
			raise |= bit
		} else {
			drop |= bit
		}
	}
	incoming, err := s.SetModemBits(raise, drop)
	if err != nil {
		return fmt.Sprintf("Cannot set modem bits: %v\n", err)
	}
	outgoing, _ := s.ModemBits()
	return fmt.Sprintf("line %d: outgoing %s, incoming %s\n", s.Index(), outgoing, incoming)
}

func (p *Processor) handleDisconnect(args []string) string {
	if len(args) != 1 {
		return "Usage: DISCONNECT <line>\n"
	}
	s, errMsg := p.line(args[0])
	if errMsg != "" {
		return errMsg
	}
	if err := p.mux.DisconnectLine(s.Index()); err != nil {
		return fmt.Sprintf("line %d: %v\n", s.Index(), err)
	}
	return fmt.Sprintf("line %d disconnected\n", s.Index())
}

// line resolves a line argument or returns the message to show instead.
func (p *Processor) line(arg string) (*mux.Session, string) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return nil, fmt.Sprintf("Invalid line number: %s\n", arg)
	}
	s, err := p.mux.Line(n)
	if err != nil {
		return nil, fmt.Sprintf("No line %d (0-%d)\n", n, p.mux.Lines()-1)
	}
	return s, ""
}

func parseOnOff(s string) (bool, bool) {
	switch strings.ToUpper(s) {
	case "ON", "YES", "1":
		return true, true
	case "OFF", "NO", "0":
		return false, true
	}
	return false, false
}

// suggest returns the closest candidate within edit distance 2, or "".
func suggest(word string, candidates []string) string {
	best := ""
	bestDist := 3
	for _, c := range candidates {
		if d := levenshtein.ComputeDistance(word, c); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}
