package ui

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"termmux/mux"
)

// Snapshot is built by the host loop on every refresh tick. It is immutable
// once handed to a Surface.
type Snapshot struct {
	GeneratedAt time.Time
	StatsLines  []string
	Lines       []mux.LineSnapshot
}

// lineColumns heads the line table.
var lineColumns = []string{"LINE", "STATE", "PEER", "UP", "RX", "TX", "QUEUE", "MODEM", "TELNET"}

// lineRow renders one line for the table. Stalled directions are marked
// with a trailing '!'.
func lineRow(ls mux.LineSnapshot) []string {
	state := "idle"
	switch {
	case !ls.Connected:
	case ls.Serial:
		state = "serial"
	case ls.Extended:
		state = "packet"
	case ls.Binary:
		state = "raw"
	default:
		state = "telnet"
	}
	peer, up := "", ""
	if ls.Connected {
		peer = ls.Peer
		up = ls.Duration().Truncate(time.Second).String()
	}
	queue := fmt.Sprintf("%d/%d", ls.RxQueued, ls.TxQueued)
	if ls.RxStalled || ls.TxStalled {
		queue += "!"
	}
	return []string{
		fmt.Sprintf("%d", ls.Line),
		state,
		peer,
		up,
		humanize.Bytes(ls.RxBytes),
		humanize.Bytes(ls.TxBytes),
		queue,
		ls.Modem.String(),
		ls.Telnet,
	}
}
