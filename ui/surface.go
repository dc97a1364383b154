package ui

import "io"

// Surface abstracts the console so the tview dashboard and the ANSI renderer
// can plug in interchangeably. Implementations must be safe for calls from
// the polling loop and the log writer at the same time.
type Surface interface {
	WaitReady()
	Stop()
	SetSnapshot(snapshot Snapshot)
	AppendSystem(line string)
	AppendCommand(line string)
	SystemWriter() io.Writer
}

var (
	_ Surface = (*Dashboard)(nil)
	_ Surface = (*ANSIConsole)(nil)
)
