package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const dashboardSystemLines = 500

// DashboardOptions configure NewDashboard.
type DashboardOptions struct {
	Title string
	// OnCommand runs an operator command and returns the reply. It is
	// called off the UI goroutine. Nil hides the command field.
	OnCommand func(cmd string) string
	// OnExit is called once when the operator closes the dashboard.
	OnExit func()
	// Screen overrides the terminal, for tests.
	Screen tcell.Screen
}

// Dashboard is the tview console: stats on top, the line table, a
// scrolling system log and a command field. Tab cycles focus.
type Dashboard struct {
	app       *tview.Application
	stats     *tview.TextView
	table     *tview.Table
	system    *tview.TextView
	input     *tview.InputField
	focus     focusGroup
	events    *EventBuffer
	sched     *frameScheduler
	opts      DashboardOptions
	ready     chan struct{}
	done      chan struct{}
	closed    atomic.Bool
	stopOnce  sync.Once
	exitOnce  sync.Once
	lastRows  int
	scratch   []Event
	scratchMu sync.Mutex
}

// NewDashboard builds the layout and starts the application.
func NewDashboard(opts DashboardOptions) *Dashboard {
	if opts.Title == "" {
		opts.Title = "termmux"
	}
	stats := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	stats.SetTextColor(tcell.ColorYellow)

	table := tview.NewTable().SetFixed(1, 0).SetSelectable(true, false)
	system := tview.NewTextView().SetDynamicColors(true).SetScrollable(true).SetWrap(false)

	d := &Dashboard{
		stats:  stats,
		table:  table,
		system: system,
		events: NewEventBuffer(dashboardSystemLines, 0),
		opts:   opts,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	stats.SetBorder(true).SetTitle(" " + opts.Title + " ").SetTitleAlign(tview.AlignLeft)
	linesBox := newFocusBox(table, table.Box, "Lines")
	systemBox := newFocusBox(system, system.Box, "System")
	items := []focusable{linesBox, systemBox}

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(stats, 5, 0, false).
		AddItem(table, 0, 2, true).
		AddItem(system, 0, 1, false)
	if opts.OnCommand != nil {
		d.input = tview.NewInputField().SetLabel("cmd> ").SetFieldWidth(0)
		d.input.SetDoneFunc(d.submit)
		layout.AddItem(d.input, 1, 0, false)
		items = append(items, &focusBox{box: d.input.Box, primitive: d.input, title: "cmd"})
	}

	d.app = tview.NewApplication().SetRoot(layout, true).EnableMouse(false)
	if opts.Screen != nil {
		d.app.SetScreen(opts.Screen)
	}
	d.focus = newFocusGroup(items...)
	d.focus.set(d.app, 0)
	d.app.SetInputCapture(d.handleKey)

	var once sync.Once
	d.app.SetBeforeDrawFunc(func(screen tcell.Screen) bool {
		once.Do(func() { close(d.ready) })
		return false
	})
	d.sched = newFrameScheduler(d.app, 10, 200*time.Millisecond)
	d.sched.Start()

	go func() {
		defer close(d.done)
		if err := d.app.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "dashboard error: %v\n", err)
		}
		if !d.closed.Load() && opts.OnExit != nil {
			d.exitOnce.Do(opts.OnExit)
		}
	}()
	return d
}

func (d *Dashboard) handleKey(event *tcell.EventKey) *tcell.EventKey {
	switch event.Key() {
	case tcell.KeyTab:
		d.focus.cycle(d.app, 1)
		return nil
	case tcell.KeyBacktab:
		d.focus.cycle(d.app, -1)
		return nil
	}
	// Any printable key outside the command field jumps to it.
	if d.input != nil && event.Key() == tcell.KeyRune && d.app.GetFocus() != d.input {
		d.focus.set(d.app, len(d.focus.items)-1)
	}
	return event
}

func (d *Dashboard) submit(key tcell.Key) {
	if key != tcell.KeyEnter {
		return
	}
	cmd := strings.TrimSpace(d.input.GetText())
	d.input.SetText("")
	if cmd == "" {
		return
	}
	d.AppendCommand("> " + cmd)
	go func() {
		for _, line := range strings.Split(strings.TrimRight(d.opts.OnCommand(cmd), "\n"), "\n") {
			if line != "" {
				d.AppendCommand(line)
			}
		}
	}()
}

// WaitReady blocks until the first frame is drawn or the app has exited.
func (d *Dashboard) WaitReady() {
	if d == nil {
		return
	}
	select {
	case <-d.ready:
	case <-d.done:
	}
}

// Stop shuts the application down without calling OnExit.
func (d *Dashboard) Stop() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() {
		d.closed.Store(true)
		d.sched.Stop()
		d.app.Stop()
		<-d.done
	})
}

func (d *Dashboard) SetSnapshot(snapshot Snapshot) {
	if d == nil || d.closed.Load() {
		return
	}
	statsText := strings.Join(snapshot.StatsLines, "\n")
	rows := make([][]string, 0, len(snapshot.Lines))
	for _, ls := range snapshot.Lines {
		rows = append(rows, lineRow(ls))
	}
	d.sched.Schedule("stats", func() { d.stats.SetText(statsText) })
	d.sched.Schedule("table", func() { d.fillTable(rows) })
}

func (d *Dashboard) fillTable(rows [][]string) {
	for col, title := range lineColumns {
		d.table.SetCell(0, col, tview.NewTableCell(title).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false).
			SetExpansion(1))
	}
	for r, row := range rows {
		color := tcell.ColorWhite
		if row[1] == "idle" {
			color = tcell.ColorGray
		} else if strings.HasSuffix(row[6], "!") {
			color = tcell.ColorRed
		}
		for col, text := range row {
			d.table.SetCell(r+1, col, tview.NewTableCell(tview.Escape(text)).
				SetTextColor(color).
				SetExpansion(1))
		}
	}
	for r := len(rows) + 1; r <= d.lastRows; r++ {
		d.table.RemoveRow(len(rows) + 1)
	}
	d.lastRows = len(rows)
}

func (d *Dashboard) AppendSystem(line string) {
	d.append(EventSystem, line)
}

func (d *Dashboard) AppendCommand(line string) {
	d.append(EventCommand, line)
}

func (d *Dashboard) append(kind EventKind, line string) {
	if d == nil || d.closed.Load() {
		return
	}
	d.events.Append(Event{Timestamp: time.Now(), Kind: kind, Message: line})
	d.sched.Schedule("system", d.renderSystem)
}

func (d *Dashboard) renderSystem() {
	d.scratchMu.Lock()
	events, _ := d.events.Snapshot(d.scratch)
	d.scratch = events
	var b strings.Builder
	for i, ev := range events {
		if i > 0 {
			b.WriteByte('\n')
		}
		text := tview.Escape(ev.Format())
		if ev.Kind == EventCommand {
			text = "[cyan]" + text + "[-]"
		}
		b.WriteString(text)
	}
	d.scratchMu.Unlock()
	d.system.SetText(b.String())
	d.system.ScrollToEnd()
}

// SystemWriter routes log output into the system pane line by line.
func (d *Dashboard) SystemWriter() io.Writer {
	if d == nil {
		return nil
	}
	return &ansiWriter{append: d.AppendSystem}
}
