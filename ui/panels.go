package ui

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

var (
	borderColor  = tcell.ColorDarkCyan
	focusedColor = tcell.ColorYellow
)

// focusable is a pane that takes part in Tab focus cycling.
type focusable interface {
	Primitive() tview.Primitive
	SetFocused(focused bool)
}

// focusBox marks focus on a bordered primitive by recolouring its border
// and title.
type focusBox struct {
	box       *tview.Box
	primitive tview.Primitive
	title     string
}

func newFocusBox(p tview.Primitive, box *tview.Box, title string) *focusBox {
	box.SetBorder(true).SetTitle(" " + title + " ").SetTitleAlign(tview.AlignLeft)
	box.SetBorderColor(borderColor)
	return &focusBox{box: box, primitive: p, title: title}
}

func (b *focusBox) Primitive() tview.Primitive {
	if b == nil {
		return nil
	}
	return b.primitive
}

func (b *focusBox) SetFocused(focused bool) {
	if b == nil {
		return
	}
	color := borderColor
	if focused {
		color = focusedColor
	}
	b.box.SetBorderColor(color)
	b.box.SetTitleColor(color)
}

// focusGroup cycles focus through a fixed set of panes.
type focusGroup struct {
	items []focusable
	index int
}

func newFocusGroup(items ...focusable) focusGroup {
	filtered := make([]focusable, 0, len(items))
	for _, item := range items {
		if item == nil || item.Primitive() == nil {
			continue
		}
		filtered = append(filtered, item)
	}
	return focusGroup{items: filtered}
}

func (g *focusGroup) set(app *tview.Application, idx int) {
	if g == nil || len(g.items) == 0 {
		return
	}
	if idx < 0 || idx >= len(g.items) {
		idx = 0
	}
	g.index = idx
	for i, item := range g.items {
		item.SetFocused(i == idx)
	}
	if app != nil {
		app.SetFocus(g.items[idx].Primitive())
	}
}

func (g *focusGroup) cycle(app *tview.Application, delta int) {
	if g == nil || len(g.items) == 0 {
		return
	}
	next := (g.index + delta + len(g.items)) % len(g.items)
	g.set(app, next)
}

func (g *focusGroup) current() int {
	return g.index
}
