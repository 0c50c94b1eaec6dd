// Package ui renders a live terminal view of the reconciled session.
package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/events"
	"github.com/tathienbao/ibrecon/internal/types"
	"golang.org/x/term"
)

// ANSI escape codes
const (
	ClearLine   = "\033[2K"
	MoveToStart = "\r"
	MoveUp      = "\033[%dA"
	HideCursor  = "\033[?25l"
	ShowCursor  = "\033[?25h"
	ColorReset  = "\033[0m"
	ColorGreen  = "\033[32m"
	ColorRed    = "\033[31m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
	ColorDim    = "\033[2m"
	ColorBold   = "\033[1m"
)

const maxRecent = 5

type quote struct {
	bid, ask, last decimal.Decimal
}

type positionRow struct {
	qty     int64
	avgCost decimal.Decimal
}

type orderRow struct {
	id        int64
	symbol    string
	status    types.OrderStatus
	filled    int64
	remaining int64
}

// Dashboard keeps a display copy of session state. It implements
// dispatch.Observer; OnEvent only updates state and never writes.
type Dashboard struct {
	out   io.Writer
	width int

	mu        sync.Mutex
	connected bool
	events    int64
	quotes    map[string]*quote
	positions map[string]positionRow
	orders    map[int64]orderRow
	recent    []string

	linesPrinted int
}

// NewDashboard creates a dashboard writing to out. A nil out writes to
// stdout.
func NewDashboard(out io.Writer) *Dashboard {
	if out == nil {
		out = os.Stdout
	}
	width, _ := getTerminalSize()
	return &Dashboard{
		out:       out,
		width:     width,
		connected: true,
		quotes:    make(map[string]*quote),
		positions: make(map[string]positionRow),
		orders:    make(map[int64]orderRow),
	}
}

// OnEvent implements dispatch.Observer.
func (d *Dashboard) OnEvent(ev events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events++

	switch e := ev.(type) {
	case *events.TickUpdate:
		q := d.quotes[e.Symbol]
		if q == nil {
			q = &quote{}
			d.quotes[e.Symbol] = q
		}
		switch e.Field {
		case events.FieldBid:
			q.bid = e.Value
		case events.FieldAsk:
			q.ask = e.Value
		case events.FieldLast:
			q.last = e.Value
		}

	case *events.PositionChanged:
		p := e.Position
		if p.Quantity == 0 {
			delete(d.positions, p.Symbol)
			return
		}
		d.positions[p.Symbol] = positionRow{qty: p.Quantity, avgCost: p.AvgCost}

	case *events.OrderStatusChanged:
		if e.Status.IsFinal() {
			delete(d.orders, e.OrderID)
			return
		}
		row := d.orders[e.OrderID]
		row.id = e.OrderID
		if e.Symbol != "" {
			row.symbol = e.Symbol
		}
		row.status = e.Status
		row.filled = e.Filled
		row.remaining = e.Remaining
		d.orders[e.OrderID] = row

	case *events.ConnectionLost:
		d.connected = false
		d.pushRecent(ev.Time(), fmt.Sprintf("connection lost (%d)", e.Code))
	case *events.ConnectionRestored:
		d.connected = true
		d.pushRecent(ev.Time(), "connection restored")
	case *events.OrderFilled:
		d.pushRecent(ev.Time(), fmt.Sprintf("filled #%d %s %d @ %s", e.OrderID, e.Symbol, e.Quantity, e.AvgFillPrice))
	case *events.TriggerFired:
		d.pushRecent(ev.Time(), fmt.Sprintf("trigger %s %s stop -> %s", e.TriggerID, e.Symbol, e.NewStop))
	case *events.BracketClosed:
		d.pushRecent(ev.Time(), fmt.Sprintf("bracket #%d closed by #%d", e.ParentID, e.ClosedBy))
	}
}

func (d *Dashboard) pushRecent(at time.Time, line string) {
	d.recent = append(d.recent, at.Format("15:04:05")+" "+line)
	if len(d.recent) > maxRecent {
		d.recent = d.recent[len(d.recent)-maxRecent:]
	}
}

// Lines returns the current frame without cursor control.
func (d *Dashboard) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	status := ColorGreen + "CONNECTED" + ColorReset
	if !d.connected {
		status = ColorRed + "DISCONNECTED" + ColorReset
	}
	lines := []string{
		fmt.Sprintf("%sGateway:%s %s │ %sEvents:%s %d │ %sOpen orders:%s %d",
			ColorBold, ColorReset, status,
			ColorBold, ColorReset, d.events,
			ColorBold, ColorReset, len(d.orders)),
		d.rule(),
	}

	for _, sym := range sortedKeys(d.quotes) {
		q := d.quotes[sym]
		lines = append(lines, fmt.Sprintf("%s%-22s%s bid %-10s ask %-10s last %s",
			ColorCyan, sym, ColorReset, q.bid, q.ask, q.last))
	}

	for _, sym := range sortedKeys(d.positions) {
		p := d.positions[sym]
		color := ColorGreen
		if p.qty < 0 {
			color = ColorRed
		}
		lines = append(lines, fmt.Sprintf("%-22s %s%+d%s @ %s", sym, color, p.qty, ColorReset, p.avgCost.StringFixed(2)))
	}

	ids := make([]int64, 0, len(d.orders))
	for id := range d.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		o := d.orders[id]
		lines = append(lines, fmt.Sprintf("%s#%-6d%s %-22s %-14s %d/%d",
			ColorYellow, o.id, ColorReset, o.symbol, o.status, o.filled, o.filled+o.remaining))
	}

	if len(d.recent) > 0 {
		lines = append(lines, d.rule())
		for _, r := range d.recent {
			lines = append(lines, ColorDim+r+ColorReset)
		}
	}
	return lines
}

func (d *Dashboard) rule() string {
	w := d.width - 2
	if w < 20 {
		w = 20
	}
	if w > 100 {
		w = 100
	}
	return ColorDim + strings.Repeat("─", w) + ColorReset
}

// Render overwrites the previous frame with the current one.
func (d *Dashboard) Render() {
	lines := d.Lines()

	var b strings.Builder
	if d.linesPrinted > 0 {
		fmt.Fprintf(&b, MoveUp, d.linesPrinted)
	}
	for _, line := range lines {
		b.WriteString(ClearLine)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	// Clear rows left over from a taller previous frame.
	for i := len(lines); i < d.linesPrinted; i++ {
		b.WriteString(ClearLine + "\n")
	}
	_, _ = io.WriteString(d.out, b.String())

	if len(lines) > d.linesPrinted {
		d.linesPrinted = len(lines)
	}
}

// Run redraws every interval until ctx is done.
func (d *Dashboard) Run(ctx context.Context, interval time.Duration) {
	_, _ = io.WriteString(d.out, HideCursor)
	defer func() { _, _ = io.WriteString(d.out, ShowCursor+"\n") }()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.Render()
			return
		case <-ticker.C:
			d.Render()
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// getTerminalSize returns terminal dimensions
func getTerminalSize() (width, height int) {
	width, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80, 24
	}
	return width, height
}

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
