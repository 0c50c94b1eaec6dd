package alerting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tathienbao/ibrecon/internal/events"
	"github.com/tathienbao/ibrecon/internal/types"
)

// SessionSummary contains the counters reported when a session stops.
type SessionSummary struct {
	Start            time.Time
	End              time.Time
	Fills            int
	FilledQuantity   int64
	Rejections       int
	BracketsClosed   int
	TriggersFired    int
	TrailRatchets    int
	ConnectionLosses int
	Errors           int
	Symbols          []string
}

// Duration returns the session length.
func (s SessionSummary) Duration() time.Duration {
	if s.End.Before(s.Start) {
		return 0
	}
	return s.End.Sub(s.Start)
}

// Fields renders the summary as alert key/value pairs.
func (s SessionSummary) Fields() []any {
	return []any{
		"duration", s.Duration().Round(time.Second).String(),
		"fills", s.Fills,
		"filled_quantity", s.FilledQuantity,
		"rejections", s.Rejections,
		"brackets_closed", s.BracketsClosed,
		"triggers_fired", s.TriggersFired,
		"trail_ratchets", s.TrailRatchets,
		"connection_losses", s.ConnectionLosses,
		"errors", s.Errors,
		"symbols", len(s.Symbols),
	}
}

// SummaryCollector counts session events. It is safe for concurrent use.
type SummaryCollector struct {
	mu      sync.Mutex
	s       SessionSummary
	symbols map[string]struct{}
}

// NewSummaryCollector starts a collector for a session beginning at start.
func NewSummaryCollector(start time.Time) *SummaryCollector {
	return &SummaryCollector{
		s:       SessionSummary{Start: start},
		symbols: make(map[string]struct{}),
	}
}

// Observe counts ev.
func (c *SummaryCollector) Observe(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e := ev.(type) {
	case *events.OrderFilled:
		c.s.Fills++
		c.s.FilledQuantity += e.Quantity
		if e.Symbol != "" {
			c.symbols[e.Symbol] = struct{}{}
		}
	case *events.OrderStatusChanged:
		if e.Status == types.OrderStatusRejected {
			c.s.Rejections++
		}
	case *events.BracketClosed:
		c.s.BracketsClosed++
	case *events.TriggerFired:
		if e.Trailing {
			c.s.TrailRatchets++
		} else {
			c.s.TriggersFired++
		}
	case *events.ConnectionLost:
		c.s.ConnectionLosses++
	case *events.ErrorOccurred:
		c.s.Errors++
	}
}

// Summary returns the counters with End set to now.
func (c *SummaryCollector) Summary(now time.Time) SessionSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.s
	out.End = now
	out.Symbols = make([]string, 0, len(c.symbols))
	for sym := range c.symbols {
		out.Symbols = append(out.Symbols, sym)
	}
	sort.Strings(out.Symbols)
	return out
}

// SummarySender is implemented by alerters with a dedicated summary format.
type SummarySender interface {
	SendSessionSummary(ctx context.Context, summary SessionSummary) error
}

// SendSummary delivers s through alerter, using its summary format when it
// has one. A MultiAlerter forwards to each of its channels.
func SendSummary(ctx context.Context, alerter Alerter, s SessionSummary) error {
	if sender, ok := alerter.(SummarySender); ok {
		return sender.SendSessionSummary(ctx, s)
	}
	return alerter.Alert(ctx, EventSeverity(EventSessionSummary),
		fmt.Sprintf("Session summary (%s)", s.Start.Format("2006-01-02 15:04")), s.Fields()...)
}
