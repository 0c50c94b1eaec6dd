package reconciler

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/events"
	"github.com/tathienbao/ibrecon/internal/types"
)

// DepthRows is the number of rows kept per book side.
const DepthRows = 10

// OptionGreeks is the synthetic sub-snapshot for one GreekSource.
type OptionGreeks struct {
	ImpliedVol decimal.Decimal
	Delta      decimal.Decimal
	Price      decimal.Decimal
	PvDividend decimal.Decimal
	Gamma      decimal.Decimal
	Vega       decimal.Decimal
	Theta      decimal.Decimal
	UndPrice   decimal.Decimal
	Updated    time.Time
}

func (g *OptionGreeks) set(field events.TickField, v decimal.Decimal) {
	switch field {
	case events.FieldOptImpliedVol:
		g.ImpliedVol = v
	case events.FieldOptDelta:
		g.Delta = v
	case events.FieldOptPrice:
		g.Price = v
	case events.FieldOptPvDividend:
		g.PvDividend = v
	case events.FieldOptGamma:
		g.Gamma = v
	case events.FieldOptVega:
		g.Vega = v
	case events.FieldOptTheta:
		g.Theta = v
	case events.FieldOptUndPrice:
		g.UndPrice = v
	}
}

// MarketSnapshot holds the latest value of every tick field seen for one
// contract. Raw gateway fields and option computations are kept apart.
type MarketSnapshot struct {
	Symbol   string
	TickerID int64
	Fields   map[events.TickField]decimal.Decimal
	Text     map[events.TickField]string
	Options  map[events.GreekSource]OptionGreeks
	Updated  time.Time
}

func newMarketSnapshot(symbol string, tickerID int64) *MarketSnapshot {
	return &MarketSnapshot{
		Symbol:   symbol,
		TickerID: tickerID,
		Fields:   make(map[events.TickField]decimal.Decimal),
		Text:     make(map[events.TickField]string),
		Options:  make(map[events.GreekSource]OptionGreeks),
	}
}

// Get returns a raw field value.
func (s MarketSnapshot) Get(f events.TickField) (decimal.Decimal, bool) {
	v, ok := s.Fields[f]
	return v, ok
}

// Bid returns the bid or zero.
func (s MarketSnapshot) Bid() decimal.Decimal { return s.Fields[events.FieldBid] }

// Ask returns the ask or zero.
func (s MarketSnapshot) Ask() decimal.Decimal { return s.Fields[events.FieldAsk] }

// Last returns the last trade price or zero.
func (s MarketSnapshot) Last() decimal.Decimal { return s.Fields[events.FieldLast] }

// Mid returns the bid/ask midpoint, or zero if either side is missing.
func (s MarketSnapshot) Mid() decimal.Decimal {
	bid, ask := s.Bid(), s.Ask()
	if !bid.IsPositive() || !ask.IsPositive() {
		return decimal.Zero
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}

// OptionGeneric is the larger of last and mid, the usual mark for an option.
func (s MarketSnapshot) OptionGeneric() decimal.Decimal {
	return decimal.Max(s.Last(), s.Mid())
}

func (s *MarketSnapshot) clone() MarketSnapshot {
	out := *s
	out.Fields = make(map[events.TickField]decimal.Decimal, len(s.Fields))
	for k, v := range s.Fields {
		out.Fields[k] = v
	}
	out.Text = make(map[events.TickField]string, len(s.Text))
	for k, v := range s.Text {
		out.Text[k] = v
	}
	out.Options = make(map[events.GreekSource]OptionGreeks, len(s.Options))
	for k, v := range s.Options {
		out.Options[k] = v
	}
	return out
}

// DepthRow is one price level.
type DepthRow struct {
	Price decimal.Decimal
	Size  int64
}

// DepthBook holds up to DepthRows rows per side.
type DepthBook struct {
	Symbol  string
	Bids    []DepthRow
	Asks    []DepthRow
	Updated time.Time
}

func (b *DepthBook) apply(ev *events.DepthUpdate) bool {
	if ev.Position < 0 || ev.Position >= DepthRows {
		return false
	}

	rows := &b.Asks
	if ev.Side == events.DepthBid {
		rows = &b.Bids
	}
	row := DepthRow{Price: ev.Price, Size: ev.Size}

	switch ev.Operation {
	case events.OpInsert:
		if ev.Position > len(*rows) {
			return false
		}
		*rows = append(*rows, DepthRow{})
		copy((*rows)[ev.Position+1:], (*rows)[ev.Position:])
		(*rows)[ev.Position] = row
		if len(*rows) > DepthRows {
			*rows = (*rows)[:DepthRows]
		}
	case events.OpUpdate:
		for len(*rows) <= ev.Position {
			*rows = append(*rows, DepthRow{})
		}
		(*rows)[ev.Position] = row
	case events.OpDelete:
		if ev.Position >= len(*rows) {
			return false
		}
		*rows = append((*rows)[:ev.Position], (*rows)[ev.Position+1:]...)
	default:
		return false
	}

	b.Updated = ev.At
	return true
}

func (b *DepthBook) clone() DepthBook {
	out := *b
	out.Bids = append([]DepthRow(nil), b.Bids...)
	out.Asks = append([]DepthRow(nil), b.Asks...)
	return out
}

// OrderRecord is the reconciled state of one order.
type OrderRecord struct {
	OrderID       int64
	ParentID      int64
	PermID        int64
	Symbol        string
	Contract      broker.Contract
	Order         broker.OrderDraft
	Status        types.OrderStatus
	RawStatus     string
	Filled        int64
	Remaining     int64
	AvgFillPrice  decimal.Decimal
	LastFillPrice decimal.Decimal
	Local         bool // placed by this session
	ReplacedBy    int64
	Created       time.Time
	Updated       time.Time
}

// IsOpen reports whether the order can still trade.
func (o OrderRecord) IsOpen() bool {
	return !o.Status.IsFinal()
}

// Bracket groups an entry order with its target and stop legs.
type Bracket struct {
	ParentID     int64
	TargetID     int64
	StopID       int64
	Symbol       string
	OCAGroup     string
	Active       bool // entry filled
	Closed       bool
	ClosedBy     int64
	ClosedStatus types.OrderStatus
}

// Legs returns the non-zero order ids of the group, entry first.
func (b Bracket) Legs() []int64 {
	legs := []int64{b.ParentID}
	if b.TargetID != 0 {
		legs = append(legs, b.TargetID)
	}
	if b.StopID != 0 {
		legs = append(legs, b.StopID)
	}
	return legs
}

type posKey struct {
	account string
	symbol  string
}
