// Package reconciler applies normalized gateway events to the session's
// position, portfolio, order, bracket and market-data tables.
//
// Apply is called from a single consumer goroutine. Queries and the narrow
// mutation methods (TrackOrder, TrackBracket, ReplaceOrder, DropBracket) may be called
// from any goroutine; queries return copies.
package reconciler

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/events"
	"github.com/tathienbao/ibrecon/internal/registry"
	"github.com/tathienbao/ibrecon/internal/types"
)

// Reconciler owns every mutable session table.
type Reconciler struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	registry *registry.Registry
	now      func() time.Time

	ticks      map[string]*MarketSnapshot
	depth      map[string]*DepthBook
	orders     map[int64]*OrderRecord
	brackets   map[int64]*Bracket
	legIndex   map[int64]int64 // leg order id -> bracket parent id
	replaced   map[int64]bool
	executions map[int64][]broker.Execution
	execSeen   map[string]bool
	positions  map[posKey]broker.Position
	portfolio  map[posKey]broker.PortfolioEntry
	accounts   map[string]map[string]broker.AccountValue
	summaries  map[string]*broker.AccountSummary

	connected   bool
	nextValidID int64
}

// New creates a Reconciler over reg.
func New(reg *registry.Registry, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		logger:     logger.With("component", "reconciler"),
		registry:   reg,
		now:        time.Now,
		ticks:      make(map[string]*MarketSnapshot),
		depth:      make(map[string]*DepthBook),
		orders:     make(map[int64]*OrderRecord),
		brackets:   make(map[int64]*Bracket),
		legIndex:   make(map[int64]int64),
		replaced:   make(map[int64]bool),
		executions: make(map[int64][]broker.Execution),
		execSeen:   make(map[string]bool),
		positions:  make(map[posKey]broker.Position),
		portfolio:  make(map[posKey]broker.PortfolioEntry),
		accounts:   make(map[string]map[string]broker.AccountValue),
		summaries:  make(map[string]*broker.AccountSummary),
	}
}

// Apply mutates the tables for ev and returns the events to deliver: ev
// itself (enriched with its symbol where relevant) followed by derived
// events. Suppressed and dropped events return nil.
func (r *Reconciler) Apply(ev events.Event) []events.Event {
	if ev == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a := &applier{r: r}
	ev.Accept(a)
	return a.out
}

// SetConnected records session connectivity observed outside the event stream.
func (r *Reconciler) SetConnected(connected bool) {
	r.mu.Lock()
	r.connected = connected
	r.mu.Unlock()
}

// TrackOrder records an order placed by this session before the gateway
// acknowledges it.
func (r *Reconciler) TrackOrder(orderID int64, c broker.Contract, o broker.OrderDraft) {
	symbol := broker.ContractString(c)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	rec, ok := r.orders[orderID]
	if !ok {
		rec = &OrderRecord{OrderID: orderID, Status: types.OrderStatusCreated, Created: now}
		r.orders[orderID] = rec
	}
	rec.ParentID = o.ParentID
	rec.Symbol = symbol
	rec.Contract = c
	rec.Order = o
	rec.Local = true
	rec.Remaining = o.Quantity
	rec.Updated = now
}

// TrackBracket groups three tracked orders. stopID or targetID may be zero.
func (r *Reconciler) TrackBracket(b Bracket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := b
	r.brackets[b.ParentID] = &cp
	for _, id := range cp.Legs() {
		r.legIndex[id] = b.ParentID
	}
}

// ReplaceOrder records that newID supersedes oldID (cancel-and-replace).
// If oldID is a bracket leg the bracket is rebound to newID and the old
// leg's later terminal status no longer closes the group.
func (r *Reconciler) ReplaceOrder(oldID, newID int64, c broker.Contract, o broker.OrderDraft) {
	symbol := broker.ContractString(c)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if old, ok := r.orders[oldID]; ok {
		old.ReplacedBy = newID
	}
	r.replaced[oldID] = true

	r.orders[newID] = &OrderRecord{
		OrderID:   newID,
		ParentID:  o.ParentID,
		Symbol:    symbol,
		Contract:  c,
		Order:     o,
		Status:    types.OrderStatusCreated,
		Remaining: o.Quantity,
		Local:     true,
		Created:   now,
		Updated:   now,
	}

	parentID, ok := r.legIndex[oldID]
	if !ok {
		return
	}
	b := r.brackets[parentID]
	switch oldID {
	case b.StopID:
		b.StopID = newID
	case b.TargetID:
		b.TargetID = newID
	}
	delete(r.legIndex, oldID)
	r.legIndex[newID] = parentID
}

// RevertReplacement undoes ReplaceOrder for a replacement that never reached
// the gateway.
func (r *Reconciler) RevertReplacement(oldID, newID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.orders[oldID]; ok && old.ReplacedBy == newID {
		old.ReplacedBy = 0
	}
	delete(r.replaced, oldID)
	delete(r.orders, newID)

	parentID, ok := r.legIndex[newID]
	if !ok {
		return
	}
	b := r.brackets[parentID]
	switch newID {
	case b.StopID:
		b.StopID = oldID
	case b.TargetID:
		b.TargetID = oldID
	}
	delete(r.legIndex, newID)
	r.legIndex[oldID] = parentID
}

// DropBracket forgets a group whose placement was abandoned. The records of
// unsent legs are removed; legs that reached the gateway keep theirs so
// their cancellation is still reconciled.
func (r *Reconciler) DropBracket(parentID int64, unsent ...int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.brackets[parentID]; ok {
		for _, id := range b.Legs() {
			if r.legIndex[id] == parentID {
				delete(r.legIndex, id)
			}
		}
		delete(r.brackets, parentID)
	}
	for _, id := range unsent {
		delete(r.orders, id)
	}
}

// applier is the single-event mutation visitor. It runs with r.mu held.
type applier struct {
	r   *Reconciler
	out []events.Event
}

func (a *applier) emit(evs ...events.Event) {
	a.out = append(a.out, evs...)
}

func (a *applier) symbolForTicker(tickerID int64) (string, bool) {
	if a.r.registry == nil {
		return "", false
	}
	e, ok := a.r.registry.LookupTicker(tickerID)
	return e.Symbol, ok
}

func (a *applier) ensureContract(c broker.Contract) {
	if a.r.registry == nil || c.Symbol == "" {
		return
	}
	if _, _, err := a.r.registry.Resolve(c); err != nil {
		a.r.logger.Debug("contract not registered", "symbol", c.Symbol, "err", err)
	}
}

func (a *applier) VisitTick(ev *events.TickUpdate) {
	symbol, ok := a.symbolForTicker(ev.TickerID)
	if !ok {
		a.r.logger.Debug("tick for unknown ticker", "ticker_id", ev.TickerID)
		return
	}
	ev.Symbol = symbol

	snap, ok := a.r.ticks[symbol]
	if !ok {
		snap = newMarketSnapshot(symbol, ev.TickerID)
		a.r.ticks[symbol] = snap
	}

	if ev.Field.IsSynthetic() {
		g := snap.Options[ev.Source]
		g.set(ev.Field, ev.Value)
		g.Updated = ev.At
		snap.Options[ev.Source] = g
	} else {
		snap.Fields[ev.Field] = ev.Value
		if ev.Text != "" {
			snap.Text[ev.Field] = ev.Text
		}
	}
	snap.Updated = ev.At
	a.emit(ev)
}

func (a *applier) VisitDepth(ev *events.DepthUpdate) {
	symbol, ok := a.symbolForTicker(ev.TickerID)
	if !ok {
		a.r.logger.Debug("depth for unknown ticker", "ticker_id", ev.TickerID)
		return
	}
	ev.Symbol = symbol

	book, ok := a.r.depth[symbol]
	if !ok {
		book = &DepthBook{Symbol: symbol}
		a.r.depth[symbol] = book
	}
	if !book.apply(ev) {
		a.r.logger.Debug("depth row ignored", "symbol", symbol, "position", ev.Position, "operation", int(ev.Operation))
		return
	}
	a.emit(ev)
}

func (a *applier) VisitOrderStatus(ev *events.OrderStatusChanged) {
	r := a.r
	rec, ok := r.orders[ev.OrderID]
	if !ok {
		rec = &OrderRecord{OrderID: ev.OrderID, ParentID: ev.ParentID, Status: types.OrderStatusCreated, Created: ev.At}
		r.orders[ev.OrderID] = rec
	}

	if rec.Status == ev.Status && rec.Filled == ev.Filled && rec.Remaining == ev.Remaining {
		return
	}
	if rec.Status == types.OrderStatusFilled && ev.Status != types.OrderStatusFilled {
		r.logger.Debug("status after fill ignored", "order_id", ev.OrderID, "status", ev.Status.String())
		return
	}

	prev := rec.Status
	rec.Status = ev.Status
	rec.RawStatus = ev.RawStatus
	rec.Filled = ev.Filled
	rec.Remaining = ev.Remaining
	rec.AvgFillPrice = ev.AvgFillPrice
	rec.LastFillPrice = ev.LastFillPrice
	if ev.PermID != 0 {
		rec.PermID = ev.PermID
	}
	if ev.ParentID != 0 {
		rec.ParentID = ev.ParentID
	}
	rec.Updated = ev.At

	ev.Symbol = rec.Symbol
	a.emit(ev)

	if ev.Status == types.OrderStatusFilled && prev != types.OrderStatusFilled {
		a.emit(&events.OrderFilled{
			Header:       events.Header{At: ev.At},
			OrderID:      rec.OrderID,
			ParentID:     rec.ParentID,
			Symbol:       rec.Symbol,
			Side:         rec.Order.Action,
			Quantity:     rec.Filled,
			AvgFillPrice: rec.AvgFillPrice,
		})
	}

	a.cascade(rec, ev.At)
}

// cascade applies the bracket rule: the entry filling activates the group;
// any other terminal leg closes it once.
func (a *applier) cascade(rec *OrderRecord, at time.Time) {
	r := a.r
	if r.replaced[rec.OrderID] {
		return
	}
	parentID, ok := r.legIndex[rec.OrderID]
	if !ok {
		return
	}
	b := r.brackets[parentID]

	if rec.OrderID == b.ParentID {
		switch rec.Status {
		case types.OrderStatusFilled:
			b.Active = true
			return
		case types.OrderStatusCancelled, types.OrderStatusRejected:
		default:
			return
		}
	} else if !rec.Status.IsFinal() {
		return
	}

	legs := b.Legs()
	for _, id := range legs {
		delete(r.legIndex, id)
	}
	b.Closed = true
	b.ClosedBy = rec.OrderID
	b.ClosedStatus = rec.Status

	r.logger.Info("bracket closed",
		"parent_id", b.ParentID,
		"closed_by", rec.OrderID,
		"status", rec.Status.String(),
	)

	a.emit(&events.BracketClosed{
		Header:   events.Header{At: at},
		ParentID: b.ParentID,
		Symbol:   b.Symbol,
		ClosedBy: rec.OrderID,
		Status:   rec.Status,
		Legs:     legs,
	})
}

func (a *applier) VisitOpenOrder(ev *events.OpenOrderReported) {
	r := a.r
	a.ensureContract(ev.Contract)

	rec, ok := r.orders[ev.OrderID]
	if !ok {
		rec = &OrderRecord{OrderID: ev.OrderID, Status: types.OrderStatusCreated, Created: ev.At}
		r.orders[ev.OrderID] = rec
	}
	if rec.Symbol == "" {
		rec.Symbol = ev.Symbol
		rec.Contract = ev.Contract
	}
	if !rec.Local {
		rec.Order = ev.Order
		rec.ParentID = ev.Order.ParentID
		if rec.Remaining == 0 {
			rec.Remaining = ev.Order.Quantity
		}
	}
	if status := ev.Status; status != types.OrderStatusCreated &&
		(rec.Status == types.OrderStatusCreated || rec.Status == types.OrderStatusPendingSubmit) {
		rec.Status = status
		rec.RawStatus = ev.RawStatus
	}
	rec.Updated = ev.At

	a.adoptLeg(rec)
	a.emit(ev)
}

// adoptLeg rebuilds bracket grouping for child orders reported by the
// gateway that this session did not place, such as after a restart.
func (a *applier) adoptLeg(rec *OrderRecord) {
	r := a.r
	if rec.ParentID == 0 || r.replaced[rec.OrderID] {
		return
	}
	if _, ok := r.legIndex[rec.OrderID]; ok {
		return
	}

	b, ok := r.brackets[rec.ParentID]
	if ok && b.Closed {
		return
	}
	if !ok {
		b = &Bracket{ParentID: rec.ParentID, Symbol: rec.Symbol, OCAGroup: rec.Order.OCAGroup}
		if parent, ok := r.orders[rec.ParentID]; !ok || parent.Status == types.OrderStatusFilled {
			b.Active = true
		}
		r.brackets[rec.ParentID] = b
		r.legIndex[rec.ParentID] = rec.ParentID
	}

	switch rec.Order.OrderType {
	case broker.OrderTypeLimit:
		if b.TargetID != 0 {
			return
		}
		b.TargetID = rec.OrderID
	default:
		if b.StopID != 0 {
			return
		}
		b.StopID = rec.OrderID
	}
	r.legIndex[rec.OrderID] = rec.ParentID
}

func (a *applier) VisitExecution(ev *events.ExecutionReported) {
	r := a.r
	e := ev.Execution
	if e.ExecID != "" {
		if r.execSeen[e.ExecID] {
			return
		}
		r.execSeen[e.ExecID] = true
	}
	a.ensureContract(e.Contract)
	r.executions[e.OrderID] = append(r.executions[e.OrderID], e)
	a.emit(ev)
}

func (a *applier) VisitPosition(ev *events.PositionChanged) {
	a.ensureContract(ev.Position.Contract)
	a.r.positions[posKey{ev.Position.Account, ev.Position.Symbol}] = ev.Position
	a.emit(ev)
}

func (a *applier) VisitPortfolio(ev *events.PortfolioChanged) {
	a.ensureContract(ev.Entry.Contract)
	a.r.portfolio[posKey{ev.Entry.Account, ev.Entry.Symbol}] = ev.Entry
	a.emit(ev)
}

func (a *applier) VisitAccountValue(ev *events.AccountValueChanged) {
	r := a.r
	v := ev.Value

	values, ok := r.accounts[v.Account]
	if !ok {
		values = make(map[string]broker.AccountValue)
		r.accounts[v.Account] = values
	}
	key := v.Key
	if v.Currency != "" {
		key += "|" + v.Currency
	}
	values[key] = v

	summary, ok := r.summaries[v.Account]
	if !ok {
		summary = &broker.AccountSummary{AccountID: v.Account}
		r.summaries[v.Account] = summary
	}
	summary.Apply(v)
	a.emit(ev)
}

func (a *applier) VisitContractDetails(ev *events.ContractDetailsReceived) {
	a.emit(ev)
	if a.r.registry == nil {
		return
	}

	err := a.r.registry.Bind(ev.ReqID, ev.Details)
	switch {
	case err == nil:
	case errors.Is(err, types.ErrDuplicateBinding):
		a.r.logger.Warn("duplicate contract binding", "req_id", ev.ReqID, "err", err)
		a.emit(&events.ErrorOccurred{Header: ev.Header, ReqID: ev.ReqID, Message: err.Error(), Err: err})
	default:
		a.r.logger.Debug("contract details not bound", "req_id", ev.ReqID, "err", err)
	}
}

func (a *applier) VisitContractDetailsEnd(ev *events.ContractDetailsEnd) {
	if a.r.registry != nil {
		a.r.registry.Complete(ev.ReqID)
	}
	a.emit(ev)
}

func (a *applier) VisitNextValidID(ev *events.NextValidID) {
	if ev.OrderID > a.r.nextValidID {
		a.r.nextValidID = ev.OrderID
	}
	a.emit(ev)
}

func (a *applier) VisitSnapshotEnd(ev *events.SnapshotEnd) {
	a.emit(ev)
}

func (a *applier) VisitConnectionLost(ev *events.ConnectionLost) {
	if !a.r.connected {
		a.r.logger.Debug("already disconnected", "code", ev.Code, "reason", ev.Reason)
		return
	}
	a.r.connected = false
	a.r.logger.Warn("connection lost", "code", ev.Code, "reason", ev.Reason)
	a.emit(ev)
}

func (a *applier) VisitConnectionRestored(ev *events.ConnectionRestored) {
	a.r.connected = true
	a.emit(ev)
}

func (a *applier) VisitError(ev *events.ErrorOccurred) {
	a.emit(ev)
}

func (a *applier) VisitOrderFilled(ev *events.OrderFilled)     { a.emit(ev) }
func (a *applier) VisitBracketClosed(ev *events.BracketClosed) { a.emit(ev) }
func (a *applier) VisitTriggerFired(ev *events.TriggerFired)   { a.emit(ev) }
