package reconciler

import (
	"sort"

	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/types"
)

// Positions returns every position row ordered by account and symbol.
func (r *Reconciler) Positions() []broker.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]broker.Position, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Position returns the row for (account, symbol).
func (r *Reconciler) Position(account, symbol string) (broker.Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.positions[posKey{account, symbol}]
	return p, ok
}

// NetPosition sums the signed quantity for symbol across accounts.
func (r *Reconciler) NetPosition(symbol string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var net int64
	for k, p := range r.positions {
		if k.symbol == symbol {
			net += p.Quantity
		}
	}
	return net
}

// Portfolio returns every portfolio row ordered by account and symbol.
func (r *Reconciler) Portfolio() []broker.PortfolioEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]broker.PortfolioEntry, 0, len(r.portfolio))
	for _, p := range r.portfolio {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Orders returns every order record ordered by id.
func (r *Reconciler) Orders() []OrderRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectOrders(func(*OrderRecord) bool { return true })
}

// OpenOrders returns the records that are not in a terminal status.
func (r *Reconciler) OpenOrders() []OrderRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectOrders(func(o *OrderRecord) bool { return o.IsOpen() })
}

// OrdersBySymbol returns the records for one synthesized symbol.
func (r *Reconciler) OrdersBySymbol(symbol string) []OrderRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectOrders(func(o *OrderRecord) bool { return o.Symbol == symbol })
}

func (r *Reconciler) collectOrders(keep func(*OrderRecord) bool) []OrderRecord {
	var out []OrderRecord
	for _, o := range r.orders {
		if keep(o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// Order returns one order record.
func (r *Reconciler) Order(orderID int64) (OrderRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[orderID]
	if !ok {
		return OrderRecord{}, false
	}
	return *o, true
}

// OrderStatus returns the status of one order.
func (r *Reconciler) OrderStatus(orderID int64) (types.OrderStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[orderID]
	if !ok {
		return types.OrderStatusCreated, false
	}
	return o.Status, true
}

// Executions returns the fills for one order in arrival order.
func (r *Reconciler) Executions(orderID int64) []broker.Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]broker.Execution(nil), r.executions[orderID]...)
}

// AllExecutions returns every fill ordered by time.
func (r *Reconciler) AllExecutions() []broker.Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []broker.Execution
	for _, list := range r.executions {
		out = append(out, list...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// MarketData returns the tick snapshot for symbol.
func (r *Reconciler) MarketData(symbol string) (MarketSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.ticks[symbol]
	if !ok {
		return MarketSnapshot{}, false
	}
	return s.clone(), true
}

// MarketDepth returns the order book for symbol.
func (r *Reconciler) MarketDepth(symbol string) (DepthBook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.depth[symbol]
	if !ok {
		return DepthBook{}, false
	}
	return b.clone(), true
}

// Account returns the tracked summary for an account. An empty account
// returns the only one when a single account has reported.
func (r *Reconciler) Account(account string) (broker.AccountSummary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if account == "" && len(r.summaries) == 1 {
		for _, s := range r.summaries {
			return *s, true
		}
	}
	s, ok := r.summaries[account]
	if !ok {
		return broker.AccountSummary{}, false
	}
	return *s, true
}

// AccountValues returns every raw value reported for an account.
func (r *Reconciler) AccountValues(account string) []broker.AccountValue {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]broker.AccountValue, 0, len(r.accounts[account]))
	for _, v := range r.accounts[account] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Currency < out[j].Currency
	})
	return out
}

// Bracket returns the group whose entry is parentID.
func (r *Reconciler) Bracket(parentID int64) (Bracket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.brackets[parentID]
	if !ok {
		return Bracket{}, false
	}
	return *b, true
}

// Brackets returns every group ordered by entry id.
func (r *Reconciler) Brackets() []Bracket {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Bracket, 0, len(r.brackets))
	for _, b := range r.brackets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParentID < out[j].ParentID })
	return out
}

// IsConnected reports the last observed connectivity.
func (r *Reconciler) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// NextValidID returns the highest next-order-id the gateway reported.
func (r *Reconciler) NextValidID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextValidID
}
