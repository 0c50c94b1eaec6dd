package engine

import (
	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/reconciler"
	"github.com/tathienbao/ibrecon/internal/registry"
	"github.com/tathienbao/ibrecon/internal/trigger"
)

// Every query returns a copy; callers may keep or modify the result.

func (e *Engine) Positions() []broker.Position { return e.reconciler.Positions() }

// Position returns the row for (account, symbol).
func (e *Engine) Position(account, symbol string) (broker.Position, bool) {
	return e.reconciler.Position(account, symbol)
}

// NetPosition sums the signed quantity for symbol across accounts.
func (e *Engine) NetPosition(symbol string) int64 { return e.reconciler.NetPosition(symbol) }

func (e *Engine) Portfolio() []broker.PortfolioEntry { return e.reconciler.Portfolio() }

func (e *Engine) Orders() []reconciler.OrderRecord { return e.reconciler.Orders() }

// OpenOrders returns the orders that can still trade.
func (e *Engine) OpenOrders() []reconciler.OrderRecord { return e.reconciler.OpenOrders() }

func (e *Engine) OrdersBySymbol(symbol string) []reconciler.OrderRecord {
	return e.reconciler.OrdersBySymbol(symbol)
}

func (e *Engine) Order(orderID int64) (reconciler.OrderRecord, bool) {
	return e.reconciler.Order(orderID)
}

// Executions returns the fills of one order. orderID zero returns every
// fill of the session.
func (e *Engine) Executions(orderID int64) []broker.Execution {
	if orderID == 0 {
		return e.reconciler.AllExecutions()
	}
	return e.reconciler.Executions(orderID)
}

func (e *Engine) MarketData(symbol string) (reconciler.MarketSnapshot, bool) {
	return e.reconciler.MarketData(symbol)
}

func (e *Engine) MarketDepth(symbol string) (reconciler.DepthBook, bool) {
	return e.reconciler.MarketDepth(symbol)
}

// Account returns the tracked summary. An empty account falls back to the
// configured one, then to the only account reported.
func (e *Engine) Account(account string) (broker.AccountSummary, bool) {
	if account == "" && e.cfg.Account != "" {
		account = e.cfg.Account
	}
	return e.reconciler.Account(account)
}

func (e *Engine) AccountValues(account string) []broker.AccountValue {
	if account == "" {
		account = e.cfg.Account
	}
	return e.reconciler.AccountValues(account)
}

func (e *Engine) Bracket(parentID int64) (reconciler.Bracket, bool) {
	return e.reconciler.Bracket(parentID)
}

func (e *Engine) Brackets() []reconciler.Bracket { return e.reconciler.Brackets() }

// Contracts returns every registered contract ordered by ticker id.
func (e *Engine) Contracts() []registry.Entry { return e.registry.All() }

func (e *Engine) Contract(symbol string) (registry.Entry, bool) {
	return e.registry.Lookup(symbol)
}

// TickSize returns the minimum tick for symbol, or the configured default.
func (e *Engine) TickSize(symbol string) decimal.Decimal {
	return e.registry.TickSize(symbol)
}

func (e *Engine) Triggers() []trigger.Trigger { return e.triggers.All() }

func (e *Engine) Trigger(id string) (trigger.Trigger, bool) { return e.triggers.Get(id) }

// IsConnected reports the last connectivity the gateway reported.
func (e *Engine) IsConnected() bool { return e.reconciler.IsConnected() }

// NextOrderID returns the id the next placement would use absent a newer
// gateway answer.
func (e *Engine) NextOrderID() int64 { return e.ids.peek() }

// QueueDepth returns the number of outbound requests waiting for the
// throttle.
func (e *Engine) QueueDepth() int { return e.out.depth() }
