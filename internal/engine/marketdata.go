package engine

import (
	"context"
	"fmt"

	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/registry"
	"github.com/tathienbao/ibrecon/internal/types"
)

// RegisterContract adds c to the registry. A contract seen for the first
// time gets one contract-details request; the returned entry may still be
// pending.
func (e *Engine) RegisterContract(c broker.Contract) (registry.Entry, error) {
	entry, _, err := e.registry.Resolve(c)
	if err != nil {
		return registry.Entry{}, err
	}
	return entry, nil
}

// ResolveContract registers c and waits until the gateway has answered its
// contract-details request. Callers bound the wait with ctx.
func (e *Engine) ResolveContract(ctx context.Context, c broker.Contract) (registry.Entry, error) {
	if err := e.checkRunning(); err != nil {
		return registry.Entry{}, err
	}

	e.mu.Lock()
	entry, created, err := e.registry.Resolve(c)
	if err != nil {
		e.mu.Unlock()
		return registry.Entry{}, err
	}

	// A resolved entry, or a combo, needs no round trip. A descriptor seen
	// before but still pending waits for the answer already in flight.
	if entry.Resolved || c.IsCombo() {
		e.mu.Unlock()
		return entry, nil
	}
	if !created && !e.hasWaitersLocked(entry.TickerID) {
		e.out.enqueue(broker.Request{Kind: broker.RequestContractDetails, ID: entry.TickerID, Contract: entry.Contract})
	}
	ch := make(chan error, 1)
	e.waiters[entry.TickerID] = append(e.waiters[entry.TickerID], ch)
	e.mu.Unlock()

	select {
	case err := <-ch:
		if err != nil {
			return registry.Entry{}, fmt.Errorf("resolve %s: %w", entry.Symbol, err)
		}
	case <-ctx.Done():
		return registry.Entry{}, fmt.Errorf("resolve %s: %w", entry.Symbol, ctx.Err())
	}

	resolved, ok := e.registry.Lookup(entry.Symbol)
	if !ok {
		return registry.Entry{}, fmt.Errorf("%w: %s", types.ErrUnknownContract, entry.Symbol)
	}
	return resolved, nil
}

func (e *Engine) hasWaitersLocked(tickerID int64) bool {
	return len(e.waiters[tickerID]) > 0
}

func (e *Engine) release(reqID int64, err error) {
	e.mu.Lock()
	e.releaseLocked(reqID, err)
	e.mu.Unlock()
}

func (e *Engine) releaseLocked(reqID int64, err error) {
	for _, ch := range e.waiters[reqID] {
		ch <- err
	}
	delete(e.waiters, reqID)
}

// RequestMarketData subscribes to ticks for c. It returns the ticker id.
// Snapshot requests are not repeated after a reconnect.
func (e *Engine) RequestMarketData(ctx context.Context, c broker.Contract, genericTicks string, snapshot bool) (int64, error) {
	if err := e.checkRunning(); err != nil {
		return 0, err
	}
	entry, err := e.RegisterContract(c)
	if err != nil {
		return 0, err
	}

	req := broker.Request{
		Kind:         broker.RequestMarketData,
		ID:           entry.TickerID,
		Contract:     entry.Contract,
		GenericTicks: genericTicks,
		Snapshot:     snapshot,
	}
	if !snapshot {
		e.mu.Lock()
		e.marketData[entry.TickerID] = req
		e.mu.Unlock()
	}

	if err := e.out.submit(ctx, req); err != nil {
		e.mu.Lock()
		delete(e.marketData, entry.TickerID)
		e.mu.Unlock()
		return 0, fmt.Errorf("request market data %s: %w", entry.Symbol, err)
	}

	e.logger.Info("market data requested", "symbol", entry.Symbol, "ticker_id", entry.TickerID)
	return entry.TickerID, nil
}

// CancelMarketData cancels the tick subscription for symbol.
func (e *Engine) CancelMarketData(ctx context.Context, symbol string) error {
	entry, ok := e.registry.Lookup(symbol)
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownContract, symbol)
	}

	e.mu.Lock()
	delete(e.marketData, entry.TickerID)
	e.mu.Unlock()

	return e.out.submit(ctx, broker.Request{Kind: broker.RequestCancelMarketData, ID: entry.TickerID})
}

// RequestMarketDepth subscribes to the order book for c. rows defaults to
// 10, the reconciled book size.
func (e *Engine) RequestMarketDepth(ctx context.Context, c broker.Contract, rows int) (int64, error) {
	if err := e.checkRunning(); err != nil {
		return 0, err
	}
	entry, err := e.RegisterContract(c)
	if err != nil {
		return 0, err
	}
	if rows <= 0 || rows > 10 {
		rows = 10
	}

	req := broker.Request{Kind: broker.RequestMarketDepth, ID: entry.TickerID, Contract: entry.Contract, Rows: rows}
	e.mu.Lock()
	e.depth[entry.TickerID] = req
	e.mu.Unlock()

	if err := e.out.submit(ctx, req); err != nil {
		e.mu.Lock()
		delete(e.depth, entry.TickerID)
		e.mu.Unlock()
		return 0, fmt.Errorf("request market depth %s: %w", entry.Symbol, err)
	}

	e.logger.Info("market depth requested", "symbol", entry.Symbol, "ticker_id", entry.TickerID, "rows", rows)
	return entry.TickerID, nil
}

// CancelMarketDepth cancels the depth subscription for symbol.
func (e *Engine) CancelMarketDepth(ctx context.Context, symbol string) error {
	entry, ok := e.registry.Lookup(symbol)
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownContract, symbol)
	}

	e.mu.Lock()
	delete(e.depth, entry.TickerID)
	e.mu.Unlock()

	return e.out.submit(ctx, broker.Request{Kind: broker.RequestCancelMarketDepth, ID: entry.TickerID})
}
