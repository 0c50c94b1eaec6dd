package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/events"
	"github.com/tathienbao/ibrecon/internal/reconciler"
	"github.com/tathienbao/ibrecon/internal/trigger"
	"github.com/tathienbao/ibrecon/internal/types"
)

// TriggerParams registers a triggerable trailing stop. Symbol and
// Quantity default to those of the stop order.
type TriggerParams struct {
	ID           string
	Symbol       string
	ParentID     int64
	StopOrderID  int64
	Quantity     int64
	TriggerPrice decimal.Decimal
	TrailAmount  decimal.Decimal
	TrailPercent decimal.Decimal
	Trail        bool // keep ratcheting the stop after the first fire
}

// RegisterTriggerableTrailingStop arms a client-side trigger on the stop
// order. When the last price crosses TriggerPrice the stop is replaced by
// one trailing the price by the configured amount or percent.
func (e *Engine) RegisterTriggerableTrailingStop(p TriggerParams) (string, error) {
	if p.StopOrderID <= 0 {
		return "", types.Invalid("trigger.stop_order_id", "is required")
	}

	if p.Symbol == "" || p.Quantity == 0 {
		rec, ok := e.reconciler.Order(p.StopOrderID)
		if !ok {
			return "", fmt.Errorf("%w: %d", types.ErrUnknownOrder, p.StopOrderID)
		}
		if p.Symbol == "" {
			p.Symbol = rec.Symbol
		}
		if p.Quantity == 0 {
			p.Quantity = rec.Order.SignedQuantity()
		}
		if p.ParentID == 0 {
			p.ParentID = rec.ParentID
		}
	}

	id, err := e.triggers.Register(trigger.Registration{
		ID:           p.ID,
		Symbol:       p.Symbol,
		ParentID:     p.ParentID,
		StopOrderID:  p.StopOrderID,
		Quantity:     p.Quantity,
		TriggerPrice: p.TriggerPrice,
		TrailAmount:  p.TrailAmount,
		TrailPercent: p.TrailPercent,
		TickSize:     e.registry.TickSize(p.Symbol),
		Trail:        p.Trail,
	})
	if err != nil {
		return "", err
	}
	e.recordTriggers()
	return id, nil
}

// CancelTrigger disarms a trigger. A consumed trigger stops trailing; its
// replacement stop stays working.
func (e *Engine) CancelTrigger(id string) error {
	if err := e.triggers.Cancel(id); err != nil {
		return err
	}
	e.recordTriggers()
	return nil
}

// fire carries out a trigger action off the consumer goroutine.
func (e *Engine) fire(a trigger.Action) {
	ok := e.goBackground(func(ctx context.Context) {
		if a.Ratchet {
			e.ratchet(ctx, a)
			return
		}
		e.replaceStop(ctx, a)
	})
	if !ok {
		e.rearm(a.TriggerID)
	}
}

// ratchet moves a running trail's stop in place.
func (e *Engine) ratchet(ctx context.Context, a trigger.Action) {
	rec, ok := e.reconciler.Order(a.StopOrderID)
	if !ok {
		e.logger.Warn("trail stop order unknown", "trigger_id", a.TriggerID, "order_id", a.StopOrderID)
		e.rearm(a.TriggerID)
		return
	}

	if !e.stopWorking(rec) {
		e.logger.Info("trail stop no longer working", "trigger_id", a.TriggerID, "order_id", a.StopOrderID)
		e.rearm(a.TriggerID)
		return
	}

	o := stopDraft(rec.Order, a.NewStop, a.Quantity)
	o.ParentID = a.ParentID
	if err := e.submitOrder(ctx, a.StopOrderID, rec.Contract, o); err != nil {
		e.logger.Warn("trail adjustment failed", "trigger_id", a.TriggerID, "order_id", a.StopOrderID, "err", err)
		e.rearm(a.TriggerID)
		return
	}
	if err := e.triggers.MarkConsumed(a.TriggerID, a.StopOrderID, a.NewStop); err != nil {
		e.logger.Warn("trail adjustment not recorded", "trigger_id", a.TriggerID, "err", err)
		return
	}

	e.injectEvent(firedEvent(a, a.StopOrderID, true))
}

// replaceStop places the trailed stop under a new id, then cancels the
// old one.
func (e *Engine) replaceStop(ctx context.Context, a trigger.Action) {
	rec, ok := e.reconciler.Order(a.StopOrderID)
	if !ok {
		e.logger.Warn("trigger stop order unknown", "trigger_id", a.TriggerID, "order_id", a.StopOrderID)
		if err := e.triggers.Cancel(a.TriggerID); err != nil {
			e.logger.Warn("trigger cancel failed", "trigger_id", a.TriggerID, "err", err)
		}
		return
	}

	if !e.stopWorking(rec) {
		e.abortReplacement(a, "stop no longer working")
		return
	}

	newID, err := e.ids.next(ctx)
	if err != nil {
		e.logger.Warn("trigger replacement id unavailable", "trigger_id", a.TriggerID, "err", err)
		e.rearm(a.TriggerID)
		return
	}

	// The id round trip gives the stop time to fill or the trigger time
	// to be cancelled.
	if !e.stopWorking(rec) {
		e.abortReplacement(a, "stop finished while allocating id")
		return
	}
	if t, ok := e.triggers.Get(a.TriggerID); !ok || t.State != trigger.StateTriggered {
		e.logger.Info("trigger replacement abandoned", "trigger_id", a.TriggerID, "reason", "trigger no longer triggered")
		return
	}

	o := stopDraft(rec.Order, a.NewStop, a.Quantity)
	o.ParentID = a.ParentID
	o.OCAGroup = rec.Order.OCAGroup
	o.OCAType = rec.Order.OCAType

	e.reconciler.ReplaceOrder(a.StopOrderID, newID, rec.Contract, o)
	if err := e.out.submit(ctx, broker.Request{Kind: broker.RequestPlaceOrder, ID: newID, Contract: rec.Contract, Order: o}); err != nil {
		e.reconciler.RevertReplacement(a.StopOrderID, newID)
		e.logger.Warn("trigger replacement rejected", "trigger_id", a.TriggerID, "new_stop_id", newID, "err", err)
		e.rearm(a.TriggerID)
		return
	}

	// A stop that finished during submission cancelled the trigger; the
	// replacement must not outlive it.
	if err := e.triggers.MarkConsumed(a.TriggerID, newID, a.NewStop); err != nil {
		e.logger.Warn("trigger consumption not recorded, cancelling replacement",
			"trigger_id", a.TriggerID, "new_stop_id", newID, "err", err)
		e.out.enqueue(broker.Request{Kind: broker.RequestCancelOrder, ID: newID})
		e.recordTriggers()
		return
	}
	e.out.enqueue(broker.Request{Kind: broker.RequestCancelOrder, ID: a.StopOrderID})

	e.logger.Info("trigger fired",
		"trigger_id", a.TriggerID,
		"symbol", a.Symbol,
		"last", a.LastPrice.String(),
		"old_stop_id", a.StopOrderID,
		"new_stop_id", newID,
		"new_stop", a.NewStop.String(),
	)

	t, _ := e.triggers.Get(a.TriggerID)
	e.injectEvent(firedEvent(a, newID, t.Trailing))
}

// stopWorking reports whether rec's stop is still live and, for a bracket
// leg, its group still open.
func (e *Engine) stopWorking(rec reconciler.OrderRecord) bool {
	status, ok := e.reconciler.OrderStatus(rec.OrderID)
	if !ok || status.IsFinal() {
		return false
	}
	if rec.ParentID != 0 {
		if b, ok := e.reconciler.Bracket(rec.ParentID); ok && b.Closed {
			return false
		}
	}
	return true
}

func (e *Engine) abortReplacement(a trigger.Action, reason string) {
	e.logger.Info("trigger replacement abandoned",
		"trigger_id", a.TriggerID,
		"order_id", a.StopOrderID,
		"reason", reason,
	)
	if err := e.triggers.Cancel(a.TriggerID); err != nil {
		e.logger.Warn("trigger cancel failed", "trigger_id", a.TriggerID, "err", err)
	}
	e.recordTriggers()
}

func (e *Engine) rearm(id string) {
	if err := e.triggers.Rearm(id); err != nil {
		e.logger.Warn("trigger rearm failed", "trigger_id", id, "err", err)
	}
}

func firedEvent(a trigger.Action, newID int64, trailing bool) *events.TriggerFired {
	return &events.TriggerFired{
		Header:       events.Header{At: time.Now()},
		TriggerID:    a.TriggerID,
		Symbol:       a.Symbol,
		OldStopID:    a.StopOrderID,
		NewStopID:    newID,
		TriggerPrice: a.TriggerPrice,
		LastPrice:    a.LastPrice,
		NewStop:      a.NewStop,
		Trailing:     trailing,
	}
}
