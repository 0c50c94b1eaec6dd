package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/reconciler"
	"github.com/tathienbao/ibrecon/internal/types"
)

// OrderParams describes an order for CreateOrder. Quantity is signed:
// positive buys, negative sells.
type OrderParams struct {
	Quantity     int64
	Price        decimal.Decimal // limit price, zero for market
	Stop         decimal.Decimal // stop trigger; with Price set the order is STP LMT
	TrailAmount  decimal.Decimal // native TRAIL order by amount
	TrailPercent decimal.Decimal // native TRAIL order by percent
	TIF          broker.TimeInForce
	OutsideRTH   bool
	AllOrNone    bool
	Hidden       bool
	Hold         bool // do not transmit
	ParentID     int64
	OCAGroup     string
	OCAType      int
	Account      string
}

// BracketParams describes a bracket for CreateBracketOrder.
type BracketParams struct {
	Quantity   int64           // signed entry quantity
	EntryPrice decimal.Decimal // zero enters at market
	Target     decimal.Decimal // zero for no target leg
	TargetType broker.OrderType
	Stop       decimal.Decimal // zero for no stop leg
	StopLimit  bool            // stop leg is STP LMT at the stop price

	// A native trailing stop leg: TRAIL by amount or percent, with Stop as
	// the initial stop price.
	TrailAmount  decimal.Decimal
	TrailPercent decimal.Decimal

	OCAGroup   string // defaults to bracket_<uuid>
	TIF        broker.TimeInForce
	OutsideRTH bool
	Account    string

	// Trigger, when set, registers a triggerable trailing stop on the stop
	// leg once the orders are placed.
	Trigger *TriggerParams
}

// BracketOrder holds the ids of a placed bracket. TargetID or StopID is
// zero when that leg was not requested.
type BracketOrder struct {
	EntryID   int64
	TargetID  int64
	StopID    int64
	OCAGroup  string
	TriggerID string
}

// CreateOrder builds an order draft. It does not submit anything.
func (e *Engine) CreateOrder(p OrderParams) (broker.OrderDraft, error) {
	if p.Quantity == 0 {
		return broker.OrderDraft{}, types.Invalid("order.quantity", "must not be zero")
	}

	o := broker.OrderDraft{
		Action:      types.SideLong,
		Quantity:    abs(p.Quantity),
		OrderType:   broker.OrderTypeMarket,
		TimeInForce: p.TIF,
		ParentID:    p.ParentID,
		OCAGroup:    p.OCAGroup,
		OCAType:     p.OCAType,
		Transmit:    !p.Hold,
		OutsideRTH:  p.OutsideRTH || e.cfg.OutsideRTH,
		AllOrNone:   p.AllOrNone,
		Hidden:      p.Hidden,
		Account:     p.Account,
	}
	if p.Quantity < 0 {
		o.Action = types.SideShort
	}
	if o.TimeInForce == "" {
		o.TimeInForce = e.cfg.DefaultTIF
	}
	if o.OCAGroup != "" && o.OCAType == 0 {
		o.OCAType = broker.OCAReduceNoBlock
	}

	switch {
	case p.TrailAmount.IsPositive() || p.TrailPercent.IsPositive():
		o.OrderType = broker.OrderTypeTrailStop
		o.AuxPrice = p.TrailAmount
		o.TrailingPercent = p.TrailPercent
		o.TrailStopPrice = p.Stop
	case p.Stop.IsPositive() && p.Price.IsPositive():
		o.OrderType = broker.OrderTypeStopLimit
		o.AuxPrice = p.Stop
		o.LimitPrice = p.Price
	case p.Stop.IsPositive():
		o.OrderType = broker.OrderTypeStop
		o.AuxPrice = p.Stop
	case p.Price.IsPositive():
		o.OrderType = broker.OrderTypeLimit
		o.LimitPrice = p.Price
	}

	if err := o.Validate(); err != nil {
		return broker.OrderDraft{}, err
	}
	return o, nil
}

// PlaceOrder submits o for c under a freshly allocated order id. A
// non-empty account overrides the draft's account.
func (e *Engine) PlaceOrder(ctx context.Context, c broker.Contract, o broker.OrderDraft, account string) (int64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	if err := o.Validate(); err != nil {
		return 0, err
	}
	if err := e.checkRunning(); err != nil {
		return 0, err
	}
	if account != "" {
		o.Account = account
	}

	entry, err := e.RegisterContract(c)
	if err != nil {
		return 0, err
	}

	id, err := e.ids.next(ctx)
	if err != nil {
		return 0, err
	}
	if err := e.submitOrder(ctx, id, entry.Contract, o); err != nil {
		return 0, err
	}
	return id, nil
}

func (e *Engine) submitOrder(ctx context.Context, id int64, c broker.Contract, o broker.OrderDraft) error {
	e.reconciler.TrackOrder(id, c, o)
	if err := e.out.submit(ctx, broker.Request{Kind: broker.RequestPlaceOrder, ID: id, Contract: c, Order: o}); err != nil {
		return fmt.Errorf("place order %d: %w", id, err)
	}

	e.logger.Info("order placed",
		"order_id", id,
		"symbol", broker.ContractString(c),
		"action", o.Action.Action(),
		"type", string(o.OrderType),
		"quantity", o.Quantity,
		"limit", o.LimitPrice.String(),
		"stop", o.AuxPrice.String(),
		"parent_id", o.ParentID,
		"transmit", o.Transmit,
	)
	return nil
}

// CreateBracketOrder places an entry with optional target and stop legs
// in one OCA group. Every leg but the last is held so the gateway
// activates the group atomically. If a leg fails to send, the legs already
// sent are cancelled and the group is forgotten.
func (e *Engine) CreateBracketOrder(ctx context.Context, c broker.Contract, p BracketParams) (BracketOrder, error) {
	if err := c.Validate(); err != nil {
		return BracketOrder{}, err
	}
	if p.Quantity == 0 {
		return BracketOrder{}, types.Invalid("bracket.quantity", "must not be zero")
	}
	if p.Target.IsNegative() || p.Stop.IsNegative() || p.EntryPrice.IsNegative() {
		return BracketOrder{}, types.Invalid("bracket.price", "must not be negative")
	}
	trailing := p.TrailAmount.IsPositive() || p.TrailPercent.IsPositive()
	hasStop := p.Stop.IsPositive() || trailing
	hasTarget := p.Target.IsPositive()
	if p.Trigger != nil && !hasStop {
		return BracketOrder{}, types.Invalid("bracket.trigger", "needs a stop leg")
	}

	group := p.OCAGroup
	if group == "" {
		group = "bracket_" + uuid.NewString()
	}

	entry, err := e.CreateOrder(OrderParams{
		Quantity:   p.Quantity,
		Price:      p.EntryPrice,
		TIF:        p.TIF,
		OutsideRTH: p.OutsideRTH,
		Hold:       hasTarget || hasStop,
		Account:    p.Account,
	})
	if err != nil {
		return BracketOrder{}, err
	}

	var target, stop broker.OrderDraft
	if hasTarget {
		target, err = e.CreateOrder(OrderParams{
			Quantity:   -p.Quantity,
			Price:      p.Target,
			TIF:        p.TIF,
			OutsideRTH: p.OutsideRTH,
			Hold:       hasStop,
			OCAGroup:   group,
			Account:    p.Account,
		})
		if err != nil {
			return BracketOrder{}, err
		}
		if p.TargetType != "" {
			target.OrderType = p.TargetType
			if err := target.Validate(); err != nil {
				return BracketOrder{}, err
			}
		}
	}
	if hasStop {
		sp := OrderParams{
			Quantity:     -p.Quantity,
			Stop:         p.Stop,
			TrailAmount:  p.TrailAmount,
			TrailPercent: p.TrailPercent,
			TIF:          p.TIF,
			OutsideRTH:   p.OutsideRTH,
			OCAGroup:     group,
			Account:      p.Account,
		}
		if p.StopLimit && !trailing {
			sp.Price = p.Stop
		}
		stop, err = e.CreateOrder(sp)
		if err != nil {
			return BracketOrder{}, err
		}
	}

	if err := e.checkRunning(); err != nil {
		return BracketOrder{}, err
	}
	resolved, err := e.RegisterContract(c)
	if err != nil {
		return BracketOrder{}, err
	}
	c = resolved.Contract

	out := BracketOrder{OCAGroup: group}
	if out.EntryID, err = e.ids.next(ctx); err != nil {
		return BracketOrder{}, err
	}
	if hasTarget {
		if out.TargetID, err = e.ids.next(ctx); err != nil {
			return BracketOrder{}, err
		}
		target.ParentID = out.EntryID
	}
	if hasStop {
		if out.StopID, err = e.ids.next(ctx); err != nil {
			return BracketOrder{}, err
		}
		stop.ParentID = out.EntryID
	}

	e.reconciler.TrackBracket(reconciler.Bracket{
		ParentID: out.EntryID,
		TargetID: out.TargetID,
		StopID:   out.StopID,
		Symbol:   resolved.Symbol,
		OCAGroup: group,
	})

	type leg struct {
		id    int64
		draft broker.OrderDraft
	}
	legs := []leg{{out.EntryID, entry}}
	if hasTarget {
		legs = append(legs, leg{out.TargetID, target})
	}
	if hasStop {
		legs = append(legs, leg{out.StopID, stop})
	}
	for i, l := range legs {
		if err := e.submitOrder(ctx, l.id, c, l.draft); err != nil {
			unsent := make([]int64, 0, len(legs)-i)
			for _, u := range legs[i:] {
				unsent = append(unsent, u.id)
			}
			e.abandonBracket(out.EntryID, i > 0, unsent)
			return BracketOrder{}, err
		}
	}

	e.logger.Info("bracket placed",
		"symbol", resolved.Symbol,
		"group", group,
		"entry_id", out.EntryID,
		"target_id", out.TargetID,
		"stop_id", out.StopID,
	)

	if p.Trigger != nil {
		tp := *p.Trigger
		tp.Symbol = resolved.Symbol
		tp.ParentID = out.EntryID
		tp.StopOrderID = out.StopID
		tp.Quantity = stop.SignedQuantity()
		id, err := e.RegisterTriggerableTrailingStop(tp)
		if err != nil {
			return out, err
		}
		out.TriggerID = id
	}
	return out, nil
}

// abandonBracket rolls back a bracket whose placement failed part way.
// Cancelling a sent entry also cancels its attached legs at the gateway.
func (e *Engine) abandonBracket(entryID int64, entrySent bool, unsent []int64) {
	e.reconciler.DropBracket(entryID, unsent...)
	if entrySent {
		e.out.enqueue(broker.Request{Kind: broker.RequestCancelOrder, ID: entryID})
	}
	e.logger.Warn("bracket placement abandoned",
		"entry_id", entryID,
		"entry_sent", entrySent,
		"unsent", unsent,
	)
}

// ModifyStopOrder re-places orderID as a stop at newStop for the signed
// quantity. The gateway treats a place with an existing id as a
// modification, so the returned id is orderID.
func (e *Engine) ModifyStopOrder(ctx context.Context, orderID, parentID int64, newStop decimal.Decimal, quantity int64) (int64, error) {
	if !newStop.IsPositive() {
		return 0, types.Invalid("order.stop_price", "must be positive")
	}
	if quantity == 0 {
		return 0, types.Invalid("order.quantity", "must not be zero")
	}
	if err := e.checkRunning(); err != nil {
		return 0, err
	}

	rec, ok := e.reconciler.Order(orderID)
	if !ok {
		return 0, fmt.Errorf("%w: %d", types.ErrUnknownOrder, orderID)
	}

	o := stopDraft(rec.Order, newStop, quantity)
	o.ParentID = parentID
	if err := e.submitOrder(ctx, orderID, rec.Contract, o); err != nil {
		return 0, err
	}
	return orderID, nil
}

// stopDraft derives a transmitted stop from base. A stop-limit keeps its
// limit offset from the stop.
func stopDraft(base broker.OrderDraft, newStop decimal.Decimal, quantity int64) broker.OrderDraft {
	o := base
	if o.OrderType == broker.OrderTypeStopLimit {
		o.LimitPrice = newStop.Add(base.LimitPrice.Sub(base.AuxPrice))
	} else {
		o.OrderType = broker.OrderTypeStop
		o.LimitPrice = decimal.Zero
	}
	o.AuxPrice = newStop
	o.TrailingPercent = decimal.Zero
	o.TrailStopPrice = decimal.Zero
	o.Quantity = abs(quantity)
	o.Action = types.SideLong
	if quantity < 0 {
		o.Action = types.SideShort
	}
	o.Transmit = true
	return o
}

// CancelOrder asks the gateway to cancel orderID. The request is one-way:
// a fill that races the cancel is authoritative.
func (e *Engine) CancelOrder(ctx context.Context, orderID int64) error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	if err := e.out.submit(ctx, broker.Request{Kind: broker.RequestCancelOrder, ID: orderID}); err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	e.logger.Info("order cancel requested", "order_id", orderID)
	return nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
