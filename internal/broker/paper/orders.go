package paper

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/broker/wire"
	"github.com/tathienbao/ibrecon/internal/types"
)

// order is one simulated working order.
type order struct {
	id        int64
	permID    int64
	symbol    string
	contract  broker.Contract
	draft     broker.OrderDraft
	status    types.OrderStatus
	held      bool // waiting for a transmitting order in its group
	filled    int64
	avgPrice  decimal.Decimal
	lastPrice decimal.Decimal
	trailStop decimal.Decimal
	triggered bool // stop-limit stop reached
}

func (o *order) rawStatus() string {
	switch o.status {
	case types.OrderStatusFilled:
		return "Filled"
	case types.OrderStatusCancelled:
		return "Cancelled"
	case types.OrderStatusRejected:
		return "Inactive"
	case types.OrderStatusPendingSubmit:
		return "PendingSubmit"
	}
	if o.held {
		return "PreSubmitted"
	}
	return "Submitted"
}

func (s *Session) emitStatus(o *order, now time.Time) {
	s.emit(wire.OrderStatus(wire.OrderStatusFields{
		OrderID:       o.id,
		Status:        o.rawStatus(),
		Filled:        o.filled,
		Remaining:     o.draft.Quantity - o.filled,
		AvgFillPrice:  o.avgPrice,
		PermID:        o.permID,
		ParentID:      o.draft.ParentID,
		LastFillPrice: o.lastPrice,
		ClientID:      s.clientID,
	}, now))
}

func (s *Session) placeOrder(req broker.Request, now time.Time) {
	if existing, ok := s.orders[req.ID]; ok {
		if existing.status.IsFinal() {
			s.emit(wire.ErrMsg(req.ID, codeDuplicateOrderID, "Duplicate order id", now))
			return
		}
		s.modifyOrder(existing, req, now)
		return
	}
	if req.ID <= 0 {
		s.emit(wire.ErrMsg(req.ID, codeDuplicateOrderID, "Duplicate order id", now))
		return
	}
	if err := req.Order.Validate(); err != nil {
		s.emit(wire.ErrMsg(req.ID, 321, fmt.Sprintf("Error validating request: %v", err), now))
		return
	}

	s.nextPerm++
	o := &order{
		id:       req.ID,
		permID:   s.nextPerm,
		symbol:   s.remember(req.Contract),
		contract: req.Contract,
		draft:    req.Order,
		status:   types.OrderStatusSubmitted,
		held:     !req.Order.Transmit,
	}
	if o.draft.Account == "" {
		o.draft.Account = s.cfg.Account
	}
	s.orders[o.id] = o
	if o.id >= s.nextID {
		s.nextID = o.id + 1
	}

	if req.Order.Transmit {
		s.release(o)
	}

	s.emit(wire.OpenOrder(o.id, o.contract, o.draft, o.rawStatus(), now))
	s.emitStatus(o, now)

	s.logger.Info("paper order placed",
		"order_id", o.id,
		"symbol", o.symbol,
		"action", o.draft.Action.Action(),
		"type", string(o.draft.OrderType),
		"quantity", o.draft.Quantity,
		"held", o.held,
	)

	if !o.held {
		if last, ok := s.prices[o.symbol]; ok {
			s.match(o.symbol, last, now)
		}
	}
}

// release transmits the held parent of o and its held siblings.
func (s *Session) release(o *order) {
	o.held = false
	if o.draft.ParentID == 0 {
		return
	}
	for _, other := range s.orders {
		if other.id == o.draft.ParentID || other.draft.ParentID == o.draft.ParentID {
			other.held = false
		}
	}
}

func (s *Session) modifyOrder(o *order, req broker.Request, now time.Time) {
	o.draft.LimitPrice = req.Order.LimitPrice
	o.draft.AuxPrice = req.Order.AuxPrice
	o.draft.TrailingPercent = req.Order.TrailingPercent
	o.draft.TrailStopPrice = req.Order.TrailStopPrice
	if req.Order.Quantity > o.filled {
		o.draft.Quantity = req.Order.Quantity
	}
	if req.Order.Transmit {
		s.release(o)
	}

	s.emit(wire.OpenOrder(o.id, o.contract, o.draft, o.rawStatus(), now))
	s.emitStatus(o, now)

	if last, ok := s.prices[o.symbol]; ok {
		s.match(o.symbol, last, now)
	}
}

func (s *Session) cancelOrder(id int64, now time.Time) {
	o, ok := s.orders[id]
	if !ok || o.status.IsFinal() {
		s.emit(wire.ErrMsg(id, codeOrderNotFound, fmt.Sprintf("Can't find order with id =%d", id), now))
		return
	}

	s.cancel(o, now)

	// Children of a cancelled parent go with it.
	for _, child := range s.sortedOrders() {
		if child.draft.ParentID == id && !child.status.IsFinal() {
			s.cancel(child, now)
		}
	}
}

func (s *Session) cancel(o *order, now time.Time) {
	o.status = types.OrderStatusCancelled
	s.emit(wire.ErrMsg(o.id, codeOrderCancelled, "Order Canceled - reason:", now))
	s.emitStatus(o, now)
	s.logger.Info("paper order cancelled", "order_id", o.id)
}

// active reports whether o may fill: transmitted, working, and with its
// parent filled.
func (s *Session) active(o *order) bool {
	if o.held || o.status.IsFinal() {
		return false
	}
	if o.draft.ParentID != 0 {
		parent, ok := s.orders[o.draft.ParentID]
		if !ok || parent.status != types.OrderStatusFilled {
			return false
		}
	}
	return true
}

// match fills every active order for symbol that price reaches. Fills can
// activate children, so it repeats until nothing changes.
func (s *Session) match(symbol string, price decimal.Decimal, now time.Time) {
	for {
		progressed := false
		for _, o := range s.sortedOrders() {
			if o.symbol != symbol || !s.active(o) {
				continue
			}
			fillPrice, ok := s.evaluate(o, price)
			if !ok {
				continue
			}
			s.fill(o, fillPrice, now)
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

// evaluate returns the fill price when o is marketable at price.
func (s *Session) evaluate(o *order, price decimal.Decimal) (decimal.Decimal, bool) {
	buy := o.draft.Action == types.SideLong
	d := o.draft

	switch d.OrderType {
	case broker.OrderTypeMarket:
		return s.slip(o, price), true

	case broker.OrderTypeLimit:
		if buy && price.LessThanOrEqual(d.LimitPrice) || !buy && price.GreaterThanOrEqual(d.LimitPrice) {
			return d.LimitPrice, true
		}

	case broker.OrderTypeStop:
		if buy && price.GreaterThanOrEqual(d.AuxPrice) || !buy && price.LessThanOrEqual(d.AuxPrice) {
			return s.slip(o, price), true
		}

	case broker.OrderTypeStopLimit:
		if !o.triggered && (buy && price.GreaterThanOrEqual(d.AuxPrice) || !buy && price.LessThanOrEqual(d.AuxPrice)) {
			o.triggered = true
		}
		if o.triggered && (buy && price.LessThanOrEqual(d.LimitPrice) || !buy && price.GreaterThanOrEqual(d.LimitPrice)) {
			return d.LimitPrice, true
		}

	case broker.OrderTypeTrailStop:
		trail := d.AuxPrice
		if !trail.IsPositive() {
			trail = price.Mul(d.TrailingPercent).Div(decimal.NewFromInt(100))
		}
		candidate := price.Sub(trail)
		if buy {
			candidate = price.Add(trail)
		}
		switch {
		case o.trailStop.IsZero() && d.TrailStopPrice.IsPositive():
			o.trailStop = d.TrailStopPrice
		case o.trailStop.IsZero():
			o.trailStop = candidate
		case buy && candidate.LessThan(o.trailStop), !buy && candidate.GreaterThan(o.trailStop):
			o.trailStop = candidate
		}
		if buy && price.GreaterThanOrEqual(o.trailStop) || !buy && price.LessThanOrEqual(o.trailStop) {
			return s.slip(o, price), true
		}
	}
	return decimal.Zero, false
}

func (s *Session) slip(o *order, price decimal.Decimal) decimal.Decimal {
	if s.cfg.SlippageTicks == 0 {
		return price
	}
	slippage := s.tickSizes[o.symbol].Mul(decimal.NewFromInt(int64(s.cfg.SlippageTicks)))
	if o.draft.Action == types.SideLong {
		return price.Add(slippage)
	}
	return price.Sub(slippage)
}

// fill completes o at price and applies OCA cancellation.
func (s *Session) fill(o *order, price decimal.Decimal, now time.Time) {
	qty := o.draft.Quantity - o.filled
	o.filled = o.draft.Quantity
	o.avgPrice = price
	o.lastPrice = price
	o.status = types.OrderStatusFilled

	s.nextExec++
	exec := broker.Execution{
		ExecID:   fmt.Sprintf("%08x.%02d", o.permID, s.nextExec),
		OrderID:  o.id,
		PermID:   o.permID,
		ClientID: s.clientID,
		Symbol:   o.symbol,
		Contract: o.contract,
		Account:  o.draft.Account,
		Exchange: o.contract.Exchange,
		Side:     o.draft.Action,
		Shares:   qty,
		Price:    price,
		CumQty:   o.filled,
		AvgPrice: price,
		Time:     now,
	}
	s.execs = append(s.execs, exec)

	commission := s.cfg.CommissionPerSide.Mul(decimal.NewFromInt(qty))
	s.cash = s.cash.Sub(commission)

	s.emit(wire.ExecutionData(-1, exec, now))
	s.emitStatus(o, now)

	p := s.updatePosition(o, qty, price)
	s.emit(wire.Position(s.cfg.Account, p.contract, p.qty, p.avgCost, now))
	if s.acctSub {
		s.accountSnapshot(now)
	}

	s.logger.Info("paper order filled",
		"order_id", o.id,
		"symbol", o.symbol,
		"action", o.draft.Action.Action(),
		"quantity", qty,
		"price", price.String(),
		"commission", commission.String(),
	)

	if o.draft.OCAGroup == "" {
		return
	}
	for _, other := range s.sortedOrders() {
		if other.id != o.id && other.draft.OCAGroup == o.draft.OCAGroup && !other.status.IsFinal() && s.active(other) {
			s.cancel(other, now)
		}
	}
}

// updatePosition applies a fill to the position and realizes P&L on the
// closed part.
func (s *Session) updatePosition(o *order, qty int64, price decimal.Decimal) *position {
	signed := qty
	if o.draft.Action == types.SideShort {
		signed = -qty
	}

	p, ok := s.positions[o.symbol]
	if !ok {
		p = &position{contract: o.contract, symbol: o.symbol}
		s.positions[o.symbol] = p
	}

	mult := decimal.NewFromInt(s.multiplier(o.contract))
	switch {
	case p.qty == 0 || (p.qty > 0) == (signed > 0):
		total := p.avgCost.Mul(decimal.NewFromInt(abs(p.qty))).Add(price.Mul(decimal.NewFromInt(qty)))
		p.qty += signed
		p.avgCost = total.Div(decimal.NewFromInt(abs(p.qty)))
	default:
		closed := min(abs(signed), abs(p.qty))
		pnl := price.Sub(p.avgCost).Mul(decimal.NewFromInt(closed)).Mul(mult)
		if p.qty < 0 {
			pnl = pnl.Neg()
		}
		p.realized = p.realized.Add(pnl)
		s.cash = s.cash.Add(pnl)

		p.qty += signed
		switch {
		case p.qty == 0:
			p.avgCost = decimal.Zero
		case abs(signed) > closed:
			p.avgCost = price
		}
	}
	return p
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
