// Package trigger implements client-side triggerable trailing stops.
//
// A registration watches one symbol. When the last price crosses its
// trigger price the engine emits an Action describing the replacement stop;
// the caller performs the cancel-and-replace and reports back with
// MarkConsumed or Rearm.
package trigger

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/types"
)

// State is the lifecycle state of a registration.
type State int

const (
	StateArmed State = iota
	StateTriggered
	StateConsumed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateTriggered:
		return "triggered"
	case StateConsumed:
		return "consumed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Registration describes one triggerable stop.
type Registration struct {
	ID           string
	Symbol       string
	ParentID     int64 // zero when the watched stop has no entry order
	StopOrderID  int64
	Quantity     int64 // signed quantity of the stop: negative sells
	TriggerPrice decimal.Decimal
	TrailAmount  decimal.Decimal
	TrailPercent decimal.Decimal
	TickSize     decimal.Decimal
	Trail        bool // keep ratcheting after the first replacement
}

// Validate checks the registration fields.
func (r Registration) Validate() error {
	switch {
	case r.Symbol == "":
		return types.Invalid("trigger.symbol", "is required")
	case r.StopOrderID <= 0:
		return types.Invalid("trigger.stop_order_id", "is required")
	case r.Quantity == 0:
		return types.Invalid("trigger.quantity", "must not be zero")
	case !r.TriggerPrice.IsPositive():
		return types.Invalid("trigger.trigger_price", "must be positive")
	case r.TrailAmount.IsPositive() == r.TrailPercent.IsPositive():
		return types.Invalid("trigger.trail", "exactly one of trail amount and trail percent is required")
	case r.TrailAmount.IsNegative() || r.TrailPercent.IsNegative():
		return types.Invalid("trigger.trail", "must not be negative")
	case !r.TickSize.IsPositive():
		return types.Invalid("trigger.tick_size", "must be positive")
	}
	return nil
}

// Trigger is a read-only view of a registration and its state.
type Trigger struct {
	Registration
	State         State
	RegisteredAt  time.Time
	TriggeredAt   time.Time
	ReplacementID int64 // current stop order after consumption
	CurrentStop   decimal.Decimal
	Trailing      bool // ratchet still running
}

type trigger struct {
	Trigger
	pending bool // a ratchet modification is in flight
}

// Action asks the caller to replace StopOrderID with a stop at NewStop.
type Action struct {
	TriggerID    string
	Symbol       string
	ParentID     int64
	StopOrderID  int64
	Quantity     int64
	TriggerPrice decimal.Decimal
	LastPrice    decimal.Decimal
	NewStop      decimal.Decimal
	Ratchet      bool // running trail adjustment rather than the first fire
}

// OrderView is the read access the engine needs into reconciled state.
type OrderView interface {
	OrderStatus(orderID int64) (types.OrderStatus, bool)
	NetPosition(symbol string) int64
}

// Engine evaluates registrations against ticks.
type Engine struct {
	mu       sync.Mutex
	logger   *slog.Logger
	view     OrderView
	now      func() time.Time
	triggers map[string]*trigger
	bySymbol map[string][]string
}

// NewEngine creates an Engine reading order state from view.
func NewEngine(view OrderView, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:   logger.With("component", "trigger"),
		view:     view,
		now:      time.Now,
		triggers: make(map[string]*trigger),
		bySymbol: make(map[string][]string),
	}
}

// Register arms a registration and returns its id.
func (e *Engine) Register(reg Registration) (string, error) {
	if err := reg.Validate(); err != nil {
		return "", err
	}
	if reg.ID == "" {
		reg.ID = uuid.NewString()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.triggers[reg.ID]; ok {
		return "", types.Invalid("trigger.id", fmt.Sprintf("%s already registered", reg.ID))
	}

	e.triggers[reg.ID] = &trigger{Trigger: Trigger{
		Registration: reg,
		State:        StateArmed,
		RegisteredAt: e.now(),
	}}
	e.bySymbol[reg.Symbol] = append(e.bySymbol[reg.Symbol], reg.ID)

	e.logger.Info("trigger armed",
		"trigger_id", reg.ID,
		"symbol", reg.Symbol,
		"stop_order_id", reg.StopOrderID,
		"trigger_price", reg.TriggerPrice.String(),
	)
	return reg.ID, nil
}

// Cancel moves an armed or triggered registration to Cancelled and stops
// a running trail. It is a one-way signal.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.triggers[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrTriggerNotFound, id)
	}
	switch t.State {
	case StateArmed, StateTriggered:
		t.State = StateCancelled
	case StateConsumed:
		t.Trailing = false
	}
	e.logger.Info("trigger cancelled", "trigger_id", id)
	return nil
}

// OnTick evaluates every registration for symbol against last.
func (e *Engine) OnTick(symbol string, last decimal.Decimal) []Action {
	if !last.IsPositive() {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var actions []Action
	for _, id := range e.bySymbol[symbol] {
		t := e.triggers[id]
		switch t.State {
		case StateArmed:
			if a, ok := e.evaluateArmed(t, last); ok {
				actions = append(actions, a)
			}
		case StateConsumed:
			if a, ok := e.evaluateTrail(t, last); ok {
				actions = append(actions, a)
			}
		}
	}
	return actions
}

func (e *Engine) evaluateArmed(t *trigger, last decimal.Decimal) (Action, bool) {
	if t.ParentID != 0 {
		status, ok := e.view.OrderStatus(t.ParentID)
		switch {
		case !ok || status == types.OrderStatusCancelled || status == types.OrderStatusRejected:
			t.State = StateCancelled
			e.logger.Info("trigger cancelled, parent not filled", "trigger_id", t.ID, "parent_id", t.ParentID)
			return Action{}, false
		case status != types.OrderStatusFilled:
			return Action{}, false
		}
	}

	if !crossed(t.Quantity, last, t.TriggerPrice) {
		return Action{}, false
	}

	t.State = StateTriggered
	t.TriggeredAt = e.now()
	return Action{
		TriggerID:    t.ID,
		Symbol:       t.Symbol,
		ParentID:     t.ParentID,
		StopOrderID:  t.StopOrderID,
		Quantity:     t.Quantity,
		TriggerPrice: t.TriggerPrice,
		LastPrice:    last,
		NewStop:      StopPrice(t.Quantity, last, t.TrailAmount, t.TrailPercent, t.TickSize),
	}, true
}

func (e *Engine) evaluateTrail(t *trigger, last decimal.Decimal) (Action, bool) {
	if !t.Trailing || t.pending {
		return Action{}, false
	}

	if e.view.NetPosition(t.Symbol) == 0 {
		t.Trailing = false
		e.logger.Info("trailing stopped, position flat", "trigger_id", t.ID)
		return Action{}, false
	}
	if status, ok := e.view.OrderStatus(t.ReplacementID); ok && status.IsFinal() {
		t.Trailing = false
		e.logger.Info("trailing stopped, stop finished", "trigger_id", t.ID, "order_id", t.ReplacementID)
		return Action{}, false
	}

	candidate := StopPrice(t.Quantity, last, t.TrailAmount, t.TrailPercent, t.TickSize)
	if t.Quantity < 0 && !candidate.GreaterThan(t.CurrentStop) {
		return Action{}, false
	}
	if t.Quantity > 0 && !candidate.LessThan(t.CurrentStop) {
		return Action{}, false
	}

	t.pending = true
	return Action{
		TriggerID:    t.ID,
		Symbol:       t.Symbol,
		ParentID:     t.ParentID,
		StopOrderID:  t.ReplacementID,
		Quantity:     t.Quantity,
		TriggerPrice: t.TriggerPrice,
		LastPrice:    last,
		NewStop:      candidate,
		Ratchet:      true,
	}, true
}

// MarkConsumed records the replacement stop for a fired registration.
func (e *Engine) MarkConsumed(id string, newStopID int64, newStop decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.triggers[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrTriggerNotFound, id)
	}

	switch {
	case t.State == StateTriggered:
		t.State = StateConsumed
		t.Trailing = t.Trail
	case t.State == StateConsumed && t.pending:
		t.pending = false
	default:
		return fmt.Errorf("trigger %s is %s", id, t.State)
	}

	t.ReplacementID = newStopID
	t.CurrentStop = newStop

	e.logger.Info("trigger consumed",
		"trigger_id", id,
		"new_stop_id", newStopID,
		"new_stop", newStop.String(),
	)
	return nil
}

// Rearm returns a fired registration whose replacement failed to Armed so
// the next qualifying tick retries. A failed ratchet just clears its
// in-flight flag.
func (e *Engine) Rearm(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.triggers[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrTriggerNotFound, id)
	}

	switch {
	case t.State == StateTriggered:
		t.State = StateArmed
		t.TriggeredAt = time.Time{}
	case t.State == StateConsumed:
		t.pending = false
	}
	return nil
}

// OnOrderStatus cancels armed registrations whose parent finished unfilled
// or whose watched stop finished, cancels fired registrations whose stop
// finished before its replacement, and stops trails whose stop finished.
func (e *Engine) OnOrderStatus(orderID int64, status types.OrderStatus) {
	if !status.IsFinal() {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range e.triggers {
		switch t.State {
		case StateArmed:
			parentDead := t.ParentID == orderID && status != types.OrderStatusFilled
			if parentDead || t.StopOrderID == orderID {
				t.State = StateCancelled
				e.logger.Info("trigger cancelled by order status",
					"trigger_id", t.ID,
					"order_id", orderID,
					"status", status.String(),
				)
			}
		case StateTriggered:
			if t.StopOrderID == orderID {
				t.State = StateCancelled
				e.logger.Info("fired trigger cancelled by stop status",
					"trigger_id", t.ID,
					"order_id", orderID,
					"status", status.String(),
				)
			}
		case StateConsumed:
			if t.Trailing && t.ReplacementID == orderID {
				t.Trailing = false
			}
		}
	}
}

// Get returns one registration.
func (e *Engine) Get(id string) (Trigger, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.triggers[id]
	if !ok {
		return Trigger{}, false
	}
	return t.Trigger, true
}

// All returns every registration ordered by registration time.
func (e *Engine) All() []Trigger {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Trigger, 0, len(e.triggers))
	for _, t := range e.triggers {
		out = append(out, t.Trigger)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// Counts returns the number of registrations in each state.
func (e *Engine) Counts() map[State]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[State]int)
	for _, t := range e.triggers {
		out[t.State]++
	}
	return out
}

// crossed reports whether last has reached the trigger: sell stops fire on
// price falling to or through it, buy stops on rising.
func crossed(qty int64, last, triggerPrice decimal.Decimal) bool {
	if qty < 0 {
		return last.LessThanOrEqual(triggerPrice)
	}
	return last.GreaterThanOrEqual(triggerPrice)
}

// StopPrice returns the trailed stop for last, rounded to tick. Sell stops
// trail below the price, buy stops above.
func StopPrice(qty int64, last, amount, percent, tick decimal.Decimal) decimal.Decimal {
	trail := amount
	if !trail.IsPositive() {
		trail = last.Mul(percent).Div(decimal.NewFromInt(100))
	}

	stop := last.Add(trail)
	if qty < 0 {
		stop = last.Sub(trail)
	}
	return RoundToTick(stop, tick)
}

// RoundToTick rounds v to the nearest multiple of tick, half away from zero.
func RoundToTick(v, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return v
	}
	return v.Div(tick).Round(0).Mul(tick)
}
