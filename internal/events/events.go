// Package events defines the closed set of typed domain events produced from
// gateway callbacks and derived by the reconciler and trigger engine.
package events

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/types"
)

// Kind identifies an event variant.
type Kind int

const (
	KindTick Kind = iota + 1
	KindDepth
	KindOrderStatus
	KindOpenOrder
	KindExecution
	KindPosition
	KindPortfolio
	KindAccountValue
	KindContractDetails
	KindContractDetailsEnd
	KindNextValidID
	KindSnapshotEnd
	KindConnectionLost
	KindConnectionRestored
	KindError
	KindOrderFilled
	KindBracketClosed
	KindTriggerFired
)

func (k Kind) String() string {
	switch k {
	case KindTick:
		return "tick_update"
	case KindDepth:
		return "depth_update"
	case KindOrderStatus:
		return "order_status_changed"
	case KindOpenOrder:
		return "open_order_reported"
	case KindExecution:
		return "execution_reported"
	case KindPosition:
		return "position_changed"
	case KindPortfolio:
		return "portfolio_changed"
	case KindAccountValue:
		return "account_value_changed"
	case KindContractDetails:
		return "contract_details_received"
	case KindContractDetailsEnd:
		return "contract_details_end"
	case KindNextValidID:
		return "next_valid_id"
	case KindSnapshotEnd:
		return "snapshot_end"
	case KindConnectionLost:
		return "connection_lost"
	case KindConnectionRestored:
		return "connection_restored"
	case KindError:
		return "error_occurred"
	case KindOrderFilled:
		return "order_filled"
	case KindBracketClosed:
		return "bracket_closed"
	case KindTriggerFired:
		return "trigger_fired"
	default:
		return "unknown"
	}
}

// ParseKind returns the kind named by s, as produced by Kind.String.
func ParseKind(s string) (Kind, bool) {
	for k := KindTick; k <= KindTriggerFired; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Event is one domain event.
type Event interface {
	Kind() Kind
	Time() time.Time
	Accept(v Visitor)
}

// Header carries the fields common to all events.
type Header struct {
	At time.Time `json:"time"`
}

// Time returns when the event was received or derived.
func (h Header) Time() time.Time { return h.At }

// TickUpdate carries exactly one market-data field update.
type TickUpdate struct {
	Header
	TickerID int64           `json:"ticker_id"`
	Symbol   string          `json:"symbol"`
	Field    TickField       `json:"field"`
	Source   GreekSource     `json:"source,omitempty"`
	Value    decimal.Decimal `json:"value"`
	Text     string          `json:"text,omitempty"`
}

// DepthUpdate is one order book row operation.
type DepthUpdate struct {
	Header
	TickerID  int64           `json:"ticker_id"`
	Symbol    string          `json:"symbol"`
	Position  int             `json:"position"`
	Operation DepthOperation  `json:"operation"`
	Side      DepthSide       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      int64           `json:"size"`
}

// OrderStatusChanged reports the gateway's view of one order.
type OrderStatusChanged struct {
	Header
	OrderID       int64             `json:"order_id"`
	Symbol        string            `json:"symbol,omitempty"`
	Status        types.OrderStatus `json:"status"`
	RawStatus     string            `json:"raw_status"`
	Filled        int64             `json:"filled"`
	Remaining     int64             `json:"remaining"`
	AvgFillPrice  decimal.Decimal   `json:"avg_fill_price"`
	LastFillPrice decimal.Decimal   `json:"last_fill_price"`
	PermID        int64             `json:"perm_id"`
	ParentID      int64             `json:"parent_id"`
	ClientID      int               `json:"client_id"`
	WhyHeld       string            `json:"why_held,omitempty"`
}

// OpenOrderReported is an open order as the gateway holds it.
type OpenOrderReported struct {
	Header
	OrderID   int64             `json:"order_id"`
	Symbol    string            `json:"symbol"`
	Contract  broker.Contract   `json:"contract"`
	Order     broker.OrderDraft `json:"order"`
	Status    types.OrderStatus `json:"status"`
	RawStatus string            `json:"raw_status"`
}

// ExecutionReported is one fill.
type ExecutionReported struct {
	Header
	ReqID     int64            `json:"req_id"`
	Execution broker.Execution `json:"execution"`
}

// PositionChanged replaces the position row for (contract, account).
type PositionChanged struct {
	Header
	Position broker.Position `json:"position"`
}

// PortfolioChanged replaces the portfolio row for (contract, account).
type PortfolioChanged struct {
	Header
	Entry broker.PortfolioEntry `json:"entry"`
}

// AccountValueChanged is one account key/value update.
type AccountValueChanged struct {
	Header
	Value broker.AccountValue `json:"value"`
}

// ContractDetailsReceived is one contract details row for a request.
type ContractDetailsReceived struct {
	Header
	ReqID   int64                  `json:"req_id"`
	Details broker.ContractDetails `json:"details"`
}

// ContractDetailsEnd closes a contract details answer.
type ContractDetailsEnd struct {
	Header
	ReqID int64 `json:"req_id"`
}

// NextValidID reports the next order id the gateway will accept.
type NextValidID struct {
	Header
	OrderID int64 `json:"order_id"`
}

// SnapshotKind names the snapshot a SnapshotEnd closes.
type SnapshotKind int

const (
	SnapshotOpenOrders SnapshotKind = iota + 1
	SnapshotPositions
	SnapshotAccount
	SnapshotExecutions
	SnapshotTicks
)

func (s SnapshotKind) String() string {
	switch s {
	case SnapshotOpenOrders:
		return "open_orders"
	case SnapshotPositions:
		return "positions"
	case SnapshotAccount:
		return "account"
	case SnapshotExecutions:
		return "executions"
	case SnapshotTicks:
		return "ticks"
	default:
		return "unknown"
	}
}

// SnapshotEnd marks the end of a snapshot download.
type SnapshotEnd struct {
	Header
	Snapshot SnapshotKind `json:"snapshot"`
	ID       int64        `json:"id,omitempty"`
	Account  string       `json:"account,omitempty"`
}

// ConnectionLost reports that the session can no longer reach the gateway.
type ConnectionLost struct {
	Header
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason"`
}

// ConnectionRestored reports that connectivity came back. DataLost is set
// when the gateway says subscriptions did not survive.
type ConnectionRestored struct {
	Header
	Code     int  `json:"code,omitempty"`
	DataLost bool `json:"data_lost"`
}

// ErrorOccurred carries an async-path error: gateway codes outside the
// benign list, protocol errors and duplicate bindings.
type ErrorOccurred struct {
	Header
	ReqID   int64  `json:"req_id"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// OrderFilled is derived when an order first reaches Filled.
type OrderFilled struct {
	Header
	OrderID      int64           `json:"order_id"`
	ParentID     int64           `json:"parent_id"`
	Symbol       string          `json:"symbol"`
	Side         types.Side      `json:"side"`
	Quantity     int64           `json:"quantity"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
}

// BracketClosed is derived once per bracket group when a non-entry leg, or
// an unfilled entry, reaches a terminal status.
type BracketClosed struct {
	Header
	ParentID int64             `json:"parent_id"`
	Symbol   string            `json:"symbol"`
	ClosedBy int64             `json:"closed_by"`
	Status   types.OrderStatus `json:"status"`
	Legs     []int64           `json:"legs"`
}

// TriggerFired is derived when a trigger registration replaces its stop.
type TriggerFired struct {
	Header
	TriggerID    string          `json:"trigger_id"`
	Symbol       string          `json:"symbol"`
	OldStopID    int64           `json:"old_stop_id"`
	NewStopID    int64           `json:"new_stop_id"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	LastPrice    decimal.Decimal `json:"last_price"`
	NewStop      decimal.Decimal `json:"new_stop"`
	Trailing     bool            `json:"trailing"`
}

func (*TickUpdate) Kind() Kind              { return KindTick }
func (*DepthUpdate) Kind() Kind             { return KindDepth }
func (*OrderStatusChanged) Kind() Kind      { return KindOrderStatus }
func (*OpenOrderReported) Kind() Kind       { return KindOpenOrder }
func (*ExecutionReported) Kind() Kind       { return KindExecution }
func (*PositionChanged) Kind() Kind         { return KindPosition }
func (*PortfolioChanged) Kind() Kind        { return KindPortfolio }
func (*AccountValueChanged) Kind() Kind     { return KindAccountValue }
func (*ContractDetailsReceived) Kind() Kind { return KindContractDetails }
func (*ContractDetailsEnd) Kind() Kind      { return KindContractDetailsEnd }
func (*NextValidID) Kind() Kind             { return KindNextValidID }
func (*SnapshotEnd) Kind() Kind             { return KindSnapshotEnd }
func (*ConnectionLost) Kind() Kind          { return KindConnectionLost }
func (*ConnectionRestored) Kind() Kind      { return KindConnectionRestored }
func (*ErrorOccurred) Kind() Kind           { return KindError }
func (*OrderFilled) Kind() Kind             { return KindOrderFilled }
func (*BracketClosed) Kind() Kind           { return KindBracketClosed }
func (*TriggerFired) Kind() Kind            { return KindTriggerFired }
