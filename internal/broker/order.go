package broker

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/types"
)

// OrderType represents the type of order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MKT"
	OrderTypeLimit     OrderType = "LMT"
	OrderTypeStop      OrderType = "STP"
	OrderTypeStopLimit OrderType = "STP LMT"
	OrderTypeTrailStop OrderType = "TRAIL"
)

// TimeInForce controls how long an order stays working.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFGTD TimeInForce = "GTD"
)

// Valid reports whether the time in force is one the gateway accepts.
func (t TimeInForce) Valid() bool {
	switch t {
	case TIFDay, TIFGTC, TIFIOC, TIFGTD:
		return true
	default:
		return false
	}
}

// OCA types. Type 2 proportionally reduces the remaining orders in the group.
const (
	OCACancelWithBlock = 1
	OCAReduceNoBlock   = 2
)

// OrderDraft is an unsubmitted order. Quantity is always positive; the
// direction lives in Action.
type OrderDraft struct {
	Action          types.Side
	Quantity        int64
	OrderType       OrderType
	LimitPrice      decimal.Decimal
	AuxPrice        decimal.Decimal // stop price, or trail amount for TRAIL
	TrailingPercent decimal.Decimal
	TrailStopPrice  decimal.Decimal
	TimeInForce     TimeInForce
	ParentID        int64
	OCAGroup        string
	OCAType         int
	Transmit        bool
	OutsideRTH      bool
	AllOrNone       bool
	Hidden          bool
	Account         string
}

// SignedQuantity returns the quantity with the direction applied.
func (o OrderDraft) SignedQuantity() int64 {
	if o.Action == types.SideShort {
		return -o.Quantity
	}
	return o.Quantity
}

// Validate checks the fields the gateway needs for the order type.
func (o OrderDraft) Validate() error {
	if o.Quantity <= 0 {
		return types.Invalid("order.quantity", "must be positive")
	}
	if o.Action != types.SideLong && o.Action != types.SideShort {
		return types.Invalid("order.action", "must be BUY or SELL")
	}
	if !o.TimeInForce.Valid() {
		return types.Invalid("order.tif", fmt.Sprintf("unsupported time in force %q", o.TimeInForce))
	}
	if o.LimitPrice.IsNegative() || o.AuxPrice.IsNegative() || o.TrailingPercent.IsNegative() {
		return types.Invalid("order.price", "must not be negative")
	}

	switch o.OrderType {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if !o.LimitPrice.IsPositive() {
			return types.Invalid("order.limit_price", "is required for LMT orders")
		}
	case OrderTypeStop:
		if !o.AuxPrice.IsPositive() {
			return types.Invalid("order.stop_price", "is required for STP orders")
		}
	case OrderTypeStopLimit:
		if !o.AuxPrice.IsPositive() || !o.LimitPrice.IsPositive() {
			return types.Invalid("order.stop_price", "STP LMT orders need stop and limit prices")
		}
	case OrderTypeTrailStop:
		if !o.AuxPrice.IsPositive() && !o.TrailingPercent.IsPositive() {
			return types.Invalid("order.trail", "TRAIL orders need a trail amount or percent")
		}
	default:
		return types.Invalid("order.type", fmt.Sprintf("unsupported order type %q", o.OrderType))
	}

	if o.ParentID < 0 {
		return types.Invalid("order.parent_id", "must not be negative")
	}

	return nil
}
