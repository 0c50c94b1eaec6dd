// Package types defines shared enums used across the reconciliation layer.
package types

import "strings"

// Side represents the direction of an order or position.
type Side int

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "LONG"
	case SideShort:
		return "SHORT"
	default:
		return "FLAT"
	}
}

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

// Action returns the gateway order action for the side.
func (s Side) Action() string {
	if s == SideShort {
		return "SELL"
	}
	return "BUY"
}

// SideFromQuantity maps a signed quantity to a side.
func SideFromQuantity(qty int64) Side {
	switch {
	case qty > 0:
		return SideLong
	case qty < 0:
		return SideShort
	default:
		return SideFlat
	}
}

// SideFromAction parses BUY/SELL and the execution forms BOT/SLD.
func SideFromAction(action string) Side {
	switch strings.ToUpper(action) {
	case "BUY", "BOT":
		return SideLong
	case "SELL", "SLD", "SSHORT":
		return SideShort
	default:
		return SideFlat
	}
}

// OrderStatus represents the state of an order.
type OrderStatus int

const (
	OrderStatusCreated OrderStatus = iota
	OrderStatusPendingSubmit
	OrderStatusSubmitted
	OrderStatusPartialFill
	OrderStatusPendingCancel
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusCreated:
		return "CREATED"
	case OrderStatusPendingSubmit:
		return "PENDING_SUBMIT"
	case OrderStatusSubmitted:
		return "SUBMITTED"
	case OrderStatusPartialFill:
		return "PARTIAL_FILL"
	case OrderStatusPendingCancel:
		return "PENDING_CANCEL"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if the order is in a terminal state.
func (s OrderStatus) IsFinal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// ParseOrderStatus maps a gateway status string to an OrderStatus.
// Unknown strings report ok=false.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pendingsubmit", "apipending":
		return OrderStatusPendingSubmit, true
	case "presubmitted", "submitted":
		return OrderStatusSubmitted, true
	case "partiallyfilled":
		return OrderStatusPartialFill, true
	case "pendingcancel":
		return OrderStatusPendingCancel, true
	case "filled":
		return OrderStatusFilled, true
	case "cancelled", "apicancelled":
		return OrderStatusCancelled, true
	case "inactive":
		return OrderStatusRejected, true
	default:
		return OrderStatusCreated, false
	}
}
