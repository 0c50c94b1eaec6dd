// Package broker defines the gateway session contract and the instrument,
// order and account value types shared by every layer above it.
package broker

import (
	"context"
	"time"
)

// ConnectionState represents the gateway session connection state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MsgConnectionClosed is the synthetic message id a Session emits when its
// transport goes away. Gateway message ids are always positive.
const MsgConnectionClosed = -1

// RawCallback is one undecoded gateway callback: the message id and its
// positional string fields.
type RawCallback struct {
	MsgID    int
	Fields   []string
	Received time.Time
}

// ConnectParams identifies the gateway endpoint and API client.
type ConnectParams struct {
	Host     string
	Port     int
	ClientID int
	Account  string
}

// Session is the capability set the core needs from a gateway connection.
//
// Events returns one channel for the lifetime of the Session. It survives
// reconnects and is never closed; a transport loss that Disconnect did not
// request is delivered on it as a MsgConnectionClosed callback.
type Session interface {
	Connect(ctx context.Context, params ConnectParams) error
	SendRequest(ctx context.Context, req Request) error
	Events() <-chan RawCallback
	Disconnect() error
	State() ConnectionState
}

// RequestKind enumerates outbound request types.
type RequestKind int

const (
	RequestMarketData RequestKind = iota + 1
	RequestCancelMarketData
	RequestMarketDepth
	RequestCancelMarketDepth
	RequestContractDetails
	RequestPlaceOrder
	RequestCancelOrder
	RequestNextIDs
	RequestPositions
	RequestAccountUpdates
	RequestOpenOrders
	RequestExecutions
)

func (k RequestKind) String() string {
	switch k {
	case RequestMarketData:
		return "market_data"
	case RequestCancelMarketData:
		return "cancel_market_data"
	case RequestMarketDepth:
		return "market_depth"
	case RequestCancelMarketDepth:
		return "cancel_market_depth"
	case RequestContractDetails:
		return "contract_details"
	case RequestPlaceOrder:
		return "place_order"
	case RequestCancelOrder:
		return "cancel_order"
	case RequestNextIDs:
		return "next_ids"
	case RequestPositions:
		return "positions"
	case RequestAccountUpdates:
		return "account_updates"
	case RequestOpenOrders:
		return "open_orders"
	case RequestExecutions:
		return "executions"
	default:
		return "unknown"
	}
}

// Request is one outbound gateway request. ID is the ticker id, order id or
// request id depending on Kind; it is always allocated by the caller.
type Request struct {
	Kind         RequestKind
	ID           int64
	Contract     Contract
	Order        OrderDraft
	Account      string
	Subscribe    bool
	Rows         int
	GenericTicks string
	Snapshot     bool
}
