package wire

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/types"
)

// ExecTimeLayout is the execution timestamp layout.
const ExecTimeLayout = "20060102-15:04:05"

// inboundVersion is written as the first field of every inbound message.
const inboundVersion = 1

func inbound(msgID int) *Builder {
	return NewBuilder(msgID).Int(inboundVersion)
}

// Order appends the order block.
func (b *Builder) Order(o broker.OrderDraft) *Builder {
	return b.Str(o.Action.Action()).
		Int(o.Quantity).
		Str(string(o.OrderType)).
		Dec(o.LimitPrice).
		Dec(o.AuxPrice).
		Dec(o.TrailingPercent).
		Dec(o.TrailStopPrice).
		Str(string(o.TimeInForce)).
		Int(o.ParentID).
		Str(o.OCAGroup).
		Int(int64(o.OCAType)).
		Bool(o.Transmit).
		Bool(o.OutsideRTH).
		Bool(o.AllOrNone).
		Bool(o.Hidden).
		Str(o.Account)
}

// Order reads an order block written by Builder.Order.
func (r *Reader) Order() broker.OrderDraft {
	return broker.OrderDraft{
		Action:          types.SideFromAction(r.String("action")),
		Quantity:        r.Int64("quantity"),
		OrderType:       broker.OrderType(r.String("order_type")),
		LimitPrice:      r.Decimal("limit_price"),
		AuxPrice:        r.Decimal("aux_price"),
		TrailingPercent: r.Decimal("trailing_percent"),
		TrailStopPrice:  r.Decimal("trail_stop_price"),
		TimeInForce:     broker.TimeInForce(r.String("tif")),
		ParentID:        r.Int64("parent_id"),
		OCAGroup:        r.String("oca_group"),
		OCAType:         r.Int("oca_type"),
		Transmit:        r.Bool("transmit"),
		OutsideRTH:      r.Bool("outside_rth"),
		AllOrNone:       r.Bool("all_or_none"),
		Hidden:          r.Bool("hidden"),
		Account:         r.String("account"),
	}
}

// OrderStatusFields is the payload of an order status callback.
type OrderStatusFields struct {
	OrderID       int64
	Status        string
	Filled        int64
	Remaining     int64
	AvgFillPrice  decimal.Decimal
	PermID        int64
	ParentID      int64
	LastFillPrice decimal.Decimal
	ClientID      int
	WhyHeld       string
}

// OptionComputation is the payload of an option computation tick.
type OptionComputation struct {
	ImpliedVol decimal.Decimal
	Delta      decimal.Decimal
	OptPrice   decimal.Decimal
	PvDividend decimal.Decimal
	Gamma      decimal.Decimal
	Vega       decimal.Decimal
	Theta      decimal.Decimal
	UndPrice   decimal.Decimal
}

// TickPrice encodes a price tick.
func TickPrice(tickerID int64, field int, price decimal.Decimal, size int64, now time.Time) broker.RawCallback {
	return inbound(InTickPrice).Int(tickerID).Int(int64(field)).Dec(price).Int(size).Int(0).Callback(now)
}

// TickSize encodes a size tick.
func TickSize(tickerID int64, field int, size int64, now time.Time) broker.RawCallback {
	return inbound(InTickSize).Int(tickerID).Int(int64(field)).Int(size).Callback(now)
}

// TickGeneric encodes a generic numeric tick.
func TickGeneric(tickerID int64, field int, value decimal.Decimal, now time.Time) broker.RawCallback {
	return inbound(InTickGeneric).Int(tickerID).Int(int64(field)).Dec(value).Callback(now)
}

// TickString encodes a string tick.
func TickString(tickerID int64, field int, value string, now time.Time) broker.RawCallback {
	return inbound(InTickString).Int(tickerID).Int(int64(field)).Str(value).Callback(now)
}

// TickOptionComputationMsg encodes an option computation tick.
func TickOptionComputationMsg(tickerID int64, field int, oc OptionComputation, now time.Time) broker.RawCallback {
	return inbound(InTickOptionComputation).Int(tickerID).Int(int64(field)).
		Dec(oc.ImpliedVol).Dec(oc.Delta).Dec(oc.OptPrice).Dec(oc.PvDividend).
		Dec(oc.Gamma).Dec(oc.Vega).Dec(oc.Theta).Dec(oc.UndPrice).
		Callback(now)
}

// MarketDepth encodes a depth row update. Side 1 is bid, 0 is ask.
func MarketDepth(tickerID int64, position, operation, side int, price decimal.Decimal, size int64, now time.Time) broker.RawCallback {
	return inbound(InMarketDepth).Int(tickerID).Int(int64(position)).Int(int64(operation)).
		Int(int64(side)).Dec(price).Int(size).Callback(now)
}

// OrderStatus encodes an order status callback.
func OrderStatus(f OrderStatusFields, now time.Time) broker.RawCallback {
	return inbound(InOrderStatus).Int(f.OrderID).Str(f.Status).Int(f.Filled).Int(f.Remaining).
		Dec(f.AvgFillPrice).Int(f.PermID).Int(f.ParentID).Dec(f.LastFillPrice).
		Int(int64(f.ClientID)).Str(f.WhyHeld).Callback(now)
}

// OpenOrder encodes an open order callback.
func OpenOrder(orderID int64, c broker.Contract, o broker.OrderDraft, status string, now time.Time) broker.RawCallback {
	return inbound(InOpenOrder).Int(orderID).Contract(c).Order(o).Str(status).Callback(now)
}

// OpenOrderEnd encodes the end of an open order snapshot.
func OpenOrderEnd(now time.Time) broker.RawCallback {
	return inbound(InOpenOrderEnd).Callback(now)
}

// ErrMsg encodes an error callback. id is -1 for session-level messages.
func ErrMsg(id int64, code int, msg string, now time.Time) broker.RawCallback {
	return inbound(InErrMsg).Int(id).Int(int64(code)).Str(msg).Callback(now)
}

// AcctValue encodes an account value update.
func AcctValue(key, value, currency, account string, now time.Time) broker.RawCallback {
	return inbound(InAcctValue).Str(key).Str(value).Str(currency).Str(account).Callback(now)
}

// AcctUpdateTime encodes an account update timestamp (HH:MM).
func AcctUpdateTime(stamp string, now time.Time) broker.RawCallback {
	return inbound(InAcctUpdateTime).Str(stamp).Callback(now)
}

// AcctDownloadEnd encodes the end of an account snapshot.
func AcctDownloadEnd(account string, now time.Time) broker.RawCallback {
	return inbound(InAcctDownloadEnd).Str(account).Callback(now)
}

// PortfolioValue encodes a portfolio update.
func PortfolioValue(p broker.PortfolioEntry, now time.Time) broker.RawCallback {
	return inbound(InPortfolioValue).Contract(p.Contract).Int(p.Quantity).
		Dec(p.MarketPrice).Dec(p.MarketValue).Dec(p.AvgCost).
		Dec(p.UnrealizedPnL).Dec(p.RealizedPnL).Str(p.Account).Callback(now)
}

// Position encodes a position update.
func Position(account string, c broker.Contract, qty int64, avgCost decimal.Decimal, now time.Time) broker.RawCallback {
	return inbound(InPosition).Str(account).Contract(c).Int(qty).Dec(avgCost).Callback(now)
}

// PositionEnd encodes the end of a position snapshot.
func PositionEnd(now time.Time) broker.RawCallback {
	return inbound(InPositionEnd).Callback(now)
}

// NextValidID encodes the next valid order id.
func NextValidID(id int64, now time.Time) broker.RawCallback {
	return inbound(InNextValidID).Int(id).Callback(now)
}

// ContractData encodes one contract details row.
func ContractData(reqID int64, d broker.ContractDetails, now time.Time) broker.RawCallback {
	return inbound(InContractData).Int(reqID).Contract(d.Contract).
		Str(d.MarketName).Dec(d.MinTick).Str(d.LongName).Str(d.ContractMonth).
		Str(d.TimeZoneID).Str(d.TradingHours).Str(d.LiquidHours).Int(d.UnderConID).
		Str(d.ValidExchanges).Str(d.OrderTypes).Callback(now)
}

// ContractDataEnd encodes the end of a contract details answer.
func ContractDataEnd(reqID int64, now time.Time) broker.RawCallback {
	return inbound(InContractDataEnd).Int(reqID).Callback(now)
}

// ExecutionData encodes one execution.
func ExecutionData(reqID int64, e broker.Execution, now time.Time) broker.RawCallback {
	side := "BOT"
	if e.Side == types.SideShort {
		side = "SLD"
	}
	return inbound(InExecutionData).Int(reqID).Int(e.OrderID).Contract(e.Contract).
		Str(e.ExecID).Str(e.Time.UTC().Format(ExecTimeLayout)).Str(e.Account).Str(e.Exchange).
		Str(side).Int(e.Shares).Dec(e.Price).Int(e.PermID).Int(int64(e.ClientID)).
		Int(e.CumQty).Dec(e.AvgPrice).Callback(now)
}

// ExecutionDataEnd encodes the end of an execution snapshot.
func ExecutionDataEnd(reqID int64, now time.Time) broker.RawCallback {
	return inbound(InExecutionDataEnd).Int(reqID).Callback(now)
}

// StartAPI builds the startAPI message sent after the handshake.
func StartAPI(clientID int) *Builder {
	return NewBuilder(OutStartAPI).Int(2).Int(int64(clientID)).Str("")
}

// EncodeRequest builds the outbound message for req.
func EncodeRequest(req broker.Request) (*Builder, error) {
	switch req.Kind {
	case broker.RequestMarketData:
		return NewBuilder(OutReqMktData).Int(11).Int(req.ID).Contract(req.Contract).
			Str(req.GenericTicks).Bool(req.Snapshot), nil
	case broker.RequestCancelMarketData:
		return NewBuilder(OutCancelMktData).Int(1).Int(req.ID), nil
	case broker.RequestMarketDepth:
		return NewBuilder(OutReqMktDepth).Int(5).Int(req.ID).Contract(req.Contract).Int(int64(req.Rows)), nil
	case broker.RequestCancelMarketDepth:
		return NewBuilder(OutCancelMktDepth).Int(1).Int(req.ID), nil
	case broker.RequestContractDetails:
		return NewBuilder(OutReqContractData).Int(8).Int(req.ID).Contract(req.Contract), nil
	case broker.RequestPlaceOrder:
		return NewBuilder(OutPlaceOrder).Int(45).Int(req.ID).Contract(req.Contract).Order(req.Order), nil
	case broker.RequestCancelOrder:
		return NewBuilder(OutCancelOrder).Int(1).Int(req.ID), nil
	case broker.RequestNextIDs:
		return NewBuilder(OutReqIDs).Int(1).Int(1), nil
	case broker.RequestPositions:
		return NewBuilder(OutReqPositions).Int(1), nil
	case broker.RequestAccountUpdates:
		return NewBuilder(OutReqAcctData).Int(2).Bool(req.Subscribe).Str(req.Account), nil
	case broker.RequestOpenOrders:
		return NewBuilder(OutReqOpenOrders).Int(1), nil
	case broker.RequestExecutions:
		return NewBuilder(OutReqExecutions).Int(3).Int(req.ID), nil
	default:
		return nil, fmt.Errorf("unsupported request kind %d", req.Kind)
	}
}
