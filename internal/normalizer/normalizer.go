// Package normalizer translates raw gateway callbacks into domain events.
package normalizer

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/broker/wire"
	"github.com/tathienbao/ibrecon/internal/events"
	"github.com/tathienbao/ibrecon/internal/types"
)

// Gateway error codes with special handling.
const (
	CodeConnectivityRestoredDataLost = 1101
	CodeConnectivityRestoredDataKept = 1102
)

var benignCodes = map[int]bool{
	-1: true, 202: true, 399: true,
	2100: true, 2104: true, 2106: true, 2107: true, 2108: true,
	2119: true, 2150: true, 2158: true,
	10167: true, 10168: true,
}

var disconnectCodes = map[int]bool{
	502: true, 504: true, 1100: true, 1300: true, 2110: true,
}

// IsBenign reports whether a gateway code is informational.
func IsBenign(code int) bool { return benignCodes[code] }

// IsDisconnect reports whether a gateway code means the session is gone.
func IsDisconnect(code int) bool { return disconnectCodes[code] }

// option computation values at or above this magnitude are "not computed"
var optionValueLimit = decimal.NewFromInt(1_000_000_000)

// Normalizer converts RawCallbacks to events. It holds no state.
type Normalizer struct {
	logger *slog.Logger
}

// New creates a Normalizer.
func New(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{logger: logger.With("component", "normalizer")}
}

// Normalize decodes one callback. It returns no events for callbacks that
// carry nothing to reconcile, and a *types.ProtocolError for malformed ones.
func (n *Normalizer) Normalize(cb broker.RawCallback) ([]events.Event, error) {
	at := cb.Received
	if at.IsZero() {
		at = time.Now()
	}
	h := events.Header{At: at}

	if cb.MsgID == broker.MsgConnectionClosed {
		reason := "connection closed"
		if len(cb.Fields) > 0 && cb.Fields[0] != "" {
			reason = cb.Fields[0]
		}
		return one(&events.ConnectionLost{Header: h, Reason: reason}), nil
	}

	r := wire.NewReader(cb)
	r.Skip(1) // version

	var out []events.Event
	switch cb.MsgID {
	case wire.InTickPrice:
		out = n.tickPrice(r, h)
	case wire.InTickSize:
		out = n.tickSize(r, h)
	case wire.InTickGeneric:
		out = n.tickGeneric(r, h)
	case wire.InTickString:
		out = n.tickString(r, h)
	case wire.InTickOptionComputation:
		out = n.optionComputation(r, h)
	case wire.InMarketDepth:
		out = n.marketDepth(r, h)
	case wire.InOrderStatus:
		out = n.orderStatus(r, h)
	case wire.InOpenOrder:
		out = n.openOrder(r, h)
	case wire.InOpenOrderEnd:
		out = one(&events.SnapshotEnd{Header: h, Snapshot: events.SnapshotOpenOrders})
	case wire.InErrMsg:
		out = n.errMsg(r, h)
	case wire.InAcctValue:
		out = n.acctValue(r, h)
	case wire.InAcctDownloadEnd:
		out = one(&events.SnapshotEnd{Header: h, Snapshot: events.SnapshotAccount, Account: r.String("account")})
	case wire.InPortfolioValue:
		out = n.portfolioValue(r, h)
	case wire.InPosition:
		out = n.position(r, h)
	case wire.InPositionEnd:
		out = one(&events.SnapshotEnd{Header: h, Snapshot: events.SnapshotPositions})
	case wire.InNextValidID:
		out = one(&events.NextValidID{Header: h, OrderID: r.Int64("order_id")})
	case wire.InContractData:
		out = n.contractData(r, h)
	case wire.InContractDataEnd:
		out = one(&events.ContractDetailsEnd{Header: h, ReqID: r.Int64("req_id")})
	case wire.InExecutionData:
		out = n.executionData(r, h)
	case wire.InExecutionDataEnd:
		out = one(&events.SnapshotEnd{Header: h, Snapshot: events.SnapshotExecutions, ID: r.Int64("req_id")})
	case wire.InTickSnapshotEnd:
		out = one(&events.SnapshotEnd{Header: h, Snapshot: events.SnapshotTicks, ID: r.Int64("req_id")})
	case wire.InAcctUpdateTime, wire.InManagedAccounts, wire.InCurrentTime:
		return nil, nil
	default:
		n.logger.Debug("unhandled message type", "msg_id", cb.MsgID)
		return nil, nil
	}

	if err := r.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func one(ev events.Event) []events.Event {
	return []events.Event{ev}
}

func (n *Normalizer) tickPrice(r *wire.Reader, h events.Header) []events.Event {
	tickerID := r.Int64("ticker_id")
	field := events.TickField(r.Int("field"))
	price := r.Decimal("price")
	if price.IsNegative() {
		return nil
	}
	return one(&events.TickUpdate{Header: h, TickerID: tickerID, Field: field, Value: price})
}

func (n *Normalizer) tickSize(r *wire.Reader, h events.Header) []events.Event {
	tickerID := r.Int64("ticker_id")
	field := events.TickField(r.Int("field"))
	size := r.Decimal("size")
	if size.IsNegative() {
		return nil
	}
	return one(&events.TickUpdate{Header: h, TickerID: tickerID, Field: field, Value: size})
}

func (n *Normalizer) tickGeneric(r *wire.Reader, h events.Header) []events.Event {
	tickerID := r.Int64("ticker_id")
	field := events.TickField(r.Int("field"))
	value := r.Decimal("value")
	return one(&events.TickUpdate{Header: h, TickerID: tickerID, Field: field, Value: value})
}

func (n *Normalizer) tickString(r *wire.Reader, h events.Header) []events.Event {
	tickerID := r.Int64("ticker_id")
	field := events.TickField(r.Int("field"))
	text := r.String("value")
	if r.Err() != nil {
		return nil
	}

	switch field {
	case events.FieldRTVolume:
		return expandRTVolume(h, tickerID, text)
	case events.FieldLastTimestamp:
		secs, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil
		}
		return one(&events.TickUpdate{Header: h, TickerID: tickerID, Field: field, Value: decimal.NewFromInt(secs), Text: text})
	default:
		return one(&events.TickUpdate{Header: h, TickerID: tickerID, Field: field, Text: text})
	}
}

// expandRTVolume splits "price;size;time;volume;wap;single" into last, last
// size, volume and timestamp updates. Empty parts are skipped.
func expandRTVolume(h events.Header, tickerID int64, text string) []events.Event {
	parts := strings.Split(text, ";")
	if len(parts) < 4 {
		return nil
	}

	var out []events.Event
	add := func(field events.TickField, raw string) {
		if raw == "" {
			return
		}
		v, err := decimal.NewFromString(raw)
		if err != nil || v.IsNegative() {
			return
		}
		out = append(out, &events.TickUpdate{Header: h, TickerID: tickerID, Field: field, Value: v, Text: text})
	}

	add(events.FieldLast, parts[0])
	add(events.FieldLastSize, parts[1])
	add(events.FieldVolume, parts[3])
	if ms, err := strconv.ParseInt(parts[2], 10, 64); err == nil {
		out = append(out, &events.TickUpdate{Header: h, TickerID: tickerID, Field: events.FieldLastTimestamp, Value: decimal.NewFromInt(ms / 1000), Text: text})
	}
	return out
}

func greekSource(field int) events.GreekSource {
	switch field {
	case 10:
		return events.SourceBid
	case 11:
		return events.SourceAsk
	case 12:
		return events.SourceLast
	default:
		return events.SourceModel
	}
}

func (n *Normalizer) optionComputation(r *wire.Reader, h events.Header) []events.Event {
	tickerID := r.Int64("ticker_id")
	source := greekSource(r.Int("field"))

	values := []struct {
		field    events.TickField
		value    decimal.Decimal
		sentinel int64
	}{
		{events.FieldOptImpliedVol, r.Decimal("implied_vol"), -1},
		{events.FieldOptDelta, r.Decimal("delta"), -2},
		{events.FieldOptPrice, r.Decimal("opt_price"), -1},
		{events.FieldOptPvDividend, r.Decimal("pv_dividend"), -1},
		{events.FieldOptGamma, r.Decimal("gamma"), -2},
		{events.FieldOptVega, r.Decimal("vega"), -2},
		{events.FieldOptTheta, r.Decimal("theta"), -2},
		{events.FieldOptUndPrice, r.Decimal("und_price"), -1},
	}
	if r.Err() != nil {
		return nil
	}

	var out []events.Event
	for _, v := range values {
		if v.value.Abs().GreaterThanOrEqual(optionValueLimit) || v.value.Equal(decimal.NewFromInt(v.sentinel)) {
			continue
		}
		out = append(out, &events.TickUpdate{Header: h, TickerID: tickerID, Field: v.field, Source: source, Value: v.value})
	}
	return out
}

func (n *Normalizer) marketDepth(r *wire.Reader, h events.Header) []events.Event {
	ev := &events.DepthUpdate{
		Header:    h,
		TickerID:  r.Int64("ticker_id"),
		Position:  r.Int("position"),
		Operation: events.DepthOperation(r.Int("operation")),
		Side:      events.DepthSide(r.Int("side")),
		Price:     r.Decimal("price"),
		Size:      r.Int64("size"),
	}
	return one(ev)
}

func (n *Normalizer) orderStatus(r *wire.Reader, h events.Header) []events.Event {
	ev := &events.OrderStatusChanged{Header: h}
	ev.OrderID = r.Int64("order_id")
	ev.RawStatus = r.String("status")
	ev.Filled = r.Int64("filled")
	ev.Remaining = r.Int64("remaining")
	ev.AvgFillPrice = r.Decimal("avg_fill_price")
	ev.PermID = r.Int64("perm_id")
	ev.ParentID = r.Int64("parent_id")
	ev.LastFillPrice = r.Decimal("last_fill_price")
	ev.ClientID = r.Int("client_id")
	ev.WhyHeld = r.String("why_held")
	if r.Err() != nil {
		return nil
	}

	status, ok := types.ParseOrderStatus(ev.RawStatus)
	if !ok {
		n.logger.Warn("unrecognized order status", "order_id", ev.OrderID, "status", ev.RawStatus)
		return nil
	}
	if status == types.OrderStatusSubmitted && ev.Filled > 0 && ev.Remaining > 0 {
		status = types.OrderStatusPartialFill
	}
	ev.Status = status
	return one(ev)
}

func (n *Normalizer) openOrder(r *wire.Reader, h events.Header) []events.Event {
	orderID := r.Int64("order_id")
	contract := r.Contract()
	order := r.Order()
	raw := r.String("status")
	if r.Err() != nil {
		return nil
	}

	status, _ := types.ParseOrderStatus(raw)
	return one(&events.OpenOrderReported{
		Header:    h,
		OrderID:   orderID,
		Symbol:    broker.ContractString(contract),
		Contract:  contract,
		Order:     order,
		Status:    status,
		RawStatus: raw,
	})
}

func (n *Normalizer) errMsg(r *wire.Reader, h events.Header) []events.Event {
	id := r.Int64("id")
	code := r.Int("code")
	msg := r.String("message")
	if r.Err() != nil {
		return nil
	}

	switch {
	case IsDisconnect(code):
		return one(&events.ConnectionLost{Header: h, Code: code, Reason: msg})
	case code == CodeConnectivityRestoredDataLost || code == CodeConnectivityRestoredDataKept:
		return one(&events.ConnectionRestored{Header: h, Code: code, DataLost: code == CodeConnectivityRestoredDataLost})
	case IsBenign(code):
		n.logger.Debug("gateway notice", "id", id, "code", code, "message", msg)
		return nil
	}

	return one(&events.ErrorOccurred{
		Header:  h,
		ReqID:   id,
		Code:    code,
		Message: msg,
		Err:     &types.GatewayError{ReqID: id, Code: code, Message: msg},
	})
}

func (n *Normalizer) acctValue(r *wire.Reader, h events.Header) []events.Event {
	v := broker.AccountValue{
		Key:         r.String("key"),
		Value:       r.String("value"),
		Currency:    r.String("currency"),
		Account:     r.String("account"),
		LastUpdated: h.At,
	}
	return one(&events.AccountValueChanged{Header: h, Value: v})
}

func (n *Normalizer) portfolioValue(r *wire.Reader, h events.Header) []events.Event {
	c := r.Contract()
	p := broker.PortfolioEntry{
		Contract:      c,
		Symbol:        broker.ContractString(c),
		Quantity:      r.Int64("position"),
		MarketPrice:   r.Decimal("market_price"),
		MarketValue:   r.Decimal("market_value"),
		AvgCost:       r.Decimal("avg_cost"),
		UnrealizedPnL: r.Decimal("unrealized_pnl"),
		RealizedPnL:   r.Decimal("realized_pnl"),
		Account:       r.String("account"),
		LastUpdated:   h.At,
	}
	return one(&events.PortfolioChanged{Header: h, Entry: p})
}

func (n *Normalizer) position(r *wire.Reader, h events.Header) []events.Event {
	account := r.String("account")
	c := r.Contract()
	p := broker.Position{
		Account:     account,
		Contract:    c,
		Symbol:      broker.ContractString(c),
		Quantity:    r.Int64("position"),
		AvgCost:     r.Decimal("avg_cost"),
		LastUpdated: h.At,
	}
	return one(&events.PositionChanged{Header: h, Position: p})
}

func (n *Normalizer) contractData(r *wire.Reader, h events.Header) []events.Event {
	reqID := r.Int64("req_id")
	d := broker.ContractDetails{
		Contract:       r.Contract(),
		MarketName:     r.String("market_name"),
		MinTick:        r.Decimal("min_tick"),
		LongName:       r.String("long_name"),
		ContractMonth:  r.String("contract_month"),
		TimeZoneID:     r.String("time_zone"),
		TradingHours:   r.String("trading_hours"),
		LiquidHours:    r.String("liquid_hours"),
		UnderConID:     r.Int64("under_conid"),
		ValidExchanges: r.String("valid_exchanges"),
		OrderTypes:     r.String("order_types"),
	}
	return one(&events.ContractDetailsReceived{Header: h, ReqID: reqID, Details: d})
}

func (n *Normalizer) executionData(r *wire.Reader, h events.Header) []events.Event {
	reqID := r.Int64("req_id")
	e := broker.Execution{OrderID: r.Int64("order_id")}
	e.Contract = r.Contract()
	e.Symbol = broker.ContractString(e.Contract)
	e.ExecID = r.String("exec_id")
	stamp := r.String("time")
	e.Account = r.String("account")
	e.Exchange = r.String("exchange")
	e.Side = types.SideFromAction(r.String("side"))
	e.Shares = r.Int64("shares")
	e.Price = r.Decimal("price")
	e.PermID = r.Int64("perm_id")
	e.ClientID = r.Int("client_id")
	e.CumQty = r.Int64("cum_qty")
	e.AvgPrice = r.Decimal("avg_price")
	if r.Err() != nil {
		return nil
	}

	t, err := parseExecTime(stamp)
	if err != nil {
		n.logger.Debug("unparsed execution time", "exec_id", e.ExecID, "time", stamp)
		t = h.At
	}
	e.Time = t
	return one(&events.ExecutionReported{Header: h, ReqID: reqID, Execution: e})
}

func parseExecTime(s string) (time.Time, error) {
	for _, layout := range []string{wire.ExecTimeLayout, "20060102  15:04:05", "20060102 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("execution time %q", s)
}
