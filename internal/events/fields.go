package events

// TickField names a market-data field. Values below 1000 are the gateway's
// own tick type numbers.
type TickField int

const (
	FieldBidSize       TickField = 0
	FieldBid           TickField = 1
	FieldAsk           TickField = 2
	FieldAskSize       TickField = 3
	FieldLast          TickField = 4
	FieldLastSize      TickField = 5
	FieldHigh          TickField = 6
	FieldLow           TickField = 7
	FieldVolume        TickField = 8
	FieldClose         TickField = 9
	FieldOpen          TickField = 14
	FieldAvgVolume     TickField = 21
	FieldOpenInterest  TickField = 22
	FieldHistVol       TickField = 23
	FieldImpliedVol    TickField = 24
	FieldCallOI        TickField = 27
	FieldPutOI         TickField = 28
	FieldCallVolume    TickField = 29
	FieldPutVolume     TickField = 30
	FieldLastTimestamp TickField = 45
	FieldRTVolume      TickField = 48
)

// Synthetic option fields, computed by the gateway per GreekSource.
const (
	FieldOptImpliedVol TickField = 1000 + iota
	FieldOptDelta
	FieldOptPrice
	FieldOptPvDividend
	FieldOptGamma
	FieldOptVega
	FieldOptTheta
	FieldOptUndPrice
)

// IsSynthetic reports whether f belongs to the option sub-snapshot.
func (f TickField) IsSynthetic() bool {
	return f >= FieldOptImpliedVol
}

func (f TickField) String() string {
	switch f {
	case FieldBidSize:
		return "bid_size"
	case FieldBid:
		return "bid"
	case FieldAsk:
		return "ask"
	case FieldAskSize:
		return "ask_size"
	case FieldLast:
		return "last"
	case FieldLastSize:
		return "last_size"
	case FieldHigh:
		return "high"
	case FieldLow:
		return "low"
	case FieldVolume:
		return "volume"
	case FieldClose:
		return "close"
	case FieldOpen:
		return "open"
	case FieldAvgVolume:
		return "avg_volume"
	case FieldOpenInterest:
		return "open_interest"
	case FieldHistVol:
		return "hist_vol"
	case FieldImpliedVol:
		return "implied_vol"
	case FieldCallOI:
		return "call_oi"
	case FieldPutOI:
		return "put_oi"
	case FieldCallVolume:
		return "call_volume"
	case FieldPutVolume:
		return "put_volume"
	case FieldLastTimestamp:
		return "last_timestamp"
	case FieldRTVolume:
		return "rt_volume"
	case FieldOptImpliedVol:
		return "opt_implied_vol"
	case FieldOptDelta:
		return "opt_delta"
	case FieldOptPrice:
		return "opt_price"
	case FieldOptPvDividend:
		return "opt_pv_dividend"
	case FieldOptGamma:
		return "opt_gamma"
	case FieldOptVega:
		return "opt_vega"
	case FieldOptTheta:
		return "opt_theta"
	case FieldOptUndPrice:
		return "opt_und_price"
	default:
		return "unknown"
	}
}

// GreekSource is the price an option computation is based on.
type GreekSource int

const (
	SourceNone GreekSource = iota
	SourceBid
	SourceAsk
	SourceLast
	SourceModel
)

func (s GreekSource) String() string {
	switch s {
	case SourceBid:
		return "bid"
	case SourceAsk:
		return "ask"
	case SourceLast:
		return "last"
	case SourceModel:
		return "model"
	default:
		return "none"
	}
}

// DepthOperation is an order book row operation.
type DepthOperation int

const (
	OpInsert DepthOperation = iota
	OpUpdate
	OpDelete
)

// DepthSide is the book side of a depth row.
type DepthSide int

const (
	DepthAsk DepthSide = 0
	DepthBid DepthSide = 1
)
