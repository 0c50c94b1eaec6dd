package broker

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/types"
)

// Position is the gateway-reported net position for one contract and account.
type Position struct {
	Account     string
	Symbol      string
	Contract    Contract
	Quantity    int64
	AvgCost     decimal.Decimal
	LastUpdated time.Time
}

// Side returns the direction of the position.
func (p Position) Side() types.Side {
	return types.SideFromQuantity(p.Quantity)
}

// PortfolioEntry is the gateway-reported valuation for one contract and account.
type PortfolioEntry struct {
	Account       string
	Symbol        string
	Contract      Contract
	Quantity      int64
	MarketPrice   decimal.Decimal
	MarketValue   decimal.Decimal
	AvgCost       decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	LastUpdated   time.Time
}

// Execution is one fill reported by the gateway.
type Execution struct {
	ExecID   string
	OrderID  int64
	PermID   int64
	ClientID int
	Symbol   string
	Contract Contract
	Account  string
	Exchange string
	Side     types.Side
	Shares   int64
	Price    decimal.Decimal
	CumQty   int64
	AvgPrice decimal.Decimal
	Time     time.Time
}

// AccountValue is a single key/value account update. Values are kept as the
// gateway sends them; not every key is numeric.
type AccountValue struct {
	Account     string
	Key         string
	Value       string
	Currency    string
	LastUpdated time.Time
}

// AccountSummary holds the tracked numeric account values.
type AccountSummary struct {
	AccountID          string
	Currency           string
	BuyingPower        decimal.Decimal
	CashBalance        decimal.Decimal
	DayTradesRemaining decimal.Decimal
	NetLiquidation     decimal.Decimal
	InitMarginReq      decimal.Decimal
	MaintMarginReq     decimal.Decimal
	AvailableFunds     decimal.Decimal
	AvailableFundsC    decimal.Decimal
	AvailableFundsS    decimal.Decimal
	LastUpdated        time.Time
}

// TrackedAccountKeys lists the account keys folded into AccountSummary.
var TrackedAccountKeys = []string{
	"BuyingPower", "CashBalance", "DayTradesRemaining",
	"NetLiquidation", "InitMarginReq", "MaintMarginReq",
	"AvailableFunds", "AvailableFunds-C", "AvailableFunds-S",
}

// Apply folds a tracked account value into the summary. It reports false for
// untracked keys and non-numeric values.
func (s *AccountSummary) Apply(v AccountValue) bool {
	value, err := decimal.NewFromString(v.Value)
	if err != nil {
		return false
	}

	switch v.Key {
	case "BuyingPower":
		s.BuyingPower = value
	case "CashBalance":
		s.CashBalance = value
	case "DayTradesRemaining":
		s.DayTradesRemaining = value
	case "NetLiquidation":
		s.NetLiquidation = value
	case "InitMarginReq":
		s.InitMarginReq = value
	case "MaintMarginReq":
		s.MaintMarginReq = value
	case "AvailableFunds":
		s.AvailableFunds = value
	case "AvailableFunds-C":
		s.AvailableFundsC = value
	case "AvailableFunds-S":
		s.AvailableFundsS = value
	default:
		return false
	}

	s.AccountID = v.Account
	if v.Currency != "" {
		s.Currency = v.Currency
	}
	if v.LastUpdated.After(s.LastUpdated) {
		s.LastUpdated = v.LastUpdated
	}
	return true
}
