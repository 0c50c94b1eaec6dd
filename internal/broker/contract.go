package broker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/types"
)

// Security types.
const (
	SecTypeStock        = "STK"
	SecTypeFuture       = "FUT"
	SecTypeOption       = "OPT"
	SecTypeFutureOption = "FOP"
	SecTypeCash         = "CASH"
	SecTypeCombo        = "BAG"
	SecTypeIndex        = "IND"
)

// futureMonthCodes maps a month number to its futures month letter.
var futureMonthCodes = [...]string{"", "F", "G", "H", "J", "K", "M", "N", "Q", "U", "V", "X", "Z"}

// Contract represents a tradeable instrument descriptor.
type Contract struct {
	ConID           int64 // gateway-assigned, zero until resolved
	Symbol          string
	SecType         string
	Exchange        string
	PrimaryExchange string
	Currency        string
	Expiry          string // YYYYMM or YYYYMMDD
	Strike          decimal.Decimal
	Right           string // C or P
	Multiplier      string
	LocalSymbol     string
	TradingClass    string
	ComboLegs       []ComboLeg
}

// ComboLeg is one leg of a combo (BAG) contract.
type ComboLeg struct {
	ConID    int64
	Ratio    int
	Action   string
	Exchange string
}

// ContractDetails is the gateway's answer to a contract-details request.
type ContractDetails struct {
	Contract       Contract
	MarketName     string
	MinTick        decimal.Decimal
	LongName       string
	ContractMonth  string
	TimeZoneID     string
	TradingHours   string
	LiquidHours    string
	UnderConID     int64
	ValidExchanges string
	OrderTypes     string
}

// StockContract returns a stock contract. Empty exchange and currency
// default to SMART and USD.
func StockContract(symbol, exchange, currency string) Contract {
	return Contract{
		Symbol:   symbol,
		SecType:  SecTypeStock,
		Exchange: orDefault(exchange, "SMART"),
		Currency: orDefault(currency, "USD"),
	}
}

// FutureContract returns a futures contract. An empty expiry describes every
// listed expiry of the symbol.
func FutureContract(symbol, expiry, exchange, currency string) Contract {
	return Contract{
		Symbol:   symbol,
		SecType:  SecTypeFuture,
		Exchange: orDefault(exchange, "GLOBEX"),
		Currency: orDefault(currency, "USD"),
		Expiry:   expiry,
	}
}

// FrontMonthFuture returns the quarterly front-month contract for symbol.
func FrontMonthFuture(symbol, exchange string, now time.Time) Contract {
	return FutureContract(symbol, GetFrontMonthExpiry(now), exchange, "")
}

// OptionContract returns an equity option contract.
func OptionContract(symbol, expiry string, strike decimal.Decimal, right, exchange, currency string) Contract {
	return Contract{
		Symbol:   symbol,
		SecType:  SecTypeOption,
		Exchange: orDefault(exchange, "SMART"),
		Currency: orDefault(currency, "USD"),
		Expiry:   expiry,
		Strike:   strike,
		Right:    normalizeRight(right),
	}
}

// FutureOptionContract returns an option on a future.
func FutureOptionContract(symbol, expiry string, strike decimal.Decimal, right, exchange, currency string) Contract {
	c := OptionContract(symbol, expiry, strike, right, orDefault(exchange, "GLOBEX"), currency)
	c.SecType = SecTypeFutureOption
	return c
}

// CashContract returns a forex pair, e.g. EUR.USD on IDEALPRO.
func CashContract(symbol, currency string) Contract {
	return Contract{
		Symbol:   symbol,
		SecType:  SecTypeCash,
		Exchange: "IDEALPRO",
		Currency: orDefault(currency, "USD"),
	}
}

// IndexContract returns an index contract.
func IndexContract(symbol, exchange, currency string) Contract {
	return Contract{
		Symbol:   symbol,
		SecType:  SecTypeIndex,
		Exchange: orDefault(exchange, "CBOE"),
		Currency: orDefault(currency, "USD"),
	}
}

// NewComboLeg builds a combo leg. Exchange defaults to SMART.
func NewComboLeg(conID int64, action string, ratio int, exchange string) ComboLeg {
	if ratio < 0 {
		ratio = -ratio
	}
	return ComboLeg{
		ConID:    conID,
		Ratio:    ratio,
		Action:   strings.ToUpper(action),
		Exchange: orDefault(exchange, "SMART"),
	}
}

// ComboContract returns a combo contract trading on the first leg's exchange.
func ComboContract(symbol, currency string, legs ...ComboLeg) Contract {
	c := Contract{
		Symbol:    symbol,
		SecType:   SecTypeCombo,
		Currency:  orDefault(currency, "USD"),
		ComboLegs: legs,
	}
	if len(legs) > 0 {
		c.Exchange = legs[0].Exchange
	}
	return c
}

// IsMulti reports whether the descriptor is under-specified and resolves to
// several concrete contracts.
func (c Contract) IsMulti() bool {
	switch c.SecType {
	case SecTypeFuture:
		return c.Expiry == ""
	case SecTypeOption, SecTypeFutureOption:
		return c.Expiry == "" || c.Strike.IsZero() || c.Right == ""
	default:
		return false
	}
}

// IsCombo reports whether c is a combo (BAG) contract.
func (c Contract) IsCombo() bool {
	return c.SecType == SecTypeCombo
}

// Validate checks that the descriptor can be sent to the gateway.
func (c Contract) Validate() error {
	if strings.TrimSpace(c.Symbol) == "" {
		return types.Invalid("contract.symbol", "is required")
	}

	switch c.SecType {
	case SecTypeStock, SecTypeFuture, SecTypeIndex:
	case SecTypeOption, SecTypeFutureOption:
		if c.Right != "" && c.Right != "C" && c.Right != "P" {
			return types.Invalid("contract.right", fmt.Sprintf("must be C or P, got %q", c.Right))
		}
		if c.Strike.IsNegative() {
			return types.Invalid("contract.strike", "must not be negative")
		}
	case SecTypeCash:
		if c.Currency == "" {
			return types.Invalid("contract.currency", "is required for cash contracts")
		}
	case SecTypeCombo:
		if len(c.ComboLegs) == 0 {
			return types.Invalid("contract.combo_legs", "combo contracts need at least one leg")
		}
	default:
		return types.Invalid("contract.sec_type", fmt.Sprintf("unsupported security type %q", c.SecType))
	}

	if c.Expiry != "" {
		if _, err := strconv.Atoi(c.Expiry); err != nil || (len(c.Expiry) != 6 && len(c.Expiry) != 8) {
			return types.Invalid("contract.expiry", "must be YYYYMM or YYYYMMDD")
		}
	}

	return nil
}

// ContractString returns the synthesized symbol identifying c.
//
//	STK      AAPL
//	FUT      ESU2016_FUT
//	OPT/FOP  SPY20160916C02200500_OPT
//	CASH     EURUSD_CASH
//	other    SPX_IND
//
// Multi descriptors key as SYMBOL_SECTYPE.
func ContractString(c Contract) string {
	var s string

	switch c.SecType {
	case SecTypeOption, SecTypeFutureOption:
		if c.IsMulti() {
			s = c.Symbol + "_" + c.SecType
		} else {
			s = c.Symbol + c.Expiry + c.Right[:1] + strikeToken(c.Strike) + "_" + c.SecType
		}
	case SecTypeFuture:
		s = c.Symbol + "_" + c.SecType
		if code, year, ok := futureExpiryToken(c.Expiry); ok {
			s = c.Symbol + code + year + "_" + c.SecType
		}
	case SecTypeCash:
		s = c.Symbol + c.Currency + "_" + c.SecType
	case SecTypeStock, "":
		s = c.Symbol
	default:
		s = c.Symbol + "_" + c.SecType
	}

	return strings.ToUpper(strings.ReplaceAll(s, " ", "_"))
}

// strikeToken renders a strike as five integer digits and three decimals.
func strikeToken(strike decimal.Decimal) string {
	fixed := strike.Abs().StringFixed(3)
	whole, frac, _ := strings.Cut(fixed, ".")
	if len(whole) < 5 {
		whole = strings.Repeat("0", 5-len(whole)) + whole
	}
	return whole + frac
}

func futureExpiryToken(expiry string) (code, year string, ok bool) {
	if len(expiry) < 6 {
		return "", "", false
	}
	month, err := strconv.Atoi(expiry[4:6])
	if err != nil || month < 1 || month > 12 {
		return "", "", false
	}
	return futureMonthCodes[month], expiry[:4], true
}

func normalizeRight(right string) string {
	right = strings.ToUpper(strings.TrimSpace(right))
	if right == "" {
		return ""
	}
	return right[:1]
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// GetFrontMonthExpiry returns the front month expiry in YYYYMM format.
// Quarterly futures typically expire on the 3rd Friday of Mar, Jun, Sep, Dec.
func GetFrontMonthExpiry(now time.Time) string {
	year := now.Year()
	month := now.Month()

	quarterlyMonths := []time.Month{3, 6, 9, 12}
	for _, qm := range quarterlyMonths {
		if month <= qm {
			thirdFriday := getThirdFriday(year, qm)
			if now.Before(thirdFriday) {
				return formatExpiry(year, qm)
			}
		}
	}

	// Roll to next year's March
	return formatExpiry(year+1, 3)
}

func getThirdFriday(year int, month time.Month) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	daysUntilFriday := (time.Friday - first.Weekday() + 7) % 7
	firstFriday := first.AddDate(0, 0, int(daysUntilFriday))
	return firstFriday.AddDate(0, 0, 14)
}

func formatExpiry(year int, month time.Month) string {
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).Format("200601")
}
