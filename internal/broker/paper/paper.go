// Package paper provides an in-process simulated gateway Session.
//
// The simulator answers every request kind with the callbacks a real
// gateway would send: contract details, order status and open order
// reports, executions, positions and account values. Prices move only
// when Tick is called.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/broker/wire"
	"github.com/tathienbao/ibrecon/internal/events"
	"github.com/tathienbao/ibrecon/internal/types"
)

// Gateway error codes the simulator emits.
const (
	codeNoSecurityDefinition = 200
	codeDuplicateOrderID     = 103
	codeOrderNotFound        = 135
	codeOrderCancelled       = 202
	codeConnectivityLost     = 1100
)

// Instrument holds the simulated contract specification for one root symbol.
type Instrument struct {
	Symbol     string
	SecType    string
	Exchange   string
	Currency   string
	TickSize   decimal.Decimal
	Multiplier int64
	LongName   string
}

// DefaultCatalog returns the instruments the simulator knows.
func DefaultCatalog() map[string]Instrument {
	return map[string]Instrument{
		"ES": {
			Symbol: "ES", SecType: broker.SecTypeFuture, Exchange: "GLOBEX", Currency: "USD",
			TickSize: decimal.RequireFromString("0.25"), Multiplier: 50, LongName: "E-mini S&P 500",
		},
		"MES": {
			Symbol: "MES", SecType: broker.SecTypeFuture, Exchange: "GLOBEX", Currency: "USD",
			TickSize: decimal.RequireFromString("0.25"), Multiplier: 5, LongName: "Micro E-Mini S&P 500",
		},
		"MGC": {
			Symbol: "MGC", SecType: broker.SecTypeFuture, Exchange: "COMEX", Currency: "USD",
			TickSize: decimal.RequireFromString("0.10"), Multiplier: 10, LongName: "Micro Gold",
		},
		"AAPL": {
			Symbol: "AAPL", SecType: broker.SecTypeStock, Exchange: "SMART", Currency: "USD",
			TickSize: decimal.RequireFromString("0.01"), Multiplier: 1, LongName: "APPLE INC",
		},
	}
}

// Config holds paper trading configuration.
type Config struct {
	Account           string
	InitialCash       decimal.Decimal
	SlippageTicks     int
	CommissionPerSide decimal.Decimal
	FirstOrderID      int64
	EventBuffer       int
	Catalog           map[string]Instrument
}

// DefaultConfig returns default paper trading config.
func DefaultConfig() Config {
	return Config{
		Account:           "DU0000001",
		InitialCash:       decimal.NewFromInt(100000),
		SlippageTicks:     0,
		CommissionPerSide: decimal.NewFromFloat(0.62),
		FirstOrderID:      1,
		EventBuffer:       4096,
		Catalog:           DefaultCatalog(),
	}
}

type position struct {
	contract broker.Contract
	symbol   string
	qty      int64
	avgCost  decimal.Decimal
	realized decimal.Decimal
}

// Session implements broker.Session with a simulated gateway.
type Session struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     broker.ConnectionState
	events    chan broker.RawCallback
	failNext  int
	requests  []broker.Request
	clientID  int
	cash      decimal.Decimal
	nextID    int64
	nextPerm  int64
	nextExec  int64
	conIDs    map[string]int64
	prices    map[string]decimal.Decimal
	tickSizes map[string]decimal.Decimal
	tickers   map[int64]string // ticker id -> symbol
	depth     map[int64]string
	seeded    map[int64]bool
	orders    map[int64]*order
	positions map[string]*position
	execs     []broker.Execution
	acctSub   bool
}

// NewSession creates a simulated gateway.
func NewSession(cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Catalog == nil {
		cfg.Catalog = def.Catalog
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.FirstOrderID <= 0 {
		cfg.FirstOrderID = def.FirstOrderID
	}
	if cfg.Account == "" {
		cfg.Account = def.Account
	}

	return &Session{
		cfg:       cfg,
		logger:    logger.With("component", "paper"),
		now:       time.Now,
		state:     broker.StateDisconnected,
		events:    make(chan broker.RawCallback, cfg.EventBuffer),
		cash:      cfg.InitialCash,
		nextID:    cfg.FirstOrderID,
		nextPerm:  1000,
		conIDs:    make(map[string]int64),
		prices:    make(map[string]decimal.Decimal),
		tickSizes: make(map[string]decimal.Decimal),
		tickers:   make(map[int64]string),
		depth:     make(map[int64]string),
		seeded:    make(map[int64]bool),
		orders:    make(map[int64]*order),
		positions: make(map[string]*position),
	}
}

// Connect simulates the handshake and reports the next valid order id.
func (s *Session) Connect(ctx context.Context, params broker.ConnectParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		s.state = broker.StateError
		return fmt.Errorf("%w: simulated connect failure", types.ErrConnection)
	}
	if s.state == broker.StateConnected {
		return nil
	}

	s.state = broker.StateConnected
	s.clientID = params.ClientID
	s.emit(wire.NextValidID(s.nextID, s.now()))

	s.logger.Info("paper gateway connected",
		"account", s.cfg.Account,
		"client_id", params.ClientID,
		"cash", s.cash.String(),
	)
	return nil
}

// Disconnect simulates a requested disconnect.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = broker.StateDisconnected
	s.acctSub = false
	s.logger.Info("paper gateway disconnected")
	return nil
}

// State returns connection state.
func (s *Session) State() broker.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events implements broker.Session.
func (s *Session) Events() <-chan broker.RawCallback {
	return s.events
}

// FailNextConnects makes the next n Connect calls fail.
func (s *Session) FailNextConnects(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// DropConnection simulates a transport loss.
func (s *Session) DropConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != broker.StateConnected {
		return
	}
	s.state = broker.StateDisconnected
	s.acctSub = false
	s.emit(broker.RawCallback{
		MsgID:    broker.MsgConnectionClosed,
		Fields:   []string{"simulated transport loss"},
		Received: s.now(),
	})
}

// SimulateConnectivityLoss reports a gateway-to-server outage (code 1100)
// while the socket stays up.
func (s *Session) SimulateConnectivityLoss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit(wire.ErrMsg(-1, codeConnectivityLost, "Connectivity between IB and Trader Workstation has been lost.", s.now()))
}

// SimulateConnectivityRestored reports the end of an outage.
func (s *Session) SimulateConnectivityRestored(dataLost bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, msg := 1102, "Connectivity between IB and Trader Workstation has been restored - data maintained."
	if dataLost {
		code, msg = 1101, "Connectivity between IB and Trader Workstation has been restored - data lost."
	}
	s.emit(wire.ErrMsg(-1, code, msg, s.now()))
}

// Requests returns every request received so far.
func (s *Session) Requests() []broker.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]broker.Request(nil), s.requests...)
}

// Last returns the last simulated price for symbol.
func (s *Session) Last(symbol string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[symbol]
	return p, ok
}

// Cash returns the simulated cash balance.
func (s *Session) Cash() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cash
}

// emit must be called with s.mu held.
func (s *Session) emit(cb broker.RawCallback) {
	s.events <- cb
}

// SendRequest implements broker.Session.
func (s *Session) SendRequest(ctx context.Context, req broker.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != broker.StateConnected {
		return types.ErrNotConnected
	}
	s.requests = append(s.requests, req)

	now := s.now()
	switch req.Kind {
	case broker.RequestNextIDs:
		s.emit(wire.NextValidID(s.nextID, now))
	case broker.RequestContractDetails:
		s.contractDetails(req, now)
	case broker.RequestMarketData:
		symbol := s.remember(req.Contract)
		s.tickers[req.ID] = symbol
		if last, ok := s.prices[symbol]; ok {
			s.emit(wire.TickPrice(req.ID, int(events.FieldLast), last, 1, now))
		}
	case broker.RequestCancelMarketData:
		delete(s.tickers, req.ID)
	case broker.RequestMarketDepth:
		s.depth[req.ID] = s.remember(req.Contract)
	case broker.RequestCancelMarketDepth:
		delete(s.depth, req.ID)
		delete(s.seeded, req.ID)
	case broker.RequestPlaceOrder:
		s.placeOrder(req, now)
	case broker.RequestCancelOrder:
		s.cancelOrder(req.ID, now)
	case broker.RequestPositions:
		for _, p := range s.sortedPositions() {
			s.emit(wire.Position(s.cfg.Account, p.contract, p.qty, p.avgCost, now))
		}
		s.emit(wire.PositionEnd(now))
	case broker.RequestAccountUpdates:
		s.acctSub = req.Subscribe
		if req.Subscribe {
			s.accountSnapshot(now)
			s.emit(wire.AcctDownloadEnd(s.cfg.Account, now))
		}
	case broker.RequestOpenOrders:
		for _, o := range s.sortedOrders() {
			if o.status.IsFinal() {
				continue
			}
			s.emit(wire.OpenOrder(o.id, o.contract, o.draft, o.rawStatus(), now))
			s.emitStatus(o, now)
		}
		s.emit(wire.OpenOrderEnd(now))
	case broker.RequestExecutions:
		for _, e := range s.execs {
			s.emit(wire.ExecutionData(req.ID, e, now))
		}
		s.emit(wire.ExecutionDataEnd(req.ID, now))
	default:
		return fmt.Errorf("paper gateway: unsupported request %s", req.Kind)
	}
	return nil
}

func (s *Session) instrument(c broker.Contract) (Instrument, bool) {
	inst, ok := s.cfg.Catalog[c.Symbol]
	return inst, ok
}

// remember records the tick size for c and returns its symbol.
func (s *Session) remember(c broker.Contract) string {
	symbol := broker.ContractString(c)
	if _, ok := s.tickSizes[symbol]; !ok {
		tick := decimal.RequireFromString("0.01")
		if inst, ok := s.instrument(c); ok {
			tick = inst.TickSize
		}
		s.tickSizes[symbol] = tick
	}
	return symbol
}

func (s *Session) conID(key string) int64 {
	if id, ok := s.conIDs[key]; ok {
		return id
	}
	id := int64(100001 + len(s.conIDs))
	s.conIDs[key] = id
	return id
}

func (s *Session) contractDetails(req broker.Request, now time.Time) {
	inst, ok := s.instrument(req.Contract)
	if !ok || inst.SecType != req.Contract.SecType {
		s.emit(wire.ErrMsg(req.ID, codeNoSecurityDefinition, "No security definition has been found for the request", now))
		return
	}

	var expiries []string
	switch {
	case req.Contract.SecType == broker.SecTypeFuture && req.Contract.Expiry == "":
		front := broker.GetFrontMonthExpiry(now)
		expiries = []string{front, nextQuarter(front)}
	case req.Contract.IsMulti():
		s.emit(wire.ErrMsg(req.ID, codeNoSecurityDefinition, "Option chains are not simulated", now))
		return
	default:
		expiries = []string{req.Contract.Expiry}
	}

	under := s.conID(inst.Symbol + "_UNDERLYING")
	for _, exp := range expiries {
		c := req.Contract
		c.Expiry = exp
		c.Exchange = inst.Exchange
		c.Currency = inst.Currency
		if inst.Multiplier > 1 {
			c.Multiplier = fmt.Sprintf("%d", inst.Multiplier)
		}
		c.TradingClass = inst.Symbol
		c.ConID = s.conID(broker.ContractString(c))

		d := broker.ContractDetails{
			Contract:       c,
			MarketName:     inst.Symbol,
			MinTick:        inst.TickSize,
			LongName:       inst.LongName,
			UnderConID:     under,
			ValidExchanges: inst.Exchange,
			OrderTypes:     "LMT,MKT,STP,STP LMT,TRAIL",
		}
		if len(exp) >= 6 {
			d.ContractMonth = exp[:6]
		}
		s.emit(wire.ContractData(req.ID, d, now))
	}
	s.emit(wire.ContractDataEnd(req.ID, now))
}

// nextQuarter returns the quarterly expiry after exp (YYYYMM).
func nextQuarter(exp string) string {
	t, err := time.Parse("200601", exp[:6])
	if err != nil {
		return exp
	}
	return t.AddDate(0, 3, 0).Format("200601")
}

func (s *Session) accountSnapshot(now time.Time) {
	unrealized := decimal.Zero
	for _, p := range s.positions {
		unrealized = unrealized.Add(s.unrealized(p))
	}
	netLiq := s.cash.Add(unrealized)

	values := []struct{ key, value string }{
		{"NetLiquidation", netLiq.StringFixed(2)},
		{"CashBalance", s.cash.StringFixed(2)},
		{"BuyingPower", s.cash.Mul(decimal.NewFromInt(4)).StringFixed(2)},
		{"AvailableFunds", s.cash.StringFixed(2)},
		{"UnrealizedPnL", unrealized.StringFixed(2)},
		{"AccountType", "INDIVIDUAL"},
	}
	for _, v := range values {
		s.emit(wire.AcctValue(v.key, v.value, "USD", s.cfg.Account, now))
	}
	for _, p := range s.sortedPositions() {
		s.emit(s.portfolio(p, now))
	}
}

func (s *Session) portfolio(p *position, now time.Time) broker.RawCallback {
	last := s.prices[p.symbol]
	mult := s.multiplier(p.contract)
	return wire.PortfolioValue(broker.PortfolioEntry{
		Account:       s.cfg.Account,
		Symbol:        p.symbol,
		Contract:      p.contract,
		Quantity:      p.qty,
		MarketPrice:   last,
		MarketValue:   last.Mul(decimal.NewFromInt(p.qty * mult)),
		AvgCost:       p.avgCost,
		UnrealizedPnL: s.unrealized(p),
		RealizedPnL:   p.realized,
	}, now)
}

func (s *Session) multiplier(c broker.Contract) int64 {
	if inst, ok := s.instrument(c); ok && inst.Multiplier > 0 {
		return inst.Multiplier
	}
	return 1
}

func (s *Session) unrealized(p *position) decimal.Decimal {
	last, ok := s.prices[p.symbol]
	if !ok || p.qty == 0 {
		return decimal.Zero
	}
	return last.Sub(p.avgCost).Mul(decimal.NewFromInt(p.qty * s.multiplier(p.contract)))
}

func (s *Session) sortedPositions() []*position {
	out := make([]*position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].symbol < out[j].symbol })
	return out
}

func (s *Session) sortedOrders() []*order {
	out := make([]*order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Tick moves the simulated last price for symbol (a synthesized contract
// symbol such as ESU2016_FUT) and matches working orders against it.
func (s *Session) Tick(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !price.IsPositive() {
		return
	}
	s.prices[symbol] = price
	if s.state != broker.StateConnected {
		return
	}

	now := s.now()

	for _, id := range sortedKeys(s.tickers) {
		if s.tickers[id] == symbol {
			s.emit(wire.TickPrice(id, int(events.FieldLast), price, 1, now))
		}
	}
	for _, id := range sortedKeys(s.depth) {
		if s.depth[id] == symbol {
			s.emitDepth(id, symbol, price, now)
		}
	}

	s.match(symbol, price, now)

	if s.acctSub {
		for _, p := range s.sortedPositions() {
			if p.symbol == symbol {
				s.emit(s.portfolio(p, now))
			}
		}
	}
}

func (s *Session) emitDepth(tickerID int64, symbol string, price decimal.Decimal, now time.Time) {
	tick := s.tickSizes[symbol]

	op := int(events.OpUpdate)
	if !s.seeded[tickerID] {
		op = int(events.OpInsert)
		s.seeded[tickerID] = true
	}
	s.emit(wire.MarketDepth(tickerID, 0, op, int(events.DepthBid), price.Sub(tick), 10, now))
	s.emit(wire.MarketDepth(tickerID, 0, op, int(events.DepthAsk), price.Add(tick), 10, now))
}

func sortedKeys(m map[int64]string) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RandomWalk moves symbol by whole ticks every interval until ctx is done.
func (s *Session) RandomWalk(ctx context.Context, symbol string, start, tick decimal.Decimal, interval time.Duration, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	price := start
	s.Tick(symbol, price)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			step := int64(rng.Intn(5) - 2)
			next := price.Add(tick.Mul(decimal.NewFromInt(step)))
			if next.IsPositive() {
				price = next
			}
			s.Tick(symbol, price)
		}
	}
}

var _ broker.Session = (*Session)(nil)
