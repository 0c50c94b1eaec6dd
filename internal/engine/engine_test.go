package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/broker/paper"
	"github.com/tathienbao/ibrecon/internal/events"
	"github.com/tathienbao/ibrecon/internal/trigger"
	"github.com/tathienbao/ibrecon/internal/types"
)

const esSymbol = "ESU2016_FUT"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func esContract() broker.Contract {
	return broker.FutureContract("ES", "201609", "GLOBEX", "USD")
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRequestsPerSecond = 1000
	cfg.Burst = 100
	cfg.IDTimeout = 2 * time.Second
	cfg.Reconnect.InitialInterval = 5 * time.Millisecond
	cfg.Reconnect.MaxInterval = 20 * time.Millisecond
	cfg.Reconnect.MaxElapsed = 5 * time.Second
	return cfg
}

// eventLog collects delivered events.
type eventLog struct {
	mu  sync.Mutex
	evs []events.Event
}

func (l *eventLog) OnEvent(ev events.Event) {
	l.mu.Lock()
	l.evs = append(l.evs, ev)
	l.mu.Unlock()
}

func (l *eventLog) ofKind(kind events.Kind) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, ev := range l.evs {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startPaper(t *testing.T, cfg Config) (*Engine, *paper.Session, *eventLog) {
	t.Helper()

	session := paper.NewSession(paper.DefaultConfig(), nil)
	e := New(cfg, session, nil, nil)
	log := &eventLog{}
	e.OnEvent(log)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e, session, log
}

func countRequests(reqs []broker.Request, kind broker.RequestKind) int {
	n := 0
	for _, r := range reqs {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

func orderStatus(e *Engine, id int64) types.OrderStatus {
	rec, _ := e.Order(id)
	return rec.Status
}

// TestEngine_StartStop tests the session lifecycle and initial snapshot
// requests.
func TestEngine_StartStop(t *testing.T) {
	session := paper.NewSession(paper.DefaultConfig(), nil)
	e := New(testConfig(), session, nil, nil)

	if e.IsRunning() {
		t.Fatal("expected engine to not be running initially")
	}

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !e.IsRunning() || !e.IsConnected() {
		t.Fatal("expected engine running and connected")
	}
	if err := e.Start(ctx); err == nil {
		t.Error("expected error when starting a running engine")
	}

	reqs := session.Requests()
	for _, kind := range []broker.RequestKind{
		broker.RequestPositions,
		broker.RequestAccountUpdates,
		broker.RequestOpenOrders,
		broker.RequestExecutions,
		broker.RequestNextIDs,
	} {
		if countRequests(reqs, kind) != 1 {
			t.Errorf("expected one %s request at start, got %d", kind, countRequests(reqs, kind))
		}
	}

	waitFor(t, "account snapshot", func() bool {
		_, ok := e.Account("")
		return ok
	})

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := e.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if e.IsRunning() {
		t.Error("expected engine stopped")
	}
	if err := e.Start(ctx); !errors.Is(err, types.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed restarting a stopped engine, got %v", err)
	}
	if _, err := e.PlaceOrder(ctx, esContract(), broker.OrderDraft{}, ""); err == nil {
		t.Error("expected error placing after stop")
	}
}

// TestEngine_CreateOrder tests order type selection.
func TestEngine_CreateOrder(t *testing.T) {
	e := New(testConfig(), paper.NewSession(paper.DefaultConfig(), nil), nil, nil)

	tests := []struct {
		name     string
		params   OrderParams
		wantType broker.OrderType
		wantSide types.Side
		wantErr  bool
	}{
		{"market buy", OrderParams{Quantity: 2}, broker.OrderTypeMarket, types.SideLong, false},
		{"limit sell", OrderParams{Quantity: -1, Price: dec("2200")}, broker.OrderTypeLimit, types.SideShort, false},
		{"stop", OrderParams{Quantity: -1, Stop: dec("2180")}, broker.OrderTypeStop, types.SideShort, false},
		{"stop limit", OrderParams{Quantity: 1, Stop: dec("2200"), Price: dec("2201")}, broker.OrderTypeStopLimit, types.SideLong, false},
		{"trail percent", OrderParams{Quantity: -1, TrailPercent: dec("1.5")}, broker.OrderTypeTrailStop, types.SideShort, false},
		{"zero quantity", OrderParams{}, "", types.SideFlat, true},
		{"bad tif", OrderParams{Quantity: 1, TIF: "FOK"}, "", types.SideFlat, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := e.CreateOrder(tt.params)
			if tt.wantErr {
				if !errors.Is(err, types.ErrValidation) {
					t.Fatalf("expected ErrValidation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateOrder() error = %v", err)
			}
			if o.OrderType != tt.wantType {
				t.Errorf("type = %s, want %s", o.OrderType, tt.wantType)
			}
			if o.Action != tt.wantSide {
				t.Errorf("action = %s, want %s", o.Action, tt.wantSide)
			}
			if o.Quantity <= 0 {
				t.Errorf("quantity = %d, want positive", o.Quantity)
			}
			if o.TimeInForce != broker.TIFDay {
				t.Errorf("tif = %s, want DAY", o.TimeInForce)
			}
			if !o.Transmit {
				t.Error("expected transmit")
			}
		})
	}

	held, err := e.CreateOrder(OrderParams{Quantity: 1, Hold: true, OCAGroup: "g"})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if held.Transmit || held.OCAType != broker.OCAReduceNoBlock {
		t.Errorf("expected held order with OCA type 2, got transmit=%v oca=%d", held.Transmit, held.OCAType)
	}
}

// TestEngine_PlaceOrder tests placement through fill and position update.
func TestEngine_PlaceOrder(t *testing.T) {
	e, session, log := startPaper(t, testConfig())
	ctx := context.Background()

	o, err := e.CreateOrder(OrderParams{Quantity: 2, Price: dec("2189.00")})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	id, err := e.PlaceOrder(ctx, esContract(), o, "")
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected positive order id, got %d", id)
	}

	waitFor(t, "order submitted", func() bool { return orderStatus(e, id) == types.OrderStatusSubmitted })

	session.Tick(esSymbol, dec("2188.75"))
	waitFor(t, "order filled", func() bool { return orderStatus(e, id) == types.OrderStatusFilled })
	waitFor(t, "position", func() bool { return e.NetPosition(esSymbol) == 2 })

	fills := log.ofKind(events.KindOrderFilled)
	if len(fills) != 1 {
		t.Fatalf("expected one OrderFilled, got %d", len(fills))
	}
	if f := fills[0].(*events.OrderFilled); f.OrderID != id || !f.AvgFillPrice.Equal(dec("2189")) {
		t.Errorf("unexpected fill %+v", f)
	}
	waitFor(t, "execution", func() bool { return len(e.Executions(id)) == 1 })
}

// TestEngine_PlaceOrder_Validation tests that invalid orders send nothing.
func TestEngine_PlaceOrder_Validation(t *testing.T) {
	e, session, _ := startPaper(t, testConfig())
	ctx := context.Background()

	before := len(session.Requests())

	tests := []struct {
		name     string
		contract broker.Contract
		order    broker.OrderDraft
	}{
		{"zero quantity", esContract(), broker.OrderDraft{Action: types.SideLong, OrderType: broker.OrderTypeMarket, TimeInForce: broker.TIFDay}},
		{"limit without price", esContract(), broker.OrderDraft{Action: types.SideLong, Quantity: 1, OrderType: broker.OrderTypeLimit, TimeInForce: broker.TIFDay}},
		{"no symbol", broker.Contract{SecType: broker.SecTypeStock}, broker.OrderDraft{Action: types.SideLong, Quantity: 1, OrderType: broker.OrderTypeMarket, TimeInForce: broker.TIFDay}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.PlaceOrder(ctx, tt.contract, tt.order, "")
			if !errors.Is(err, types.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}

	if after := len(session.Requests()); after != before {
		t.Errorf("expected no requests for invalid orders, got %d new", after-before)
	}
}

// TestEngine_ResolveContract tests waiting for contract details.
func TestEngine_ResolveContract(t *testing.T) {
	e, _, _ := startPaper(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	entry, err := e.ResolveContract(ctx, esContract())
	if err != nil {
		t.Fatalf("ResolveContract() error = %v", err)
	}
	if !entry.Resolved || entry.Symbol != esSymbol {
		t.Errorf("unexpected entry %+v", entry)
	}
	if !e.TickSize(esSymbol).Equal(dec("0.25")) {
		t.Errorf("tick size = %s, want 0.25", e.TickSize(esSymbol))
	}

	if _, err := e.ResolveContract(ctx, broker.StockContract("NOPE", "SMART", "USD")); err == nil {
		t.Error("expected error resolving an unknown contract")
	}
	if len(e.Contracts()) != 2 {
		t.Errorf("expected 2 registered contracts, got %d", len(e.Contracts()))
	}
}

// TestEngine_MarketData tests subscriptions and reconciled snapshots.
func TestEngine_MarketData(t *testing.T) {
	e, session, _ := startPaper(t, testConfig())
	ctx := context.Background()

	tickerID, err := e.RequestMarketData(ctx, esContract(), "", false)
	if err != nil {
		t.Fatalf("RequestMarketData() error = %v", err)
	}
	if _, err := e.RequestMarketDepth(ctx, esContract(), 0); err != nil {
		t.Fatalf("RequestMarketDepth() error = %v", err)
	}

	session.Tick(esSymbol, dec("2190.25"))
	waitFor(t, "last price", func() bool {
		snap, ok := e.MarketData(esSymbol)
		return ok && snap.Last().Equal(dec("2190.25"))
	})
	waitFor(t, "depth", func() bool {
		book, ok := e.MarketDepth(esSymbol)
		return ok && len(book.Bids) == 1 && len(book.Asks) == 1
	})

	if snap, _ := e.MarketData(esSymbol); snap.TickerID != tickerID {
		t.Errorf("ticker id = %d, want %d", snap.TickerID, tickerID)
	}

	if err := e.CancelMarketData(ctx, esSymbol); err != nil {
		t.Fatalf("CancelMarketData() error = %v", err)
	}
	if err := e.CancelMarketDepth(ctx, esSymbol); err != nil {
		t.Fatalf("CancelMarketDepth() error = %v", err)
	}
	if err := e.CancelMarketData(ctx, "UNKNOWN"); !errors.Is(err, types.ErrUnknownContract) {
		t.Errorf("expected ErrUnknownContract, got %v", err)
	}
}

// bracketFixture places a filled ES bracket: entry 2195, target 2200,
// stop 1900.
func bracketFixture(t *testing.T, e *Engine, session *paper.Session) BracketOrder {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := e.ResolveContract(ctx, esContract()); err != nil {
		t.Fatalf("ResolveContract() error = %v", err)
	}
	session.Tick(esSymbol, dec("2195"))
	if _, err := e.RequestMarketData(ctx, esContract(), "", false); err != nil {
		t.Fatalf("RequestMarketData() error = %v", err)
	}

	b, err := e.CreateBracketOrder(ctx, esContract(), BracketParams{
		Quantity:   1,
		EntryPrice: dec("2195"),
		Target:     dec("2200"),
		Stop:       dec("1900"),
	})
	if err != nil {
		t.Fatalf("CreateBracketOrder() error = %v", err)
	}
	if b.EntryID == 0 || b.TargetID == 0 || b.StopID == 0 {
		t.Fatalf("expected three legs, got %+v", b)
	}
	waitFor(t, "entry fill", func() bool { return orderStatus(e, b.EntryID) == types.OrderStatusFilled })
	return b
}

// TestEngine_CreateBracketOrder tests leg wiring and the OCA close.
func TestEngine_CreateBracketOrder(t *testing.T) {
	e, session, log := startPaper(t, testConfig())
	b := bracketFixture(t, e, session)

	if b.EntryID >= b.TargetID || b.TargetID >= b.StopID {
		t.Errorf("expected increasing leg ids, got %+v", b)
	}

	target, _ := e.Order(b.TargetID)
	stop, _ := e.Order(b.StopID)
	entry, _ := e.Order(b.EntryID)
	if target.Order.OCAGroup != b.OCAGroup || stop.Order.OCAGroup != b.OCAGroup {
		t.Errorf("legs not in group %s", b.OCAGroup)
	}
	if target.Order.OCAType != broker.OCAReduceNoBlock {
		t.Errorf("oca type = %d, want %d", target.Order.OCAType, broker.OCAReduceNoBlock)
	}
	if entry.Order.Transmit || target.Order.Transmit || !stop.Order.Transmit {
		t.Error("expected only the last leg transmitted")
	}
	if target.ParentID != b.EntryID || stop.ParentID != b.EntryID {
		t.Error("expected legs parented to the entry")
	}
	if target.Order.Action != types.SideShort {
		t.Errorf("target action = %s, want SELL", target.Order.Action)
	}

	session.Tick(esSymbol, dec("2200.25"))
	waitFor(t, "bracket closed", func() bool { return len(log.ofKind(events.KindBracketClosed)) == 1 })

	closed := log.ofKind(events.KindBracketClosed)[0].(*events.BracketClosed)
	if closed.ParentID != b.EntryID || closed.ClosedBy != b.TargetID {
		t.Errorf("unexpected close %+v", closed)
	}
	waitFor(t, "stop cancelled", func() bool { return orderStatus(e, b.StopID) == types.OrderStatusCancelled })
	waitFor(t, "flat", func() bool { return e.NetPosition(esSymbol) == 0 })
}

// TestEngine_TriggerFires tests the trigger cancel-and-replace with a new
// order id.
func TestEngine_TriggerFires(t *testing.T) {
	e, session, log := startPaper(t, testConfig())
	b := bracketFixture(t, e, session)

	tid, err := e.RegisterTriggerableTrailingStop(TriggerParams{
		StopOrderID:  b.StopID,
		TriggerPrice: dec("2190"),
		TrailAmount:  dec("10"),
	})
	if err != nil {
		t.Fatalf("RegisterTriggerableTrailingStop() error = %v", err)
	}
	tr, ok := e.Trigger(tid)
	if !ok || tr.Symbol != esSymbol || tr.Quantity != -1 || tr.ParentID != b.EntryID {
		t.Fatalf("unexpected registration %+v", tr)
	}

	session.Tick(esSymbol, dec("2191"))
	session.Tick(esSymbol, dec("2190"))
	waitFor(t, "trigger fired", func() bool { return len(log.ofKind(events.KindTriggerFired)) == 1 })

	fired := log.ofKind(events.KindTriggerFired)[0].(*events.TriggerFired)
	if fired.OldStopID != b.StopID || fired.NewStopID == b.StopID {
		t.Errorf("expected a new stop id, got %+v", fired)
	}
	if !fired.NewStop.Equal(dec("2180")) {
		t.Errorf("new stop = %s, want 2180", fired.NewStop)
	}

	tr, _ = e.Trigger(tid)
	if tr.State != trigger.StateConsumed || tr.ReplacementID != fired.NewStopID {
		t.Errorf("unexpected trigger state %+v", tr)
	}
	waitFor(t, "old stop cancelled", func() bool { return orderStatus(e, b.StopID) == types.OrderStatusCancelled })

	br, _ := e.Bracket(b.EntryID)
	if br.StopID != fired.NewStopID || br.Closed {
		t.Errorf("expected bracket rebound to new stop and open, got %+v", br)
	}

	// The replacement stop closes the bracket.
	session.Tick(esSymbol, dec("2179.75"))
	waitFor(t, "bracket closed", func() bool { return len(log.ofKind(events.KindBracketClosed)) == 1 })
	closed := log.ofKind(events.KindBracketClosed)[0].(*events.BracketClosed)
	if closed.ClosedBy != fired.NewStopID {
		t.Errorf("closed by %d, want %d", closed.ClosedBy, fired.NewStopID)
	}
}

// TestEngine_TriggerGapThroughStop tests a tick that crosses the trigger
// and fills the watched stop at once: no replacement is placed and the
// position stays flat.
func TestEngine_TriggerGapThroughStop(t *testing.T) {
	e, session, log := startPaper(t, testConfig())
	b := bracketFixture(t, e, session)

	tid, err := e.RegisterTriggerableTrailingStop(TriggerParams{
		StopOrderID:  b.StopID,
		TriggerPrice: dec("2190"),
		TrailAmount:  dec("10"),
	})
	if err != nil {
		t.Fatalf("RegisterTriggerableTrailingStop() error = %v", err)
	}

	session.Tick(esSymbol, dec("1899"))
	waitFor(t, "stop fill", func() bool { return orderStatus(e, b.StopID) == types.OrderStatusFilled })
	waitFor(t, "trigger cancelled", func() bool {
		tr, _ := e.Trigger(tid)
		return tr.State == trigger.StateCancelled
	})
	waitFor(t, "flat", func() bool { return e.NetPosition(esSymbol) == 0 })

	session.Tick(esSymbol, dec("1880"))
	time.Sleep(50 * time.Millisecond)

	if n := countRequests(session.Requests(), broker.RequestPlaceOrder); n != 3 {
		t.Errorf("expected only the three bracket placements, got %d", n)
	}
	if n := len(log.ofKind(events.KindTriggerFired)); n != 0 {
		t.Errorf("expected no TriggerFired, got %d", n)
	}
	if pos := e.NetPosition(esSymbol); pos != 0 {
		t.Errorf("net position after 1880 = %d, want 0", pos)
	}
}

// TestEngine_TriggerTrails tests ratcheting after the first fire.
func TestEngine_TriggerTrails(t *testing.T) {
	e, session, log := startPaper(t, testConfig())
	b := bracketFixture(t, e, session)

	tid, err := e.RegisterTriggerableTrailingStop(TriggerParams{
		StopOrderID:  b.StopID,
		TriggerPrice: dec("2196"),
		TrailAmount:  dec("2"),
		Trail:        true,
	})
	if err != nil {
		t.Fatalf("RegisterTriggerableTrailingStop() error = %v", err)
	}

	session.Tick(esSymbol, dec("2196"))
	waitFor(t, "first fire", func() bool { return len(log.ofKind(events.KindTriggerFired)) == 1 })

	first := log.ofKind(events.KindTriggerFired)[0].(*events.TriggerFired)
	if !first.NewStop.Equal(dec("2194")) || !first.Trailing {
		t.Fatalf("unexpected first fire %+v", first)
	}

	session.Tick(esSymbol, dec("2199"))
	waitFor(t, "ratchet", func() bool { return len(log.ofKind(events.KindTriggerFired)) == 2 })

	second := log.ofKind(events.KindTriggerFired)[1].(*events.TriggerFired)
	if second.NewStopID != first.NewStopID || !second.NewStop.Equal(dec("2197")) {
		t.Errorf("expected in-place ratchet to 2197, got %+v", second)
	}
	waitFor(t, "stop moved", func() bool {
		rec, _ := e.Order(first.NewStopID)
		return rec.Order.AuxPrice.Equal(dec("2197"))
	})

	if err := e.CancelTrigger(tid); err != nil {
		t.Fatalf("CancelTrigger() error = %v", err)
	}
	session.Tick(esSymbol, dec("2199.50"))
	session.Tick(esSymbol, dec("2199.75"))
	time.Sleep(50 * time.Millisecond)
	if n := len(log.ofKind(events.KindTriggerFired)); n != 2 {
		t.Errorf("expected trailing stopped after cancel, got %d fires", n)
	}
}

// TestEngine_ModifyStopOrder tests in-place stop modification.
func TestEngine_ModifyStopOrder(t *testing.T) {
	e, session, _ := startPaper(t, testConfig())
	b := bracketFixture(t, e, session)
	ctx := context.Background()

	id, err := e.ModifyStopOrder(ctx, b.StopID, b.EntryID, dec("1950"), -1)
	if err != nil {
		t.Fatalf("ModifyStopOrder() error = %v", err)
	}
	if id != b.StopID {
		t.Errorf("id = %d, want %d", id, b.StopID)
	}

	var last broker.Request
	for _, r := range session.Requests() {
		if r.Kind == broker.RequestPlaceOrder && r.ID == b.StopID {
			last = r
		}
	}
	if !last.Order.AuxPrice.Equal(dec("1950")) || last.Order.OrderType != broker.OrderTypeStop {
		t.Errorf("unexpected modification %+v", last.Order)
	}

	if _, err := e.ModifyStopOrder(ctx, 99999, 0, dec("1950"), -1); !errors.Is(err, types.ErrUnknownOrder) {
		t.Errorf("expected ErrUnknownOrder, got %v", err)
	}
	if _, err := e.ModifyStopOrder(ctx, b.StopID, 0, decimal.Zero, -1); !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

// TestEngine_CancelOrder tests cancellation of a working order.
func TestEngine_CancelOrder(t *testing.T) {
	e, _, _ := startPaper(t, testConfig())
	ctx := context.Background()

	o, err := e.CreateOrder(OrderParams{Quantity: 1, Price: dec("2000")})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	id, err := e.PlaceOrder(ctx, esContract(), o, "")
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	waitFor(t, "submitted", func() bool { return orderStatus(e, id) == types.OrderStatusSubmitted })

	if err := e.CancelOrder(ctx, id); err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}
	waitFor(t, "cancelled", func() bool { return orderStatus(e, id) == types.OrderStatusCancelled })
	if len(e.OpenOrders()) != 0 {
		t.Errorf("expected no open orders, got %d", len(e.OpenOrders()))
	}
}

// TestEngine_DistinctIDs tests concurrent placements on the same answer.
func TestEngine_DistinctIDs(t *testing.T) {
	e, _, _ := startPaper(t, testConfig())
	ctx := context.Background()

	o, err := e.CreateOrder(OrderParams{Quantity: 1, Price: dec("2000")})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	const n = 8
	ids := make([]int64, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = e.PlaceOrder(ctx, esContract(), o, "")
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("PlaceOrder() error = %v", errs[i])
		}
		if seen[ids[i]] {
			t.Errorf("duplicate order id %d", ids[i])
		}
		seen[ids[i]] = true
	}
	if e.NextOrderID() <= maxID(ids) {
		t.Errorf("next id %d not above issued ids", e.NextOrderID())
	}
}

func maxID(ids []int64) int64 {
	var m int64
	for _, id := range ids {
		m = max(m, id)
	}
	return m
}

// TestEngine_Reconnect tests backoff reconnect, snapshot replay and
// resubscription.
func TestEngine_Reconnect(t *testing.T) {
	e, session, log := startPaper(t, testConfig())
	ctx := context.Background()

	if _, err := e.RequestMarketData(ctx, esContract(), "", false); err != nil {
		t.Fatalf("RequestMarketData() error = %v", err)
	}

	session.FailNextConnects(2)
	session.DropConnection()

	waitFor(t, "connection lost", func() bool { return len(log.ofKind(events.KindConnectionLost)) == 1 })
	waitFor(t, "connection restored", func() bool { return len(log.ofKind(events.KindConnectionRestored)) == 1 })

	restored := log.ofKind(events.KindConnectionRestored)[0].(*events.ConnectionRestored)
	if !restored.DataLost {
		t.Error("expected DataLost after transport reconnect")
	}

	waitFor(t, "resubscribe", func() bool {
		reqs := session.Requests()
		return countRequests(reqs, broker.RequestMarketData) == 2 && countRequests(reqs, broker.RequestPositions) == 2
	})
	if !e.IsConnected() {
		t.Error("expected connected after reconnect")
	}

	session.Tick(esSymbol, dec("2201"))
	waitFor(t, "ticks after reconnect", func() bool {
		snap, ok := e.MarketData(esSymbol)
		return ok && snap.Last().Equal(dec("2201"))
	})
}

// TestEngine_DataLostRestore tests that a 1101 restore resubscribes
// without reconnecting.
func TestEngine_DataLostRestore(t *testing.T) {
	e, session, log := startPaper(t, testConfig())
	ctx := context.Background()

	if _, err := e.RequestMarketDepth(ctx, esContract(), 5); err != nil {
		t.Fatalf("RequestMarketDepth() error = %v", err)
	}

	session.SimulateConnectivityLoss()
	waitFor(t, "connection lost", func() bool { return len(log.ofKind(events.KindConnectionLost)) == 1 })
	if e.IsConnected() {
		t.Error("expected disconnected during outage")
	}

	session.SimulateConnectivityRestored(true)
	waitFor(t, "depth resubscribed", func() bool {
		return countRequests(session.Requests(), broker.RequestMarketDepth) == 2
	})
	if countRequests(session.Requests(), broker.RequestPositions) != 1 {
		t.Error("expected no snapshot replay without a transport reconnect")
	}
}
