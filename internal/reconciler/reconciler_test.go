package reconciler

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/events"
	"github.com/tathienbao/ibrecon/internal/registry"
	"github.com/tathienbao/ibrecon/internal/types"
)

var t0 = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestReconciler(t *testing.T) (*Reconciler, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil, nil)
	return New(reg, nil), reg
}

func resolve(t *testing.T, reg *registry.Registry, c broker.Contract) registry.Entry {
	t.Helper()
	e, _, err := reg.Resolve(c)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return e
}

func tick(id int64, field events.TickField, v string) *events.TickUpdate {
	return &events.TickUpdate{Header: events.Header{At: t0}, TickerID: id, Field: field, Value: dec(v)}
}

func status(id int64, s types.OrderStatus, filled, remaining int64) *events.OrderStatusChanged {
	return &events.OrderStatusChanged{Header: events.Header{At: t0}, OrderID: id, Status: s, Filled: filled, Remaining: remaining}
}

func kinds(evs []events.Event) []events.Kind {
	out := make([]events.Kind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind()
	}
	return out
}

func countKind(evs []events.Event, k events.Kind) int {
	n := 0
	for _, ev := range evs {
		if ev.Kind() == k {
			n++
		}
	}
	return n
}

// TestTick_LastWriteWins tests per-field overwrite regardless of other contracts.
func TestTick_LastWriteWins(t *testing.T) {
	r, reg := newTestReconciler(t)
	es := resolve(t, reg, broker.FutureContract("ES", "201609", "", ""))
	nq := resolve(t, reg, broker.FutureContract("NQ", "201609", "", ""))

	seq := []*events.TickUpdate{
		tick(es.TickerID, events.FieldLast, "2190"),
		tick(nq.TickerID, events.FieldLast, "4800"),
		tick(es.TickerID, events.FieldBid, "2189.75"),
		tick(es.TickerID, events.FieldLast, "2191.25"),
		tick(nq.TickerID, events.FieldLast, "4801"),
	}
	for _, ev := range seq {
		out := r.Apply(ev)
		if len(out) != 1 || out[0].(*events.TickUpdate).Symbol == "" {
			t.Fatalf("expected enriched tick, got %v", out)
		}
	}

	snap, ok := r.MarketData(es.Symbol)
	if !ok {
		t.Fatal("expected snapshot")
	}
	if !snap.Last().Equal(dec("2191.25")) || !snap.Bid().Equal(dec("2189.75")) {
		t.Errorf("unexpected snapshot last=%s bid=%s", snap.Last(), snap.Bid())
	}

	other, _ := r.MarketData(nq.Symbol)
	if !other.Last().Equal(dec("4801")) {
		t.Errorf("expected 4801, got %s", other.Last())
	}
}

// TestTick_OptionSubSnapshot tests that greeks do not overwrite raw fields.
func TestTick_OptionSubSnapshot(t *testing.T) {
	r, reg := newTestReconciler(t)
	opt := resolve(t, reg, broker.OptionContract("SPY", "20160916", dec("220"), "C", "", ""))

	r.Apply(tick(opt.TickerID, events.FieldImpliedVol, "0.30"))
	greek := tick(opt.TickerID, events.FieldOptImpliedVol, "0.25")
	greek.Source = events.SourceModel
	r.Apply(greek)
	delta := tick(opt.TickerID, events.FieldOptDelta, "0.55")
	delta.Source = events.SourceModel
	r.Apply(delta)

	snap, _ := r.MarketData(opt.Symbol)
	if v, _ := snap.Get(events.FieldImpliedVol); !v.Equal(dec("0.30")) {
		t.Errorf("expected raw implied vol 0.30, got %s", v)
	}
	model := snap.Options[events.SourceModel]
	if !model.ImpliedVol.Equal(dec("0.25")) || !model.Delta.Equal(dec("0.55")) {
		t.Errorf("unexpected model greeks %+v", model)
	}
}

// TestTick_UnknownTicker tests that ticks for unknown tickers are dropped.
func TestTick_UnknownTicker(t *testing.T) {
	r, _ := newTestReconciler(t)
	if out := r.Apply(tick(99, events.FieldLast, "1")); len(out) != 0 {
		t.Errorf("expected drop, got %v", out)
	}
}

// TestOptionGeneric tests the option mark.
func TestOptionGeneric(t *testing.T) {
	s := MarketSnapshot{Fields: map[events.TickField]decimal.Decimal{
		events.FieldBid:  dec("1.00"),
		events.FieldAsk:  dec("1.20"),
		events.FieldLast: dec("1.05"),
	}}
	if v := s.OptionGeneric(); !v.Equal(dec("1.1")) {
		t.Errorf("expected mid 1.1, got %s", v)
	}

	s.Fields[events.FieldLast] = dec("1.30")
	if v := s.OptionGeneric(); !v.Equal(dec("1.30")) {
		t.Errorf("expected last 1.30, got %s", v)
	}
}

// TestOrderStatus_DuplicateSuppressed tests exact duplicate suppression.
func TestOrderStatus_DuplicateSuppressed(t *testing.T) {
	r, _ := newTestReconciler(t)

	if out := r.Apply(status(10, types.OrderStatusSubmitted, 0, 1)); len(out) != 1 {
		t.Fatalf("expected 1 event, got %d", len(out))
	}
	if out := r.Apply(status(10, types.OrderStatusSubmitted, 0, 1)); len(out) != 0 {
		t.Errorf("expected duplicate to be suppressed, got %v", kinds(out))
	}
}

// TestOrderStatus_FillIsAuthoritative tests that a cancel after a fill is ignored.
func TestOrderStatus_FillIsAuthoritative(t *testing.T) {
	r, _ := newTestReconciler(t)

	out := r.Apply(status(10, types.OrderStatusFilled, 1, 0))
	if countKind(out, events.KindOrderFilled) != 1 {
		t.Fatalf("expected OrderFilled, got %v", kinds(out))
	}
	if out := r.Apply(status(10, types.OrderStatusCancelled, 1, 0)); len(out) != 0 {
		t.Errorf("expected cancel after fill to be ignored, got %v", kinds(out))
	}

	st, _ := r.OrderStatus(10)
	if st != types.OrderStatusFilled {
		t.Errorf("expected FILLED, got %s", st)
	}
}

// TestOrderStatus_EnrichedWithSymbol tests symbol enrichment for tracked orders.
func TestOrderStatus_EnrichedWithSymbol(t *testing.T) {
	r, _ := newTestReconciler(t)
	r.TrackOrder(10, broker.StockContract("AAPL", "", ""), broker.OrderDraft{Action: types.SideLong, Quantity: 5})

	out := r.Apply(status(10, types.OrderStatusSubmitted, 0, 5))
	if out[0].(*events.OrderStatusChanged).Symbol != "AAPL" {
		t.Errorf("expected AAPL, got %+v", out[0])
	}
}

func trackBracket(r *Reconciler) {
	c := broker.FutureContract("ES", "201609", "", "")
	r.TrackOrder(10, c, broker.OrderDraft{Action: types.SideLong, Quantity: 1})
	r.TrackOrder(11, c, broker.OrderDraft{Action: types.SideShort, Quantity: 1, ParentID: 10})
	r.TrackOrder(12, c, broker.OrderDraft{Action: types.SideShort, Quantity: 1, ParentID: 10})
	r.TrackBracket(Bracket{ParentID: 10, TargetID: 11, StopID: 12, Symbol: "ESU2016_FUT", OCAGroup: "g"})
}

// TestBracket_EntryFillActivates tests that the entry fill does not close the group.
func TestBracket_EntryFillActivates(t *testing.T) {
	r, _ := newTestReconciler(t)
	trackBracket(r)

	out := r.Apply(status(10, types.OrderStatusFilled, 1, 0))
	if countKind(out, events.KindBracketClosed) != 0 {
		t.Errorf("expected no BracketClosed, got %v", kinds(out))
	}

	b, _ := r.Bracket(10)
	if !b.Active || b.Closed {
		t.Errorf("expected active open bracket, got %+v", b)
	}
}

// TestBracket_ClosedExactlyOnce tests idempotent cascade under duplicates.
func TestBracket_ClosedExactlyOnce(t *testing.T) {
	r, _ := newTestReconciler(t)
	trackBracket(r)

	r.Apply(status(10, types.OrderStatusFilled, 1, 0))

	closed := 0
	seq := []*events.OrderStatusChanged{
		status(11, types.OrderStatusFilled, 1, 0),
		status(11, types.OrderStatusFilled, 1, 0),
		status(12, types.OrderStatusCancelled, 0, 1),
		status(12, types.OrderStatusCancelled, 0, 1),
	}
	for _, ev := range seq {
		closed += countKind(r.Apply(ev), events.KindBracketClosed)
	}

	if closed != 1 {
		t.Errorf("expected exactly one BracketClosed, got %d", closed)
	}

	b, _ := r.Bracket(10)
	if !b.Closed || b.ClosedBy != 11 || b.ClosedStatus != types.OrderStatusFilled {
		t.Errorf("unexpected bracket %+v", b)
	}
}

// TestBracket_EntryCancelledCloses tests that an unfilled entry closes the group.
func TestBracket_EntryCancelledCloses(t *testing.T) {
	r, _ := newTestReconciler(t)
	trackBracket(r)

	out := r.Apply(status(10, types.OrderStatusCancelled, 0, 1))
	if countKind(out, events.KindBracketClosed) != 1 {
		t.Errorf("expected BracketClosed, got %v", kinds(out))
	}
}

// TestBracket_ReplacedLegIgnored tests leg rebinding on cancel-and-replace.
func TestBracket_ReplacedLegIgnored(t *testing.T) {
	r, _ := newTestReconciler(t)
	trackBracket(r)
	r.Apply(status(10, types.OrderStatusFilled, 1, 0))

	c := broker.FutureContract("ES", "201609", "", "")
	r.ReplaceOrder(12, 13, c, broker.OrderDraft{Action: types.SideShort, Quantity: 1, ParentID: 10})

	if out := r.Apply(status(12, types.OrderStatusCancelled, 0, 1)); countKind(out, events.KindBracketClosed) != 0 {
		t.Errorf("expected replaced leg cancel to be ignored, got %v", kinds(out))
	}

	b, _ := r.Bracket(10)
	if b.StopID != 13 || b.Closed {
		t.Errorf("expected bracket rebound to 13, got %+v", b)
	}
	if old, _ := r.Order(12); old.ReplacedBy != 13 {
		t.Errorf("expected ReplacedBy 13, got %d", old.ReplacedBy)
	}

	out := r.Apply(status(13, types.OrderStatusFilled, 1, 0))
	if countKind(out, events.KindBracketClosed) != 1 {
		t.Errorf("expected new stop fill to close, got %v", kinds(out))
	}
}

// TestRevertReplacement tests undoing a replacement that was never sent.
func TestRevertReplacement(t *testing.T) {
	r, _ := newTestReconciler(t)
	trackBracket(r)

	c := broker.FutureContract("ES", "201609", "", "")
	r.ReplaceOrder(12, 13, c, broker.OrderDraft{Action: types.SideShort, Quantity: 1, ParentID: 10})
	r.RevertReplacement(12, 13)

	if _, ok := r.Order(13); ok {
		t.Error("expected replacement record removed")
	}
	if old, _ := r.Order(12); old.ReplacedBy != 0 {
		t.Errorf("expected ReplacedBy cleared, got %d", old.ReplacedBy)
	}
	if b, _ := r.Bracket(10); b.StopID != 12 {
		t.Errorf("expected bracket stop 12, got %d", b.StopID)
	}

	r.Apply(status(10, types.OrderStatusFilled, 1, 0))
	if out := r.Apply(status(12, types.OrderStatusFilled, 1, 0)); countKind(out, events.KindBracketClosed) != 1 {
		t.Errorf("expected original stop to close the bracket, got %v", kinds(out))
	}
}

// TestDropBracket tests forgetting a partially placed group.
func TestDropBracket(t *testing.T) {
	r, _ := newTestReconciler(t)
	trackBracket(r)

	r.DropBracket(10, 11, 12)

	if _, ok := r.Bracket(10); ok {
		t.Error("expected bracket removed")
	}
	for _, id := range []int64{11, 12} {
		if _, ok := r.Order(id); ok {
			t.Errorf("expected unsent leg %d removed", id)
		}
	}
	if _, ok := r.Order(10); !ok {
		t.Error("expected sent entry kept")
	}

	out := r.Apply(status(10, types.OrderStatusCancelled, 0, 1))
	if countKind(out, events.KindBracketClosed) != 0 {
		t.Errorf("expected no BracketClosed for a dropped group, got %v", kinds(out))
	}
	if got, _ := r.OrderStatus(10); got != types.OrderStatusCancelled {
		t.Errorf("entry status = %s, want CANCELLED", got)
	}
}

// TestOpenOrder_AdoptsLegs tests bracket reconstruction from open orders.
func TestOpenOrder_AdoptsLegs(t *testing.T) {
	r, _ := newTestReconciler(t)
	c := broker.FutureContract("ES", "201609", "", "")

	r.Apply(&events.OpenOrderReported{OrderID: 21, Symbol: "ESU2016_FUT", Contract: c,
		Order: broker.OrderDraft{Action: types.SideShort, Quantity: 1, OrderType: broker.OrderTypeLimit, ParentID: 20}, Status: types.OrderStatusSubmitted})
	r.Apply(&events.OpenOrderReported{OrderID: 22, Symbol: "ESU2016_FUT", Contract: c,
		Order: broker.OrderDraft{Action: types.SideShort, Quantity: 1, OrderType: broker.OrderTypeStop, ParentID: 20}, Status: types.OrderStatusSubmitted})

	b, ok := r.Bracket(20)
	if !ok || b.TargetID != 21 || b.StopID != 22 || !b.Active {
		t.Fatalf("unexpected bracket %+v", b)
	}

	out := r.Apply(status(22, types.OrderStatusFilled, 1, 0))
	if countKind(out, events.KindBracketClosed) != 1 {
		t.Errorf("expected BracketClosed, got %v", kinds(out))
	}
}

// TestExecution_Dedup tests execution de-duplication by exec id.
func TestExecution_Dedup(t *testing.T) {
	r, _ := newTestReconciler(t)
	ev := &events.ExecutionReported{Execution: broker.Execution{ExecID: "e1", OrderID: 10, Shares: 1, Contract: broker.StockContract("AAPL", "", "")}}

	if out := r.Apply(ev); len(out) != 1 {
		t.Fatalf("expected 1 event, got %d", len(out))
	}
	if out := r.Apply(ev); len(out) != 0 {
		t.Errorf("expected duplicate to be dropped")
	}
	if n := len(r.Executions(10)); n != 1 {
		t.Errorf("expected 1 execution, got %d", n)
	}

	st, _ := r.OrderStatus(10)
	if st != types.OrderStatusCreated {
		t.Errorf("expected execution not to change status, got %s", st)
	}
}

// TestPosition_Replace tests last-write-wins position rows and auto-registration.
func TestPosition_Replace(t *testing.T) {
	r, reg := newTestReconciler(t)
	c := broker.FutureContract("ES", "201609", "", "")
	c.ConID = 1001

	r.Apply(&events.PositionChanged{Position: broker.Position{Account: "DU1", Symbol: "ESU2016_FUT", Contract: c, Quantity: 2}})
	r.Apply(&events.PositionChanged{Position: broker.Position{Account: "DU1", Symbol: "ESU2016_FUT", Contract: c, Quantity: -1}})
	r.Apply(&events.PositionChanged{Position: broker.Position{Account: "DU2", Symbol: "ESU2016_FUT", Contract: c, Quantity: 3}})

	p, _ := r.Position("DU1", "ESU2016_FUT")
	if p.Quantity != -1 {
		t.Errorf("expected -1, got %d", p.Quantity)
	}
	if net := r.NetPosition("ESU2016_FUT"); net != 2 {
		t.Errorf("expected net 2, got %d", net)
	}
	if len(r.Positions()) != 2 {
		t.Errorf("expected 2 rows, got %d", len(r.Positions()))
	}
	if _, ok := reg.LookupConID(1001); !ok {
		t.Error("expected position contract to be registered")
	}
}

// TestAccountValues tests account value tracking.
func TestAccountValues(t *testing.T) {
	r, _ := newTestReconciler(t)

	r.Apply(&events.AccountValueChanged{Value: broker.AccountValue{Account: "DU1", Key: "NetLiquidation", Value: "100000", Currency: "USD"}})
	r.Apply(&events.AccountValueChanged{Value: broker.AccountValue{Account: "DU1", Key: "AccountType", Value: "INDIVIDUAL"}})

	s, ok := r.Account("")
	if !ok || !s.NetLiquidation.Equal(dec("100000")) {
		t.Errorf("unexpected summary %+v", s)
	}
	if n := len(r.AccountValues("DU1")); n != 2 {
		t.Errorf("expected 2 raw values, got %d", n)
	}
}

// TestContractDetails_Duplicate tests that duplicate bindings surface as ErrorOccurred.
func TestContractDetails_Duplicate(t *testing.T) {
	r, reg := newTestReconciler(t)
	a := resolve(t, reg, broker.FutureContract("ES", "201609", "", ""))
	b := resolve(t, reg, broker.FutureContract("ES", "201612", "", ""))

	details := broker.ContractDetails{Contract: broker.Contract{ConID: 1001, Symbol: "ES", SecType: broker.SecTypeFuture}}
	out := r.Apply(&events.ContractDetailsReceived{ReqID: a.TickerID, Details: details})
	if countKind(out, events.KindError) != 0 {
		t.Fatalf("unexpected error on first bind: %v", kinds(out))
	}

	out = r.Apply(&events.ContractDetailsReceived{ReqID: b.TickerID, Details: details})
	if countKind(out, events.KindError) != 1 {
		t.Fatalf("expected ErrorOccurred, got %v", kinds(out))
	}
	errEv := out[1].(*events.ErrorOccurred)
	if !errors.Is(errEv.Err, types.ErrDuplicateBinding) {
		t.Errorf("expected ErrDuplicateBinding, got %v", errEv.Err)
	}
}

// TestConnectionLost_OncePerEpisode tests connectivity bookkeeping.
func TestConnectionLost_OncePerEpisode(t *testing.T) {
	r, _ := newTestReconciler(t)
	r.SetConnected(true)
	trackBracket(r)

	if out := r.Apply(&events.ConnectionLost{Code: 1100}); len(out) != 1 {
		t.Fatalf("expected ConnectionLost, got %v", out)
	}
	if out := r.Apply(&events.ConnectionLost{Code: 2110}); len(out) != 0 {
		t.Errorf("expected repeated loss to be suppressed")
	}
	if r.IsConnected() {
		t.Error("expected disconnected")
	}
	if len(r.Orders()) != 3 {
		t.Error("expected tables to be kept across disconnect")
	}

	r.Apply(&events.ConnectionRestored{})
	if !r.IsConnected() {
		t.Error("expected connected after restore")
	}
}

// TestDepth tests order book row operations.
func TestDepth(t *testing.T) {
	r, reg := newTestReconciler(t)
	es := resolve(t, reg, broker.FutureContract("ES", "201609", "", ""))

	apply := func(pos int, op events.DepthOperation, side events.DepthSide, price string, size int64) {
		r.Apply(&events.DepthUpdate{TickerID: es.TickerID, Position: pos, Operation: op, Side: side, Price: dec(price), Size: size})
	}

	apply(0, events.OpInsert, events.DepthBid, "2190", 5)
	apply(0, events.OpInsert, events.DepthBid, "2190.25", 3)
	apply(1, events.OpUpdate, events.DepthBid, "2190", 7)
	apply(0, events.OpInsert, events.DepthAsk, "2190.5", 4)
	apply(0, events.OpDelete, events.DepthBid, "0", 0)

	book, ok := r.MarketDepth(es.Symbol)
	if !ok {
		t.Fatal("expected book")
	}
	if len(book.Bids) != 1 || !book.Bids[0].Price.Equal(dec("2190")) || book.Bids[0].Size != 7 {
		t.Errorf("unexpected bids %+v", book.Bids)
	}
	if len(book.Asks) != 1 || book.Asks[0].Size != 4 {
		t.Errorf("unexpected asks %+v", book.Asks)
	}
}

// TestDepth_RowLimit tests that rows beyond the limit are ignored.
func TestDepth_RowLimit(t *testing.T) {
	r, reg := newTestReconciler(t)
	es := resolve(t, reg, broker.FutureContract("ES", "201609", "", ""))

	for i := 0; i < DepthRows+3; i++ {
		r.Apply(&events.DepthUpdate{TickerID: es.TickerID, Position: 0, Operation: events.OpInsert, Side: events.DepthBid, Price: decimal.NewFromInt(int64(i)), Size: 1})
	}
	out := r.Apply(&events.DepthUpdate{TickerID: es.TickerID, Position: DepthRows, Operation: events.OpUpdate, Side: events.DepthBid})
	if len(out) != 0 {
		t.Error("expected out-of-range row to be ignored")
	}

	book, _ := r.MarketDepth(es.Symbol)
	if len(book.Bids) != DepthRows {
		t.Errorf("expected %d rows, got %d", DepthRows, len(book.Bids))
	}
}

// TestQueriesReturnCopies tests that snapshots are not shared with the tables.
func TestQueriesReturnCopies(t *testing.T) {
	r, reg := newTestReconciler(t)
	es := resolve(t, reg, broker.FutureContract("ES", "201609", "", ""))
	r.Apply(tick(es.TickerID, events.FieldLast, "2190"))

	snap, _ := r.MarketData(es.Symbol)
	snap.Fields[events.FieldLast] = dec("1")

	again, _ := r.MarketData(es.Symbol)
	if !again.Last().Equal(dec("2190")) {
		t.Errorf("expected table to be unchanged, got %s", again.Last())
	}
}
