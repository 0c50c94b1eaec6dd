package trigger

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeView struct {
	statuses  map[int64]types.OrderStatus
	positions map[string]int64
}

func newFakeView() *fakeView {
	return &fakeView{statuses: make(map[int64]types.OrderStatus), positions: make(map[string]int64)}
}

func (v *fakeView) OrderStatus(id int64) (types.OrderStatus, bool) {
	s, ok := v.statuses[id]
	return s, ok
}

func (v *fakeView) NetPosition(symbol string) int64 { return v.positions[symbol] }

func sellStop() Registration {
	return Registration{
		Symbol:       "ESU2016_FUT",
		ParentID:     10,
		StopOrderID:  12,
		Quantity:     -1,
		TriggerPrice: dec("2190"),
		TrailAmount:  dec("10"),
		TickSize:     dec("0.25"),
	}
}

// TestRoundToTick tests half-away-from-zero tick rounding.
func TestRoundToTick(t *testing.T) {
	tests := []struct {
		v, tick, want string
	}{
		{"2180", "0.25", "2180"},
		{"2180.1", "0.25", "2180"},
		{"2180.125", "0.25", "2180.25"},
		{"2180.13", "0.25", "2180.25"},
		{"1.005", "0.01", "1.01"},
		{"-1.005", "0.01", "-1.01"},
		{"1234.55", "0.1", "1234.6"},
	}

	for _, tt := range tests {
		got := RoundToTick(dec(tt.v), dec(tt.tick))
		if !got.Equal(dec(tt.want)) {
			t.Errorf("RoundToTick(%s, %s) = %s, want %s", tt.v, tt.tick, got, tt.want)
		}
		if !got.Mod(dec(tt.tick)).IsZero() {
			t.Errorf("RoundToTick(%s, %s) = %s is not a tick multiple", tt.v, tt.tick, got)
		}
	}
}

// TestStopPrice tests direction and percent trails.
func TestStopPrice(t *testing.T) {
	tests := []struct {
		name    string
		qty     int64
		last    string
		amount  string
		percent string
		tick    string
		want    string
	}{
		{"sell stop amount", -1, "2190", "10", "0", "0.25", "2180"},
		{"buy stop amount", 1, "2190", "10", "0", "0.25", "2200"},
		{"sell stop percent", -1, "2000", "0", "0.5", "0.25", "1990"},
		{"sell stop percent rounds", -1, "2190.3", "0", "1", "0.25", "2168.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StopPrice(tt.qty, dec(tt.last), dec(tt.amount), dec(tt.percent), dec(tt.tick))
			if !got.Equal(dec(tt.want)) {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

// TestRegistrationValidate tests registration validation.
func TestRegistrationValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Registration)
	}{
		{"missing symbol", func(r *Registration) { r.Symbol = "" }},
		{"missing stop", func(r *Registration) { r.StopOrderID = 0 }},
		{"zero quantity", func(r *Registration) { r.Quantity = 0 }},
		{"zero trigger", func(r *Registration) { r.TriggerPrice = decimal.Zero }},
		{"both trails", func(r *Registration) { r.TrailPercent = dec("1") }},
		{"no trail", func(r *Registration) { r.TrailAmount = decimal.Zero }},
		{"zero tick", func(r *Registration) { r.TickSize = decimal.Zero }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := sellStop()
			tt.mutate(&reg)
			if err := reg.Validate(); !errors.Is(err, types.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}

	if err := sellStop().Validate(); err != nil {
		t.Errorf("expected valid registration, got %v", err)
	}
}

// TestScenario_TrailingStopFires tests the bracket trailing-stop scenario.
func TestScenario_TrailingStopFires(t *testing.T) {
	view := newFakeView()
	e := NewEngine(view, nil)

	id, err := e.Register(sellStop())
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	view.statuses[10] = types.OrderStatusSubmitted
	if actions := e.OnTick("ESU2016_FUT", dec("2185")); len(actions) != 0 {
		t.Fatal("expected no action before the parent fills")
	}

	view.statuses[10] = types.OrderStatusFilled
	if actions := e.OnTick("ESU2016_FUT", dec("2195")); len(actions) != 0 {
		t.Fatal("expected no action above the trigger")
	}

	actions := e.OnTick("ESU2016_FUT", dec("2190"))
	if len(actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(actions))
	}
	a := actions[0]
	if a.StopOrderID != 12 || !a.NewStop.Equal(dec("2180")) || a.Ratchet {
		t.Errorf("unexpected action %+v", a)
	}

	got, _ := e.Get(id)
	if got.State != StateTriggered {
		t.Errorf("expected triggered, got %s", got.State)
	}

	if err := e.MarkConsumed(id, 13, a.NewStop); err != nil {
		t.Fatalf("mark consumed: %v", err)
	}
	got, _ = e.Get(id)
	if got.State != StateConsumed || got.ReplacementID != 13 {
		t.Errorf("unexpected trigger %+v", got)
	}
}

// TestConsumedIsInert tests trigger idempotence.
func TestConsumedIsInert(t *testing.T) {
	view := newFakeView()
	view.statuses[10] = types.OrderStatusFilled
	e := NewEngine(view, nil)

	id, _ := e.Register(sellStop())
	actions := e.OnTick("ESU2016_FUT", dec("2189"))
	if len(actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(actions))
	}
	_ = e.MarkConsumed(id, 13, actions[0].NewStop)

	for _, p := range []string{"2188", "2150", "2190", "2100"} {
		if actions := e.OnTick("ESU2016_FUT", dec(p)); len(actions) != 0 {
			t.Errorf("expected consumed trigger to ignore tick %s", p)
		}
	}
}

// TestTriggeredIgnoresTicks tests that a fired trigger does not fire twice
// while its replacement is in flight.
func TestTriggeredIgnoresTicks(t *testing.T) {
	view := newFakeView()
	view.statuses[10] = types.OrderStatusFilled
	e := NewEngine(view, nil)

	_, _ = e.Register(sellStop())
	e.OnTick("ESU2016_FUT", dec("2189"))
	if actions := e.OnTick("ESU2016_FUT", dec("2188")); len(actions) != 0 {
		t.Error("expected no second action while triggered")
	}
}

// TestRearm tests that a failed replacement retries on the next tick.
func TestRearm(t *testing.T) {
	view := newFakeView()
	view.statuses[10] = types.OrderStatusFilled
	e := NewEngine(view, nil)

	id, _ := e.Register(sellStop())
	e.OnTick("ESU2016_FUT", dec("2189"))

	if err := e.Rearm(id); err != nil {
		t.Fatalf("rearm: %v", err)
	}
	got, _ := e.Get(id)
	if got.State != StateArmed {
		t.Errorf("expected armed, got %s", got.State)
	}
	if actions := e.OnTick("ESU2016_FUT", dec("2188")); len(actions) != 1 {
		t.Errorf("expected retry action, got %d", len(actions))
	}
}

// TestBuyStop tests the rising direction.
func TestBuyStop(t *testing.T) {
	view := newFakeView()
	e := NewEngine(view, nil)

	reg := sellStop()
	reg.ParentID = 0
	reg.Quantity = 2
	reg.TriggerPrice = dec("2100")
	_, _ = e.Register(reg)

	if actions := e.OnTick("ESU2016_FUT", dec("2099.75")); len(actions) != 0 {
		t.Fatal("expected no action below trigger")
	}
	actions := e.OnTick("ESU2016_FUT", dec("2100.5"))
	if len(actions) != 1 || !actions[0].NewStop.Equal(dec("2110.5")) {
		t.Errorf("unexpected actions %+v", actions)
	}
}

// TestParentCancelledCancelsTrigger tests eligibility on parent outcome.
func TestParentCancelledCancelsTrigger(t *testing.T) {
	view := newFakeView()
	e := NewEngine(view, nil)

	id, _ := e.Register(sellStop())
	e.OnOrderStatus(10, types.OrderStatusCancelled)

	got, _ := e.Get(id)
	if got.State != StateCancelled {
		t.Errorf("expected cancelled, got %s", got.State)
	}
	if actions := e.OnTick("ESU2016_FUT", dec("2100")); len(actions) != 0 {
		t.Error("expected cancelled trigger to be inert")
	}
}

// TestStopFilledCancelsTrigger tests that a finished watched stop disarms.
func TestStopFilledCancelsTrigger(t *testing.T) {
	view := newFakeView()
	e := NewEngine(view, nil)

	id, _ := e.Register(sellStop())
	e.OnOrderStatus(12, types.OrderStatusFilled)

	if got, _ := e.Get(id); got.State != StateCancelled {
		t.Errorf("expected cancelled, got %s", got.State)
	}
}

// TestStopFilledCancelsFiredTrigger tests that a stop finishing before its
// replacement is recorded leaves nothing to consume.
func TestStopFilledCancelsFiredTrigger(t *testing.T) {
	view := newFakeView()
	view.statuses[10] = types.OrderStatusFilled
	e := NewEngine(view, nil)

	id, _ := e.Register(sellStop())
	if actions := e.OnTick("ESU2016_FUT", dec("1899")); len(actions) != 1 {
		t.Fatalf("expected one action, got %d", len(actions))
	}
	e.OnOrderStatus(12, types.OrderStatusFilled)

	got, _ := e.Get(id)
	if got.State != StateCancelled {
		t.Errorf("expected cancelled, got %s", got.State)
	}
	if err := e.MarkConsumed(id, 13, dec("1889")); err == nil {
		t.Error("expected MarkConsumed to fail on a cancelled trigger")
	}
	if err := e.Rearm(id); err != nil {
		t.Fatalf("rearm: %v", err)
	}
	if got, _ := e.Get(id); got.State != StateCancelled {
		t.Errorf("expected rearm to leave cancelled, got %s", got.State)
	}
}

// TestCancel tests explicit cancellation.
func TestCancel(t *testing.T) {
	view := newFakeView()
	view.statuses[10] = types.OrderStatusFilled
	e := NewEngine(view, nil)

	id, _ := e.Register(sellStop())
	if err := e.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if actions := e.OnTick("ESU2016_FUT", dec("2100")); len(actions) != 0 {
		t.Error("expected cancelled trigger to be inert")
	}
	if err := e.Cancel("missing"); !errors.Is(err, types.ErrTriggerNotFound) {
		t.Errorf("expected ErrTriggerNotFound, got %v", err)
	}
}

// TestRunningTrail tests the ratchet after consumption.
func TestRunningTrail(t *testing.T) {
	view := newFakeView()
	view.statuses[10] = types.OrderStatusFilled
	view.positions["ESU2016_FUT"] = 1
	e := NewEngine(view, nil)

	reg := sellStop()
	reg.Trail = true
	id, _ := e.Register(reg)

	first := e.OnTick("ESU2016_FUT", dec("2190"))
	_ = e.MarkConsumed(id, 13, first[0].NewStop)
	view.statuses[13] = types.OrderStatusSubmitted

	if actions := e.OnTick("ESU2016_FUT", dec("2189")); len(actions) != 0 {
		t.Fatal("expected no ratchet against the position")
	}

	actions := e.OnTick("ESU2016_FUT", dec("2195"))
	if len(actions) != 1 {
		t.Fatalf("expected ratchet, got %d", len(actions))
	}
	if !actions[0].Ratchet || actions[0].StopOrderID != 13 || !actions[0].NewStop.Equal(dec("2185")) {
		t.Errorf("unexpected ratchet %+v", actions[0])
	}

	if more := e.OnTick("ESU2016_FUT", dec("2196")); len(more) != 0 {
		t.Error("expected one in-flight ratchet at a time")
	}

	_ = e.MarkConsumed(id, 14, actions[0].NewStop)
	view.statuses[14] = types.OrderStatusSubmitted
	view.positions["ESU2016_FUT"] = 0

	if more := e.OnTick("ESU2016_FUT", dec("2200")); len(more) != 0 {
		t.Error("expected trail to stop when flat")
	}
	if got, _ := e.Get(id); got.Trailing {
		t.Error("expected trailing flag cleared")
	}
}

// TestIndependentTriggers tests that triggers on other symbols are untouched.
func TestIndependentTriggers(t *testing.T) {
	view := newFakeView()
	view.statuses[10] = types.OrderStatusFilled
	e := NewEngine(view, nil)

	_, _ = e.Register(sellStop())
	other := sellStop()
	other.Symbol = "NQU2016_FUT"
	other.StopOrderID = 22
	otherID, _ := e.Register(other)

	e.OnTick("ESU2016_FUT", dec("2100"))
	if got, _ := e.Get(otherID); got.State != StateArmed {
		t.Errorf("expected other trigger to stay armed, got %s", got.State)
	}

	counts := e.Counts()
	if counts[StateTriggered] != 1 || counts[StateArmed] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
}
