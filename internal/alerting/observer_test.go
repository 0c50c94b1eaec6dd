package alerting

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/events"
	"github.com/tathienbao/ibrecon/internal/types"
)

func waitCount(t *testing.T, mock *MockAlerter, n int) {
	t.Helper()
	if !mock.Wait(n, 2*time.Second) {
		t.Fatalf("expected %d alerts, got %d", n, mock.Count())
	}
}

// TestClassify tests the event to alert mapping.
func TestClassify(t *testing.T) {
	now := events.Header{At: time.Now()}
	tests := []struct {
		name   string
		ev     events.Event
		want   AlertEvent
		wantOK bool
	}{
		{"connection lost", &events.ConnectionLost{Header: now, Code: 1100}, EventConnectionLost, true},
		{"connection restored", &events.ConnectionRestored{Header: now, Code: 1102}, EventConnectionRestored, true},
		{"reconnect abandoned", &events.ErrorOccurred{Header: now, ReqID: -1,
			Err: fmt.Errorf("%w: gave up", types.ErrConnection)}, EventReconnectAbandoned, true},
		{"protocol error", &events.ErrorOccurred{Header: now,
			Err: &types.ProtocolError{MsgID: 9, Reason: "bad field"}}, EventProtocolError, true},
		{"gateway error", &events.ErrorOccurred{Header: now, Code: 201,
			Err: &types.GatewayError{Code: 201}}, EventGatewayError, true},
		{"rejected", &events.OrderStatusChanged{Header: now, OrderID: 3, Status: types.OrderStatusRejected}, EventOrderRejected, true},
		{"submitted", &events.OrderStatusChanged{Header: now, OrderID: 3, Status: types.OrderStatusSubmitted}, "", false},
		{"filled", &events.OrderFilled{Header: now, OrderID: 3, Quantity: 1, AvgFillPrice: decimal.NewFromInt(2190)}, EventOrderFilled, true},
		{"bracket closed", &events.BracketClosed{Header: now, ParentID: 1, ClosedBy: 2}, EventBracketClosed, true},
		{"trigger fired", &events.TriggerFired{Header: now, TriggerID: "t1"}, EventTriggerFired, true},
		{"tick", &events.TickUpdate{Header: now}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, msg, _, ok := classify(tt.ev)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("classify() = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
			if ok && msg == "" {
				t.Error("expected a message")
			}
		})
	}
}

// TestObserver_Delivers tests that events become alerts with ids and event
// tags.
func TestObserver_Delivers(t *testing.T) {
	mock := NewMockAlerter()
	obs := NewObserver(mock, ObserverConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go obs.Run(ctx)

	obs.OnEvent(&events.ConnectionLost{Header: events.Header{At: time.Now()}, Code: 1100, Reason: "connectivity lost"})
	obs.OnEvent(&events.TickUpdate{Header: events.Header{At: time.Now()}})
	obs.OnEvent(&events.TriggerFired{Header: events.Header{At: time.Now()}, TriggerID: "t1", Trailing: true,
		NewStop: decimal.NewFromInt(2197)})

	waitCount(t, mock, 2)

	alerts := mock.Alerts()
	if alerts[0].Severity != SeverityHigh || !mock.HasEvent(EventConnectionLost) {
		t.Errorf("unexpected first alert %+v", alerts[0])
	}
	if id, ok := alerts[0].Field("alert_id"); !ok || id == "" {
		t.Error("expected alert_id field")
	}
	if alerts[1].Message != "Trailing stop ratcheted" {
		t.Errorf("message = %q", alerts[1].Message)
	}
	if v, _ := alerts[1].Field("new_stop"); v != "2197" {
		t.Errorf("new_stop = %v, want 2197", v)
	}
}

// TestObserver_EventFilter tests that only configured events alert while
// every event still counts toward the summary.
func TestObserver_EventFilter(t *testing.T) {
	mock := NewMockAlerter()
	obs := NewObserver(mock, ObserverConfig{Events: []AlertEvent{EventOrderFilled}}, nil)

	obs.OnEvent(&events.ConnectionLost{Header: events.Header{At: time.Now()}})
	obs.OnEvent(&events.OrderFilled{Header: events.Header{At: time.Now()}, OrderID: 1, Quantity: 2})

	ctx, cancel := context.WithCancel(context.Background())
	go obs.Run(ctx)
	waitCount(t, mock, 1)
	cancel()

	if !mock.HasEvent(EventOrderFilled) || mock.HasEvent(EventConnectionLost) {
		t.Errorf("unexpected alerts %+v", mock.Alerts())
	}
	s := obs.Summary().Summary(time.Now())
	if s.ConnectionLosses != 1 || s.Fills != 1 {
		t.Errorf("summary = %+v", s)
	}
}

// TestObserver_QueueFull tests that a full queue drops alerts instead of
// blocking.
func TestObserver_QueueFull(t *testing.T) {
	mock := NewMockAlerter()
	obs := NewObserver(mock, ObserverConfig{QueueSize: 2}, nil)

	for i := 0; i < 5; i++ {
		obs.Notify(EventGatewayError, "x")
	}
	if obs.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", obs.Dropped())
	}
}

// TestObserver_FlushOnStop tests that queued alerts are sent after the
// context is cancelled.
func TestObserver_FlushOnStop(t *testing.T) {
	mock := NewMockAlerter()
	obs := NewObserver(mock, ObserverConfig{}, nil)
	obs.Notify(EventSessionStopped, "stopping")
	obs.Notify(EventSessionSummary, "summary")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		obs.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if mock.Count() != 2 {
		t.Errorf("expected 2 flushed alerts, got %d", mock.Count())
	}
}
